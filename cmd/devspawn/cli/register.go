package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/credential"
	"github.com/pksorensen/devspawn/internal/runner"
	"github.com/pksorensen/devspawn/internal/ui"
)

var (
	registerName   string
	registerServer string
)

var registerCmd = &cobra.Command{
	Use:   "register <owner/project>",
	Short: "Register this machine as a runner for a project",
	Long: `Registers this machine as a self-hosted runner with the queue server.
The returned runner token is stored encrypted on disk; the registration
itself is recorded in ~/.devspawn/registrations.yaml and picked up by
'devspawn start'.`,
	Args: cobra.ExactArgs(1),
	RunE: runRegister,
}

func init() {
	registerCmd.Flags().StringVar(&registerName, "name", "", "runner name (default: hostname)")
	registerCmd.Flags().StringVar(&registerServer, "server", "", "queue server base URL")
	rootCmd.AddCommand(registerCmd)
}

func runRegister(cmd *cobra.Command, args []string) error {
	owner, project, ok := strings.Cut(args[0], "/")
	if !ok || owner == "" || project == "" {
		return fmt.Errorf("expected <owner/project>, got %q", args[0])
	}
	if registerServer == "" {
		return fmt.Errorf("--server is required")
	}

	name := registerName
	if name == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving runner name: %w", err)
		}
		name = hostname
	}

	client := runner.NewClient(registerServer, "")
	resp, err := client.Register(cmd.Context(), owner, project, name)
	if err != nil {
		return fmt.Errorf("registering runner: %w", err)
	}
	if resp.Name == "" {
		resp.Name = name
	}

	key, err := credential.DefaultEncryptionKey()
	if err != nil {
		return fmt.Errorf("preparing credential store: %w", err)
	}
	store, err := credential.NewFileStore(credential.DefaultStoreDir(), key)
	if err != nil {
		return err
	}
	if err := store.Save(credential.Credential{
		Name:   resp.Name,
		Kind:   credential.KindPAT,
		Token:  resp.Token,
		Server: registerServer,
	}); err != nil {
		return fmt.Errorf("storing runner token: %w", err)
	}

	if err := config.SaveRegistration(config.RegistrationsPath(), config.Registration{
		Server:   registerServer,
		Owner:    owner,
		Project:  project,
		RunnerID: resp.ID,
		Name:     resp.Name,
	}); err != nil {
		return fmt.Errorf("recording registration: %w", err)
	}

	fmt.Printf("%s Registered runner %q for %s/%s\n", ui.OKTag(), resp.Name, owner, project)
	fmt.Println("Run 'devspawn start' to begin polling for jobs.")
	return nil
}
