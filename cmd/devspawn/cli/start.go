package cli

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pksorensen/devspawn/internal/bootstrap"
	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/credential"
	"github.com/pksorensen/devspawn/internal/credsrv"
	"github.com/pksorensen/devspawn/internal/devcontainer"
	"github.com/pksorensen/devspawn/internal/engine"
	"github.com/pksorensen/devspawn/internal/runner"
	"github.com/pksorensen/devspawn/internal/spawn"
	"github.com/pksorensen/devspawn/internal/ui"
)

var startPollingInterval int

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the runner daemon",
	Long: `Starts the runner daemon for the first recorded registration. The
daemon polls the queue server for jobs and dispatches each job into a
development container, one at a time. A credential server on a local unix
socket serves the runner token to containers for the daemon's lifetime.

Stop with SIGINT or SIGTERM; an in-flight job is allowed to finish.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startPollingInterval, "polling-interval", 0, "seconds between job polls (default: from config)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	globalCfg, _ := config.LoadGlobal()
	if startPollingInterval > 0 {
		globalCfg.Daemon.PollingIntervalSeconds = startPollingInterval
	}

	registrations, err := config.LoadRegistrations(config.RegistrationsPath())
	if err != nil {
		return fmt.Errorf("loading registrations: %w", err)
	}
	if len(registrations) == 0 {
		return fmt.Errorf("no registrations found, run 'devspawn register <owner/project>' first")
	}
	reg := registrations[0]
	if len(registrations) > 1 {
		ui.Warnf("multiple registrations found, using %q", reg.Name)
	}

	key, err := credential.DefaultEncryptionKey()
	if err != nil {
		return fmt.Errorf("preparing credential store: %w", err)
	}
	credStore, err := credential.NewFileStore(credential.DefaultStoreDir(), key)
	if err != nil {
		return err
	}
	cred, err := credStore.Get(reg.Name)
	if err != nil {
		return fmt.Errorf("loading runner token: %w", err)
	}

	eng, err := engine.New()
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}
	defer eng.Close()

	orch := spawn.New(spawn.Deps{
		Engine:           eng,
		Bootstrap:        bootstrap.NewManager(eng),
		CLI:              &devcontainer.CLI{},
		BootstrapImage:   globalCfg.Bootstrap.Image,
		BootstrapTimeout: globalCfg.BootstrapTimeout(),
	})

	containers, err := runner.OpenContainerStore(filepath.Join(config.GlobalConfigDir(), "containers.db"))
	if err != nil {
		return fmt.Errorf("opening container store: %w", err)
	}
	defer containers.Close()

	// The source re-reads the store on every request so a re-registration
	// takes effect without restarting the daemon.
	credServer := credsrv.NewServer(credsrv.DefaultSocketPath(reg.Name), func() (*credsrv.CredentialResponse, error) {
		c, err := credStore.Get(reg.Name)
		if err != nil {
			return nil, err
		}
		return &credsrv.CredentialResponse{
			Kind:   string(c.Kind),
			Token:  c.Token,
			Server: c.Server,
		}, nil
	})

	daemon, err := runner.NewDaemon(runner.DaemonOptions{
		Config:       globalCfg,
		Registration: reg,
		Client:       runner.NewClient(reg.Server, cred.Token),
		Containers:   containers,
		Spawner:      orch,
		CredServer:   credServer,
		Token:        cred.Token,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return daemon.Run(ctx)
}
