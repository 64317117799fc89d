package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/runner"
)

var containersCmd = &cobra.Command{
	Use:   "containers",
	Short: "List named runner containers",
	Long: `Lists the named containers the runner daemon has recorded.
Named containers are reused across jobs that carry the same container
name; this shows which jobs currently hold one.`,
	RunE: runContainers,
}

func init() {
	rootCmd.AddCommand(containersCmd)
}

func runContainers(cmd *cobra.Command, args []string) error {
	store, err := runner.OpenContainerStore(filepath.Join(config.GlobalConfigDir(), "containers.db"))
	if err != nil {
		return fmt.Errorf("opening container store: %w", err)
	}
	defer store.Close()

	entries, err := store.List()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("No named containers recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCONTAINER\tREPOSITORY\tLAST USED\tIN USE")
	for _, entry := range entries {
		containerID := entry.ContainerID
		if len(containerID) > 12 {
			containerID = containerID[:12]
		}
		inUse := ""
		if entry.InUse {
			inUse = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			entry.Name, containerID, entry.Repository,
			entry.LastUsedAt.Format("2006-01-02 15:04"), inUse)
	}
	return tw.Flush()
}
