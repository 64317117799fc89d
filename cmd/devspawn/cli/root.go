// Package cli implements the devspawn command-line interface using Cobra.
// It provides commands for spawning devcontainers, registering runners
// against a queue server, and running the polling daemon.
package cli

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/log"
)

var (
	verbose bool
	jsonOut bool
)

var rootCmd = &cobra.Command{
	Use:   "devspawn",
	Short: "Devspawn - devcontainer provisioning for projects and CI runners",
	Long: `Devspawn provisions development containers from devcontainer
configurations. It can spawn a container for a local project directory,
or run as a self-hosted runner daemon that polls a queue server for jobs
and dispatches each one into a container.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		globalCfg, _ := config.LoadGlobal()
		debugDir := filepath.Join(config.GlobalConfigDir(), "debug")

		if err := log.Init(log.Options{
			Verbose:       verbose,
			JSONFormat:    jsonOut,
			DebugDir:      debugDir,
			RetentionDays: globalCfg.Debug.RetentionDays,
		}); err != nil {
			// Log init failure is non-fatal, fall back to the default logger.
			cmd.PrintErrf("Warning: failed to initialize debug logging: %v\n", err)
		}
		if globalCfg.Debug.RetentionDays > 0 {
			log.Cleanup(debugDir, globalCfg.Debug.RetentionDays)
		}
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "output logs in JSON format")
}
