package cli

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/pksorensen/devspawn/internal/bootstrap"
	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/confighash"
	"github.com/pksorensen/devspawn/internal/devcontainer"
	"github.com/pksorensen/devspawn/internal/engine"
	"github.com/pksorensen/devspawn/internal/spawn"
	"github.com/pksorensen/devspawn/internal/ui"
)

var (
	spawnVolume       string
	spawnConfig       string
	spawnForce        bool
	spawnNoLaunch     bool
	spawnNoCopySource bool
	spawnNoBootstrap  bool
	spawnMountSocket  bool
	spawnBuildArgs    []string
	spawnBuildLog     string
	spawnRebuild      string
	spawnCommands     []string
)

var spawnCmd = &cobra.Command{
	Use:   "spawn [path]",
	Short: "Spawn a development container for a project",
	Long: `Spawns a development container for the project at the given path
(default: current directory). Source files are staged into a named volume
through a short-lived bootstrap container, then the devcontainer CLI builds
and starts the container. An unchanged configuration reuses the existing
container instead of rebuilding.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSpawn,
}

func init() {
	spawnCmd.Flags().StringVar(&spawnVolume, "volume", "", "volume name (default: derived from project name)")
	spawnCmd.Flags().StringVar(&spawnConfig, "config", "", "path to devcontainer.json (default: .devcontainer/devcontainer.json)")
	spawnCmd.Flags().BoolVarP(&spawnForce, "force", "f", false, "rebuild even if the configuration is unchanged")
	spawnCmd.Flags().BoolVar(&spawnNoLaunch, "no-launch", false, "do not launch the editor after spawning")
	spawnCmd.Flags().BoolVar(&spawnNoCopySource, "no-copy-source", false, "do not copy project files into the volume")
	spawnCmd.Flags().BoolVar(&spawnNoBootstrap, "no-bootstrap", false, "skip the bootstrap staging container")
	spawnCmd.Flags().BoolVar(&spawnMountSocket, "mount-engine-socket", false, "mount the engine socket into the bootstrap container")
	spawnCmd.Flags().StringArrayVar(&spawnBuildArgs, "build-arg", nil, "build argument KEY=VALUE (repeatable)")
	spawnCmd.Flags().StringVar(&spawnBuildLog, "build-log", "", "write container build output to this file")
	spawnCmd.Flags().StringVar(&spawnRebuild, "rebuild", "", "rebuild policy: auto, always, never, or prompt")
	spawnCmd.Flags().StringArrayVar(&spawnCommands, "staging-command", nil, "shell command to run in the bootstrap container (repeatable)")
	rootCmd.AddCommand(spawnCmd)
}

func runSpawn(cmd *cobra.Command, args []string) error {
	path := "."
	if len(args) > 0 {
		path = args[0]
	}

	behavior, err := spawn.ParseRebuildBehavior(spawnRebuild)
	if err != nil {
		return err
	}
	if spawnForce {
		behavior = spawn.RebuildAlways
	}

	buildArgs, err := parseBuildArgs(spawnBuildArgs)
	if err != nil {
		return err
	}

	eng, err := engine.New()
	if err != nil {
		return fmt.Errorf("connecting to container engine: %w", err)
	}
	defer eng.Close()

	globalCfg, _ := config.LoadGlobal()

	orch := spawn.New(spawn.Deps{
		Engine:           eng,
		Bootstrap:        bootstrap.NewManager(eng),
		CLI:              &devcontainer.CLI{},
		BootstrapImage:   globalCfg.Bootstrap.Image,
		BootstrapTimeout: globalCfg.BootstrapTimeout(),
	})

	opts := spawn.Options{
		ProjectPath:           path,
		ConfigPath:            spawnConfig,
		VolumeName:            spawnVolume,
		CopySourceFiles:       !spawnNoCopySource,
		LaunchEditor:          !spawnNoLaunch,
		ReuseExisting:         true,
		UseBootstrapContainer: !spawnNoBootstrap,
		MountEngineSocket:     spawnMountSocket,
		BuildArgs:             buildArgs,
		BuildLogPath:          spawnBuildLog,
		StagingCommands:       spawnCommands,
		RebuildBehavior:       behavior,
		Decider:               rebuildDecider(behavior),
	}

	result := orch.Spawn(cmd.Context(), opts)
	printResult(result)
	if !result.Success {
		return fmt.Errorf("spawn failed: %s", result.Message)
	}
	return nil
}

// rebuildDecider returns the interactive prompt for policies that ask
// before rebuilding. Auto prompts only on a terminal; without one it
// keeps the existing container.
func rebuildDecider(behavior spawn.RebuildBehavior) spawn.Decider {
	interactive := term.IsTerminal(int(os.Stdin.Fd()))
	switch behavior {
	case spawn.RebuildPrompt:
		return promptRebuild
	case spawn.RebuildAuto:
		if interactive {
			return promptRebuild
		}
		return nil
	default:
		return nil
	}
}

func promptRebuild(change confighash.ChangeResult) bool {
	ui.Infof("Configuration changed: %s", change.Reason)
	for _, f := range change.ChangedFiles {
		ui.Infof("  %s", f)
	}
	fmt.Fprint(os.Stderr, "Rebuild container? [y/N]: ")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func parseBuildArgs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid build argument %q, expected KEY=VALUE", pair)
		}
		out[key] = value
	}
	return out, nil
}

func printResult(result *spawn.Result) {
	for _, warning := range result.Warnings {
		ui.Warn(warning)
	}

	if !result.Success {
		ui.Error(result.Message)
		for _, e := range result.Errors {
			ui.Infof("  %s", e)
		}
		ui.Infof("Last step: %s", result.CompletedStep)
		return
	}

	fmt.Printf("%s Container ready in %s\n", ui.OKTag(), result.Duration.Round(time.Millisecond))
	if result.ContainerID != "" {
		fmt.Printf("  Container: %s\n", result.ContainerID)
	}
	if result.VolumeName != "" {
		fmt.Printf("  Volume:    %s\n", result.VolumeName)
	}
	if result.EditorURI != "" {
		fmt.Printf("  Editor:    %s\n", result.EditorURI)
	}
}
