package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/pksorensen/devspawn/internal/config"
	"github.com/pksorensen/devspawn/internal/doctor"
	"github.com/pksorensen/devspawn/internal/probe"
	"github.com/pksorensen/devspawn/internal/ui"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnostic information about the devspawn environment",
	Long: `Displays diagnostic information for debugging:
- container engine availability and version
- devcontainer CLI installation
- recorded runner registrations (tokens are never shown)`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

func runDoctor(cmd *cobra.Command, args []string) error {
	fmt.Println(ui.Bold("Devspawn Doctor"))
	fmt.Println()

	reg := doctor.NewRegistry()
	reg.Register(&platformSection{})
	reg.Register(&engineSection{ctx: cmd.Context()})
	reg.Register(&cliSection{})
	reg.Register(&registrationSection{})

	for _, section := range reg.Sections() {
		ui.Section(section.Name())
		if err := section.Print(os.Stdout); err != nil {
			fmt.Printf("%s Error: %v\n", ui.FailTag(), err)
		}
		fmt.Println()
	}

	return nil
}

type platformSection struct{}

func (s *platformSection) Name() string { return "Platform" }

func (s *platformSection) Print(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "OS/Arch:\t%s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Fprintf(tw, "Config dir:\t%s\n", config.GlobalConfigDir())
	return tw.Flush()
}

// engineSection shows container engine status
type engineSection struct {
	ctx context.Context
}

func (s *engineSection) Name() string { return "Container Engine" }

func (s *engineSection) Print(w io.Writer) error {
	status := probe.CheckRuntimeAvailability(s.ctx)
	switch {
	case status.Running:
		fmt.Fprintf(w, "%s %s running (version %s)\n", ui.OKTag(), probe.EngineBinary, status.Version)
	case status.Available:
		fmt.Fprintf(w, "%s %s installed but not running: %s\n", ui.WarnTag(), probe.EngineBinary, status.Message)
	default:
		fmt.Fprintf(w, "%s %s not found: %s\n", ui.FailTag(), probe.EngineBinary, status.Message)
	}
	return nil
}

type cliSection struct{}

func (s *cliSection) Name() string { return "Devcontainer CLI" }

func (s *cliSection) Print(w io.Writer) error {
	if probe.IsContainerManagerCLIInstalled() {
		fmt.Fprintf(w, "%s %s installed\n", ui.OKTag(), probe.ContainerManagerBinary)
		return nil
	}
	fmt.Fprintf(w, "%s %s not found on PATH\n", ui.FailTag(), probe.ContainerManagerBinary)
	fmt.Fprintln(w, "  Install with: npm install -g @devcontainers/cli")
	return nil
}

// registrationSection lists recorded runners. Tokens are stored in the
// credential store and never printed here.
type registrationSection struct{}

func (s *registrationSection) Name() string { return "Registrations" }

func (s *registrationSection) Print(w io.Writer) error {
	registrations, err := config.LoadRegistrations(config.RegistrationsPath())
	if err != nil {
		return err
	}
	if len(registrations) == 0 {
		fmt.Fprintln(w, "No runners registered.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROJECT\tSERVER")
	for _, reg := range registrations {
		fmt.Fprintf(tw, "%s\t%s/%s\t%s\n", reg.Name, reg.Owner, reg.Project, reg.Server)
	}
	return tw.Flush()
}
