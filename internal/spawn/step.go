package spawn

import "fmt"

// Step is the ordered progress marker for one spawn attempt. Steps
// strictly increase on success; on failure the result records the step
// that was being attempted, which is how callers attribute failures.
type Step int

const (
	StepNone Step = iota
	StepRuntimeCheck
	StepCliCheck
	StepBootstrapImageCheck
	StepVolumeCreation
	StepBootstrapContainerStart
	StepFileCopyToBootstrap
	StepContainerUp
	StepBootstrapCleanup
	StepEditorLaunch
	StepCompleted
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "None"
	case StepRuntimeCheck:
		return "RuntimeCheck"
	case StepCliCheck:
		return "CliCheck"
	case StepBootstrapImageCheck:
		return "BootstrapImageCheck"
	case StepVolumeCreation:
		return "VolumeCreation"
	case StepBootstrapContainerStart:
		return "BootstrapContainerStart"
	case StepFileCopyToBootstrap:
		return "FileCopyToBootstrap"
	case StepContainerUp:
		return "ContainerUp"
	case StepBootstrapCleanup:
		return "BootstrapCleanup"
	case StepEditorLaunch:
		return "EditorLaunch"
	case StepCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Step(%d)", int(s))
	}
}

// RebuildBehavior decides what happens when an existing container's
// configuration hash differs from the current one.
type RebuildBehavior string

const (
	// RebuildAuto surfaces the change to the decider; without one it
	// behaves like RebuildNever.
	RebuildAuto RebuildBehavior = "auto"
	// RebuildAlways rebuilds regardless of the hash comparison.
	RebuildAlways RebuildBehavior = "always"
	// RebuildNever reuses the existing container regardless of changes.
	RebuildNever RebuildBehavior = "never"
	// RebuildPrompt always surfaces the change to the decider.
	RebuildPrompt RebuildBehavior = "prompt"
)

// ParseRebuildBehavior validates a policy string from flags or config.
func ParseRebuildBehavior(s string) (RebuildBehavior, error) {
	switch RebuildBehavior(s) {
	case RebuildAuto, RebuildAlways, RebuildNever, RebuildPrompt:
		return RebuildBehavior(s), nil
	case "":
		return RebuildAuto, nil
	default:
		return "", fmt.Errorf("invalid rebuild behavior %q (want auto, always, never, or prompt)", s)
	}
}
