package probe

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func TestCheckRuntimeAvailability_NeverErrors(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Must complete and return a status regardless of whether an engine
	// is installed on this machine.
	status := CheckRuntimeAvailability(ctx)
	if status.Message == "" {
		t.Error("status message is empty")
	}

	_, lookErr := exec.LookPath(EngineBinary)
	if (lookErr == nil) != status.Available {
		t.Errorf("Available = %v, but LookPath err = %v", status.Available, lookErr)
	}
	if status.Running && !status.Available {
		t.Error("Running implies Available")
	}
}

func TestIsContainerManagerCLIInstalled_MatchesPath(t *testing.T) {
	_, lookErr := exec.LookPath(ContainerManagerBinary)
	if got := IsContainerManagerCLIInstalled(); got != (lookErr == nil) {
		t.Errorf("IsContainerManagerCLIInstalled() = %v, LookPath err = %v", got, lookErr)
	}
}
