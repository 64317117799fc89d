// Package probe checks whether the container engine and the
// devcontainer CLI are installed and reachable. Checks report status
// instead of failing: an absent engine is an answer, not an error.
package probe

import (
	"context"
	"os/exec"

	"github.com/docker/docker/client"
)

// EngineBinary is the container engine binary looked up on PATH.
const EngineBinary = "docker"

// ContainerManagerBinary is the container-manager CLI binary.
const ContainerManagerBinary = "devcontainer"

// RuntimeStatus describes the container engine's availability.
type RuntimeStatus struct {
	// Available is true when the engine binary is installed.
	Available bool
	// Running is true when the engine daemon answered a ping.
	Running bool
	// Version is the engine daemon version, when reachable.
	Version string
	// Message is an actionable description of any problem found.
	Message string
}

// CheckRuntimeAvailability probes the container engine. It never returns
// an error: absence and unreachability are reported in the status.
func CheckRuntimeAvailability(ctx context.Context) RuntimeStatus {
	if _, err := exec.LookPath(EngineBinary); err != nil {
		return RuntimeStatus{
			Message: "container engine not installed: " + EngineBinary + " not found on PATH",
		}
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return RuntimeStatus{
			Available: true,
			Message:   "container engine installed but client setup failed: " + err.Error(),
		}
	}
	defer cli.Close()

	if _, err := cli.Ping(ctx); err != nil {
		return RuntimeStatus{
			Available: true,
			Message:   "container engine installed but daemon not running",
		}
	}

	status := RuntimeStatus{Available: true, Running: true, Message: "container engine running"}
	if ver, err := cli.ServerVersion(ctx); err == nil {
		status.Version = ver.Version
	}
	return status
}

// IsContainerManagerCLIInstalled reports whether the devcontainer CLI is
// on PATH.
func IsContainerManagerCLIInstalled() bool {
	_, err := exec.LookPath(ContainerManagerBinary)
	return err == nil
}
