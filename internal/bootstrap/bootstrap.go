// Package bootstrap stages project files into a persistent volume
// using a short-lived helper container, so the real development
// container can be built against a populated volume.
package bootstrap

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/pksorensen/devspawn/internal/engine"
	"github.com/pksorensen/devspawn/internal/log"
	"github.com/pksorensen/devspawn/internal/naming"
)

// ManagedImagePrefix marks image tags devspawn builds itself from the
// embedded Dockerfile rather than pulling from a registry.
const ManagedImagePrefix = "devspawn/"

// DefaultWorkspacePath is where the target volume is mounted inside
// the helper container.
const DefaultWorkspacePath = "/workspace"

const engineSocketPath = "/var/run/docker.sock"

// bootstrapDockerfile builds the managed helper image: a small alpine
// environment with the tools the staging commands rely on.
const bootstrapDockerfile = `FROM alpine:3.20
RUN apk add --no-cache tar rsync git
CMD ["sleep", "infinity"]
`

// Config describes one staging run.
type Config struct {
	Image             string
	NamePrefix        string
	VolumeName        string
	WorkspacePath     string
	MountEngineSocket bool
	Timeout           time.Duration
	Labels            map[string]string

	// UseGitignore excludes ignored paths when copying the project tree.
	UseGitignore bool

	// Commands run inside the helper after the copy, each as
	// ["sh", "-c", cmd].
	Commands []string
}

func (c Config) workspacePath() string {
	if c.WorkspacePath == "" {
		return DefaultWorkspacePath
	}
	return c.WorkspacePath
}

// Info is the runtime handle for a started helper container.
type Info struct {
	ContainerID string
	Name        string
	StartedAt   time.Time
}

// ImageStatus reports whether EnsureImage had to build the helper
// image and how long the build took.
type ImageStatus struct {
	WasBuilt      bool
	BuildDuration time.Duration
}

// CommandOutput aggregates the staging commands' streams. Stdout and
// stderr are kept separate so diagnostics can distinguish the two.
type CommandOutput struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Engine is the subset of container-engine operations staging needs.
type Engine interface {
	ImageExists(ctx context.Context, tag string) (bool, error)
	BuildImage(ctx context.Context, dockerfile, tag string, buildLog io.Writer) error
	RunContainer(ctx context.Context, opts engine.RunOptions) (string, error)
	CopyTarToContainer(ctx context.Context, containerID, destPath string, content io.Reader) error
	Exec(ctx context.Context, containerID string, cmd []string) (*engine.ExecResult, error)
	StopContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string) error
}

// Manager drives helper containers through the staging protocol.
// Callers own the sequencing; Cleanup must run on every exit path once
// Start has succeeded.
type Manager struct {
	engine Engine
}

func NewManager(eng Engine) *Manager {
	return &Manager{engine: eng}
}

// EnsureImage makes the helper image available. Managed tags are built
// from the embedded Dockerfile; registry images are pulled when the
// helper starts.
func (m *Manager) EnsureImage(ctx context.Context, image string) (ImageStatus, error) {
	exists, err := m.engine.ImageExists(ctx, image)
	if err != nil {
		return ImageStatus{}, fmt.Errorf("checking bootstrap image: %w", err)
	}
	if exists || !strings.HasPrefix(image, ManagedImagePrefix) {
		return ImageStatus{}, nil
	}

	log.Info("building bootstrap image", "image", image)
	start := time.Now()
	if err := m.engine.BuildImage(ctx, bootstrapDockerfile, image, io.Discard); err != nil {
		return ImageStatus{}, fmt.Errorf("building bootstrap image: %w", err)
	}
	status := ImageStatus{WasBuilt: true, BuildDuration: time.Since(start)}
	log.Info("bootstrap image built", "image", image, "duration", status.BuildDuration)
	return status, nil
}

// Start runs a helper container with the target volume mounted and, if
// configured, the host engine socket.
func (m *Manager) Start(ctx context.Context, cfg Config) (Info, error) {
	prefix := cfg.NamePrefix
	if prefix == "" {
		prefix = naming.BootstrapNamePrefix
	}
	name := naming.BootstrapName(prefix)

	labels := map[string]string{
		naming.LabelManaged:   "true",
		naming.LabelBootstrap: "true",
	}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	mounts := []engine.Mount{
		{Kind: "volume", Source: cfg.VolumeName, Target: cfg.workspacePath()},
	}
	if cfg.MountEngineSocket {
		mounts = append(mounts, engine.Mount{
			Kind:   "bind",
			Source: engineSocketPath,
			Target: engineSocketPath,
		})
	}

	containerID, err := m.engine.RunContainer(ctx, engine.RunOptions{
		Name:   name,
		Image:  cfg.Image,
		Cmd:    []string{"sleep", "infinity"},
		Labels: labels,
		Mounts: mounts,
	})
	if err != nil {
		return Info{}, fmt.Errorf("starting bootstrap container: %w", err)
	}

	return Info{
		ContainerID: containerID,
		Name:        name,
		StartedAt:   time.Now(),
	}, nil
}

// CopyTree streams the project tree into the mounted volume path
// inside the helper. The .git directory is always excluded.
func (m *Manager) CopyTree(ctx context.Context, info Info, cfg Config, projectPath string) error {
	var buf bytes.Buffer
	if err := archiveTree(&buf, projectPath, cfg.UseGitignore); err != nil {
		return fmt.Errorf("archiving project tree: %w", err)
	}
	log.Debug("copying project tree to bootstrap container", "container", info.Name, "bytes", buf.Len())
	if err := m.engine.CopyTarToContainer(ctx, info.ContainerID, cfg.workspacePath(), &buf); err != nil {
		return fmt.Errorf("copying project tree: %w", err)
	}
	return nil
}

// RunCommands executes the staging commands in order, capturing stdout
// and stderr separately. A non-zero exit stops the sequence.
func (m *Manager) RunCommands(ctx context.Context, info Info, cfg Config) (CommandOutput, error) {
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	var out CommandOutput
	var stdout, stderr strings.Builder
	for _, cmd := range cfg.Commands {
		exec, err := m.engine.Exec(ctx, info.ContainerID, []string{"sh", "-c", cmd})
		if err != nil {
			out.Stdout = stdout.String()
			out.Stderr = stderr.String()
			return out, fmt.Errorf("running staging command: %w", err)
		}
		stdout.WriteString(exec.Stdout)
		stderr.WriteString(exec.Stderr)
		if exec.ExitCode != 0 {
			out.ExitCode = exec.ExitCode
			out.Stdout = stdout.String()
			out.Stderr = stderr.String()
			return out, fmt.Errorf("staging command exited with code %d", exec.ExitCode)
		}
	}
	out.Stdout = stdout.String()
	out.Stderr = stderr.String()
	return out, nil
}

// Cleanup stops and removes the helper container. It runs against a
// detached context so cancellation of the spawn cannot leave the
// helper behind.
func (m *Manager) Cleanup(ctx context.Context, info Info) error {
	if info.ContainerID == "" {
		return nil
	}
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	if err := m.engine.StopContainer(cleanupCtx, info.ContainerID); err != nil {
		log.Warn("stopping bootstrap container", "container", info.Name, "error", err)
	}
	if err := m.engine.RemoveContainer(cleanupCtx, info.ContainerID); err != nil {
		return fmt.Errorf("removing bootstrap container: %w", err)
	}
	return nil
}
