// Package spawn orchestrates the full lifecycle of bringing up a
// development container: runtime checks, volume staging through a
// bootstrap helper, the container-manager build, and editor launch.
package spawn

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/pksorensen/devspawn/internal/bootstrap"
	"github.com/pksorensen/devspawn/internal/confighash"
	"github.com/pksorensen/devspawn/internal/devcontainer"
	"github.com/pksorensen/devspawn/internal/engine"
	"github.com/pksorensen/devspawn/internal/log"
	"github.com/pksorensen/devspawn/internal/naming"
	"github.com/pksorensen/devspawn/internal/probe"
)

// CredentialSocketTarget is where Options.CredentialSocket is mounted
// inside the container.
const CredentialSocketTarget = "/var/run/devspawn.sock"

// CredentialSocketEnv is the in-container environment variable naming
// the mounted credential socket.
const CredentialSocketEnv = "DEVSPAWN_CRED_SOCKET"

// Decider is consulted when an existing container's configuration has
// changed and the rebuild policy is auto or prompt. Returning true
// proceeds with the rebuild; false reuses the existing container.
type Decider func(change confighash.ChangeResult) bool

// Options configures one spawn attempt. Fields are read once at the
// start of Spawn and never mutated.
type Options struct {
	ProjectName string
	ProjectPath string
	ConfigPath  string
	VolumeName  string

	// WorkingDir resolves relative paths; defaults to the process
	// working directory.
	WorkingDir string

	CopySourceFiles       bool
	LaunchEditor          bool
	ReuseExisting         bool
	UseBootstrapContainer bool
	MountEngineSocket     bool
	ForwardDockerConfig   bool

	BuildArgs       map[string]string
	BuildLogPath    string
	StagingCommands []string

	// CredentialSocket, when set, is bind-mounted into the container at
	// CredentialSocketTarget and advertised through CredentialSocketEnv
	// so processes inside can fetch the runner token.
	CredentialSocket string

	RebuildBehavior  RebuildBehavior
	SkipRebuildCheck bool
	Decider          Decider
}

// Result reports the outcome of one spawn attempt. It is created once
// per attempt and never mutated after return.
type Result struct {
	Success       bool
	Message       string
	ContainerID   string
	VolumeName    string
	EditorURI     string
	Errors        []string
	Warnings      []string
	Duration      time.Duration
	CompletedStep Step

	BootstrapContainerID string
	CommandStdout        string
	CommandStderr        string
}

// Engine is the subset of container-engine operations the orchestrator
// itself needs; the bootstrap manager carries its own.
type Engine interface {
	EnsureVolume(ctx context.Context, name string, labels map[string]string) (bool, error)
	FindContainerByLabels(ctx context.Context, want map[string]string) ([]engine.ContainerInfo, error)
}

// Deps wires the orchestrator's collaborators. Zero-value probe and
// editor hooks fall back to the real implementations.
type Deps struct {
	Engine    Engine
	Bootstrap *bootstrap.Manager
	CLI       devcontainer.Runner

	CheckRuntime func(ctx context.Context) probe.RuntimeStatus
	CheckCLI     func() bool
	LaunchEditor func(ctx context.Context, containerID, workspaceFolder string) (string, error)

	BootstrapImage   string
	BootstrapTimeout time.Duration
}

// Orchestrator runs the spawn state machine.
type Orchestrator struct {
	deps Deps
}

func New(deps Deps) *Orchestrator {
	if deps.CheckRuntime == nil {
		deps.CheckRuntime = probe.CheckRuntimeAvailability
	}
	if deps.CheckCLI == nil {
		deps.CheckCLI = probe.IsContainerManagerCLIInstalled
	}
	if deps.LaunchEditor == nil {
		deps.LaunchEditor = launchVSCode
	}
	if deps.BootstrapImage == "" {
		deps.BootstrapImage = "alpine:3.20"
	}
	return &Orchestrator{deps: deps}
}

// Spawn drives one attempt through the state machine. It never returns
// an error: every fault, including panics, is converted into a failed
// Result carrying the step that was being attempted.
func (o *Orchestrator) Spawn(ctx context.Context, opts Options) (result *Result) {
	start := time.Now()
	result = &Result{}
	defer func() {
		if r := recover(); r != nil {
			result.Success = false
			result.Errors = append(result.Errors, fmt.Sprintf("internal error: %v", r))
			result.Message = "spawn failed with an internal error"
			log.Error("spawn panicked", "panic", r, "step", result.CompletedStep)
		}
		result.Duration = time.Since(start)
	}()

	opts, err := o.normalize(opts)
	if err != nil {
		return fail(result, StepNone, "%s", err)
	}
	result.VolumeName = opts.VolumeName

	// Precondition checks create no resources.
	result.CompletedStep = StepRuntimeCheck
	status := o.deps.CheckRuntime(ctx)
	if !status.Running {
		return fail(result, StepRuntimeCheck, "container runtime is not available: %s", status.Message)
	}
	log.Debug("runtime available", "version", status.Version)

	result.CompletedStep = StepCliCheck
	if !o.deps.CheckCLI() {
		return fail(result, StepCliCheck,
			"the %s CLI is not installed (npm install -g @devcontainers/cli)", probe.ContainerManagerBinary)
	}

	var hash confighash.HashResult
	if !opts.SkipRebuildCheck {
		files := confighash.DefaultConfigFiles(opts.ProjectPath, opts.ConfigPath)
		hash, err = confighash.ComputeHash(files)
		if err != nil {
			// Hashing happens between steps; no spawn step was in progress.
			return fail(result, StepNone, "hashing configuration: %v", err)
		}
	}

	removeExisting := false
	if opts.ReuseExisting {
		existing, reused, err := o.tryReuse(ctx, opts, hash, result)
		if err != nil {
			return fail(result, StepCliCheck, "%v", err)
		}
		if reused {
			return result
		}
		removeExisting = existing
	}

	result.CompletedStep = StepBootstrapImageCheck
	if opts.UseBootstrapContainer {
		imgStatus, err := o.deps.Bootstrap.EnsureImage(ctx, o.deps.BootstrapImage)
		if err != nil {
			return fail(result, StepBootstrapImageCheck, "%v", err)
		}
		if imgStatus.WasBuilt {
			log.Info("bootstrap image built", "duration", imgStatus.BuildDuration)
		}
	}

	result.CompletedStep = StepVolumeCreation
	labels := naming.ProjectLabels(opts.ProjectName, opts.VolumeName)
	if _, err := o.deps.Engine.EnsureVolume(ctx, opts.VolumeName, labels); err != nil {
		return fail(result, StepVolumeCreation, "%v", err)
	}

	// From here on the volume exists and is deliberately preserved on
	// failure so a retry does not re-stage from scratch.
	var bootInfo bootstrap.Info
	bootCfg := bootstrap.Config{
		Image:             o.deps.BootstrapImage,
		VolumeName:        opts.VolumeName,
		MountEngineSocket: opts.MountEngineSocket,
		Timeout:           o.deps.BootstrapTimeout,
		Labels:            labels,
		UseGitignore:      true,
		Commands:          opts.StagingCommands,
	}
	if opts.UseBootstrapContainer {
		result.CompletedStep = StepBootstrapContainerStart
		bootInfo, err = o.deps.Bootstrap.Start(ctx, bootCfg)
		if err != nil {
			return fail(result, StepBootstrapContainerStart, "%v", err)
		}
		result.BootstrapContainerID = bootInfo.ContainerID
		defer func() {
			if err := o.deps.Bootstrap.Cleanup(ctx, bootInfo); err != nil {
				result.Warnings = append(result.Warnings, err.Error())
			}
		}()

		result.CompletedStep = StepFileCopyToBootstrap
		if opts.CopySourceFiles {
			if err := o.deps.Bootstrap.CopyTree(ctx, bootInfo, bootCfg, opts.ProjectPath); err != nil {
				return fail(result, StepFileCopyToBootstrap, "%v", err)
			}
		}
		out, err := o.deps.Bootstrap.RunCommands(ctx, bootInfo, bootCfg)
		if err != nil {
			result.CommandStdout = out.Stdout
			result.CommandStderr = out.Stderr
			return fail(result, StepFileCopyToBootstrap, "%v", err)
		}
	}

	result.CompletedStep = StepContainerUp
	idLabels := make(map[string]string, len(labels)+3)
	for k, v := range labels {
		idLabels[k] = v
	}
	if !opts.SkipRebuildCheck {
		idLabels[naming.LabelConfigHash] = hash.Hash
		idLabels[naming.LabelConfigFiles] = confighash.EncodeFileDigests(hash.Files)
	}
	idLabels[naming.LabelBuiltAt] = time.Now().UTC().Format(time.RFC3339)

	var mounts []string
	var remoteEnv map[string]string
	if opts.CredentialSocket != "" {
		mounts = []string{fmt.Sprintf("type=bind,source=%s,target=%s",
			opts.CredentialSocket, CredentialSocketTarget)}
		remoteEnv = map[string]string{CredentialSocketEnv: CredentialSocketTarget}
	}

	up, err := o.deps.CLI.Up(ctx, devcontainer.UpOptions{
		WorkDir:             opts.ProjectPath,
		ConfigPath:          opts.ConfigPath,
		BuildArgs:           opts.BuildArgs,
		IDLabels:            idLabels,
		Mounts:              mounts,
		RemoteEnv:           remoteEnv,
		LogFile:             opts.BuildLogPath,
		ForwardDockerConfig: opts.ForwardDockerConfig,
		RemoveExisting:      removeExisting,
	})
	if up != nil {
		result.CommandStdout = up.Stdout
		result.CommandStderr = up.Stderr
	}
	if err != nil {
		return fail(result, StepContainerUp, "%v", err)
	}
	result.ContainerID = up.ContainerID

	if opts.UseBootstrapContainer {
		result.CompletedStep = StepBootstrapCleanup
	}

	if opts.LaunchEditor {
		result.CompletedStep = StepEditorLaunch
		uri, err := o.deps.LaunchEditor(ctx, up.ContainerID, up.RemoteWorkspaceFolder)
		if err != nil {
			// The container is usable without the editor.
			result.Warnings = append(result.Warnings, fmt.Sprintf("editor launch failed: %v", err))
		} else {
			result.EditorURI = uri
		}
	}

	result.CompletedStep = StepCompleted
	result.Success = true
	result.Message = fmt.Sprintf("container %s is ready", shortID(up.ContainerID))
	return result
}

// tryReuse checks for an existing container and applies the rebuild
// policy. It returns reused=true when the result is final, or
// removeExisting=true when the spawn should proceed and replace the
// container it found.
func (o *Orchestrator) tryReuse(ctx context.Context, opts Options, hash confighash.HashResult, result *Result) (removeExisting, reused bool, err error) {
	containers, err := o.deps.Engine.FindContainerByLabels(ctx, map[string]string{
		naming.LabelProject: naming.Slug(opts.ProjectName),
	})
	if err != nil {
		return false, false, fmt.Errorf("looking up existing containers: %w", err)
	}

	var existing *engine.ContainerInfo
	for i := range containers {
		if containers[i].Labels[naming.LabelBootstrap] == "true" {
			continue
		}
		existing = &containers[i]
		break
	}
	if existing == nil {
		return false, false, nil
	}

	reuse := func(msg string) {
		result.Success = true
		result.ContainerID = existing.ID
		result.CompletedStep = StepCompleted
		result.Message = msg
	}

	if opts.SkipRebuildCheck || opts.RebuildBehavior == RebuildNever {
		reuse(fmt.Sprintf("reusing existing container %s", shortID(existing.ID)))
		return false, true, nil
	}
	if opts.RebuildBehavior == RebuildAlways {
		log.Info("rebuild forced by policy", "container", existing.Name)
		return true, false, nil
	}

	change := confighash.HasChanged(hash, existing.Labels)
	if !change.Changed {
		reuse(fmt.Sprintf("configuration unchanged, reusing container %s", shortID(existing.ID)))
		return false, true, nil
	}
	if change.Reason == "no prior build recorded" {
		// No hash label to compare against: rebuild without asking.
		log.Info("no prior build recorded, rebuilding", "container", existing.Name)
		return true, false, nil
	}

	log.Info("configuration changed", "files", change.ChangedFiles, "lastBuilt", change.ExistingBuilt)
	if opts.Decider != nil && opts.Decider(change) {
		return true, false, nil
	}

	reuse(fmt.Sprintf("configuration changed but rebuild declined, reusing container %s", shortID(existing.ID)))
	result.Warnings = append(result.Warnings,
		fmt.Sprintf("configuration changed (%d files) since the last build; rerun with --force to rebuild", len(change.ChangedFiles)))
	return false, true, nil
}

func (o *Orchestrator) normalize(opts Options) (Options, error) {
	workDir := opts.WorkingDir
	if workDir == "" {
		var err error
		workDir, err = os.Getwd()
		if err != nil {
			return opts, fmt.Errorf("resolving working directory: %w", err)
		}
	}

	if opts.ProjectPath == "" {
		opts.ProjectPath = workDir
	} else if !filepath.IsAbs(opts.ProjectPath) {
		opts.ProjectPath = filepath.Join(workDir, opts.ProjectPath)
	}
	info, err := os.Stat(opts.ProjectPath)
	if err != nil || !info.IsDir() {
		return opts, fmt.Errorf("project path %s is not a directory", opts.ProjectPath)
	}

	if opts.ProjectName == "" {
		opts.ProjectName = filepath.Base(opts.ProjectPath)
	}
	if opts.VolumeName == "" {
		opts.VolumeName = naming.VolumeName(opts.ProjectName)
	}

	if opts.ConfigPath == "" {
		opts.ConfigPath = filepath.Join(opts.ProjectPath, ".devcontainer", "devcontainer.json")
	} else if !filepath.IsAbs(opts.ConfigPath) {
		opts.ConfigPath = filepath.Join(workDir, opts.ConfigPath)
	}
	if _, err := os.Stat(opts.ConfigPath); err != nil {
		return opts, fmt.Errorf("devcontainer descriptor not found at %s", opts.ConfigPath)
	}

	return opts, nil
}

func fail(result *Result, step Step, format string, args ...any) *Result {
	msg := fmt.Sprintf(format, args...)
	result.Success = false
	result.CompletedStep = step
	result.Message = msg
	result.Errors = append(result.Errors, msg)
	log.Error("spawn failed", "step", step, "error", msg)
	return result
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// launchVSCode opens the container in VS Code through its remote
// container URI scheme.
func launchVSCode(ctx context.Context, containerID, workspaceFolder string) (string, error) {
	if workspaceFolder == "" {
		workspaceFolder = "/"
	}
	uri := fmt.Sprintf("vscode-remote://attached-container+%s%s",
		hex.EncodeToString([]byte(containerID)), workspaceFolder)

	cmd := exec.CommandContext(ctx, "code", "--folder-uri", uri)
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("launching editor: %w", err)
	}
	// Detach: the editor outlives the spawn.
	go func() { _ = cmd.Wait() }()
	return uri, nil
}
