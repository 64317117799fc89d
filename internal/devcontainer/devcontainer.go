// Package devcontainer invokes the devcontainer CLI to build and start
// the development container against a prepared workspace.
package devcontainer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pksorensen/devspawn/internal/log"
	"github.com/pksorensen/devspawn/internal/probe"
)

// UpOptions configures one `devcontainer up` invocation.
type UpOptions struct {
	// WorkDir is the workspace folder passed to the CLI.
	WorkDir string
	// ConfigPath overrides the devcontainer.json location when set.
	ConfigPath string
	// BuildArgs are forwarded as --build-arg KEY=VALUE, sorted by key
	// so invocations are reproducible.
	BuildArgs map[string]string
	// IDLabels are forwarded as --id-label KEY=VALUE and end up on the
	// created container, which is how it is rediscovered later.
	IDLabels map[string]string
	// Mounts are forwarded verbatim as --mount values, using the CLI's
	// type=bind,source=...,target=... syntax.
	Mounts []string
	// RemoteEnv entries are forwarded as --remote-env KEY=VALUE and
	// become environment variables inside the container.
	RemoteEnv map[string]string
	// LogFile receives the CLI's combined output when set; otherwise
	// output is captured in memory for the result.
	LogFile string
	// ForwardDockerConfig points the build at the host's ~/.docker so
	// registry credentials are available.
	ForwardDockerConfig bool
	// RemoveExisting asks the CLI to replace an existing container.
	RemoveExisting bool
}

// UpResult is the parsed outcome of a CLI invocation plus the captured
// output streams.
type UpResult struct {
	Outcome               string `json:"outcome"`
	ContainerID           string `json:"containerId"`
	RemoteUser            string `json:"remoteUser"`
	RemoteWorkspaceFolder string `json:"remoteWorkspaceFolder"`

	Stdout string `json:"-"`
	Stderr string `json:"-"`
}

// Runner abstracts the CLI subprocess so the orchestrator can be
// tested without the binary installed.
type Runner interface {
	Up(ctx context.Context, opts UpOptions) (*UpResult, error)
}

// CLI runs the real devcontainer binary.
type CLI struct {
	// Binary overrides the executable name, primarily for tests.
	Binary string
}

func (c *CLI) binary() string {
	if c.Binary != "" {
		return c.Binary
	}
	return probe.ContainerManagerBinary
}

// Up runs `devcontainer up` and parses the trailing JSON result line.
func (c *CLI) Up(ctx context.Context, opts UpOptions) (*UpResult, error) {
	args := []string{"up", "--workspace-folder", opts.WorkDir}
	if opts.ConfigPath != "" {
		args = append(args, "--config", opts.ConfigPath)
	}
	if opts.RemoveExisting {
		args = append(args, "--remove-existing-container")
	}

	for _, m := range opts.Mounts {
		args = append(args, "--mount", m)
	}
	args = append(args, sortedPairs("--build-arg", opts.BuildArgs)...)
	args = append(args, sortedPairs("--id-label", opts.IDLabels)...)
	args = append(args, sortedPairs("--remote-env", opts.RemoteEnv)...)

	cmd := exec.CommandContext(ctx, c.binary(), args...)
	cmd.Dir = opts.WorkDir
	cmd.Env = os.Environ()
	if opts.ForwardDockerConfig {
		if home, err := os.UserHomeDir(); err == nil {
			cmd.Env = append(cmd.Env, "DOCKER_CONFIG="+filepath.Join(home, ".docker"))
		}
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if opts.LogFile != "" {
		f, err := os.OpenFile(opts.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("opening build log %s: %w", opts.LogFile, err)
		}
		defer f.Close()
		cmd.Stdout = io.MultiWriter(&stdout, f)
		cmd.Stderr = io.MultiWriter(&stderr, f)
	}

	log.Debug("invoking container manager", "args", strings.Join(args, " "))
	runErr := cmd.Run()

	result, parseErr := parseResult(stdout.String())
	if result == nil {
		result = &UpResult{}
	}
	result.Stdout = stdout.String()
	result.Stderr = stderr.String()

	if runErr != nil {
		return result, fmt.Errorf("devcontainer up failed: %w: %s", runErr, lastLine(stderr.String()))
	}
	if parseErr != nil {
		return result, fmt.Errorf("parsing devcontainer output: %w", parseErr)
	}
	if result.Outcome != "success" {
		return result, fmt.Errorf("devcontainer up reported outcome %q", result.Outcome)
	}
	return result, nil
}

// sortedPairs renders a map as repeated "flag KEY=VALUE" arguments in
// key order so invocations are reproducible.
func sortedPairs(flag string, m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, flag, fmt.Sprintf("%s=%s", k, m[k]))
	}
	return args
}

// parseResult finds the last line of output that parses as the CLI's
// JSON result. The CLI interleaves build logs on stdout, so scanning
// from the end is required.
func parseResult(output string) (*UpResult, error) {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var result UpResult
		if err := json.Unmarshal([]byte(line), &result); err == nil && result.Outcome != "" {
			return &result, nil
		}
	}
	return nil, fmt.Errorf("no JSON result line in output")
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) == 0 {
		return ""
	}
	return lines[len(lines)-1]
}
