// Package engine wraps the Docker Engine API with the small set of
// operations devspawn needs: volume management, labelled container
// lookup, bootstrap container lifecycle, and in-container exec.
package engine

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/pksorensen/devspawn/internal/log"
)

// Mount describes a single mount for RunContainer. Kind is either
// "volume" or "bind".
type Mount struct {
	Kind     string
	Source   string
	Target   string
	ReadOnly bool
}

// RunOptions configures a container started by RunContainer.
type RunOptions struct {
	Name       string
	Image      string
	Cmd        []string
	Entrypoint []string
	Env        []string
	Labels     map[string]string
	Mounts     []Mount
	AutoRemove bool
}

// ContainerInfo is a labelled container returned by FindContainerByLabels.
type ContainerInfo struct {
	ID     string
	Name   string
	State  string
	Labels map[string]string
}

// ExecResult holds the demuxed output of an in-container command.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Client is a thin wrapper around the Docker SDK client.
type Client struct {
	cli *client.Client
}

// New connects to the Docker daemon using the standard environment
// configuration (DOCKER_HOST etc.).
func New() (*Client, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Ping verifies the daemon is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not accessible: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (c *Client) Close() error {
	return c.cli.Close()
}

// EnsureVolume creates a named volume if it does not already exist.
// It reports whether the volume was created by this call.
func (c *Client) EnsureVolume(ctx context.Context, name string, labels map[string]string) (created bool, err error) {
	_, err = c.cli.VolumeInspect(ctx, name)
	if err == nil {
		log.Debug("volume already exists", "volume", name)
		return false, nil
	}
	if !errdefs.IsNotFound(err) {
		return false, fmt.Errorf("inspecting volume %s: %w", name, err)
	}

	_, err = c.cli.VolumeCreate(ctx, volume.CreateOptions{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return false, fmt.Errorf("creating volume %s: %w", name, err)
	}
	log.Debug("volume created", "volume", name)
	return true, nil
}

// VolumeExists reports whether a named volume is present.
func (c *Client) VolumeExists(ctx context.Context, name string) (bool, error) {
	_, err := c.cli.VolumeInspect(ctx, name)
	if err == nil {
		return true, nil
	}
	if errdefs.IsNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("inspecting volume %s: %w", name, err)
}

// RemoveVolume deletes a named volume. Missing volumes are not an error.
func (c *Client) RemoveVolume(ctx context.Context, name string) error {
	if err := c.cli.VolumeRemove(ctx, name, false); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing volume %s: %w", name, err)
	}
	return nil
}

// FindContainerByLabels returns containers (running or stopped) whose
// labels match every key/value pair in want.
func (c *Client) FindContainerByLabels(ctx context.Context, want map[string]string) ([]ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range want {
		args.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: args,
	})
	if err != nil {
		return nil, fmt.Errorf("listing containers: %w", err)
	}

	infos := make([]ContainerInfo, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = strings.TrimPrefix(ctr.Names[0], "/")
		}
		infos = append(infos, ContainerInfo{
			ID:     ctr.ID,
			Name:   name,
			State:  ctr.State,
			Labels: ctr.Labels,
		})
	}
	return infos, nil
}

// InspectLabels returns the labels recorded on a container.
func (c *Client) InspectLabels(ctx context.Context, containerID string) (map[string]string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, fmt.Errorf("inspecting container: %w", err)
	}
	if inspect.Config == nil {
		return map[string]string{}, nil
	}
	return inspect.Config.Labels, nil
}

// ContainerState returns the container's current state ("running",
// "exited", ...).
func (c *Client) ContainerState(ctx context.Context, containerID string) (string, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspecting container: %w", err)
	}
	return inspect.State.Status, nil
}

// RunContainer creates and starts a container, pulling the image first
// if necessary. Returns the container ID.
func (c *Client) RunContainer(ctx context.Context, opts RunOptions) (string, error) {
	if err := c.ensureImage(ctx, opts.Image); err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:  opts.Image,
		Cmd:    opts.Cmd,
		Env:    opts.Env,
		Labels: opts.Labels,
	}
	if len(opts.Entrypoint) > 0 {
		cfg.Entrypoint = opts.Entrypoint
	}

	hostCfg := &container.HostConfig{
		Mounts:     toDockerMounts(opts.Mounts),
		AutoRemove: opts.AutoRemove,
	}

	resp, err := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, opts.Name)
	if err != nil {
		return "", fmt.Errorf("creating container: %w", err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		// Best effort: don't leave the created container behind.
		_ = c.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("starting container: %w", err)
	}

	log.Debug("container started", "container", opts.Name, "id", resp.ID[:12], "image", opts.Image)
	return resp.ID, nil
}

func toDockerMounts(in []Mount) []mount.Mount {
	mounts := make([]mount.Mount, len(in))
	for i, m := range in {
		typ := mount.TypeBind
		if m.Kind == "volume" {
			typ = mount.TypeVolume
		}
		mounts[i] = mount.Mount{
			Type:     typ,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		}
	}
	return mounts
}

// StopContainer stops a running container.
func (c *Client) StopContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stopping container: %w", err)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing containers are
// not an error.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{
		Force: true,
	}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("removing container: %w", err)
	}
	return nil
}

// CopyTarToContainer extracts a tar stream into destPath inside the
// container.
func (c *Client) CopyTarToContainer(ctx context.Context, containerID, destPath string, content io.Reader) error {
	if err := c.cli.CopyToContainer(ctx, containerID, destPath, content, container.CopyToContainerOptions{}); err != nil {
		return fmt.Errorf("copying archive to container: %w", err)
	}
	return nil
}

// Exec runs a command inside a running container and captures stdout
// and stderr separately.
func (c *Client) Exec(ctx context.Context, containerID string, cmd []string) (*ExecResult, error) {
	execID, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec: %w", err)
	}

	resp, err := c.cli.ContainerExecAttach(ctx, execID.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return nil, fmt.Errorf("reading exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return nil, fmt.Errorf("inspecting exec: %w", err)
	}

	return &ExecResult{
		ExitCode: inspect.ExitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}, nil
}

// ImageExists reports whether an image tag is present locally.
func (c *Client) ImageExists(ctx context.Context, tag string) (bool, error) {
	images, err := c.cli.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("listing images: %w", err)
	}
	for _, img := range images {
		for _, t := range img.RepoTags {
			if t == tag {
				return true, nil
			}
		}
	}
	return false, nil
}

// BuildImage builds an image from in-memory Dockerfile content. The
// build context contains only the Dockerfile.
func (c *Client) BuildImage(ctx context.Context, dockerfile, tag string, buildLog io.Writer) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{
		Name: "Dockerfile",
		Mode: 0644,
		Size: int64(len(dockerfile)),
	}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header: %w", err)
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return fmt.Errorf("writing Dockerfile to tar: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("closing tar writer: %w", err)
	}

	resp, err := c.cli.ImageBuild(ctx, &buf, build.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("building image: %w", err)
	}
	defer resp.Body.Close()

	decoder := json.NewDecoder(resp.Body)
	for {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := decoder.Decode(&msg); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("reading build output: %w", err)
		}
		if msg.Error != "" {
			return fmt.Errorf("build error: %s", msg.Error)
		}
		if msg.Stream != "" && buildLog != nil {
			_, _ = io.WriteString(buildLog, msg.Stream)
		}
	}
	return nil
}

// ensureImage pulls an image if it doesn't exist locally.
func (c *Client) ensureImage(ctx context.Context, imageName string) error {
	exists, err := c.ImageExists(ctx, imageName)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	log.Info("pulling image", "image", imageName)
	reader, err := c.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling image %s: %w", imageName, err)
	}
	defer reader.Close()

	// Drain the reader to complete the pull (discard JSON progress output)
	_, _ = io.Copy(io.Discard, reader)
	return nil
}
