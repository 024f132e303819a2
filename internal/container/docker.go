package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	specs "github.com/opencontainers/image-spec/specs-go/v1"
)

const (
	listTimeout    = 5 * time.Second
	inspectTimeout = 2 * time.Second
	stopTimeout    = 30 * time.Second
)

// DockerClient interface for Docker operations (mockable)
type DockerClient interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ImageList(ctx context.Context, options image.ListOptions) ([]image.Summary, error)
	ImagePull(ctx context.Context, refStr string, options image.PullOptions) (io.ReadCloser, error)
	Ping(ctx context.Context) (types.Ping, error)
	Close() error
}

// Compile-time interface check
var _ DockerClient = (*client.Client)(nil)

// DockerService implements Runtime over the Docker SDK
type DockerService struct {
	cli    DockerClient
	logger *slog.Logger
}

// NewDockerService connects to the daemon and verifies it answers a ping
func NewDockerService(ctx context.Context, logger *slog.Logger) (*DockerService, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()
	if _, err := cli.Ping(pingCtx); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("docker daemon ping failed: %w", err)
	}

	return &DockerService{cli: cli, logger: logger}, nil
}

// NewDockerServiceWithClient creates a DockerService with a provided client (for testing)
func NewDockerServiceWithClient(cli DockerClient, logger *slog.Logger) *DockerService {
	return &DockerService{cli: cli, logger: logger}
}

func mapDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	if client.IsErrNotFound(err) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	if client.IsErrConnectionFailed(err) {
		return fmt.Errorf("%w: %v", ErrRuntimeUnavailable, err)
	}
	return err
}

// ListRunning lists running vllm- containers. The list endpoint has been
// observed to include recently-exited containers, so every entry is
// re-verified with an inspect before being returned.
func (s *DockerService) ListRunning(ctx context.Context) ([]Summary, error) {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	containers, err := s.cli.ContainerList(listCtx, container.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("name", NamePrefix),
			filters.Arg("status", "running"),
		),
	})
	if err != nil {
		return nil, mapDockerErr(err)
	}

	summaries := make([]Summary, 0, len(containers))
	for _, c := range containers {
		name := containerName(c.Names)
		if len(name) < len(NamePrefix) || name[:len(NamePrefix)] != NamePrefix {
			continue
		}

		state, err := s.Inspect(ctx, c.ID)
		if err != nil || !state.Running {
			s.logger.Debug("dropping non-running container from list", "name", name)
			continue
		}

		summaries = append(summaries, Summary{
			ID:       shortID(c.ID),
			Name:     name,
			Status:   c.Status,
			HostPort: hostPortFromBindings(c.Ports),
		})
	}

	return summaries, nil
}

func containerName(names []string) string {
	if len(names) == 0 {
		return ""
	}
	name := names[0]
	if len(name) > 0 && name[0] == '/' {
		name = name[1:]
	}
	return name
}

func hostPortFromBindings(ports []container.Port) int {
	for _, p := range ports {
		if int(p.PrivatePort) == InferencePort && p.PublicPort > 0 {
			return int(p.PublicPort)
		}
	}
	for _, p := range ports {
		if p.PublicPort > 0 {
			return int(p.PublicPort)
		}
	}
	return InferencePort
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (s *DockerService) Inspect(ctx context.Context, id string) (State, error) {
	inspectCtx, cancel := context.WithTimeout(ctx, inspectTimeout)
	defer cancel()

	inspect, err := s.cli.ContainerInspect(inspectCtx, id)
	if err != nil {
		return State{}, mapDockerErr(err)
	}
	if inspect.State == nil {
		return State{}, fmt.Errorf("%w: inspect returned no state for %s", ErrUnexpectedOutput, id)
	}

	return State{
		Running:  inspect.State.Running,
		ExitCode: inspect.State.ExitCode,
		PID:      inspect.State.Pid,
	}, nil
}

// Start creates and starts an inference container bound to all GPUs
func (s *DockerService) Start(ctx context.Context, spec StartSpec) (string, string, error) {
	cacheDir := spec.CacheDir
	if cacheDir == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			cacheDir = filepath.Join(home, ".cache", "huggingface")
		}
	}

	cmd := []string{
		"--model", spec.ModelID,
		"--config", "/tmp/config.yaml",
		"--host", "0.0.0.0",
		"--trust-remote-code",
	}
	if spec.TensorParallel > 1 {
		cmd = append(cmd, "--tensor-parallel-size", strconv.Itoa(spec.TensorParallel))
	}

	inferencePort := nat.Port(fmt.Sprintf("%d/tcp", InferencePort))
	config := &container.Config{
		Image: spec.Image,
		Cmd:   cmd,
		Env: []string{
			fmt.Sprintf("HF_TOKEN=%s", spec.Token),
		},
		ExposedPorts: nat.PortSet{inferencePort: struct{}{}},
	}

	binds := []string{}
	if cacheDir != "" {
		binds = append(binds, fmt.Sprintf("%s:/root/.cache/huggingface", cacheDir))
	}
	if spec.HostConfigPath != "" {
		binds = append(binds, fmt.Sprintf("%s:/tmp/config.yaml:ro", spec.HostConfigPath))
	}

	hostConfig := &container.HostConfig{
		Runtime: "nvidia",
		IpcMode: container.IpcMode("host"),
		Binds:   binds,
		PortBindings: nat.PortMap{
			inferencePort: []nat.PortBinding{
				{HostIP: "0.0.0.0", HostPort: strconv.Itoa(spec.HostPort)},
			},
		},
		Resources: container.Resources{
			DeviceRequests: []container.DeviceRequest{
				{Count: -1, Capabilities: [][]string{{"gpu"}}},
			},
		},
	}

	resp, err := s.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, spec.Name)
	if err != nil {
		return "", "", mapDockerErr(err)
	}

	warnings := ""
	for _, w := range resp.Warnings {
		warnings += w + "\n"
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return shortID(resp.ID), warnings, mapDockerErr(err)
	}

	return shortID(resp.ID), warnings, nil
}

func (s *DockerService) Stop(ctx context.Context, name string) error {
	stopCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	seconds := 10
	err := s.cli.ContainerStop(stopCtx, name, container.StopOptions{Timeout: &seconds})
	return mapDockerErr(err)
}

func (s *DockerService) Remove(ctx context.Context, name string) error {
	rmCtx, cancel := context.WithTimeout(ctx, stopTimeout)
	defer cancel()

	err := s.cli.ContainerRemove(rmCtx, name, container.RemoveOptions{RemoveVolumes: true, Force: true})
	return mapDockerErr(err)
}

func (s *DockerService) Logs(ctx context.Context, id string, tail int) (string, error) {
	logsCtx, cancel := context.WithTimeout(ctx, listTimeout)
	defer cancel()

	reader, err := s.cli.ContainerLogs(logsCtx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       strconv.Itoa(tail),
	})
	if err != nil {
		return "", mapDockerErr(err)
	}
	defer reader.Close()

	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, reader); err != nil && err != io.EOF {
		return buf.String(), fmt.Errorf("%w: %v", ErrUnexpectedOutput, err)
	}
	return buf.String(), nil
}

// EnsureImage pulls the image when it is not available locally.
// Detection mirrors `docker images -q <tag>` returning nothing.
func (s *DockerService) EnsureImage(ctx context.Context, tag string) error {
	listCtx, cancel := context.WithTimeout(ctx, listTimeout)
	images, err := s.cli.ImageList(listCtx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("reference", tag)),
	})
	cancel()
	if err == nil && len(images) > 0 {
		return nil
	}

	s.logger.Info("image not found locally, pulling from registry", "image", tag)

	reader, err := s.cli.ImagePull(ctx, tag, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", tag, mapDockerErr(err))
	}
	defer reader.Close()

	// Consume the reader to complete the pull (progress output is discarded)
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("error during image pull %s: %w", tag, err)
	}

	s.logger.Info("image pulled successfully", "image", tag)
	return nil
}

// Close closes the Docker client connection
func (s *DockerService) Close() error {
	if s.cli != nil {
		return s.cli.Close()
	}
	return nil
}

// Compile-time interface check
var _ Runtime = (*DockerService)(nil)
