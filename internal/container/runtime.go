package container

import (
	"context"
	"errors"
	"log/slog"

	"github.com/blackbox/blackbox-node/internal/envcfg"
)

// Container name prefix for every deployment managed by this service.
const NamePrefix = "vllm-"

// The in-container port every inference runtime listens on.
const InferencePort = 8000

var (
	ErrTimeout            = errors.New("container runtime call timed out")
	ErrNotFound           = errors.New("container not found")
	ErrRuntimeUnavailable = errors.New("container runtime unavailable")
	ErrUnexpectedOutput   = errors.New("unexpected container runtime output")
)

// Summary describes one running container from a list query
type Summary struct {
	ID       string
	Name     string
	Status   string
	HostPort int
}

// State is the inspected runtime state of a container
type State struct {
	Running  bool
	ExitCode int
	PID      int
}

// StartSpec holds everything needed to start an inference container
type StartSpec struct {
	Image          string // e.g. "vllm/vllm-openai:latest"
	Name           string // container name, unique per model
	HostPort       int    // host side of HostPort -> 8000
	ModelID        string
	Token          string // HF_TOKEN passed into the container env
	HostConfigPath string // host path of the runtime config, mounted readonly
	TensorParallel int    // tensor-parallel size, <= GPU count
	CacheDir       string // host HF cache dir; defaults to ~/.cache/huggingface
}

// Runtime is the capability surface over the container CLI/daemon.
// Query verbs carry hard wall-clock timeouts; pull and run are bounded
// only by the caller's context.
type Runtime interface {
	// ListRunning returns running containers whose name begins with
	// NamePrefix. Entries are re-verified with a separate inspect of the
	// running flag; entries failing re-verification are dropped.
	ListRunning(ctx context.Context) ([]Summary, error)
	// Inspect returns the runtime state of a container by id or name
	Inspect(ctx context.Context, id string) (State, error)
	// Start creates and starts a container, returning its 12-hex short
	// id and any diagnostic output produced on the way
	Start(ctx context.Context, spec StartSpec) (id string, stderr string, err error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	// Logs returns the last tail lines of a container's output
	Logs(ctx context.Context, id string, tail int) (string, error)
	// EnsureImage pulls the image when it is not present locally
	EnsureImage(ctx context.Context, tag string) error
}

// NewRuntime picks a runtime implementation. When USE_SUDO_DOCKER is set,
// invocations go through the docker CLI with a sudo prefix. Otherwise the
// Docker SDK is used when the daemon socket answers an unprivileged ping;
// when it does not, the plain docker CLI is used, with a sudo prefix only
// if an unprivileged `docker ps` probe fails.
func NewRuntime(ctx context.Context, env *envcfg.Loader, logger *slog.Logger) Runtime {
	if env.Bool("USE_SUDO_DOCKER") {
		logger.Info("USE_SUDO_DOCKER set, using elevated docker CLI")
		return NewCLIRuntime(true, logger)
	}

	svc, err := NewDockerService(ctx, logger)
	if err == nil {
		return svc
	}
	logger.Warn("docker daemon not reachable unprivileged, falling back to CLI", "error", err)

	cli := NewCLIRuntime(false, logger)
	if !cli.probe(ctx) {
		logger.Info("unprivileged docker ps probe failed, elevating with sudo")
		return NewCLIRuntime(true, logger)
	}
	return cli
}
