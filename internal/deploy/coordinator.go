package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/domain"
	"github.com/blackbox/blackbox-node/internal/envcfg"
	"github.com/blackbox/blackbox-node/internal/hf"
	"github.com/blackbox/blackbox-node/internal/models"
)

// DefaultImage is the inference runtime started for every deployment.
const DefaultImage = "vllm/vllm-openai:latest"

const portScanRange = 1000

var errNotRunningYet = errors.New("container not running yet")

// Validator defines operations needed from the model hub client
type Validator interface {
	Validate(ctx context.Context, modelID, token string) hf.ModelInfo
}

// HealthProber defines the readiness probe needed from the scraper
type HealthProber interface {
	Health(ctx context.Context, port int) bool
}

// Request are the user-supplied deployment parameters
type Request struct {
	ModelID    string
	Token      string
	Port       int    // 0 means auto-assign
	GPUType    string // empty means detect
	ConfigPath string // empty means resolve from GPU type
}

// Response is the outcome reported back to the caller
type Response struct {
	Success     bool   `json:"success"`
	Message     string `json:"message"`
	ContainerID string `json:"container_id"`
	Port        int    `json:"port"`
}

// Coordinator orchestrates model deployments: admission, port selection,
// hub validation, container start, readiness and registry bookkeeping.
type Coordinator struct {
	runtime   container.Runtime
	registry  *models.Registry
	validator Validator
	prober    HealthProber
	gpu       domain.GPUProvider
	env       *envcfg.Loader
	logger    *slog.Logger

	image     string
	configDir string

	readyDelay    time.Duration
	readyInterval time.Duration
	readyChecks   int
	pidRetryDelay time.Duration
}

func NewCoordinator(runtime container.Runtime, registry *models.Registry, validator Validator, prober HealthProber, gpu domain.GPUProvider, env *envcfg.Loader, configDir string, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		runtime:   runtime,
		registry:  registry,
		validator: validator,
		prober:    prober,
		gpu:       gpu,
		env:       env,
		logger:    logger,
		image:     DefaultImage,
		configDir: configDir,

		readyDelay:    time.Second,
		readyInterval: 3 * time.Second,
		readyChecks:   3,
		pidRetryDelay: time.Second,
	}
}

// Deploy runs the full deployment pipeline. It never returns an error;
// failures are reported through Response.Success and Message so the
// boundary can always answer 200 with a parseable body.
func (c *Coordinator) Deploy(ctx context.Context, req Request) Response {
	modelID := strings.TrimSpace(req.ModelID)
	if modelID == "" {
		return Response{Message: "model_id is required or contains only whitespace"}
	}

	token := strings.TrimSpace(req.Token)
	if token == "" {
		token = c.env.Get("HF_TOKEN", "")
		if token == "" {
			return Response{Message: "hf_token is required (provide in request or set HF_TOKEN in .env)"}
		}
	}

	maxModels := c.env.Int("MAX_CONCURRENT_MODELS", 3)
	if current := c.registry.Count(); current >= maxModels {
		return Response{Message: fmt.Sprintf("Cannot deploy: %d models already deployed (max: %d)", current, maxModels)}
	}

	port := c.nextAvailablePort(req.Port)
	if req.Port > 0 && port != req.Port {
		c.logger.Warn("requested port is in use, reassigned", "requested", req.Port, "port", port)
	}

	info := c.validator.Validate(ctx, modelID, token)
	if !info.Valid {
		msg := "Model validation failed: " + info.Err
		if info.ID != "" && info.ID != modelID {
			msg += " (Did you mean: " + info.ID + "?)"
		}
		c.logger.Error("model validation failed", "model_id", modelID, "error", info.Err)
		return Response{Message: msg, Port: port}
	}

	validatedID := info.ID
	if validatedID != modelID {
		c.logger.Info("using corrected model id", "model_id", validatedID, "requested", modelID)
	}
	if info.Gated {
		c.logger.Debug("model is gated, token must have access", "model_id", validatedID)
	}

	containerName := models.ContainerName(validatedID)

	if running, err := c.runtime.ListRunning(ctx); err == nil {
		for _, s := range running {
			if s.HostPort == port && s.Name != containerName {
				msg := fmt.Sprintf("Port %d is already in use by container: %s", port, s.Name)
				c.logger.Error(msg)
				return Response{Message: msg, Port: port}
			}
		}
	}

	gpuType := c.resolveGPUType(req.GPUType)
	configPath := req.ConfigPath
	if configPath == "" {
		configPath = ConfigPathForGPU(c.configDir, gpuType)
	}
	budget := BudgetFromConfig(configPath)
	tensorParallel := c.tensorParallelSize()

	c.logger.Info("deploying model",
		"container", containerName,
		"gpu", gpuType,
		"tensor_parallel", tensorParallel,
		"config", configPath,
		"port", port,
	)

	if err := c.runtime.EnsureImage(ctx, c.image); err != nil {
		c.logger.Error("image pull failed", "image", c.image, "error", err)
		return Response{Message: "Failed to pull required Docker image: " + c.image, Port: port}
	}

	// Idempotent replace: a container holding this name is stopped and
	// removed before the new one starts
	if _, err := c.runtime.Inspect(ctx, containerName); err == nil {
		c.logger.Warn("model already deployed, replacing existing container", "container", containerName)
		_ = c.runtime.Stop(ctx, containerName)
		_ = c.runtime.Remove(ctx, containerName)
	}

	id, diag, err := c.runtime.Start(ctx, container.StartSpec{
		Image:          c.image,
		Name:           containerName,
		HostPort:       port,
		ModelID:        validatedID,
		Token:          token,
		HostConfigPath: configPath,
		TensorParallel: tensorParallel,
	})
	if err != nil || id == "" {
		msg := "Deployment failed"
		if diag != "" {
			msg += ": " + truncate(diag, 200)
		} else if err != nil {
			msg += ": " + err.Error()
		}
		c.logger.Error("container start failed", "container", containerName, "error", err)
		return Response{Message: msg, Port: port}
	}

	c.logger.Info("container started", "id", id, "container", containerName)

	running, state := c.waitForRunning(ctx, id)
	pid := c.resolvePID(ctx, id, state)

	resp := Response{ContainerID: id, Port: port}
	if !running {
		msg := fmt.Sprintf("Container created: %s but failed to start. Check logs with: docker logs %s", id, id)
		if logs, logErr := c.runtime.Logs(ctx, id, 50); logErr == nil && logs != "" {
			msg += "\nLast log lines:\n" + truncate(logs, 2000)
		}
		c.logger.Error("deployment failed, container not running", "id", id, "exit_code", state.ExitCode)
		resp.Message = msg
		return resp
	}

	// A running container is sufficient for success; large models keep
	// loading for minutes after the process is up
	healthy := c.prober.Health(ctx, port)

	c.registry.Register(models.DeploymentRecord{
		ModelID:          validatedID,
		ContainerID:      id,
		ContainerName:    containerName,
		Port:             port,
		GPUType:          gpuType,
		ProcessID:        pid,
		ConfiguredBudget: budget,
	})

	resp.Success = true
	if healthy {
		resp.Message = fmt.Sprintf("Model deployed successfully. Container: %s (running and healthy)", id)
		c.logger.Info("deployment successful, container running and API healthy", "id", id)
	} else {
		resp.Message = fmt.Sprintf("Container started: %s on port %d. API is still loading (this is normal for large models and may take 5-10+ minutes). Check status with: docker logs %s", id, port, id)
		c.logger.Info("deployment successful, API still loading", "id", id)
	}
	return resp
}

// nextAvailablePort honors a free requested port, otherwise scans from
// START_PORT upward for the first port no live record holds.
func (c *Coordinator) nextAvailablePort(requested int) int {
	used := c.registry.UsedPorts()

	if requested > 0 && !used[requested] {
		return requested
	}

	start := c.env.Int("START_PORT", 8000)
	for port := start; port < start+portScanRange; port++ {
		if !used[port] {
			return port
		}
	}
	// Exhausted scan range; the runtime pre-check will reject this
	return start
}

func (c *Coordinator) resolveGPUType(hint string) string {
	if gpuType := strings.TrimSpace(hint); gpuType != "" {
		return gpuType
	}
	if gpuType := c.env.Get("GPU_TYPE", ""); gpuType != "" {
		return gpuType
	}
	name, err := c.gpu.DeviceName()
	if err != nil {
		return domain.GPUClassT4
	}
	return domain.ClassifyGPU(name)
}

func (c *Coordinator) tensorParallelSize() int {
	devices, err := c.gpu.DeviceCount()
	if err != nil || devices < 1 {
		devices = 1
	}

	size := devices
	if v := strings.TrimSpace(c.env.Get("TENSOR_PARALLEL_SIZE", "")); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			size = n
		}
	}
	if size < 1 {
		size = 1
	}
	if size > devices {
		size = devices
	}
	return size
}

// waitForRunning gives the container a settle delay, then polls the
// running flag up to readyChecks times.
func (c *Coordinator) waitForRunning(ctx context.Context, id string) (bool, container.State) {
	select {
	case <-time.After(c.readyDelay):
	case <-ctx.Done():
		return false, container.State{}
	}

	var last container.State
	op := func() error {
		state, err := c.runtime.Inspect(ctx, id)
		if err != nil {
			return err
		}
		last = state
		if !state.Running {
			return errNotRunningYet
		}
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.readyInterval), uint64(c.readyChecks-1)),
		ctx,
	)
	err := backoff.Retry(op, policy)
	return err == nil, last
}

// resolvePID re-reads the PID once after a short delay when the first
// inspect reported zero.
func (c *Coordinator) resolvePID(ctx context.Context, id string, state container.State) int {
	if state.PID > 0 {
		return state.PID
	}

	select {
	case <-time.After(c.pidRetryDelay):
	case <-ctx.Done():
		return 0
	}

	if s, err := c.runtime.Inspect(ctx, id); err == nil {
		return s.PID
	}
	return 0
}

// Spindown stops and removes a deployment addressed by model id or
// container name, unregistering it first. Success requires only one of
// the two runtime calls to land: a stopped-but-present container still
// gets removed, a removed one has nothing to stop.
func (c *Coordinator) Spindown(ctx context.Context, target string) (bool, string) {
	name := strings.TrimSpace(target)
	if !strings.HasPrefix(name, container.NamePrefix) {
		name = models.ContainerName(name)
	}

	c.registry.Unregister(name)

	stopErr := c.runtime.Stop(ctx, name)
	rmErr := c.runtime.Remove(ctx, name)

	if stopErr == nil || rmErr == nil {
		c.logger.Info("model spun down", "container", name)
		return true, "Model spindown successful"
	}
	c.logger.Error("spindown failed", "container", name, "stop_error", stopErr, "remove_error", rmErr)
	return false, "Failed to spindown model: " + target
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
