package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackbox/blackbox-node/internal/adapters/nvml"
	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/domain"
	"github.com/blackbox/blackbox-node/internal/envcfg"
	"github.com/blackbox/blackbox-node/internal/hf"
	"github.com/blackbox/blackbox-node/internal/models"
)

// FakeRuntime implements container.Runtime for testing
type FakeRuntime struct {
	ListRunningFn func(ctx context.Context) ([]container.Summary, error)
	InspectFn     func(ctx context.Context, id string) (container.State, error)
	StartFn       func(ctx context.Context, spec container.StartSpec) (string, string, error)
	StopFn        func(ctx context.Context, name string) error
	RemoveFn      func(ctx context.Context, name string) error
	LogsFn        func(ctx context.Context, id string, tail int) (string, error)
	EnsureImageFn func(ctx context.Context, tag string) error

	Stopped []string
	Removed []string
}

func (f *FakeRuntime) ListRunning(ctx context.Context) ([]container.Summary, error) {
	if f.ListRunningFn != nil {
		return f.ListRunningFn(ctx)
	}
	return nil, nil
}

func (f *FakeRuntime) Inspect(ctx context.Context, id string) (container.State, error) {
	if f.InspectFn != nil {
		return f.InspectFn(ctx, id)
	}
	return container.State{}, container.ErrNotFound
}

func (f *FakeRuntime) Start(ctx context.Context, spec container.StartSpec) (string, string, error) {
	if f.StartFn != nil {
		return f.StartFn(ctx, spec)
	}
	return "", "", errors.New("StartFn not implemented")
}

func (f *FakeRuntime) Stop(ctx context.Context, name string) error {
	f.Stopped = append(f.Stopped, name)
	if f.StopFn != nil {
		return f.StopFn(ctx, name)
	}
	return nil
}

func (f *FakeRuntime) Remove(ctx context.Context, name string) error {
	f.Removed = append(f.Removed, name)
	if f.RemoveFn != nil {
		return f.RemoveFn(ctx, name)
	}
	return nil
}

func (f *FakeRuntime) Logs(ctx context.Context, id string, tail int) (string, error) {
	if f.LogsFn != nil {
		return f.LogsFn(ctx, id, tail)
	}
	return "", nil
}

func (f *FakeRuntime) EnsureImage(ctx context.Context, tag string) error {
	if f.EnsureImageFn != nil {
		return f.EnsureImageFn(ctx, tag)
	}
	return nil
}

// FakeValidator stubs the hub client
type FakeValidator struct {
	ValidateFn func(ctx context.Context, modelID, token string) hf.ModelInfo
}

func (f *FakeValidator) Validate(ctx context.Context, modelID, token string) hf.ModelInfo {
	if f.ValidateFn != nil {
		return f.ValidateFn(ctx, modelID, token)
	}
	return hf.ModelInfo{ID: modelID, Valid: true}
}

// FakeProber stubs the health probe
type FakeProber struct{ Healthy bool }

func (f *FakeProber) Health(ctx context.Context, port int) bool { return f.Healthy }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testEnv(t *testing.T) *envcfg.Loader {
	t.Helper()
	return envcfg.NewLoader(filepath.Join(t.TempDir(), ".env"))
}

func testCoordinator(t *testing.T, runtime container.Runtime, registry *models.Registry, validator Validator, prober HealthProber) *Coordinator {
	t.Helper()
	gpu := nvml.NewMockGPUProvider(1, "Tesla T4", domain.MemoryInfo{Total: 16e9}, nil)
	c := NewCoordinator(runtime, registry, validator, prober, gpu, testEnv(t), t.TempDir(), testLogger())
	c.readyDelay = time.Millisecond
	c.readyInterval = time.Millisecond
	c.pidRetryDelay = time.Millisecond
	return c
}

func runningInspect(pid int) func(ctx context.Context, id string) (container.State, error) {
	return func(ctx context.Context, id string) (container.State, error) {
		if id == "cafebabe1234" {
			return container.State{Running: true, PID: pid}, nil
		}
		return container.State{}, container.ErrNotFound
	}
}

func TestDeploy_WhitespaceModelIDRejected(t *testing.T) {
	c := testCoordinator(t, &FakeRuntime{}, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "  "})

	assert.False(t, resp.Success)
	assert.Equal(t, "model_id is required or contains only whitespace", resp.Message)
}

func TestDeploy_MissingTokenRejected(t *testing.T) {
	os.Unsetenv("HF_TOKEN")
	c := testCoordinator(t, &FakeRuntime{}, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "hf_token is required")
}

func TestDeploy_AdmissionDeniedAtCapacity(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_MODELS", "1")
	registry := models.NewRegistry()
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-existing", Port: 8000})

	c := testCoordinator(t, &FakeRuntime{}, registry, &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "max: 1")
}

func TestDeploy_PicksSmallestFreePort(t *testing.T) {
	t.Setenv("MAX_CONCURRENT_MODELS", "4")
	registry := models.NewRegistry()
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-a", Port: 8001})
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-b", Port: 8002})
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-c", Port: 8003})

	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			assert.Equal(t, 8000, spec.HostPort)
			return "cafebabe1234", "", nil
		},
		InspectFn: runningInspect(42),
	}

	c := testCoordinator(t, runtime, registry, &FakeValidator{}, &FakeProber{Healthy: true})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t", Port: 0})

	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 8000, resp.Port)
}

func TestDeploy_HonorsFreeRequestedPort(t *testing.T) {
	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			return "cafebabe1234", "", nil
		},
		InspectFn: runningInspect(42),
	}
	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{Healthy: true})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t", Port: 8765})

	require.True(t, resp.Success, resp.Message)
	assert.Equal(t, 8765, resp.Port)
}

func TestDeploy_SuccessRunningAndHealthy(t *testing.T) {
	registry := models.NewRegistry()
	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			assert.Equal(t, DefaultImage, spec.Image)
			assert.Equal(t, "vllm-org-model", spec.Name)
			assert.Equal(t, "org/model", spec.ModelID)
			return "cafebabe1234", "", nil
		},
		InspectFn: runningInspect(777),
	}

	c := testCoordinator(t, runtime, registry, &FakeValidator{}, &FakeProber{Healthy: true})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	require.True(t, resp.Success)
	assert.Equal(t, "cafebabe1234", resp.ContainerID)
	assert.Contains(t, resp.Message, "running and healthy")

	rec, ok := registry.Get("vllm-org-model")
	require.True(t, ok)
	assert.Equal(t, "org/model", rec.ModelID)
	assert.Equal(t, 777, rec.ProcessID)
	assert.InDelta(t, DefaultBudget, rec.ConfiguredBudget, 1e-9)
}

func TestDeploy_SuccessWhileStillLoading(t *testing.T) {
	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			return "cafebabe1234", "", nil
		},
		InspectFn: runningInspect(1),
	}

	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{Healthy: false})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	require.True(t, resp.Success)
	assert.Contains(t, resp.Message, "still loading")
}

func TestDeploy_ValidationFailureWithSuggestion(t *testing.T) {
	validator := &FakeValidator{
		ValidateFn: func(ctx context.Context, modelID, token string) hf.ModelInfo {
			return hf.ModelInfo{ID: "org/model-v2", Valid: false, Err: "Model not found: org/model"}
		},
	}

	c := testCoordinator(t, &FakeRuntime{}, models.NewRegistry(), validator, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Model validation failed")
	assert.Contains(t, resp.Message, "Did you mean: org/model-v2?")
}

func TestDeploy_UsesCanonicalIDFromValidation(t *testing.T) {
	validator := &FakeValidator{
		ValidateFn: func(ctx context.Context, modelID, token string) hf.ModelInfo {
			return hf.ModelInfo{ID: "TinyLlama/TinyLlama-1.1B-Chat-v1.0", Valid: true}
		},
	}
	var startedModel string
	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			startedModel = spec.ModelID
			return "cafebabe1234", "", nil
		},
		InspectFn: runningInspect(1),
	}

	c := testCoordinator(t, runtime, models.NewRegistry(), validator, &FakeProber{Healthy: true})

	resp := c.Deploy(context.Background(), Request{ModelID: "tinyllama", Token: "t"})

	require.True(t, resp.Success)
	assert.Equal(t, "TinyLlama/TinyLlama-1.1B-Chat-v1.0", startedModel)
}

func TestDeploy_PortHeldByAnotherContainer(t *testing.T) {
	runtime := &FakeRuntime{
		ListRunningFn: func(ctx context.Context) ([]container.Summary, error) {
			return []container.Summary{{ID: "aaa", Name: "vllm-other", HostPort: 8000}}, nil
		},
	}

	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Port 8000 is already in use by container: vllm-other")
}

func TestDeploy_ReplacesExistingContainerWithSameName(t *testing.T) {
	runtime := &FakeRuntime{}
	runtime.InspectFn = func(ctx context.Context, id string) (container.State, error) {
		if id == "vllm-org-model" {
			return container.State{Running: true}, nil
		}
		if id == "cafebabe1234" {
			return container.State{Running: true, PID: 9}, nil
		}
		return container.State{}, container.ErrNotFound
	}
	runtime.StartFn = func(ctx context.Context, spec container.StartSpec) (string, string, error) {
		return "cafebabe1234", "", nil
	}

	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{Healthy: true})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	require.True(t, resp.Success)
	assert.Contains(t, runtime.Stopped, "vllm-org-model")
	assert.Contains(t, runtime.Removed, "vllm-org-model")
}

func TestDeploy_ImagePullFailureIsFatal(t *testing.T) {
	runtime := &FakeRuntime{
		EnsureImageFn: func(ctx context.Context, tag string) error {
			return errors.New("registry unreachable")
		},
	}

	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "Failed to pull required Docker image")
}

func TestDeploy_ContainerExitsCapturesLogs(t *testing.T) {
	registry := models.NewRegistry()
	runtime := &FakeRuntime{
		StartFn: func(ctx context.Context, spec container.StartSpec) (string, string, error) {
			return "cafebabe1234", "", nil
		},
		InspectFn: func(ctx context.Context, id string) (container.State, error) {
			if id == "cafebabe1234" {
				return container.State{Running: false, ExitCode: 1}, nil
			}
			return container.State{}, container.ErrNotFound
		},
		LogsFn: func(ctx context.Context, id string, tail int) (string, error) {
			assert.Equal(t, 50, tail)
			return "torch.cuda.OutOfMemoryError: CUDA out of memory", nil
		},
	}

	c := testCoordinator(t, runtime, registry, &FakeValidator{}, &FakeProber{})

	resp := c.Deploy(context.Background(), Request{ModelID: "org/model", Token: "t"})

	assert.False(t, resp.Success)
	assert.Contains(t, resp.Message, "failed to start")
	assert.Contains(t, resp.Message, "OutOfMemoryError")
	assert.Equal(t, 0, registry.Count())
}

func TestSpindown_ByModelID(t *testing.T) {
	registry := models.NewRegistry()
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-org-model"})
	runtime := &FakeRuntime{}

	c := testCoordinator(t, runtime, registry, &FakeValidator{}, &FakeProber{})

	ok, msg := c.Spindown(context.Background(), "org/model")

	assert.True(t, ok)
	assert.Equal(t, "Model spindown successful", msg)
	assert.Contains(t, runtime.Stopped, "vllm-org-model")
	assert.Contains(t, runtime.Removed, "vllm-org-model")
	assert.Equal(t, 0, registry.Count())
}

func TestSpindown_ByContainerName(t *testing.T) {
	runtime := &FakeRuntime{}
	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	ok, _ := c.Spindown(context.Background(), "vllm-org-model")

	assert.True(t, ok)
	assert.Contains(t, runtime.Stopped, "vllm-org-model")
}

func TestSpindown_SucceedsWhenOnlyRemoveLands(t *testing.T) {
	runtime := &FakeRuntime{
		StopFn: func(ctx context.Context, name string) error { return errors.New("already stopped") },
	}
	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	ok, _ := c.Spindown(context.Background(), "org/model")

	assert.True(t, ok)
}

func TestSpindown_FailsWhenBothRuntimeCallsFail(t *testing.T) {
	runtime := &FakeRuntime{
		StopFn:   func(ctx context.Context, name string) error { return errors.New("daemon down") },
		RemoveFn: func(ctx context.Context, name string) error { return errors.New("daemon down") },
	}
	c := testCoordinator(t, runtime, models.NewRegistry(), &FakeValidator{}, &FakeProber{})

	ok, msg := c.Spindown(context.Background(), "org/model")

	assert.False(t, ok)
	assert.Contains(t, msg, "Failed to spindown model")
}

func TestNextAvailablePort_ScansFromStartPort(t *testing.T) {
	t.Setenv("START_PORT", "9100")
	registry := models.NewRegistry()
	registry.Register(models.DeploymentRecord{ContainerName: "vllm-a", Port: 9100})

	c := testCoordinator(t, &FakeRuntime{}, registry, &FakeValidator{}, &FakeProber{})

	assert.Equal(t, 9101, c.nextAvailablePort(0))
	// requested port is busy, so the scan kicks in
	assert.Equal(t, 9101, c.nextAvailablePort(9100))
}
