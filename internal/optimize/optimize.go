package optimize

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/deploy"
	"github.com/blackbox/blackbox-node/internal/envcfg"
	"github.com/blackbox/blackbox-node/internal/models"
)

const (
	// minSamples is how much ring history a deployment needs before it
	// can be judged over-allocated
	minSamples = 10
	// slackFactor: a model is a candidate when its mean usage sits below
	// 70% of its configured budget
	slackFactor = 0.7

	minBudget = 0.1
	maxBudget = 0.95
)

// Deployer defines the redeploy operations needed from the coordinator
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) deploy.Response
	Spindown(ctx context.Context, target string) (bool, string)
}

// Result reports a reconciliation pass
type Result struct {
	Optimized       bool     `json:"optimized"`
	RestartedModels []string `json:"restarted_models"`
	Message         string   `json:"message"`
}

// Service right-sizes deployments whose measured memory use sits well
// below their configured budget, restarting them with the observed peak
// as the new budget.
type Service struct {
	runtime   container.Runtime
	registry  *models.Registry
	deployer  Deployer
	env       *envcfg.Loader
	configDir string
	tempDir   string
	logger    *slog.Logger
}

func NewService(runtime container.Runtime, registry *models.Registry, deployer Deployer, env *envcfg.Loader, configDir string, logger *slog.Logger) *Service {
	return &Service{
		runtime:   runtime,
		registry:  registry,
		deployer:  deployer,
		env:       env,
		configDir: configDir,
		tempDir:   os.TempDir(),
		logger:    logger,
	}
}

// candidates returns container names whose ring mean is below the slack
// threshold, sorted for deterministic restart order.
func (s *Service) candidates() []string {
	var names []string
	for _, rec := range s.registry.Snapshot() {
		if len(rec.VRAMSamples) < minSamples {
			continue
		}

		sum := 0.0
		for _, v := range rec.VRAMSamples {
			sum += v
		}
		mean := sum / float64(len(rec.VRAMSamples))
		threshold := rec.ConfiguredBudget * 100 * slackFactor

		if mean < threshold && rec.PeakVRAMPercent > 0 {
			s.logger.Info("over-allocated model detected",
				"container", rec.ContainerName,
				"mean_percent", mean,
				"threshold_percent", threshold,
				"peak_percent", rec.PeakVRAMPercent,
			)
			names = append(names, rec.ContainerName)
		}
	}
	sort.Strings(names)
	return names
}

// Optimize prunes stale records, detects over-allocated deployments and
// restarts each with a budget clamped around its observed peak.
func (s *Service) Optimize(ctx context.Context) Result {
	if running, err := s.runtime.ListRunning(ctx); err == nil {
		names := make(map[string]bool, len(running))
		for _, c := range running {
			names[c.Name] = true
		}
		s.registry.PruneStale(names)
	}

	marked := s.candidates()
	if len(marked) == 0 {
		return Result{Message: "No models need optimization"}
	}

	restarted := []string{}
	for _, containerName := range marked {
		rec, ok := s.registry.Get(containerName)
		if !ok {
			continue
		}

		newBudget := rec.PeakVRAMPercent / 100
		if newBudget < minBudget {
			newBudget = minBudget
		}
		if newBudget > maxBudget {
			newBudget = maxBudget
		}

		s.deployer.Spindown(ctx, containerName)

		gpuType := rec.GPUType
		configPath := deploy.ConfigPathForGPU(s.configDir, gpuType)
		tempConfig := filepath.Join(s.tempDir, fmt.Sprintf("optimized_%s.yaml", containerName))
		if err := deploy.WriteBudgetOverride(configPath, tempConfig, newBudget); err != nil {
			s.logger.Error("failed to write optimized config", "container", containerName, "error", err)
			continue
		}

		resp := s.deployer.Deploy(ctx, deploy.Request{
			ModelID:    rec.ModelID,
			Token:      s.env.Get("HF_TOKEN", ""),
			GPUType:    gpuType,
			ConfigPath: tempConfig,
		})
		if resp.Success {
			s.logger.Info("model restarted with right-sized budget",
				"container", containerName,
				"budget", newBudget,
			)
			restarted = append(restarted, containerName)
		} else {
			s.logger.Error("optimized redeploy failed", "container", containerName, "message", resp.Message)
		}
	}

	return Result{
		Optimized:       true,
		RestartedModels: restarted,
		Message:         fmt.Sprintf("Optimized %d model(s)", len(restarted)),
	}
}
