package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/models"
)

const defaultInterval = 5 * time.Second

// Prober defines the per-model health probe needed from the scraper
type Prober interface {
	Health(ctx context.Context, port int) bool
}

// RingSampler records per-deployment VRAM samples (the telemetry
// collector in production)
type RingSampler interface {
	SampleRings(ctx context.Context)
}

// Loop is the background liveness loop: every tick it prunes registry
// entries whose containers are gone, probes each survivor's health
// endpoint and feeds the VRAM rings. Errors are logged and swallowed;
// only context cancellation stops the loop.
type Loop struct {
	runtime  container.Runtime
	registry *models.Registry
	prober   Prober
	sampler  RingSampler
	logger   *slog.Logger
	interval time.Duration
}

func NewLoop(runtime container.Runtime, registry *models.Registry, prober Prober, sampler RingSampler, logger *slog.Logger) *Loop {
	return &Loop{
		runtime:  runtime,
		registry: registry,
		prober:   prober,
		sampler:  sampler,
		logger:   logger,
		interval: defaultInterval,
	}
}

// Run blocks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	l.logger.Info("health loop started", "interval", l.interval)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("health loop stopped")
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

// Tick runs one iteration; exported for the coordinator-free tests.
func (l *Loop) Tick(ctx context.Context) {
	l.tick(ctx)
}

func (l *Loop) tick(ctx context.Context) {
	running, err := l.runtime.ListRunning(ctx)
	if err != nil {
		l.logger.Warn("health tick: container list failed", "error", err)
		return
	}

	names := make(map[string]bool, len(running))
	for _, s := range running {
		names[s.Name] = true
	}
	if removed := l.registry.PruneStale(names); len(removed) > 0 {
		l.logger.Info("pruned stale deployments", "removed", removed)
	}

	for _, rec := range l.registry.Snapshot() {
		if l.prober.Health(ctx, rec.Port) {
			l.logger.Debug("health check ok", "model", rec.ModelID, "port", rec.Port)
		} else {
			l.logger.Warn("health check failed", "model", rec.ModelID, "port", rec.Port)
		}
	}

	l.sampler.SampleRings(ctx)
}
