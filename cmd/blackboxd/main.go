package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/blackbox/blackbox-node/internal/adapters/nvml"
	"github.com/blackbox/blackbox-node/internal/api"
	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/deploy"
	"github.com/blackbox/blackbox-node/internal/domain"
	"github.com/blackbox/blackbox-node/internal/envcfg"
	"github.com/blackbox/blackbox-node/internal/health"
	"github.com/blackbox/blackbox-node/internal/hf"
	"github.com/blackbox/blackbox-node/internal/models"
	"github.com/blackbox/blackbox-node/internal/optimize"
	"github.com/blackbox/blackbox-node/internal/telemetry"
	"github.com/blackbox/blackbox-node/internal/vllm"
)

func main() {
	port := flag.Int("port", 8080, "control plane listen port")
	mockGPU := flag.Bool("mock-gpu", false, "use a mock GPU provider (development without NVIDIA hardware)")
	flag.Parse()

	env := envcfg.Default()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: env.LogLevel(),
	}))
	slog.SetDefault(logger)

	logger.Info("blackbox node starting", "port", *port)

	// GPU probe: a host without a working device library cannot serve
	// telemetry, so this is fatal outside mock mode
	var gpuProvider domain.GPUProvider
	realNVML := nvml.NewNVMLProvider()
	if err := realNVML.Init(); err != nil {
		if !*mockGPU {
			logger.Error("GPU device library init failed", "error", err)
			os.Exit(1)
		}
		logger.Warn("NVML not available, using mock GPU provider", "error", err)
		gpuProvider = nvml.NewMockGPUProvider(1, "Mock GPU",
			domain.MemoryInfo{Total: 16 << 30, Used: 0, Free: 16 << 30}, nil)
	} else {
		gpuProvider = realNVML
		defer realNVML.Shutdown()
	}

	if count, err := gpuProvider.DeviceCount(); err == nil {
		logger.Info("GPU probe ready", "devices", count)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runtime := container.NewRuntime(rootCtx, env, logger)

	registry := models.NewRegistry()
	hfClient := hf.NewClient("", logger)
	scraper := vllm.NewScraper(env.Get("VLLM_HOST", "localhost"), logger)
	collector := telemetry.NewCollector(gpuProvider, scraper, registry, logger)

	root := env.Get("BLACKBOX_ROOT", ".")
	configDir := filepath.Join(root, "configs")

	coordinator := deploy.NewCoordinator(runtime, registry, hfClient, scraper, gpuProvider, env, configDir, logger)
	optimizer := optimize.NewService(runtime, registry, coordinator, env, configDir, logger)
	healthLoop := health.NewLoop(runtime, registry, scraper, collector, logger)

	go healthLoop.Run(rootCtx)

	server := &http.Server{
		Addr:    ":" + strconv.Itoa(*port),
		Handler: api.NewServer(coordinator, optimizer, collector, runtime, env, logger).Handler(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("control plane listening", "addr", server.Addr)
		serverErr <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
}
