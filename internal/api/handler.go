package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/blackbox/blackbox-node/internal/container"
	"github.com/blackbox/blackbox-node/internal/deploy"
	"github.com/blackbox/blackbox-node/internal/envcfg"
	"github.com/blackbox/blackbox-node/internal/optimize"
	"github.com/blackbox/blackbox-node/internal/telemetry"
)

const defaultAggregationWindow = 5

// Deployer defines operations needed from the deployment coordinator
type Deployer interface {
	Deploy(ctx context.Context, req deploy.Request) deploy.Response
	Spindown(ctx context.Context, target string) (bool, string)
}

// Optimizer defines the reconciliation entry point
type Optimizer interface {
	Optimize(ctx context.Context) optimize.Result
}

// TelemetrySource defines operations needed from the telemetry collector
type TelemetrySource interface {
	Detailed(ctx context.Context) telemetry.DetailedSnapshot
	Collect(ctx context.Context, windowSeconds int) telemetry.AggregatedSnapshot
	SampleRings(ctx context.Context)
}

// ContainerLister lists running deployments straight from the runtime
type ContainerLister interface {
	ListRunning(ctx context.Context) ([]container.Summary, error)
}

// DeployRequest is the JSON body for POST /deploy
type DeployRequest struct {
	ModelID string `json:"model_id"`
	HFToken string `json:"hf_token"`
	Port    int    `json:"port"`
}

// SpindownRequest is the JSON body for POST /spindown
type SpindownRequest struct {
	ModelID     string `json:"model_id"`
	ContainerID string `json:"container_id"`
}

// SpindownResponse is returned by POST /spindown
type SpindownResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Target  string `json:"target,omitempty"`
}

// ModelSummary is one entry of the GET /models listing
type ModelSummary struct {
	ModelID       string `json:"model_id"`
	ContainerID   string `json:"container_id"`
	ContainerName string `json:"container_name"`
	Port          int    `json:"port"`
	Running       bool   `json:"running"`
}

// ModelsResponse is returned by GET /models
type ModelsResponse struct {
	Total      int            `json:"total"`
	Running    int            `json:"running"`
	MaxAllowed int            `json:"max_allowed"`
	Models     []ModelSummary `json:"models"`
}

// OptimizeResponse is returned by POST /optimize
type OptimizeResponse struct {
	Success         bool     `json:"success"`
	Optimized       bool     `json:"optimized"`
	Message         string   `json:"message"`
	RestartedModels []string `json:"restarted_models"`
}

// Server is the control plane's HTTP surface
type Server struct {
	deployer  Deployer
	optimizer Optimizer
	telemetry TelemetrySource
	lister    ContainerLister
	env       *envcfg.Loader
	logger    *slog.Logger
	metrics   *selfMetrics
	mux       *http.ServeMux

	streamInterval time.Duration
}

func NewServer(deployer Deployer, optimizer Optimizer, telemetrySource TelemetrySource, lister ContainerLister, env *envcfg.Loader, logger *slog.Logger) *Server {
	s := &Server{
		deployer:  deployer,
		optimizer: optimizer,
		telemetry: telemetrySource,
		lister:    lister,
		env:       env,
		logger:    logger,

		streamInterval: 500 * time.Millisecond,
	}

	s.mux = http.NewServeMux()
	s.mux.HandleFunc("/vram", s.handleVRAM)
	s.mux.HandleFunc("/vram/stream", s.handleVRAMStream)
	s.mux.HandleFunc("/vram/aggregated", s.handleVRAMAggregated)
	s.mux.HandleFunc("/models", s.handleModels)
	s.mux.HandleFunc("/deploy", s.handleDeploy)
	s.mux.HandleFunc("/spindown", s.handleSpindown)
	s.mux.HandleFunc("/optimize", s.handleOptimize)
	s.mux.HandleFunc("/", s.handleNotFound)

	if env.Bool("ENABLE_PROMETHEUS") {
		s.metrics = newSelfMetrics()
		s.mux.Handle("/internal/metrics", s.metrics.handler())
	}

	return s
}

// Handler returns the full middleware-wrapped handler chain
func (s *Server) Handler() http.Handler {
	return s.withRequestLogging(s.mux)
}

func (s *Server) handleVRAM(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, s.telemetry.Detailed(r.Context()))
}

func (s *Server) handleVRAMAggregated(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	window := defaultAggregationWindow
	if raw := r.URL.Query().Get("window"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			window = parsed
		}
	}

	s.logger.Debug("collecting aggregated metrics", "window_seconds", window)
	s.writeJSON(w, http.StatusOK, s.telemetry.Collect(r.Context(), window))
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.handleNotFound(w, r)
		return
	}

	summaries, err := s.lister.ListRunning(r.Context())
	if err != nil {
		s.logger.Error("failed to list containers", "error", err)
		summaries = nil
	}

	resp := ModelsResponse{
		MaxAllowed: s.env.Int("MAX_CONCURRENT_MODELS", 3),
		Models:     []ModelSummary{},
	}
	for _, c := range summaries {
		resp.Models = append(resp.Models, ModelSummary{
			ModelID:       strings.TrimPrefix(c.Name, container.NamePrefix),
			ContainerID:   c.ID,
			ContainerName: c.Name,
			Port:          c.HostPort,
			Running:       true,
		})
	}
	resp.Total = len(resp.Models)
	resp.Running = len(resp.Models)

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("deploy request body unparseable", "error", err)
	}

	resp := s.deployer.Deploy(r.Context(), deploy.Request{
		ModelID: req.ModelID,
		Token:   req.HFToken,
		Port:    req.Port,
	})

	if s.metrics != nil {
		s.metrics.observeDeploy(resp.Success)
	}
	if resp.Success {
		s.logger.Info("deploy successful", "container_id", resp.ContainerID, "port", resp.Port)
	} else {
		s.logger.Error("deploy failed", "message", resp.Message)
	}

	// Always 200: the success field carries the outcome so clients can
	// parse the message either way
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSpindown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	var req SpindownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("spindown request body unparseable", "error", err)
	}

	target := req.ModelID
	if target == "" {
		target = req.ContainerID
	}
	if target == "" {
		s.writeJSON(w, http.StatusBadRequest, SpindownResponse{
			Success: false,
			Message: "model_id or container_id is required",
		})
		return
	}

	ok, message := s.deployer.Spindown(r.Context(), target)
	if s.metrics != nil {
		s.metrics.observeSpindown(ok)
	}
	if !ok {
		s.writeJSON(w, http.StatusInternalServerError, SpindownResponse{Success: false, Message: message})
		return
	}

	s.writeJSON(w, http.StatusOK, SpindownResponse{Success: true, Message: message, Target: target})
}

func (s *Server) handleOptimize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.handleNotFound(w, r)
		return
	}

	result := s.optimizer.Optimize(r.Context())
	if s.metrics != nil {
		s.metrics.observeOptimize()
	}

	restarted := result.RestartedModels
	if restarted == nil {
		restarted = []string{}
	}
	s.writeJSON(w, http.StatusOK, OptimizeResponse{
		Success:         true,
		Optimized:       result.Optimized,
		Message:         result.Message,
		RestartedModels: restarted,
	})
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	s.logger.Warn("not found", "method", r.Method, "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("Not Found"))
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Debug("response write failed", "error", err)
	}
}
