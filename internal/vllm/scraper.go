package vllm

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/prometheus/common/model"
)

// Metric names exported by the vLLM OpenAI server. Only these are read.
const (
	metricCacheConfig     = "vllm:cache_config_info"
	metricKVCacheUsage    = "vllm:kv_cache_usage_perc"
	metricPrefixQueries   = "vllm:prefix_cache_queries_total"
	metricPrefixHits      = "vllm:prefix_cache_hits_total"
	metricRequestsRunning = "vllm:num_requests_running"
	metricRequestsWaiting = "vllm:num_requests_waiting"
	defaultBlockSizeBytes = 16 * 1024
	requestTimeout        = 1500 * time.Millisecond
	outerTimeout          = 2 * time.Second
)

// ModelBlockData is one scrape of a model's KV-cache state. Ephemeral,
// never persisted.
type ModelBlockData struct {
	ModelID            string  `json:"model_id"`
	Port               int     `json:"port"`
	NumGPUBlocks       uint64  `json:"num_gpu_blocks"`
	BlockSizeBytes     uint64  `json:"block_size_bytes"`
	KVCacheUsage       float64 `json:"kv_cache_usage_perc"`   // 0..1
	PrefixCacheHitRate float64 `json:"prefix_cache_hit_rate"` // 0..100
	RequestsRunning    uint64  `json:"requests_running"`
	RequestsWaiting    uint64  `json:"requests_waiting"`
	Available          bool    `json:"available"`
}

// Scraper pulls /metrics and /health from inference runtimes on
// localhost (or VLLM_HOST) by port.
type Scraper struct {
	host   string
	client *http.Client
	logger *slog.Logger
}

func NewScraper(host string, logger *slog.Logger) *Scraper {
	if host == "" {
		host = "localhost"
	}
	return &Scraper{
		host:   host,
		client: &http.Client{Timeout: requestTimeout},
		logger: logger,
	}
}

// Scrape fetches and parses a runtime's metrics endpoint. Failures are
// transient: the zero ModelBlockData (Available=false) is returned along
// with the error so callers can degrade.
func (s *Scraper) Scrape(ctx context.Context, port int) (ModelBlockData, error) {
	data := ModelBlockData{Port: port}

	ctx, cancel := context.WithTimeout(ctx, outerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:%d/metrics", s.host, port), nil)
	if err != nil {
		return data, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return data, fmt.Errorf("metrics fetch failed on port %d: %w", port, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return data, fmt.Errorf("metrics fetch returned HTTP %d on port %d", resp.StatusCode, port)
	}

	parser := expfmt.NewTextParser(model.UTF8Validation)
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return data, fmt.Errorf("failed to parse metrics exposition: %w", err)
	}

	if fam, ok := families[metricCacheConfig]; ok && len(fam.Metric) > 0 {
		for _, label := range fam.Metric[0].GetLabel() {
			switch label.GetName() {
			case "num_gpu_blocks":
				data.NumGPUBlocks = digitsOnly(label.GetValue())
			case "block_size":
				data.BlockSizeBytes = digitsOnly(label.GetValue())
			}
		}
	}
	if data.BlockSizeBytes == 0 {
		data.BlockSizeBytes = defaultBlockSizeBytes
	}

	data.KVCacheUsage = clamp(firstValue(families[metricKVCacheUsage]), 0, 1)

	queries := firstValue(families[metricPrefixQueries])
	hits := firstValue(families[metricPrefixHits])
	if queries > 0 {
		data.PrefixCacheHitRate = clamp(100*hits/queries, 0, 100)
	}

	data.RequestsRunning = uint64(firstValue(families[metricRequestsRunning]))
	data.RequestsWaiting = uint64(firstValue(families[metricRequestsWaiting]))

	data.Available = data.NumGPUBlocks > 0
	return data, nil
}

// Health probes the runtime's health endpoint; healthy iff 200 within 2s.
func (s *Scraper) Health(ctx context.Context, port int) bool {
	ctx, cancel := context.WithTimeout(ctx, outerTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s:%d/health", s.host, port), nil)
	if err != nil {
		return false
	}

	// The probe gets the full 2 s, not the shorter scrape request timeout
	client := *s.client
	client.Timeout = outerTimeout
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func firstValue(fam *dto.MetricFamily) float64 {
	if fam == nil || len(fam.Metric) == 0 {
		return 0
	}
	m := fam.Metric[0]
	switch {
	case m.Gauge != nil:
		return m.Gauge.GetValue()
	case m.Counter != nil:
		return m.Counter.GetValue()
	case m.Untyped != nil:
		return m.Untyped.GetValue()
	}
	return 0
}

// digitsOnly parses the numeric content of a label value, ignoring any
// non-digit characters the runtime mixes in.
func digitsOnly(s string) uint64 {
	var n uint64
	seen := false
	for _, c := range s {
		if c >= '0' && c <= '9' {
			n = n*10 + uint64(c-'0')
			seen = true
		}
	}
	if !seen {
		return 0
	}
	return n
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
