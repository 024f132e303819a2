package telemetry

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/blackbox/blackbox-node/internal/domain"
	"github.com/blackbox/blackbox-node/internal/models"
	"github.com/blackbox/blackbox-node/internal/vllm"
)

const (
	minWindowSeconds = 1
	maxWindowSeconds = 60
	maxWindowSamples = 100
)

// ModelScraper defines the per-model metrics pull needed from C4
type ModelScraper interface {
	Scrape(ctx context.Context, port int) (vllm.ModelBlockData, error)
}

// Collector builds detailed and windowed telemetry snapshots from the
// GPU probe, the per-model scraper and the deployment registry.
type Collector struct {
	gpu      domain.GPUProvider
	scraper  ModelScraper
	registry *models.Registry
	logger   *slog.Logger

	procRoot       string
	sampleInterval time.Duration
	maxSamples     int
}

func NewCollector(gpu domain.GPUProvider, scraper ModelScraper, registry *models.Registry, logger *slog.Logger) *Collector {
	return &Collector{
		gpu:      gpu,
		scraper:  scraper,
		registry: registry,
		logger:   logger,

		procRoot:       "/proc",
		sampleInterval: 500 * time.Millisecond,
		maxSamples:     maxWindowSamples,
	}
}

type scrapeResult struct {
	record models.DeploymentRecord
	data   vllm.ModelBlockData
}

// scrapeAll pulls every live deployment's metrics in parallel. The
// fan-out is bounded by the deployed-model count; each scrape carries
// its own deadline. Failed scrapes degrade to Available=false entries.
func (c *Collector) scrapeAll(ctx context.Context) []scrapeResult {
	records := c.registry.Snapshot()
	results := make([]scrapeResult, len(records))

	var wg sync.WaitGroup
	for i, rec := range records {
		wg.Add(1)
		go func(i int, rec models.DeploymentRecord) {
			defer wg.Done()
			data, err := c.scraper.Scrape(ctx, rec.Port)
			if err != nil {
				c.logger.Debug("metrics scrape failed", "model", rec.ModelID, "port", rec.Port, "error", err)
			}
			data.ModelID = rec.ModelID
			data.Port = rec.Port
			results[i] = scrapeResult{record: rec, data: data}
		}(i, rec)
	}
	wg.Wait()

	return results
}

// Detailed returns a single snapshot of device memory, GPU processes and
// per-model KV-cache state.
func (c *Collector) Detailed(ctx context.Context) DetailedSnapshot {
	snap, _ := c.snapshot(ctx)
	return snap
}

func (c *Collector) snapshot(ctx context.Context) (DetailedSnapshot, []scrapeResult) {
	snap := DetailedSnapshot{
		Processes: []ProcessMemory{},
		Models:    []ModelVRAM{},
	}

	mem, err := c.gpu.DeviceMemory()
	if err != nil {
		c.logger.Warn("device memory query failed", "error", err)
	}
	snap.TotalBytes = mem.Total
	snap.UsedBytes = mem.Used
	snap.FreeBytes = mem.Free
	snap.ReservedBytes = mem.Used
	if mem.Total > 0 {
		snap.UsedPercent = 100 * float64(mem.Used) / float64(mem.Total)
		snap.FragmentationRatio = 1 - float64(mem.Free)/float64(mem.Total)
	}

	procs, err := c.gpu.ComputeProcesses()
	if err != nil {
		c.logger.Debug("compute process query failed", "error", err)
	}

	var atomicAllocations uint64
	for _, p := range procs {
		atomicAllocations += p.UsedBytes
		snap.Processes = append(snap.Processes, ProcessMemory{
			PID:           p.PID,
			Name:          processName(c.procRoot, p.PID),
			UsedBytes:     p.UsedBytes,
			ReservedBytes: p.UsedBytes,
		})
	}
	if atomicAllocations == 0 {
		atomicAllocations = mem.Used
	}
	snap.AtomicAllocationsBytes = atomicAllocations

	scrapes := c.scrapeAll(ctx)

	// Attribute device memory to deployments through each GPU process's
	// cgroup path
	allocated := make(map[string]uint64, len(scrapes))
	for _, p := range procs {
		cgroupID := containerIDForPID(c.procRoot, p.PID)
		if cgroupID == "" {
			continue
		}
		for _, s := range scrapes {
			if matchesContainer(cgroupID, s.record.ContainerID) {
				allocated[s.record.ModelID] += p.UsedBytes
				break
			}
		}
	}

	var hitRateSum float64
	var hitRateModels int
	for _, s := range scrapes {
		model := ModelVRAM{
			ModelID:            s.data.ModelID,
			Port:               s.data.Port,
			AllocatedVRAMBytes: allocated[s.data.ModelID],
		}

		if s.data.Available {
			utilized := uint64(math.Round(float64(s.data.NumGPUBlocks) * s.data.KVCacheUsage))
			if utilized > s.data.NumGPUBlocks {
				utilized = s.data.NumGPUBlocks
			}

			model.UsedKVCacheBytes = uint64(float64(s.data.NumGPUBlocks) * float64(s.data.BlockSizeBytes) * s.data.KVCacheUsage)

			snap.AllocatedBlocks += s.data.NumGPUBlocks
			snap.UtilizedBlocks += utilized

			if s.data.PrefixCacheHitRate > 0 {
				hitRateSum += s.data.PrefixCacheHitRate
				hitRateModels++
			}
		}

		snap.Models = append(snap.Models, model)
	}
	snap.FreeBlocks = snap.AllocatedBlocks - snap.UtilizedBlocks
	if hitRateModels > 0 {
		snap.PrefixCacheHitRate = hitRateSum / float64(hitRateModels)
	}

	c.redistributeUnmatched(&snap, mem.Used)

	// used KV cache never exceeds what a model holds
	var totalUsedKV uint64
	for i := range snap.Models {
		if snap.Models[i].UsedKVCacheBytes > snap.Models[i].AllocatedVRAMBytes {
			snap.Models[i].UsedKVCacheBytes = snap.Models[i].AllocatedVRAMBytes
		}
		totalUsedKV += snap.Models[i].UsedKVCacheBytes
	}
	snap.UsedKVCacheBytes = totalUsedKV

	return snap, scrapes
}

// redistributeUnmatched spreads device memory that could not be tied to
// a container over the models: proportionally to KV-cache footprints
// when any model has one, evenly otherwise. Triggered only when less
// than half the device's used memory was matched.
func (c *Collector) redistributeUnmatched(snap *DetailedSnapshot, deviceUsed uint64) {
	if deviceUsed == 0 || len(snap.Models) == 0 {
		return
	}

	var matched uint64
	var totalKV uint64
	for _, m := range snap.Models {
		matched += m.AllocatedVRAMBytes
		totalKV += m.UsedKVCacheBytes
	}
	if matched >= deviceUsed/2 {
		return
	}

	remaining := deviceUsed - matched
	if totalKV > 0 {
		for i := range snap.Models {
			if snap.Models[i].UsedKVCacheBytes > 0 {
				proportion := float64(snap.Models[i].UsedKVCacheBytes) / float64(totalKV)
				snap.Models[i].AllocatedVRAMBytes += uint64(float64(remaining) * proportion)
			}
		}
		return
	}

	perModel := remaining / uint64(len(snap.Models))
	for i := range snap.Models {
		snap.Models[i].AllocatedVRAMBytes += perModel
	}
}

// SampleRings records each deployment's share of device memory into its
// VRAM ring, matching GPU processes by PID.
func (c *Collector) SampleRings(ctx context.Context) {
	mem, err := c.gpu.DeviceMemory()
	if err != nil || mem.Total == 0 {
		return
	}
	procs, err := c.gpu.ComputeProcesses()
	if err != nil {
		return
	}

	byPID := make(map[int]uint64, len(procs))
	for _, p := range procs {
		byPID[int(p.PID)] += p.UsedBytes
	}

	for _, rec := range c.registry.Snapshot() {
		if rec.ProcessID <= 0 {
			continue
		}
		used, ok := byPID[rec.ProcessID]
		if !ok {
			continue
		}
		percent := 100 * float64(used) / float64(mem.Total)
		c.registry.RecordSample(rec.ContainerName, percent)
	}
}

// Collect samples telemetry over a window of windowSeconds (clamped to
// [1,60]) at 500 ms cadence, at most 100 samples, and aggregates each
// tracked metric. The loop ends by wall clock or sample cap only.
func (c *Collector) Collect(ctx context.Context, windowSeconds int) AggregatedSnapshot {
	if windowSeconds < minWindowSeconds {
		windowSeconds = minWindowSeconds
	}
	if windowSeconds > maxWindowSeconds {
		windowSeconds = maxWindowSeconds
	}

	result := AggregatedSnapshot{
		WindowSeconds: windowSeconds,
		Models:        []ModelVRAM{},
	}

	var (
		allocatedSamples []float64
		usedKVSamples    []float64
		hitRateSamples   []float64
		runningSamples   []float64
		waitingSamples   []float64
	)

	end := time.Now().Add(time.Duration(windowSeconds) * time.Second)
	for time.Now().Before(end) && len(allocatedSamples) < c.maxSamples {
		snap, scrapes := c.snapshot(ctx)

		if result.TotalVRAMBytes == 0 {
			result.TotalVRAMBytes = snap.TotalBytes
		}

		allocatedSamples = append(allocatedSamples, float64(snap.UsedBytes))
		usedKVSamples = append(usedKVSamples, float64(snap.UsedKVCacheBytes))
		hitRateSamples = append(hitRateSamples, snap.PrefixCacheHitRate)

		var running, waiting uint64
		for _, s := range scrapes {
			if s.data.Available {
				running += s.data.RequestsRunning
				waiting += s.data.RequestsWaiting
			}
		}
		runningSamples = append(runningSamples, float64(running))
		waitingSamples = append(waitingSamples, float64(waiting))

		if time.Now().Before(end) {
			time.Sleep(c.sampleInterval)
		}
	}

	result.SampleCount = len(allocatedSamples)
	result.AllocatedVRAMBytes = ComputeStats(allocatedSamples)
	result.UsedKVCacheBytes = ComputeStats(usedKVSamples)
	result.PrefixCacheHitRate = ComputeStats(hitRateSamples)
	result.NumRequestsRunning = ComputeStats(runningSamples)
	result.NumRequestsWaiting = ComputeStats(waitingSamples)

	// Final snapshot for the per-model breakdown; only models holding
	// memory make the list
	final := c.Detailed(ctx)
	for _, m := range final.Models {
		if m.AllocatedVRAMBytes > 0 {
			result.Models = append(result.Models, m)
		}
	}

	return result
}
