package telemetry

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestComputeStats_KnownSequence(t *testing.T) {
	samples := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}

	stats := ComputeStats(samples)

	assert.Equal(t, 1.0, stats.Min)
	assert.Equal(t, 10.0, stats.Max)
	assert.InDelta(t, 5.5, stats.Avg, 1e-9)
	assert.InDelta(t, 9.55, stats.P95, 1e-9)
	assert.InDelta(t, 9.91, stats.P99, 1e-9)
	assert.Equal(t, 10, stats.Count)
}

func TestComputeStats_EmptyInputYieldsZeros(t *testing.T) {
	stats := ComputeStats(nil)

	assert.Equal(t, AggregatedStats{}, stats)
}

func TestComputeStats_SingleSample(t *testing.T) {
	stats := ComputeStats([]float64{42})

	assert.Equal(t, 42.0, stats.Min)
	assert.Equal(t, 42.0, stats.Max)
	assert.Equal(t, 42.0, stats.Avg)
	assert.Equal(t, 42.0, stats.P95)
	assert.Equal(t, 42.0, stats.P99)
	assert.Equal(t, 1, stats.Count)
}

func TestComputeStats_DoesNotReorderInput(t *testing.T) {
	samples := []float64{9, 1, 5}

	ComputeStats(samples)

	assert.Equal(t, []float64{9, 1, 5}, samples)
}

func TestPercentile_BoundaryValues(t *testing.T) {
	sorted := []float64{2, 4, 6, 8}

	assert.Equal(t, 2.0, Percentile(sorted, 0))
	assert.Equal(t, 8.0, Percentile(sorted, 1))
	assert.InDelta(t, 5.0, Percentile(sorted, 0.5), 1e-9)
}

func TestPercentile_WithinMinMaxForRandomInput(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + rng.Intn(40)
		values := make([]float64, n)
		for i := range values {
			values[i] = rng.Float64() * 1000
		}
		sort.Float64s(values)

		for _, p := range []float64{0, 0.25, 0.5, 0.95, 0.99, 1} {
			v := Percentile(values, p)
			assert.GreaterOrEqual(t, v, values[0])
			assert.LessOrEqual(t, v, values[n-1])
		}

		stats := ComputeStats(values)
		assert.LessOrEqual(t, stats.Min, stats.Avg)
		assert.LessOrEqual(t, stats.Avg, stats.Max)
		assert.LessOrEqual(t, stats.P95, stats.P99)
	}
}

func TestPercentile_EmptyIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Percentile(nil, 0.95))
}
