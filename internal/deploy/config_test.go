package deploy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestBudgetFromConfig_DashKey(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "A100.yaml", "gpu-memory-utilization: 0.9\nmax-model-len: 4096\n")

	assert.InDelta(t, 0.9, BudgetFromConfig(path), 1e-9)
}

func TestBudgetFromConfig_LegacyAliases(t *testing.T) {
	dir := t.TempDir()

	underscore := writeConfig(t, dir, "u.yaml", "gpu_memory_utilization: 0.8\n")
	legacy := writeConfig(t, dir, "l.yaml", "max_gpu_utilization: 0.7\n")

	assert.InDelta(t, 0.8, BudgetFromConfig(underscore), 1e-9)
	assert.InDelta(t, 0.7, BudgetFromConfig(legacy), 1e-9)
}

func TestBudgetFromConfig_DefaultsWhenMissing(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "T4.yaml", "max-model-len: 2048\n")

	assert.InDelta(t, DefaultBudget, BudgetFromConfig(path), 1e-9)
	assert.InDelta(t, DefaultBudget, BudgetFromConfig(filepath.Join(t.TempDir(), "absent.yaml")), 1e-9)
}

func TestBudgetFromConfig_DefaultsOnParseError(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "bad.yaml", ": not yaml : [\n")

	assert.InDelta(t, DefaultBudget, BudgetFromConfig(path), 1e-9)
}

func TestConfigPathForGPU_PrefersMatchingClass(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "A100.yaml", "gpu-memory-utilization: 0.9\n")
	writeConfig(t, dir, "T4.yaml", "gpu-memory-utilization: 0.95\n")

	assert.Equal(t, filepath.Join(dir, "A100.yaml"), ConfigPathForGPU(dir, "A100"))
}

func TestConfigPathForGPU_FallsBackToT4(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "T4.yaml", "gpu-memory-utilization: 0.95\n")

	assert.Equal(t, filepath.Join(dir, "T4.yaml"), ConfigPathForGPU(dir, "H100"))
}

func TestWriteBudgetOverride_RewritesUtilization(t *testing.T) {
	dir := t.TempDir()
	src := writeConfig(t, dir, "T4.yaml", "gpu-memory-utilization: 0.95\nmax-model-len: 2048\n")
	dst := filepath.Join(dir, "optimized.yaml")

	require.NoError(t, WriteBudgetOverride(src, dst, 0.3))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	assert.InDelta(t, 0.3, doc["gpu-memory-utilization"].(float64), 1e-9)
	assert.Equal(t, 2048, doc["max-model-len"])
}

func TestWriteBudgetOverride_CopiesUnparseableSource(t *testing.T) {
	dir := t.TempDir()
	src := writeConfig(t, dir, "bad.yaml", ": not yaml : [\n")
	dst := filepath.Join(dir, "out.yaml")

	require.NoError(t, WriteBudgetOverride(src, dst, 0.5))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, ": not yaml : [\n", string(data))
}
