package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultBudget is assumed when a config carries no utilization key.
const DefaultBudget = 0.95

// budgetKeys are the accepted spellings of the utilization key, newest
// first. The underscore and max_gpu_utilization forms are legacy.
var budgetKeys = []string{
	"gpu-memory-utilization",
	"gpu_memory_utilization",
	"max_gpu_utilization",
}

// BudgetFromConfig reads the gpu-memory-utilization fraction from a vLLM
// YAML config. Missing files, parse errors and absent keys all yield the
// default.
func BudgetFromConfig(path string) float64 {
	data, err := os.ReadFile(path)
	if err != nil {
		return DefaultBudget
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return DefaultBudget
	}

	for _, key := range budgetKeys {
		switch v := doc[key].(type) {
		case float64:
			return v
		case int:
			return float64(v)
		}
	}
	return DefaultBudget
}

// ConfigPathForGPU returns configs/<gpuType>.yaml when present, falling
// back to the T4 profile.
func ConfigPathForGPU(configDir, gpuType string) string {
	path := filepath.Join(configDir, gpuType+".yaml")
	if _, err := os.Stat(path); err == nil {
		return path
	}
	return filepath.Join(configDir, "T4.yaml")
}

// WriteBudgetOverride parses srcPath, overrides gpu-memory-utilization
// with budget, and emits the result to dstPath. When the source cannot
// be parsed the file is copied unchanged so a redeploy still has a
// config to mount.
func WriteBudgetOverride(srcPath, dstPath string, budget float64) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", srcPath, err)
	}

	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return os.WriteFile(dstPath, data, 0644)
	}
	if doc == nil {
		doc = make(map[string]any)
	}
	doc["gpu-memory-utilization"] = budget

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to emit config: %w", err)
	}
	return os.WriteFile(dstPath, out, 0644)
}
