package domain

import "strings"

// MemoryInfo represents device memory state in bytes
type MemoryInfo struct {
	Total uint64 `json:"total_bytes"`
	Used  uint64 `json:"used_bytes"`
	Free  uint64 `json:"free_bytes"`
}

// GPUProcess represents one compute process resident on the device
type GPUProcess struct {
	PID       uint32 `json:"pid"`
	UsedBytes uint64 `json:"used_bytes"`
}

// Known GPU classes with a dedicated deployment config. Anything else
// falls back to the T4 profile.
const (
	GPUClassA100 = "A100"
	GPUClassH100 = "H100"
	GPUClassL40  = "L40"
	GPUClassT4   = "T4"
)

// ClassifyGPU maps a device product name (e.g. "NVIDIA A100-SXM4-80GB")
// onto a config class. Unknown devices classify as T4.
func ClassifyGPU(deviceName string) string {
	switch {
	case strings.Contains(deviceName, GPUClassA100):
		return GPUClassA100
	case strings.Contains(deviceName, GPUClassH100):
		return GPUClassH100
	case strings.Contains(deviceName, GPUClassL40):
		return GPUClassL40
	default:
		return GPUClassT4
	}
}
