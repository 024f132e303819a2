//go:build nonvml
// +build nonvml

package nvml

import (
	"fmt"

	"github.com/blackbox/blackbox-node/internal/domain"
)

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	return fmt.Errorf("NVML not available (built with nonvml tag)")
}

func (p *NVMLProvider) Shutdown() error {
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	return 0, fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) DeviceName() (string, error) {
	return "", fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) DeviceMemory() (domain.MemoryInfo, error) {
	return domain.MemoryInfo{}, fmt.Errorf("NVML not available")
}

func (p *NVMLProvider) ComputeProcesses() ([]domain.GPUProcess, error) {
	return nil, fmt.Errorf("NVML not available")
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
