//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
	"github.com/blackbox/blackbox-node/internal/domain"
)

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	ret := nvml.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	ret := nvml.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) DeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

func (p *NVMLProvider) DeviceName() (string, error) {
	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("failed to get device handle: %v", nvml.ErrorString(ret))
	}
	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		return "", fmt.Errorf("failed to get device name: %v", nvml.ErrorString(ret))
	}
	return name, nil
}

func (p *NVMLProvider) DeviceMemory() (domain.MemoryInfo, error) {
	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return domain.MemoryInfo{}, fmt.Errorf("failed to get device handle: %v", nvml.ErrorString(ret))
	}
	memInfo, ret := device.GetMemoryInfo()
	if ret != nvml.SUCCESS {
		return domain.MemoryInfo{}, fmt.Errorf("failed to get memory info: %v", nvml.ErrorString(ret))
	}
	return domain.MemoryInfo{
		Total: memInfo.Total,
		Used:  memInfo.Used,
		Free:  memInfo.Free,
	}, nil
}

func (p *NVMLProvider) ComputeProcesses() ([]domain.GPUProcess, error) {
	device, ret := nvml.DeviceGetHandleByIndex(0)
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device handle: %v", nvml.ErrorString(ret))
	}
	infos, ret := device.GetComputeRunningProcesses()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get compute processes: %v", nvml.ErrorString(ret))
	}

	procs := make([]domain.GPUProcess, 0, len(infos))
	for _, info := range infos {
		procs = append(procs, domain.GPUProcess{
			PID:       info.Pid,
			UsedBytes: info.UsedGpuMemory,
		})
	}
	return procs, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*NVMLProvider)(nil)
