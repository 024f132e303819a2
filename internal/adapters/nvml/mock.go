package nvml

import "github.com/blackbox/blackbox-node/internal/domain"

// MockGPUProvider provides fake GPU data for testing
type MockGPUProvider struct {
	Count     int
	Name      string
	Memory    domain.MemoryInfo
	Processes []domain.GPUProcess
	InitErr   error
}

func NewMockGPUProvider(count int, name string, memory domain.MemoryInfo, processes []domain.GPUProcess) *MockGPUProvider {
	return &MockGPUProvider{Count: count, Name: name, Memory: memory, Processes: processes}
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	return nil
}

func (p *MockGPUProvider) DeviceCount() (int, error) {
	return p.Count, nil
}

func (p *MockGPUProvider) DeviceName() (string, error) {
	return p.Name, nil
}

func (p *MockGPUProvider) DeviceMemory() (domain.MemoryInfo, error) {
	return p.Memory, nil
}

func (p *MockGPUProvider) ComputeProcesses() ([]domain.GPUProcess, error) {
	return p.Processes, nil
}

// Compile-time interface check
var _ domain.GPUProvider = (*MockGPUProvider)(nil)
