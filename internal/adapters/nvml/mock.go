package nvml

import (
	"sync"

	"github.com/worldland/gpu-fleet/internal/domain"
)

// MockGPUProvider provides fake GPU data for testing and GPU-less agents
type MockGPUProvider struct {
	mu         sync.Mutex
	Metrics    []domain.GPUMetrics
	InitErr    error
	MetricsErr error
	calls      int
}

func NewMockGPUProvider(metrics []domain.GPUMetrics) *MockGPUProvider {
	return &MockGPUProvider{Metrics: metrics}
}

func (p *MockGPUProvider) Init() error {
	return p.InitErr
}

func (p *MockGPUProvider) Shutdown() error {
	return nil
}

func (p *MockGPUProvider) GetDeviceCount() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Metrics), nil
}

func (p *MockGPUProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.MetricsErr != nil {
		return nil, p.MetricsErr
	}
	out := make([]domain.GPUMetrics, len(p.Metrics))
	copy(out, p.Metrics)
	return out, nil
}

// SetMetrics replaces the readings returned by subsequent GetMetrics calls.
func (p *MockGPUProvider) SetMetrics(metrics []domain.GPUMetrics) {
	p.mu.Lock()
	p.Metrics = metrics
	p.mu.Unlock()
}

// Calls returns how many times GetMetrics was invoked.
func (p *MockGPUProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

var _ domain.GPUProvider = (*MockGPUProvider)(nil)
