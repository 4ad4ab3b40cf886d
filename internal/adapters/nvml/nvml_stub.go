//go:build nonvml
// +build nonvml

package nvml

import (
	"errors"

	"github.com/worldland/gpu-fleet/internal/domain"
)

// ErrUnavailable is returned by every call when built with the nonvml tag.
var ErrUnavailable = errors.New("NVML not available (built with nonvml tag)")

// NVMLProvider stub - used when building without NVIDIA libraries
type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error { return ErrUnavailable }

func (p *NVMLProvider) Shutdown() error { return nil }

func (p *NVMLProvider) GetDeviceCount() (int, error) { return 0, ErrUnavailable }

func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) { return nil, ErrUnavailable }

var _ domain.GPUProvider = (*NVMLProvider)(nil)
