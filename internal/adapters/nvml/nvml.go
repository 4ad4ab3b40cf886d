//go:build !nonvml
// +build !nonvml

package nvml

import (
	"fmt"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/worldland/gpu-fleet/internal/domain"
)

const mib = 1024 * 1024

type NVMLProvider struct{}

func NewNVMLProvider() *NVMLProvider {
	return &NVMLProvider{}
}

func (p *NVMLProvider) Init() error {
	if ret := nvml.Init(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML init failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) Shutdown() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("NVML shutdown failed: %v", nvml.ErrorString(ret))
	}
	return nil
}

func (p *NVMLProvider) GetDeviceCount() (int, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", nvml.ErrorString(ret))
	}
	return count, nil
}

// GetMetrics reads every visible device. A device whose handle or UUID
// cannot be read is skipped, since rows are keyed by UUID on the master.
func (p *NVMLProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	count, err := p.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	metrics := make([]domain.GPUMetrics, 0, count)
	for i := 0; i < count; i++ {
		device, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			continue
		}
		uuid, ret := device.GetUUID()
		if ret != nvml.SUCCESS || uuid == "" {
			continue
		}

		name, _ := device.GetName()
		memInfo, _ := device.GetMemoryInfo()
		util, _ := device.GetUtilizationRates()
		temp, _ := device.GetTemperature(nvml.TEMPERATURE_GPU)

		metrics = append(metrics, domain.GPUMetrics{
			UUID:               uuid,
			Name:               name,
			Temperature:        int(temp),
			UtilizationPercent: int(util.Gpu),
			MemoryUsed:         int(memInfo.Used / mib),
			MemoryTotal:        int(memInfo.Total / mib),
		})
	}
	return metrics, nil
}

var _ domain.GPUProvider = (*NVMLProvider)(nil)
