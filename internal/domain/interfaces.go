package domain

import "context"

// GPUProvider abstracts GPU metrics collection for testing
type GPUProvider interface {
	// Init initializes the GPU provider (NVML, nvidia-smi or mock)
	Init() error
	// Shutdown cleanly shuts down the provider
	Shutdown() error
	// GetDeviceCount returns number of GPUs
	GetDeviceCount() (int, error)
	// GetMetrics returns current metrics for all GPUs
	GetMetrics() ([]GPUMetrics, error)
}

// HostSampler reads host CPU and memory utilization.
type HostSampler interface {
	Usage(ctx context.Context) (HostUsage, error)
}
