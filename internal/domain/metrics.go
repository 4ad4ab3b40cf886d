package domain

// GPUMetrics is one GPU reading as reported by an agent.
type GPUMetrics struct {
	UUID               string `json:"uuid"`
	Name               string `json:"gpu_name"`
	Temperature        int    `json:"temperature"`
	UtilizationPercent int    `json:"utilization_percent"`
	MemoryUsed         int    `json:"memory_used"`  // MiB
	MemoryTotal        int    `json:"memory_total"` // MiB
}

// HostUsage holds host-level CPU and memory utilization in percent.
type HostUsage struct {
	CPUPercent    float64
	MemoryPercent float64
}

// StatusReport is the telemetry payload pushed by an agent and served on its /status endpoint
type StatusReport struct {
	Hostname      string       `json:"hostname"`
	IPAddress     string       `json:"ip_address"`
	Alias         *string      `json:"alias,omitempty"`
	CPUPercent    float64      `json:"cpu_percent"`
	MemoryPercent float64      `json:"memory_percent"`
	GPUs          []GPUMetrics `json:"gpus"`
}
