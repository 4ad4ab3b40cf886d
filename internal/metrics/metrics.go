// Package metrics holds the master's Prometheus collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	IngestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_ingest_total",
		Help: "Telemetry reports processed, by result",
	}, []string{"result"})
	ServerCPUPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_server_cpu_percent",
		Help: "Last reported host CPU utilization",
	}, []string{"hostname"})
	ServerMemoryPercent = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_server_memory_percent",
		Help: "Last reported host memory utilization",
	}, []string{"hostname"})
	GPUUtilization = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_gpu_utilization_percent",
		Help: "Last reported GPU utilization",
	}, []string{"hostname", "uuid"})
	GPUTemperature = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fleet_gpu_temperature_celsius",
		Help: "Last reported GPU temperature",
	}, []string{"hostname", "uuid"})
	JobTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_job_transitions_total",
		Help: "Applied job status transitions, by target status",
	}, []string{"status"})
	JobDispatchFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "fleet_job_dispatch_failures_total",
		Help: "Job dispatches that failed to reach the agent",
	})
	SSHSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "fleet_ssh_sessions",
		Help: "Open SSH sessions held by the session manager",
	})
	SSHConnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_ssh_connects_total",
		Help: "SSH connect attempts, by auth method and result",
	}, []string{"method", "result"})
	DiscoveryProbes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "fleet_discovery_probes_total",
		Help: "TCP reachability probes, by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(IngestTotal)
	prometheus.MustRegister(ServerCPUPercent)
	prometheus.MustRegister(ServerMemoryPercent)
	prometheus.MustRegister(GPUUtilization)
	prometheus.MustRegister(GPUTemperature)
	prometheus.MustRegister(JobTransitions)
	prometheus.MustRegister(JobDispatchFailures)
	prometheus.MustRegister(SSHSessions)
	prometheus.MustRegister(SSHConnects)
	prometheus.MustRegister(DiscoveryProbes)
}
