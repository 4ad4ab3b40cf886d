// Package sampler assembles the agent's telemetry snapshot.
package sampler

import (
	"context"
	"net"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
)

const fallbackIP = "127.0.0.1"

// Identity is how this agent names itself to the master.
type Identity struct {
	Hostname string
	Alias    string
}

// Sampler combines identity, host usage and GPU readings into a StatusReport.
// Either source may be nil; a failing source contributes zero values.
type Sampler struct {
	identity Identity
	host     domain.HostSampler
	gpus     domain.GPUProvider
	ipFunc   func() string
}

func NewSampler(identity Identity, host domain.HostSampler, gpus domain.GPUProvider) *Sampler {
	if identity.Hostname == "" {
		if h, err := os.Hostname(); err == nil {
			identity.Hostname = h
		}
	}
	return &Sampler{identity: identity, host: host, gpus: gpus, ipFunc: OutboundIP}
}

// Hostname returns the name this agent reports under.
func (s *Sampler) Hostname() string {
	return s.identity.Hostname
}

func (s *Sampler) Sample(ctx context.Context) domain.StatusReport {
	report := domain.StatusReport{
		Hostname:  s.identity.Hostname,
		IPAddress: s.ipFunc(),
		GPUs:      []domain.GPUMetrics{},
	}
	if s.identity.Alias != "" {
		alias := s.identity.Alias
		report.Alias = &alias
	}

	if s.host != nil {
		usage, err := s.host.Usage(ctx)
		if err != nil {
			log.Warnf("Failed to read host usage: %v", err)
		} else {
			report.CPUPercent = usage.CPUPercent
			report.MemoryPercent = usage.MemoryPercent
		}
	}

	if s.gpus != nil {
		metrics, err := s.gpus.GetMetrics()
		if err != nil {
			log.Warnf("Failed to collect GPU metrics: %v", err)
		} else if metrics != nil {
			report.GPUs = metrics
		}
	}
	return report
}

// OutboundIP returns the local address the default route would use. No packet
// is sent: connecting a UDP socket only selects a source address.
func OutboundIP() string {
	conn, err := net.Dial("udp", "10.255.255.255:1")
	if err != nil {
		return fallbackIP
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.IsUnspecified() {
		return fallbackIP
	}
	return addr.IP.String()
}
