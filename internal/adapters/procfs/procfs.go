// Package procfs samples host CPU and memory utilization from /proc.
package procfs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/procfs"

	"github.com/worldland/gpu-fleet/internal/domain"
)

var ErrMeminfoIncomplete = errors.New("meminfo lacks MemTotal or MemAvailable")

// HostSampler reads /proc/stat twice, Window apart, to derive CPU busy percent.
type HostSampler struct {
	fs     procfs.FS
	Window time.Duration
}

// NewHostSampler opens the proc filesystem at mountPoint ("" means /proc).
func NewHostSampler(mountPoint string) (*HostSampler, error) {
	if mountPoint == "" {
		mountPoint = procfs.DefaultMountPoint
	}
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", mountPoint, err)
	}
	return &HostSampler{fs: fs, Window: 500 * time.Millisecond}, nil
}

func (s *HostSampler) Usage(ctx context.Context) (domain.HostUsage, error) {
	mem, err := s.memoryPercent()
	if err != nil {
		return domain.HostUsage{}, err
	}

	first, err := s.fs.Stat()
	if err != nil {
		return domain.HostUsage{}, fmt.Errorf("failed to read /proc/stat: %w", err)
	}

	select {
	case <-ctx.Done():
		return domain.HostUsage{}, ctx.Err()
	case <-time.After(s.Window):
	}

	second, err := s.fs.Stat()
	if err != nil {
		return domain.HostUsage{}, fmt.Errorf("failed to read /proc/stat: %w", err)
	}

	return domain.HostUsage{
		CPUPercent:    cpuPercent(first.CPUTotal, second.CPUTotal),
		MemoryPercent: mem,
	}, nil
}

func (s *HostSampler) memoryPercent() (float64, error) {
	info, err := s.fs.Meminfo()
	if err != nil {
		return 0, fmt.Errorf("failed to read /proc/meminfo: %w", err)
	}
	if info.MemTotal == nil || info.MemAvailable == nil || *info.MemTotal == 0 {
		return 0, ErrMeminfoIncomplete
	}
	used := *info.MemTotal - *info.MemAvailable
	return round1(float64(used) / float64(*info.MemTotal) * 100), nil
}

func cpuPercent(a, b procfs.CPUStat) float64 {
	idle := (b.Idle + b.Iowait) - (a.Idle + a.Iowait)
	total := cpuTotal(b) - cpuTotal(a)
	if total <= 0 {
		return 0
	}
	return round1((total - idle) / total * 100)
}

func cpuTotal(c procfs.CPUStat) float64 {
	return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
}

func round1(v float64) float64 {
	return float64(int64(v*10+0.5)) / 10
}

var _ domain.HostSampler = (*HostSampler)(nil)
