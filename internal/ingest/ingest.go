// Package ingest applies agent telemetry reports to fleet state.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/metrics"
	"github.com/worldland/gpu-fleet/internal/store"
)

var ErrInvalidReport = errors.New("invalid status report")

// Ingestor upserts servers by hostname and GPUs by UUID.
type Ingestor struct {
	store     *store.Store
	recordRaw bool
	now       func() time.Time
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithMetricsLog also appends every report to the raw metric_samples table.
func WithMetricsLog(enabled bool) Option {
	return func(i *Ingestor) { i.recordRaw = enabled }
}

// WithClock overrides the time source (for testing).
func WithClock(now func() time.Time) Option {
	return func(i *Ingestor) { i.now = now }
}

func NewIngestor(s *store.Store, opts ...Option) *Ingestor {
	i := &Ingestor{store: s, now: time.Now}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func validate(report domain.StatusReport) error {
	if strings.TrimSpace(report.Hostname) == "" {
		return fmt.Errorf("%w: hostname is required", ErrInvalidReport)
	}
	for i, g := range report.GPUs {
		if strings.TrimSpace(g.UUID) == "" {
			return fmt.Errorf("%w: gpus[%d] has no uuid", ErrInvalidReport, i)
		}
	}
	return nil
}

// Ingest applies one report in a single transaction and returns the
// persisted server with its GPUs.
func (i *Ingestor) Ingest(ctx context.Context, report domain.StatusReport) (*store.Server, error) {
	if err := validate(report); err != nil {
		metrics.IngestTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}

	now := i.now()
	var result *store.Server
	err := i.store.Transaction(ctx, func(tx *store.Store) error {
		server, err := tx.EnsureServer(ctx, report.Hostname)
		if err != nil {
			return err
		}
		if err := tx.UpdateServerState(ctx, server.ID, report, now); err != nil {
			return err
		}
		for _, g := range report.GPUs {
			if err := tx.UpsertGPU(ctx, server.ID, g, now); err != nil {
				return err
			}
		}
		if i.recordRaw {
			gpus, err := json.Marshal(report.GPUs)
			if err != nil {
				return fmt.Errorf("failed to encode gpus: %w", err)
			}
			sample := &store.MetricSample{
				Host:      report.Hostname,
				Timestamp: now,
				CPU:       report.CPUPercent,
				Memory:    report.MemoryPercent,
				GPUs:      gpus,
			}
			if err := tx.AddSample(ctx, sample); err != nil {
				return err
			}
		}
		result, err = tx.ServerByHostname(ctx, report.Hostname)
		return err
	})
	if err != nil {
		metrics.IngestTotal.WithLabelValues("error").Inc()
		log.Warnf("Ingest failed for %s: %v", report.Hostname, err)
		return nil, fmt.Errorf("failed to ingest report from %s: %w", report.Hostname, err)
	}

	metrics.IngestTotal.WithLabelValues("ok").Inc()
	observe(report)
	log.Debugf("Ingested report from %s (%d GPUs)", report.Hostname, len(report.GPUs))
	return result, nil
}

func observe(report domain.StatusReport) {
	metrics.ServerCPUPercent.WithLabelValues(report.Hostname).Set(report.CPUPercent)
	metrics.ServerMemoryPercent.WithLabelValues(report.Hostname).Set(report.MemoryPercent)

	// GPU series follow the latest report: the host's previous series are
	// dropped, and so is any series for a reported GPU under another host.
	for _, vec := range []*prometheus.GaugeVec{metrics.GPUUtilization, metrics.GPUTemperature} {
		vec.DeletePartialMatch(prometheus.Labels{"hostname": report.Hostname})
		for _, g := range report.GPUs {
			vec.DeletePartialMatch(prometheus.Labels{"uuid": g.UUID})
		}
	}
	for _, g := range report.GPUs {
		metrics.GPUUtilization.WithLabelValues(report.Hostname, g.UUID).Set(float64(g.UtilizationPercent))
		metrics.GPUTemperature.WithLabelValues(report.Hostname, g.UUID).Set(float64(g.Temperature))
	}
}
