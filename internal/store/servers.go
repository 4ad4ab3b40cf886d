package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/worldland/gpu-fleet/internal/domain"
)

var ErrNotFound = errors.New("record not found")

// EnsureServer returns the row for hostname, inserting a bare one first if absent.
// Concurrent first reports for one hostname converge on the same row.
func (s *Store) EnsureServer(ctx context.Context, hostname string) (*Server, error) {
	bare := &Server{Hostname: hostname}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "hostname"}}, DoNothing: true}).
		Create(bare).Error
	if err != nil {
		return nil, fmt.Errorf("failed to insert server %s: %w", hostname, err)
	}

	var server Server
	if err := s.db.WithContext(ctx).Where("hostname = ?", hostname).First(&server).Error; err != nil {
		return nil, fmt.Errorf("failed to load server %s: %w", hostname, err)
	}
	return &server, nil
}

// UpdateServerState overwrites the scalar telemetry fields of a server.
func (s *Store) UpdateServerState(ctx context.Context, id int64, report domain.StatusReport, now time.Time) error {
	err := s.db.WithContext(ctx).Model(&Server{}).Where("id = ?", id).Updates(map[string]any{
		"ip_address":     report.IPAddress,
		"alias":          report.Alias,
		"cpu_percent":    report.CPUPercent,
		"memory_percent": report.MemoryPercent,
		"updated_at":     now,
	}).Error
	if err != nil {
		return fmt.Errorf("failed to update server %d: %w", id, err)
	}
	return nil
}

// UpsertGPU inserts or updates a GPU row by UUID and binds it to serverID.
func (s *Store) UpsertGPU(ctx context.Context, serverID int64, m domain.GPUMetrics, now time.Time) error {
	gpu := &GPU{
		UUID:               m.UUID,
		GPUName:            m.Name,
		Temperature:        m.Temperature,
		UtilizationPercent: m.UtilizationPercent,
		MemoryUsed:         m.MemoryUsed,
		MemoryTotal:        m.MemoryTotal,
		ServerID:           serverID,
		UpdatedAt:          now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "uuid"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"gpu_name", "temperature", "utilization_percent",
			"memory_used", "memory_total", "server_id", "updated_at",
		}),
	}).Create(gpu).Error
	if err != nil {
		return fmt.Errorf("failed to upsert gpu %s: %w", m.UUID, err)
	}
	return nil
}

func withGPUs(db *gorm.DB) *gorm.DB {
	return db.Preload("GPUs", func(db *gorm.DB) *gorm.DB { return db.Order("uuid") })
}

// ServerByHostname returns the server with its GPUs, or ErrNotFound.
func (s *Store) ServerByHostname(ctx context.Context, hostname string) (*Server, error) {
	var server Server
	err := withGPUs(s.db.WithContext(ctx)).Where("hostname = ?", hostname).First(&server).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load server %s: %w", hostname, err)
	}
	return &server, nil
}

// ListServers returns every server with its GPUs, ordered by hostname.
func (s *Store) ListServers(ctx context.Context) ([]Server, error) {
	var servers []Server
	if err := withGPUs(s.db.WithContext(ctx)).Order("hostname").Find(&servers).Error; err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	return servers, nil
}

// AddSample appends one raw metrics row.
func (s *Store) AddSample(ctx context.Context, sample *MetricSample) error {
	if err := s.db.WithContext(ctx).Create(sample).Error; err != nil {
		return fmt.Errorf("failed to record metric sample: %w", err)
	}
	return nil
}

// ListSamples returns the newest samples first, optionally filtered by host.
func (s *Store) ListSamples(ctx context.Context, host string, limit int) ([]MetricSample, error) {
	q := s.db.WithContext(ctx).Order("timestamp DESC").Order("id DESC").Limit(limit)
	if host != "" {
		q = q.Where("host = ?", host)
	}
	var samples []MetricSample
	if err := q.Find(&samples).Error; err != nil {
		return nil, fmt.Errorf("failed to list metric samples: %w", err)
	}
	return samples, nil
}
