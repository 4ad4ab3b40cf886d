package store

import (
	"time"

	"gorm.io/datatypes"

	"github.com/worldland/gpu-fleet/internal/domain"
)

// Server is the latest-known state of one agent host, keyed by hostname.
type Server struct {
	ID            int64     `gorm:"primaryKey" json:"id"`
	Hostname      string    `gorm:"uniqueIndex;not null" json:"hostname"`
	IPAddress     string    `json:"ip_address"`
	Alias         *string   `json:"alias"`
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
	GPUs          []GPU     `gorm:"foreignKey:ServerID" json:"gpus"`
}

// GPU is keyed by its vendor UUID and follows whichever server last reported it.
type GPU struct {
	ID                 int64     `gorm:"primaryKey" json:"id"`
	UUID               string    `gorm:"column:uuid;uniqueIndex;not null" json:"uuid"`
	GPUName            string    `gorm:"column:gpu_name" json:"gpu_name"`
	Temperature        int       `json:"temperature"`
	UtilizationPercent int       `json:"utilization_percent"`
	MemoryUsed         int       `json:"memory_used"`
	MemoryTotal        int       `json:"memory_total"`
	ServerID           int64     `gorm:"index;not null" json:"server_id"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Experiment is one job record.
type Experiment struct {
	ID             int64            `gorm:"primaryKey" json:"id"`
	Status         domain.JobStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	GitRepo        *string          `json:"git_repo"`
	GitCommit      *string          `json:"git_commit"`
	Command        string           `gorm:"not null" json:"command"`
	Image          *string          `json:"image,omitempty"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
	Log            string           `gorm:"type:text;not null;default:''" json:"log"`
	StartedAt      *time.Time       `json:"started_at"`
	EndedAt        *time.Time       `json:"ended_at"`
	CreatedAt      time.Time        `json:"created_at"`
	ServerID       int64            `gorm:"index;not null" json:"server_id"`
	ServerHostname string           `json:"server_hostname"`
}

// MetricSample is one raw telemetry report, kept only when the metrics log is enabled.
type MetricSample struct {
	ID        int64          `gorm:"primaryKey" json:"id"`
	Host      string         `gorm:"index" json:"host"`
	Timestamp time.Time      `gorm:"index" json:"timestamp"`
	CPU       float64        `json:"cpu"`
	Memory    float64        `json:"memory"`
	GPUs      datatypes.JSON `json:"gpus"`
}

// Models lists every table managed by AutoMigrate.
func Models() []any {
	return []any{&Server{}, &GPU{}, &Experiment{}, &MetricSample{}}
}
