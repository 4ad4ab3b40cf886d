// Package smi reads GPU telemetry by shelling out to nvidia-smi. It is the
// fallback when NVML cannot be loaded into the agent process.
package smi

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/worldland/gpu-fleet/internal/domain"
)

const queryFields = "uuid,name,temperature.gpu,utilization.gpu,memory.used,memory.total"

var ErrNotFound = errors.New("nvidia-smi not found in PATH")

// CommandFunc runs nvidia-smi with the given arguments and returns stdout.
type CommandFunc func(ctx context.Context, args ...string) ([]byte, error)

// SMIProvider implements domain.GPUProvider on top of nvidia-smi CSV output.
type SMIProvider struct {
	binary    string
	timeout   time.Duration
	run       CommandFunc
	checkPath bool
}

func NewSMIProvider() *SMIProvider {
	p := &SMIProvider{binary: "nvidia-smi", timeout: 5 * time.Second, checkPath: true}
	p.run = p.execCommand
	return p
}

// NewSMIProviderWithCommand creates a provider with a custom command runner (for testing)
func NewSMIProviderWithCommand(run CommandFunc) *SMIProvider {
	return &SMIProvider{binary: "nvidia-smi", timeout: 5 * time.Second, run: run}
}

func (p *SMIProvider) execCommand(ctx context.Context, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, p.binary, args...).Output()
}

func (p *SMIProvider) Init() error {
	if !p.checkPath {
		return nil
	}
	if _, err := exec.LookPath(p.binary); err != nil {
		return ErrNotFound
	}
	return nil
}

func (p *SMIProvider) Shutdown() error { return nil }

func (p *SMIProvider) GetDeviceCount() (int, error) {
	metrics, err := p.GetMetrics()
	if err != nil {
		return 0, err
	}
	return len(metrics), nil
}

func (p *SMIProvider) GetMetrics() ([]domain.GPUMetrics, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	out, err := p.run(ctx, "--query-gpu="+queryFields, "--format=csv,noheader,nounits")
	if err != nil {
		return nil, fmt.Errorf("failed to query nvidia-smi: %w", err)
	}
	return ParseCSV(out)
}

// ParseCSV parses `nvidia-smi --query-gpu=... --format=csv,noheader,nounits`
// output. Rows with a non-numeric reading ("[N/A]") keep zero for that field.
func ParseCSV(data []byte) ([]domain.GPUMetrics, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = -1

	var metrics []domain.GPUMetrics
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse nvidia-smi output: %w", err)
		}
		if len(row) < 6 {
			continue
		}
		uuid := strings.TrimSpace(row[0])
		if uuid == "" {
			continue
		}
		metrics = append(metrics, domain.GPUMetrics{
			UUID:               uuid,
			Name:               strings.TrimSpace(row[1]),
			Temperature:        atoi(row[2]),
			UtilizationPercent: atoi(row[3]),
			MemoryUsed:         atoi(row[4]),
			MemoryTotal:        atoi(row[5]),
		})
	}
	return metrics, nil
}

func atoi(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

var _ domain.GPUProvider = (*SMIProvider)(nil)
