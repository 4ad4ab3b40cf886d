// Package reporter pushes the agent's telemetry to the master on a fixed interval.
package reporter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
)

// Source produces the current telemetry snapshot.
type Source interface {
	Sample(ctx context.Context) domain.StatusReport
}

// Pusher delivers a snapshot to the master's ingestion endpoint.
type Pusher interface {
	PushStatus(ctx context.Context, report domain.StatusReport) error
}

// Reporter samples and pushes once immediately, then every interval, until
// stopped. A failed push is logged and the loop carries on.
type Reporter struct {
	source   Source
	pusher   Pusher
	interval time.Duration
	timeout  time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	reports  atomic.Int64
	failures atomic.Int64
}

func NewReporter(source Source, pusher Pusher, interval, timeout time.Duration) *Reporter {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{source: source, pusher: pusher, interval: interval, timeout: timeout}
}

// Start runs the loop in the background. Calling Start twice is a no-op.
func (r *Reporter) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	done := r.done
	go func() {
		defer close(done)
		r.Run(ctx)
	}()
}

// Stop cancels the loop and waits for the in-flight iteration to finish.
func (r *Reporter) Stop() {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Run blocks until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		r.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sample-and-push.
func (r *Reporter) RunOnce(ctx context.Context) error {
	pushCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	report := r.source.Sample(pushCtx)
	if err := r.pusher.PushStatus(pushCtx, report); err != nil {
		r.failures.Add(1)
		log.Warnf("Failed to push status to master: %v", err)
		return err
	}
	r.reports.Add(1)
	log.Debugf("Pushed status for %s (%d GPUs)", report.Hostname, len(report.GPUs))
	return nil
}

// Reports returns the number of successful pushes.
func (r *Reporter) Reports() int64 { return r.reports.Load() }

// Failures returns the number of failed pushes.
func (r *Reporter) Failures() int64 { return r.failures.Load() }
