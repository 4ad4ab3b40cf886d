package runner

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
)

// Sink receives a job's status transitions and log lines (the master client).
type Sink interface {
	UpdateStatus(ctx context.Context, experimentID int64, status domain.JobStatus) error
	AppendLog(ctx context.Context, experimentID int64, content string) error
}

type item struct {
	status domain.JobStatus
	line   string
}

// forwarder delivers one job's status updates and log lines to the sink in
// enqueue order from a single goroutine. Enqueue blocks while the queue is
// full; every send is bounded by timeout, so the queue always drains.
type forwarder struct {
	sink         Sink
	experimentID int64
	timeout      time.Duration
	retry        func() backoff.BackOff
	queue        chan item
	done         chan struct{}
	dropped      atomic.Int64
}

func newForwarder(sink Sink, experimentID int64, size int, timeout time.Duration, retry func() backoff.BackOff) *forwarder {
	if size <= 0 {
		size = 1
	}
	f := &forwarder{
		sink:         sink,
		experimentID: experimentID,
		timeout:      timeout,
		retry:        retry,
		queue:        make(chan item, size),
		done:         make(chan struct{}),
	}
	go f.run()
	return f
}

func (f *forwarder) log(line string) {
	f.queue <- item{line: line}
}

func (f *forwarder) status(st domain.JobStatus) {
	f.queue <- item{status: st}
}

// closeAndWait stops accepting items, blocks until everything queued was
// sent and returns how many log lines the sink rejected.
func (f *forwarder) closeAndWait() int64 {
	close(f.queue)
	<-f.done
	return f.dropped.Load()
}

func (f *forwarder) run() {
	defer close(f.done)
	for it := range f.queue {
		if it.status != "" {
			f.sendStatus(it.status)
			continue
		}
		f.sendLog(it.line)
	}
}

func (f *forwarder) sendLog(line string) {
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.sink.AppendLog(ctx, f.experimentID, line); err != nil {
		f.dropped.Add(1)
		log.Warnf("Dropped log line for experiment %d: %v", f.experimentID, err)
	}
}

func (f *forwarder) sendStatus(st domain.JobStatus) {
	operation := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
		defer cancel()
		return f.sink.UpdateStatus(ctx, f.experimentID, st)
	}
	notify := func(err error, wait time.Duration) {
		log.Warnf("Status %s for experiment %d not delivered, retrying in %s: %v", st, f.experimentID, wait, err)
	}
	if err := backoff.RetryNotify(operation, f.retry(), notify); err != nil {
		log.Errorf("Giving up on status %s for experiment %d: %v", st, f.experimentID, err)
	}
}
