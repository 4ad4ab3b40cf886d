// Package jobs owns the master-side job lifecycle: create, dispatch and
// apply agent callbacks.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/metrics"
	"github.com/worldland/gpu-fleet/internal/store"
)

var (
	ErrUnknownServer  = errors.New("unknown server")
	ErrInvalidJob     = errors.New("invalid job")
	ErrDispatchFailed = errors.New("job dispatch failed")
	ErrNotFound       = errors.New("experiment not found")
)

// UnknownServerError names the hostname that did not resolve.
type UnknownServerError struct {
	Hostname string
}

func (e *UnknownServerError) Error() string {
	return fmt.Sprintf("unknown server: %s", e.Hostname)
}

func (e *UnknownServerError) Unwrap() error { return ErrUnknownServer }

// JobSpec is an operator's request to run a command on one named host.
type JobSpec struct {
	ServerHostname string  `json:"server_hostname"`
	GitRepo        *string `json:"git_repo,omitempty"`
	GitCommit      *string `json:"git_commit,omitempty"`
	Command        string  `json:"command"`
	Image          *string `json:"image,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}

// Dispatcher forwards an execution request to the agent on server.
type Dispatcher interface {
	Dispatch(ctx context.Context, server *store.Server, req domain.JobRequest) error
}

// Coordinator persists experiments and applies status/log callbacks.
// The database row is the only job state; nothing is cached in memory.
type Coordinator struct {
	store      *store.Store
	dispatcher Dispatcher
	now        func() time.Time
}

func NewCoordinator(s *store.Store, d Dispatcher) *Coordinator {
	return &Coordinator{store: s, dispatcher: d, now: time.Now}
}

// CreateJob persists a queued experiment and dispatches it synchronously.
// When dispatch fails the experiment is returned in failed state together
// with an error wrapping ErrDispatchFailed.
func (c *Coordinator) CreateJob(ctx context.Context, spec JobSpec) (*store.Experiment, error) {
	if strings.TrimSpace(spec.Command) == "" {
		return nil, fmt.Errorf("%w: command is required", ErrInvalidJob)
	}
	if spec.TimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: timeout_seconds must not be negative", ErrInvalidJob)
	}

	server, err := c.store.ServerByHostname(ctx, spec.ServerHostname)
	if errors.Is(err, store.ErrNotFound) {
		return nil, &UnknownServerError{Hostname: spec.ServerHostname}
	}
	if err != nil {
		return nil, err
	}

	exp := &store.Experiment{
		Status:         domain.JobQueued,
		GitRepo:        spec.GitRepo,
		GitCommit:      spec.GitCommit,
		Command:        spec.Command,
		Image:          spec.Image,
		TimeoutSeconds: spec.TimeoutSeconds,
		ServerID:       server.ID,
		ServerHostname: server.Hostname,
	}
	if err := c.store.CreateExperiment(ctx, exp); err != nil {
		return nil, err
	}
	log.Infof("Experiment %d queued on %s", exp.ID, server.Hostname)

	req := domain.JobRequest{
		ExperimentID:   exp.ID,
		GitRepo:        spec.GitRepo,
		GitCommit:      spec.GitCommit,
		Command:        spec.Command,
		Image:          spec.Image,
		TimeoutSeconds: spec.TimeoutSeconds,
	}
	if dispatchErr := c.dispatcher.Dispatch(ctx, server, req); dispatchErr != nil {
		metrics.JobDispatchFailures.Inc()
		log.Warnf("Dispatch of experiment %d to %s failed: %v", exp.ID, server.Hostname, dispatchErr)

		// The caller's context may be the one that expired; record the failure regardless.
		bg := context.WithoutCancel(ctx)
		if _, err := c.store.AppendExperimentLog(bg, exp.ID, fmt.Sprintf("dispatch failed: %v\n", dispatchErr)); err != nil {
			log.Errorf("Failed to record dispatch error for experiment %d: %v", exp.ID, err)
		}
		if _, err := c.store.TransitionExperiment(bg, exp.ID, domain.JobFailed, c.now()); err != nil {
			log.Errorf("Failed to mark experiment %d failed: %v", exp.ID, err)
		} else {
			metrics.JobTransitions.WithLabelValues(string(domain.JobFailed)).Inc()
		}

		failed, err := c.store.GetExperiment(bg, exp.ID)
		if err != nil {
			failed = exp
		}
		return failed, fmt.Errorf("%w: %v", ErrDispatchFailed, dispatchErr)
	}

	return exp, nil
}

// ReceiveStatus applies a forward status transition. Unknown ids return
// (nil, nil); backward or repeated transitions leave the record unchanged.
func (c *Coordinator) ReceiveStatus(ctx context.Context, id int64, status domain.JobStatus) (*store.Experiment, error) {
	if _, err := domain.ParseJobStatus(string(status)); err != nil {
		return nil, err
	}
	applied, err := c.store.TransitionExperiment(ctx, id, status, c.now())
	if err != nil {
		return nil, err
	}

	exp, err := c.store.GetExperiment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Debugf("Ignoring status %s for unknown experiment %d", status, id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if applied {
		metrics.JobTransitions.WithLabelValues(string(status)).Inc()
		log.Infof("Experiment %d is now %s", id, status)
	} else if exp.Status != status {
		log.Warnf("Ignoring transition %s -> %s for experiment %d", exp.Status, status, id)
	}
	return exp, nil
}

// ReceiveLog appends content to the experiment log. Unknown ids are ignored.
func (c *Coordinator) ReceiveLog(ctx context.Context, id int64, content string) (bool, error) {
	found, err := c.store.AppendExperimentLog(ctx, id, content)
	if err != nil {
		return false, err
	}
	if !found {
		log.Debugf("Ignoring log line for unknown experiment %d", id)
	}
	return found, nil
}

func (c *Coordinator) Get(ctx context.Context, id int64) (*store.Experiment, error) {
	exp, err := c.store.GetExperiment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return exp, err
}

func (c *Coordinator) List(ctx context.Context) ([]store.Experiment, error) {
	return c.store.ListExperiments(ctx)
}
