package runner

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/container"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/workspace"
)

var (
	ErrInvalidRequest     = errors.New("invalid job request")
	ErrNoContainerRuntime = errors.New("container image requested but docker is not available on this agent")
)

// maxLineBytes caps one forwarded log item; longer lines arrive in pieces.
const maxLineBytes = 1024 * 1024

// ContainerRunner runs a job command inside a container image.
type ContainerRunner interface {
	RunJob(ctx context.Context, cfg container.JobConfig, out io.Writer) (int, error)
}

// Config controls job execution on the agent.
type Config struct {
	PushTimeout    time.Duration // bound on each status/log delivery
	QueueSize      int           // buffered status/log items per job
	DefaultTimeout time.Duration // applied when a request carries none; 0 disables
	Shell          string
	GitBinary      string
	GPUDevices     string // NVIDIA_VISIBLE_DEVICES for container jobs
}

func (c Config) withDefaults() Config {
	if c.PushTimeout <= 0 {
		c.PushTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.Shell == "" {
		c.Shell = "/bin/sh"
	}
	if c.GitBinary == "" {
		c.GitBinary = "git"
	}
	return c
}

// Runner executes jobs, one goroutine and one fresh workspace per job.
type Runner struct {
	sink       Sink
	workspaces *workspace.Manager
	containers ContainerRunner
	cfg        Config
	retry      func() backoff.BackOff

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner. containers may be nil when the agent has no Docker daemon.
func NewRunner(sink Sink, workspaces *workspace.Manager, containers ContainerRunner, cfg Config) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		sink:       sink,
		workspaces: workspaces,
		containers: containers,
		cfg:        cfg.withDefaults(),
		retry:      statusRetry,
		baseCtx:    ctx,
		cancel:     cancel,
	}
}

func statusRetry() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

func validate(req domain.JobRequest) error {
	if strings.TrimSpace(req.Command) == "" {
		return fmt.Errorf("%w: command is required", ErrInvalidRequest)
	}
	if req.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must not be negative", ErrInvalidRequest)
	}
	return nil
}

// Submit allocates the job's workspace and starts it in the background.
// Fails with workspace.ErrJobAlreadyActive if the id is already running here.
func (r *Runner) Submit(req domain.JobRequest) error {
	if err := validate(req); err != nil {
		return err
	}
	dir, err := r.workspaces.Allocate(req.ExperimentID)
	if err != nil {
		return err
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(r.baseCtx, req, dir)
	}()
	return nil
}

// Execute runs a job to completion on the calling goroutine.
func (r *Runner) Execute(ctx context.Context, req domain.JobRequest) (domain.JobStatus, error) {
	if err := validate(req); err != nil {
		return "", err
	}
	dir, err := r.workspaces.Allocate(req.ExperimentID)
	if err != nil {
		return "", err
	}
	return r.run(ctx, req, dir), nil
}

// Active returns the number of jobs currently running.
func (r *Runner) Active() int {
	return r.workspaces.ActiveCount()
}

// Wait blocks until every submitted job has finished.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// Stop kills running jobs and waits for their terminal status to be delivered.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()
}

func (r *Runner) run(ctx context.Context, req domain.JobRequest, dir string) (status domain.JobStatus) {
	id := req.ExperimentID
	fwd := newForwarder(r.sink, id, r.cfg.QueueSize, r.cfg.PushTimeout, r.retry)

	defer func() {
		if err := r.workspaces.Release(id); err != nil {
			log.Warnf("Failed to release workspace for experiment %d: %v", id, err)
		}
		log.Infof("Experiment %d finished: %s", id, status)
	}()
	defer func() {
		if dropped := fwd.closeAndWait(); dropped > 0 {
			log.Warnf("Experiment %d: %d log lines were not delivered to the master", id, dropped)
		}
	}()
	defer func() {
		if p := recover(); p != nil {
			fwd.log(fmt.Sprintf("job failed: %v\n", p))
			status = domain.JobFailed
		}
		fwd.status(status)
	}()

	log.Infof("Starting experiment %d in %s", id, dir)
	fwd.status(domain.JobRunning)

	code, err := r.execute(ctx, req, dir, fwd)
	switch {
	case err != nil:
		fwd.log(fmt.Sprintf("job failed: %v\n", err))
		return domain.JobFailed
	case code != 0:
		fwd.log(fmt.Sprintf("process exited with code %d\n", code))
		return domain.JobFailed
	default:
		return domain.JobCompleted
	}
}

func (r *Runner) execute(ctx context.Context, req domain.JobRequest, dir string, fwd *forwarder) (int, error) {
	timeout := r.cfg.DefaultTimeout
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	code, err := r.steps(ctx, req, dir, fwd)
	if errors.Is(err, context.DeadlineExceeded) && timeout > 0 {
		return code, fmt.Errorf("job timed out after %s", timeout)
	}
	return code, err
}

func (r *Runner) steps(ctx context.Context, req domain.JobRequest, dir string, fwd *forwarder) (int, error) {
	if req.GitRepo != nil && *req.GitRepo != "" {
		fwd.log(fmt.Sprintf("Cloning repository: %s\n", *req.GitRepo))
		if err := r.git(ctx, dir, fwd, "clone", *req.GitRepo, "."); err != nil {
			return -1, err
		}
		if req.GitCommit != nil && *req.GitCommit != "" {
			fwd.log(fmt.Sprintf("Checking out commit: %s\n", *req.GitCommit))
			if err := r.git(ctx, dir, fwd, "checkout", *req.GitCommit); err != nil {
				return -1, err
			}
		}
	}

	fwd.log(fmt.Sprintf("Executing command: %s\n", req.Command))
	if req.Image != nil && *req.Image != "" {
		return r.runContainer(ctx, req, dir, fwd)
	}
	return runStreaming(ctx, dir, fwd, r.cfg.Shell, "-c", req.Command)
}

func (r *Runner) git(ctx context.Context, dir string, fwd *forwarder, args ...string) error {
	code, err := runStreaming(ctx, dir, fwd, r.cfg.GitBinary, args...)
	if err != nil {
		return fmt.Errorf("git %s: %w", args[0], err)
	}
	if code != 0 {
		return fmt.Errorf("git %s exited with code %d", args[0], code)
	}
	return nil
}

func (r *Runner) runContainer(ctx context.Context, req domain.JobRequest, dir string, fwd *forwarder) (int, error) {
	if r.containers == nil {
		return -1, ErrNoContainerRuntime
	}

	pr, pw := io.Pipe()
	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		// The container TTY turns every newline into CRLF.
		streamLines(pr, fwd, true)
	}()

	code, err := r.containers.RunJob(ctx, container.JobConfig{
		Name:       fmt.Sprintf("exp-%d-%d", req.ExperimentID, time.Now().UnixNano()),
		Image:      *req.Image,
		Command:    req.Command,
		WorkDir:    dir,
		GPUDevices: r.cfg.GPUDevices,
	}, pw)
	pw.Close()
	<-scanned
	return code, err
}

// runStreaming runs name in dir with stdout and stderr on one pipe, forwarding
// each line as it arrives. On cancellation the whole process group is killed.
// Processes the job left behind are killed once the main process exits.
func runStreaming(ctx context.Context, dir string, fwd *forwarder, name string, args ...string) (int, error) {
	pr, pw, err := os.Pipe()
	if err != nil {
		return -1, fmt.Errorf("failed to create output pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdout = pw
	cmd.Stderr = pw
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		pw.Close()
		return -1, fmt.Errorf("failed to start %s: %w", name, err)
	}
	pw.Close()

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		streamLines(pr, fwd, false)
	}()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var waitErr error
	killed := false
	select {
	case waitErr = <-waitCh:
	case <-ctx.Done():
		killProcessGroup(cmd)
		waitErr = <-waitCh
		killed = true
	}
	killProcessGroup(cmd)
	<-scanned

	if killed {
		return -1, ctx.Err()
	}
	if waitErr != nil {
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, waitErr
	}
	return 0, nil
}

// streamLines forwards r's output one line at a time, byte for byte. A line
// longer than maxLineBytes is forwarded in maxLineBytes pieces. With trimCR,
// a CR before the newline is dropped.
func streamLines(r io.Reader, fwd *forwarder, trimCR bool) {
	br := bufio.NewReaderSize(r, maxLineBytes)
	for {
		chunk, err := br.ReadSlice('\n')
		if len(chunk) > 0 {
			line := string(chunk)
			if trimCR && strings.HasSuffix(line, "\r\n") {
				line = line[:len(line)-2] + "\n"
			}
			fwd.log(line)
		}
		switch {
		case err == nil, errors.Is(err, bufio.ErrBufferFull):
		case errors.Is(err, io.EOF), errors.Is(err, os.ErrClosed):
			return
		default:
			fwd.log(fmt.Sprintf("output read error: %v\n", err))
			// Keep draining so the writer never blocks on a full pipe.
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}
