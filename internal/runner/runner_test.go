package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/worldland/gpu-fleet/internal/container"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/workspace"
)

type event struct {
	status domain.JobStatus
	line   string
}

// fakeSink records delivered events in order.
type fakeSink struct {
	mu             sync.Mutex
	events         []event
	LogErr         error
	StatusFailures int
	LogDelay       time.Duration
	statusCalls    int
}

func (s *fakeSink) UpdateStatus(ctx context.Context, id int64, st domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusCalls++
	if s.StatusFailures > 0 {
		s.StatusFailures--
		return errors.New("master unavailable")
	}
	s.events = append(s.events, event{status: st})
	return nil
}

func (s *fakeSink) AppendLog(ctx context.Context, id int64, content string) error {
	if s.LogDelay > 0 {
		time.Sleep(s.LogDelay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LogErr != nil {
		return s.LogErr
	}
	s.events = append(s.events, event{line: content})
	return nil
}

func (s *fakeSink) Events() []event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]event(nil), s.events...)
}

func (s *fakeSink) Statuses() []domain.JobStatus {
	var out []domain.JobStatus
	for _, e := range s.Events() {
		if e.status != "" {
			out = append(out, e.status)
		}
	}
	return out
}

func (s *fakeSink) Log() string {
	var b strings.Builder
	for _, e := range s.Events() {
		b.WriteString(e.line)
	}
	return b.String()
}

type mockContainers struct {
	RunJobFunc func(ctx context.Context, cfg container.JobConfig, out io.Writer) (int, error)
	calls      []container.JobConfig
}

func (m *mockContainers) RunJob(ctx context.Context, cfg container.JobConfig, out io.Writer) (int, error) {
	m.calls = append(m.calls, cfg)
	return m.RunJobFunc(ctx, cfg, out)
}

func newTestRunner(t *testing.T, sink Sink, containers ContainerRunner, cfg Config) *Runner {
	t.Helper()
	r := NewRunner(sink, workspace.NewManager(t.TempDir()), containers, cfg)
	r.retry = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 5)
	}
	t.Cleanup(r.Stop)
	return r
}

func strPtr(s string) *string { return &s }

func fakeGit(t *testing.T, exitCode int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "git")
	script := fmt.Sprintf("#!/bin/sh\necho \"git $*\"\nexit %d\n", exitCode)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestExecute_StreamsOutputInOrder(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 1,
		Command:      "echo hello; echo world 1>&2; echo done",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)
	assert.Equal(t, []event{
		{status: domain.JobRunning},
		{line: "Executing command: echo hello; echo world 1>&2; echo done\n"},
		{line: "hello\n"},
		{line: "world\n"},
		{line: "done\n"},
		{status: domain.JobCompleted},
	}, sink.Events())
}

func TestExecute_OverlongLineDoesNotStopStreaming(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 12,
		Command:      "head -c 2097152 /dev/zero | tr '\\0' '#'; echo; echo after-progress; echo done",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)

	out := sink.Log()
	assert.Equal(t, 2097152, strings.Count(out, "#"))
	assert.True(t, strings.HasSuffix(out, strings.Repeat("#", 1024)+"\nafter-progress\ndone\n"))
	for _, e := range sink.Events() {
		assert.LessOrEqual(t, len(e.line), maxLineBytes)
	}
}

func TestExecute_LogIsByteExact(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	_, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 13,
		Command:      "printf 'a\\r\\nb'",
	})

	require.NoError(t, err)
	assert.Equal(t, "Executing command: printf 'a\\r\\nb'\na\r\nb", sink.Log())
}

func TestForwarder_CountsDroppedLines(t *testing.T) {
	sink := &fakeSink{LogErr: errors.New("connection refused")}
	fwd := newForwarder(sink, 1, 4, 50*time.Millisecond, func() backoff.BackOff { return &backoff.StopBackOff{} })

	fwd.log("a\n")
	fwd.log("b\n")
	fwd.status(domain.JobCompleted)

	assert.Equal(t, int64(2), fwd.closeAndWait())
	assert.Equal(t, []domain.JobStatus{domain.JobCompleted}, sink.Statuses())
}

func TestExecute_FailingCommandRemovesWorkdir(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 2,
		Command:      "pwd; touch artifact; exit 3",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status)
	assert.Contains(t, sink.Log(), "process exited with code 3\n")

	var dir string
	for _, e := range sink.Events() {
		if strings.Contains(e.line, "exp_2_") {
			dir = strings.TrimSpace(e.line)
		}
	}
	require.NotEmpty(t, dir)
	_, statErr := os.Stat(dir)
	assert.True(t, os.IsNotExist(statErr), "workspace %s should be removed", dir)
	assert.Equal(t, 0, r.Active())
}

func TestExecute_TerminalStatusAfterAllLogs(t *testing.T) {
	sink := &fakeSink{LogDelay: 2 * time.Millisecond}
	r := newTestRunner(t, sink, nil, Config{QueueSize: 1})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 3,
		Command:      "i=1; while [ $i -le 30 ]; do echo line$i; i=$((i+1)); done",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)

	events := sink.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, domain.JobCompleted, events[len(events)-1].status)

	var want strings.Builder
	want.WriteString("Executing command: i=1; while [ $i -le 30 ]; do echo line$i; i=$((i+1)); done\n")
	for i := 1; i <= 30; i++ {
		fmt.Fprintf(&want, "line%d\n", i)
	}
	assert.Equal(t, want.String(), sink.Log())
}

func TestExecute_GitCloneAndCheckout(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{GitBinary: fakeGit(t, 0)})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 4,
		GitRepo:      strPtr("https://example.com/repo.git"),
		GitCommit:    strPtr("abc123"),
		Command:      "echo ran",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)
	assert.Equal(t, "Cloning repository: https://example.com/repo.git\n"+
		"git clone https://example.com/repo.git .\n"+
		"Checking out commit: abc123\n"+
		"git checkout abc123\n"+
		"Executing command: echo ran\n"+
		"ran\n", sink.Log())
}

func TestExecute_GitCloneFailure(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{GitBinary: fakeGit(t, 128)})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 5,
		GitRepo:      strPtr("https://example.com/missing.git"),
		Command:      "echo never",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status)
	assert.Contains(t, sink.Log(), "job failed: git clone exited with code 128\n")
	assert.NotContains(t, sink.Log(), "Executing command")
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobFailed}, sink.Statuses())
}

func TestExecute_Timeout(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{DefaultTimeout: 200 * time.Millisecond})

	start := time.Now()
	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 6,
		Command:      "sleep 30",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.Contains(t, sink.Log(), "job failed: job timed out after 200ms\n")
}

func TestExecute_LogFailuresDoNotAbortJob(t *testing.T) {
	sink := &fakeSink{LogErr: errors.New("connection refused")}
	r := newTestRunner(t, sink, nil, Config{PushTimeout: 100 * time.Millisecond})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 7,
		Command:      "echo a; echo b",
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobCompleted}, sink.Statuses())
}

func TestExecute_StatusRetried(t *testing.T) {
	sink := &fakeSink{StatusFailures: 2}
	r := newTestRunner(t, sink, nil, Config{})

	_, err := r.Execute(context.Background(), domain.JobRequest{ExperimentID: 8, Command: "true"})

	require.NoError(t, err)
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobCompleted}, sink.Statuses())
}

func TestExecute_ImageWithoutDocker(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 9,
		Command:      "python train.py",
		Image:        strPtr("pytorch/pytorch:latest"),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobFailed, status)
	assert.Contains(t, sink.Log(), ErrNoContainerRuntime.Error())
}

func TestExecute_ContainerJob(t *testing.T) {
	sink := &fakeSink{}
	mock := &mockContainers{RunJobFunc: func(ctx context.Context, cfg container.JobConfig, out io.Writer) (int, error) {
		_, _ = io.WriteString(out, "epoch 1\r\nepoch 2\r\n")
		return 0, nil
	}}
	r := newTestRunner(t, sink, mock, Config{GPUDevices: "0"})

	status, err := r.Execute(context.Background(), domain.JobRequest{
		ExperimentID: 10,
		Command:      "python train.py",
		Image:        strPtr("pytorch/pytorch:latest"),
	})

	require.NoError(t, err)
	assert.Equal(t, domain.JobCompleted, status)
	assert.Contains(t, sink.Log(), "epoch 1\nepoch 2\n")
	require.Len(t, mock.calls, 1)
	assert.Equal(t, "pytorch/pytorch:latest", mock.calls[0].Image)
	assert.Equal(t, "python train.py", mock.calls[0].Command)
	assert.Equal(t, "0", mock.calls[0].GPUDevices)
	assert.Contains(t, filepath.Base(mock.calls[0].WorkDir), "exp_10_")
}

func TestSubmit_RejectsDuplicateActiveID(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	require.NoError(t, r.Submit(domain.JobRequest{ExperimentID: 11, Command: "sleep 30"}))
	err := r.Submit(domain.JobRequest{ExperimentID: 11, Command: "echo again"})
	assert.ErrorIs(t, err, workspace.ErrJobAlreadyActive)

	r.Stop()
	assert.Equal(t, []domain.JobStatus{domain.JobRunning, domain.JobFailed}, sink.Statuses())
	assert.Equal(t, 0, r.Active())
}

func TestSubmit_ConcurrentJobs(t *testing.T) {
	sink := &fakeSink{}
	r := newTestRunner(t, sink, nil, Config{})

	for i := int64(20); i < 25; i++ {
		require.NoError(t, r.Submit(domain.JobRequest{ExperimentID: i, Command: "echo ok"}))
	}
	r.Wait()

	completed := 0
	for _, st := range sink.Statuses() {
		if st == domain.JobCompleted {
			completed++
		}
	}
	assert.Equal(t, 5, completed)
}

func TestSubmit_InvalidRequest(t *testing.T) {
	r := newTestRunner(t, &fakeSink{}, nil, Config{})

	err := r.Submit(domain.JobRequest{ExperimentID: 30, Command: " "})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = r.Submit(domain.JobRequest{ExperimentID: 30, Command: "true", TimeoutSeconds: -1})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}
