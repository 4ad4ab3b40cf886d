package sshmgr

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// ExecResult is the captured output of one remote command.
type ExecResult struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// session is one authenticated connection. Execs hold the read lock for their
// whole duration; close takes the write lock, so it waits for them.
type session struct {
	host        string
	method      AuthMethod
	client      *ssh.Client
	connectedAt time.Time

	mu     sync.RWMutex
	closed bool
}

func (s *session) exec(ctx context.Context, command string, timeout time.Duration) (ExecResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ExecResult{}, &NotConnectedError{Host: s.host}
	}

	sess, err := s.client.NewSession()
	if err != nil {
		return ExecResult{}, &ConnectionError{Host: s.host, Err: err}
	}
	defer sess.Close()

	var stdout, stderr bytes.Buffer
	sess.Stdout = &stdout
	sess.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- sess.Run(command) }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var runErr error
	select {
	case runErr = <-done:
	case <-timer.C:
		sess.Close()
		<-done
		return ExecResult{}, &TimeoutError{Host: s.host, Op: "exec", Err: context.DeadlineExceeded}
	case <-ctx.Done():
		sess.Close()
		<-done
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ExecResult{}, &TimeoutError{Host: s.host, Op: "exec", Err: ctx.Err()}
		}
		return ExecResult{}, ctx.Err()
	}

	result := ExecResult{Stdout: stdout.String(), Stderr: stderr.String()}
	if runErr != nil {
		var exitErr *ssh.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, nil
		}
		var missing *ssh.ExitMissingError
		if errors.As(runErr, &missing) {
			result.ExitCode = -1
			return result, nil
		}
		return ExecResult{}, &ConnectionError{Host: s.host, Err: runErr}
	}
	return result, nil
}

func (s *session) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}
