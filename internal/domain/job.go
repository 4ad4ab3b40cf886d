package domain

import (
	"errors"
	"fmt"
)

// ErrInvalidStatus is returned for a status string outside the known set.
var ErrInvalidStatus = errors.New("invalid job status")

// JobStatus is the lifecycle state of an experiment.
type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// predecessors lists, for each status, the states it may be entered from.
var predecessors = map[JobStatus][]JobStatus{
	JobRunning:   {JobQueued},
	JobCompleted: {JobRunning},
	JobFailed:    {JobQueued, JobRunning},
}

// ParseJobStatus validates a status string received over the wire.
func ParseJobStatus(s string) (JobStatus, error) {
	switch st := JobStatus(s); st {
	case JobQueued, JobRunning, JobCompleted, JobFailed:
		return st, nil
	}
	return "", fmt.Errorf("%w %q", ErrInvalidStatus, s)
}

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Predecessors returns the statuses from which s may be entered.
func (s JobStatus) Predecessors() []JobStatus {
	return predecessors[s]
}

// CanTransition reports whether from -> to is a forward transition.
func CanTransition(from, to JobStatus) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// JobRequest is what the master sends to an agent's /api/jobs endpoint.
type JobRequest struct {
	ExperimentID   int64   `json:"experiment_id"`
	GitRepo        *string `json:"git_repo,omitempty"`
	GitCommit      *string `json:"git_commit,omitempty"`
	Command        string  `json:"command"`
	Image          *string `json:"image,omitempty"`
	TimeoutSeconds int     `json:"timeout_seconds,omitempty"`
}
