package api

import "github.com/worldland/gpu-fleet/internal/store"

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// DispatchFailedResponse is returned with 502 when the experiment was
// recorded but its agent could not be reached.
type DispatchFailedResponse struct {
	Error      string            `json:"error"`
	Code       string            `json:"code"`
	Experiment *store.Experiment `json:"experiment"`
}

// StatusUpdateRequest is the JSON body for POST /api/experiments/{id}/status
type StatusUpdateRequest struct {
	Status string `json:"status"`
}

// LogRequest is the JSON body for POST /api/experiments/{id}/log
type LogRequest struct {
	Content string `json:"content"`
}

// AckResponse acknowledges a callback; Ignored is set for unknown experiments.
type AckResponse struct {
	Ignored bool `json:"ignored"`
}

// ConnectRequest is the JSON body for POST /servers/connect
type ConnectRequest struct {
	Host          string  `json:"host"`
	SSHUser       string  `json:"ssh_user"`
	Port          int     `json:"port,omitempty"`
	Principal     string  `json:"principal,omitempty"`
	KinitPassword string  `json:"kinit_password,omitempty"`
	KeyPath       string  `json:"key_path,omitempty"`
	Password      string  `json:"password,omitempty"`
	Timeout       float64 `json:"timeout,omitempty"` // seconds
}

// SessionResponse reports the outcome of connect and disconnect.
type SessionResponse struct {
	Status string `json:"status"`
	Host   string `json:"host"`
}

// DisconnectRequest is the JSON body for POST /servers/disconnect
type DisconnectRequest struct {
	Host string `json:"host"`
}

// ExecRequest is the JSON body for POST /servers/exec
type ExecRequest struct {
	Host    string  `json:"host"`
	Command string  `json:"command"`
	Timeout float64 `json:"timeout,omitempty"` // seconds
}

// JobAcceptedResponse is returned by the agent once a job has started.
type JobAcceptedResponse struct {
	Message      string `json:"message"`
	ExperimentID int64  `json:"experiment_id"`
}

// MessageResponse carries a plain status message (health, banner).
type MessageResponse struct {
	Message string `json:"message,omitempty"`
	Status  string `json:"status,omitempty"`
}
