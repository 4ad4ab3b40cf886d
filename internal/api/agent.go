package api

import (
	"context"
	"errors"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/runner"
	"github.com/worldland/gpu-fleet/internal/workspace"
)

// JobSubmitter defines operations needed from the job runner
type JobSubmitter interface {
	Submit(req domain.JobRequest) error
}

// StatusSource produces the agent's current telemetry.
type StatusSource interface {
	Sample(ctx context.Context) domain.StatusReport
}

// AgentHandler handles the agent's HTTP API.
type AgentHandler struct {
	runner JobSubmitter
	status StatusSource
}

func NewAgentHandler(runner JobSubmitter, status StatusSource) *AgentHandler {
	return &AgentHandler{runner: runner, status: status}
}

func (h *AgentHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", h.HandleSubmitJob)
	mux.HandleFunc("GET /status", h.HandleStatus)
	mux.HandleFunc("GET /health", handleHealth)
	return Recover(AccessLog(mux))
}

// HandleSubmitJob handles POST /api/jobs
func (h *AgentHandler) HandleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req domain.JobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if req.ExperimentID <= 0 {
		writeError(w, http.StatusBadRequest, "experiment_id is required", "MISSING_EXPERIMENT_ID")
		return
	}

	if err := h.runner.Submit(req); err != nil {
		switch {
		case errors.Is(err, runner.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_JOB")
		case errors.Is(err, workspace.ErrJobAlreadyActive):
			writeError(w, http.StatusConflict, "experiment is already running on this agent", "JOB_ACTIVE")
		default:
			log.Errorf("Failed to start experiment %d: %v", req.ExperimentID, err)
			writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{
		Message:      "Experiment started",
		ExperimentID: req.ExperimentID,
	})
}

// HandleStatus handles GET /status
func (h *AgentHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.status.Sample(r.Context()))
}
