package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/worldland/gpu-fleet/internal/discovery"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/ingest"
	"github.com/worldland/gpu-fleet/internal/jobs"
	"github.com/worldland/gpu-fleet/internal/sshmgr"
	"github.com/worldland/gpu-fleet/internal/store"
)

const (
	Banner = "GPU Server Manager is running!"

	defaultSampleLimit = 100
	maxSampleLimit     = 1000
)

// Ingestor applies agent telemetry to the fleet state.
type Ingestor interface {
	Ingest(ctx context.Context, report domain.StatusReport) (*store.Server, error)
}

// JobService defines operations needed from the job coordinator
type JobService interface {
	CreateJob(ctx context.Context, spec jobs.JobSpec) (*store.Experiment, error)
	ReceiveStatus(ctx context.Context, id int64, status domain.JobStatus) (*store.Experiment, error)
	ReceiveLog(ctx context.Context, id int64, content string) (bool, error)
	Get(ctx context.Context, id int64) (*store.Experiment, error)
	List(ctx context.Context) ([]store.Experiment, error)
}

// FleetReader serves read-only fleet queries.
type FleetReader interface {
	ListServers(ctx context.Context) ([]store.Server, error)
	ListSamples(ctx context.Context, host string, limit int) ([]store.MetricSample, error)
}

// SessionService defines operations needed from the SSH session manager
type SessionService interface {
	Connect(ctx context.Context, host string, auth sshmgr.AuthConfig, timeout time.Duration) error
	Disconnect(host string)
	Exec(ctx context.Context, host, command string, timeout time.Duration) (sshmgr.ExecResult, error)
	Hosts() []string
}

// DiscoverFunc scans a subnet; discovery.Discover in production.
type DiscoverFunc func(ctx context.Context, cidr string, port int, timeout time.Duration, workers int) ([]string, error)

// MasterHandler serves the master's HTTP API.
type MasterHandler struct {
	ingestor Ingestor
	jobs     JobService
	fleet    FleetReader
	sessions SessionService
	discover DiscoverFunc
}

func NewMasterHandler(ingestor Ingestor, jobSvc JobService, fleet FleetReader, sessions SessionService, discover DiscoverFunc) *MasterHandler {
	if discover == nil {
		discover = discovery.Discover
	}
	return &MasterHandler{
		ingestor: ingestor,
		jobs:     jobSvc,
		fleet:    fleet,
		sessions: sessions,
		discover: discover,
	}
}

// Routes returns the master's router wrapped in recovery and access logging.
func (h *MasterHandler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", h.HandleRoot)
	mux.HandleFunc("GET /health", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("POST /api/agents/status", h.HandleAgentStatus)
	mux.HandleFunc("GET /api/servers", h.HandleListServers)
	mux.HandleFunc("GET /api/metrics/samples", h.HandleListSamples)

	mux.HandleFunc("POST /api/experiments", h.HandleCreateExperiment)
	mux.HandleFunc("GET /api/experiments", h.HandleListExperiments)
	mux.HandleFunc("GET /api/experiments/{id}", h.HandleGetExperiment)
	mux.HandleFunc("POST /api/experiments/{id}/status", h.HandleExperimentStatus)
	mux.HandleFunc("POST /api/experiments/{id}/log", h.HandleExperimentLog)

	mux.HandleFunc("GET /servers/discover", h.HandleDiscover)
	mux.HandleFunc("POST /servers/connect", h.HandleConnect)
	mux.HandleFunc("POST /servers/disconnect", h.HandleDisconnect)
	mux.HandleFunc("POST /servers/exec", h.HandleExec)
	mux.HandleFunc("GET /servers/sessions", h.HandleSessions)

	return Recover(AccessLog(mux))
}

func (h *MasterHandler) HandleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Message: Banner})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, MessageResponse{Status: "ok"})
}

// HandleAgentStatus handles POST /api/agents/status
func (h *MasterHandler) HandleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var report domain.StatusReport
	if err := decodeJSON(w, r, &report); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}

	server, err := h.ingestor.Ingest(r.Context(), report)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidReport) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REPORT")
			return
		}
		log.Errorf("Failed to ingest report from %q: %v", report.Hostname, err)
		writeError(w, http.StatusInternalServerError, "failed to store report", "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, server)
}

// HandleListServers handles GET /api/servers
func (h *MasterHandler) HandleListServers(w http.ResponseWriter, r *http.Request) {
	servers, err := h.fleet.ListServers(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, servers)
}

// HandleListSamples handles GET /api/metrics/samples?host=&limit=
func (h *MasterHandler) HandleListSamples(w http.ResponseWriter, r *http.Request) {
	limit := defaultSampleLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", "INVALID_LIMIT")
			return
		}
		limit = min(n, maxSampleLimit)
	}

	samples, err := h.fleet.ListSamples(r.Context(), r.URL.Query().Get("host"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, samples)
}

// HandleCreateExperiment handles POST /api/experiments
func (h *MasterHandler) HandleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var spec jobs.JobSpec
	if err := decodeJSON(w, r, &spec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if spec.ServerHostname == "" {
		writeError(w, http.StatusBadRequest, "server_hostname is required", "MISSING_SERVER_HOSTNAME")
		return
	}

	exp, err := h.jobs.CreateJob(r.Context(), spec)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, exp)
	case errors.Is(err, jobs.ErrInvalidJob):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_JOB")
	case errors.Is(err, jobs.ErrUnknownServer):
		writeError(w, http.StatusNotFound, err.Error(), "UNKNOWN_SERVER")
	case errors.Is(err, jobs.ErrDispatchFailed):
		writeJSON(w, http.StatusBadGateway, DispatchFailedResponse{
			Error:      err.Error(),
			Code:       "DISPATCH_FAILED",
			Experiment: exp,
		})
	default:
		log.Errorf("Failed to create experiment on %s: %v", spec.ServerHostname, err)
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

// HandleListExperiments handles GET /api/experiments
func (h *MasterHandler) HandleListExperiments(w http.ResponseWriter, r *http.Request) {
	exps, err := h.jobs.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, exps)
}

// HandleGetExperiment handles GET /api/experiments/{id}
func (h *MasterHandler) HandleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, ok := experimentID(w, r)
	if !ok {
		return
	}
	exp, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			writeError(w, http.StatusNotFound, "experiment not found", "EXPERIMENT_NOT_FOUND")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// HandleExperimentStatus handles POST /api/experiments/{id}/status
func (h *MasterHandler) HandleExperimentStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := experimentID(w, r)
	if !ok {
		return
	}
	var req StatusUpdateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	status, err := domain.ParseJobStatus(req.Status)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_STATUS")
		return
	}

	exp, err := h.jobs.ReceiveStatus(r.Context(), id, status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	if exp == nil {
		writeJSON(w, http.StatusOK, AckResponse{Ignored: true})
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

// HandleExperimentLog handles POST /api/experiments/{id}/log
func (h *MasterHandler) HandleExperimentLog(w http.ResponseWriter, r *http.Request) {
	id, ok := experimentID(w, r)
	if !ok {
		return
	}
	var req LogRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}

	found, err := h.jobs.ReceiveLog(r.Context(), id, req.Content)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, AckResponse{Ignored: !found})
}

func experimentID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid experiment id", "INVALID_ID")
		return 0, false
	}
	return id, true
}

// HandleDiscover handles GET /servers/discover?subnet=&port=&timeout=&max_workers=
func (h *MasterHandler) HandleDiscover(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	subnet := q.Get("subnet")
	if subnet == "" {
		writeError(w, http.StatusBadRequest, "subnet query param required", "MISSING_SUBNET")
		return
	}

	port, err := intParam(q.Get("port"), discovery.DefaultPort)
	if err != nil || port <= 0 || port > 65535 {
		writeError(w, http.StatusBadRequest, "port must be between 1 and 65535", "INVALID_PORT")
		return
	}
	workers, err := intParam(q.Get("max_workers"), discovery.DefaultWorkers)
	if err != nil || workers <= 0 {
		writeError(w, http.StatusBadRequest, "max_workers must be a positive integer", "INVALID_WORKERS")
		return
	}
	timeout := discovery.DefaultTimeout
	if raw := q.Get("timeout"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs <= 0 {
			writeError(w, http.StatusBadRequest, "timeout must be a positive number of seconds", "INVALID_TIMEOUT")
			return
		}
		timeout = seconds(secs)
	}

	hosts, err := h.discover(r.Context(), subnet, port, timeout, workers)
	if err != nil {
		if errors.Is(err, discovery.ErrInvalidCIDR) || errors.Is(err, discovery.ErrRangeTooLarge) {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_SUBNET")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return
	}
	writeJSON(w, http.StatusOK, hosts)
}

// HandleConnect handles POST /servers/connect
func (h *MasterHandler) HandleConnect(w http.ResponseWriter, r *http.Request) {
	var req ConnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if strings.TrimSpace(req.Host) == "" {
		writeError(w, http.StatusBadRequest, "host is required", "MISSING_HOST")
		return
	}

	auth := sshmgr.AuthConfig{
		User:          req.SSHUser,
		Port:          req.Port,
		Principal:     req.Principal,
		KinitPassword: req.KinitPassword,
		KeyPath:       req.KeyPath,
		Password:      req.Password,
	}
	if err := h.sessions.Connect(r.Context(), req.Host, auth, seconds(req.Timeout)); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, SessionResponse{Status: "connected", Host: req.Host})
}

// HandleDisconnect handles POST /servers/disconnect
func (h *MasterHandler) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req DisconnectRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required", "MISSING_HOST")
		return
	}
	h.sessions.Disconnect(req.Host)
	writeJSON(w, http.StatusOK, SessionResponse{Status: "disconnected", Host: req.Host})
}

// HandleExec handles POST /servers/exec
func (h *MasterHandler) HandleExec(w http.ResponseWriter, r *http.Request) {
	var req ExecRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}
	if req.Host == "" || req.Command == "" {
		writeError(w, http.StatusBadRequest, "host and command are required", "MISSING_FIELDS")
		return
	}

	result, err := h.sessions.Exec(r.Context(), req.Host, req.Command, seconds(req.Timeout))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleSessions handles GET /servers/sessions
func (h *MasterHandler) HandleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sessions.Hosts())
}

func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sshmgr.ErrNotConnected):
		writeError(w, http.StatusConflict, err.Error(), "NOT_CONNECTED")
	case errors.Is(err, sshmgr.ErrCredential):
		writeError(w, http.StatusUnauthorized, err.Error(), "CREDENTIAL_ERROR")
	case errors.Is(err, sshmgr.ErrTimeout):
		writeError(w, http.StatusGatewayTimeout, err.Error(), "TIMEOUT")
	case errors.Is(err, sshmgr.ErrConnection):
		writeError(w, http.StatusBadGateway, err.Error(), "CONNECTION_ERROR")
	default:
		writeError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
	}
}

func intParam(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// seconds converts a wire timeout; zero and negative values mean "use the default".
func seconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}
