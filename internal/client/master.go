package client

import (
	"context"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/worldland/gpu-fleet/internal/api"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/jobs"
	"github.com/worldland/gpu-fleet/internal/sshmgr"
	"github.com/worldland/gpu-fleet/internal/store"
)

// MasterClient wraps the master's REST API. Agents use it to push telemetry
// and job callbacks; fleetctl uses it for everything else.
type MasterClient struct {
	rest *resty.Client
}

// NewMasterClient creates a client for the master at baseURL.
func NewMasterClient(baseURL string, timeout time.Duration) *MasterClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MasterClient{rest: newResty(baseURL, timeout)}
}

func (c *MasterClient) BaseURL() string {
	return c.rest.BaseURL
}

func (c *MasterClient) request(ctx context.Context) *resty.Request {
	return c.rest.R().SetContext(ctx).SetError(&api.ErrorResponse{})
}

// --- Agent callbacks ---

// PushStatus sends a telemetry report to POST /api/agents/status.
func (c *MasterClient) PushStatus(ctx context.Context, report domain.StatusReport) error {
	resp, err := c.request(ctx).SetBody(report).Post("/api/agents/status")
	return check(resp, err, "push status")
}

// UpdateStatus reports a job status transition.
func (c *MasterClient) UpdateStatus(ctx context.Context, experimentID int64, status domain.JobStatus) error {
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(experimentID, 10)).
		SetBody(api.StatusUpdateRequest{Status: string(status)}).
		Post("/api/experiments/{id}/status")
	return check(resp, err, "update status")
}

// AppendLog forwards one chunk of job output.
func (c *MasterClient) AppendLog(ctx context.Context, experimentID int64, content string) error {
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(experimentID, 10)).
		SetBody(api.LogRequest{Content: content}).
		Post("/api/experiments/{id}/log")
	return check(resp, err, "append log")
}

// --- Fleet ---

func (c *MasterClient) ListServers(ctx context.Context) ([]store.Server, error) {
	var servers []store.Server
	resp, err := c.request(ctx).SetResult(&servers).Get("/api/servers")
	if err := check(resp, err, "list servers"); err != nil {
		return nil, err
	}
	return servers, nil
}

// --- Experiments ---

// CreateExperiment submits a job. On a dispatch failure the returned
// experiment is the failed record and the error is an *APIError with code
// DISPATCH_FAILED.
func (c *MasterClient) CreateExperiment(ctx context.Context, spec jobs.JobSpec) (*store.Experiment, error) {
	var exp store.Experiment
	var failed api.DispatchFailedResponse
	resp, err := c.rest.R().SetContext(ctx).
		SetBody(spec).
		SetResult(&exp).
		SetError(&failed).
		Post("/api/experiments")
	if err != nil {
		return nil, check(resp, err, "create experiment")
	}
	if resp.IsError() {
		apiErr := &APIError{StatusCode: resp.StatusCode(), Code: failed.Code, Message: failed.Error}
		if apiErr.Message == "" {
			apiErr.Message = resp.String()
		}
		return failed.Experiment, apiErr
	}
	return &exp, nil
}

func (c *MasterClient) ListExperiments(ctx context.Context) ([]store.Experiment, error) {
	var exps []store.Experiment
	resp, err := c.request(ctx).SetResult(&exps).Get("/api/experiments")
	if err := check(resp, err, "list experiments"); err != nil {
		return nil, err
	}
	return exps, nil
}

func (c *MasterClient) GetExperiment(ctx context.Context, id int64) (*store.Experiment, error) {
	var exp store.Experiment
	resp, err := c.request(ctx).
		SetPathParam("id", strconv.FormatInt(id, 10)).
		SetResult(&exp).
		Get("/api/experiments/{id}")
	if err := check(resp, err, "get experiment"); err != nil {
		return nil, err
	}
	return &exp, nil
}

// --- SSH operations ---

// DiscoverParams mirrors the discover query string; zero values use the
// master's defaults.
type DiscoverParams struct {
	Subnet  string
	Port    int
	Timeout time.Duration
	Workers int
}

func (c *MasterClient) Discover(ctx context.Context, p DiscoverParams) ([]string, error) {
	req := c.request(ctx).SetQueryParam("subnet", p.Subnet)
	if p.Port > 0 {
		req.SetQueryParam("port", strconv.Itoa(p.Port))
	}
	if p.Timeout > 0 {
		req.SetQueryParam("timeout", strconv.FormatFloat(p.Timeout.Seconds(), 'f', -1, 64))
	}
	if p.Workers > 0 {
		req.SetQueryParam("max_workers", strconv.Itoa(p.Workers))
	}

	var hosts []string
	resp, err := req.SetResult(&hosts).Get("/servers/discover")
	if err := check(resp, err, "discover"); err != nil {
		return nil, err
	}
	return hosts, nil
}

func (c *MasterClient) Connect(ctx context.Context, req api.ConnectRequest) error {
	resp, err := c.request(ctx).SetBody(req).Post("/servers/connect")
	return check(resp, err, "connect")
}

func (c *MasterClient) Disconnect(ctx context.Context, host string) error {
	resp, err := c.request(ctx).SetBody(api.DisconnectRequest{Host: host}).Post("/servers/disconnect")
	return check(resp, err, "disconnect")
}

func (c *MasterClient) Exec(ctx context.Context, host, command string, timeout time.Duration) (*sshmgr.ExecResult, error) {
	var result sshmgr.ExecResult
	resp, err := c.request(ctx).
		SetBody(api.ExecRequest{Host: host, Command: command, Timeout: timeout.Seconds()}).
		SetResult(&result).
		Post("/servers/exec")
	if err := check(resp, err, "exec"); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *MasterClient) Sessions(ctx context.Context) ([]string, error) {
	var hosts []string
	resp, err := c.request(ctx).SetResult(&hosts).Get("/servers/sessions")
	if err := check(resp, err, "list sessions"); err != nil {
		return nil, err
	}
	return hosts, nil
}
