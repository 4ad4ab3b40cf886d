package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/worldland/gpu-fleet/internal/api"
	"github.com/worldland/gpu-fleet/internal/domain"
	"github.com/worldland/gpu-fleet/internal/store"
)

// AgentDispatcher posts job requests to the agent running on a server.
type AgentDispatcher struct {
	rest *resty.Client
	port int
}

// NewAgentDispatcher creates a dispatcher for agents listening on port.
// timeout bounds each dispatch.
func NewAgentDispatcher(port int, timeout time.Duration) *AgentDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AgentDispatcher{rest: newResty("", timeout), port: port}
}

func (d *AgentDispatcher) agentURL(server *store.Server) string {
	return "http://" + net.JoinHostPort(server.IPAddress, strconv.Itoa(d.port))
}

// Dispatch sends req to POST /api/jobs on the server's agent.
func (d *AgentDispatcher) Dispatch(ctx context.Context, server *store.Server, req domain.JobRequest) error {
	if server.IPAddress == "" {
		return fmt.Errorf("server %s has no reported address", server.Hostname)
	}
	var accepted api.JobAcceptedResponse
	resp, err := d.rest.R().SetContext(ctx).
		SetBody(req).
		SetResult(&accepted).
		SetError(&api.ErrorResponse{}).
		Post(d.agentURL(server) + "/api/jobs")
	return check(resp, err, "reach agent on "+server.Hostname)
}
