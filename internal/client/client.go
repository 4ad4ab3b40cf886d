// Package client holds the HTTP clients used between fleetctl, the master
// and the agents.
package client

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/worldland/gpu-fleet/internal/api"
)

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func newResty(baseURL string, timeout time.Duration) *resty.Client {
	c := resty.New().
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if baseURL != "" {
		c.SetBaseURL(strings.TrimRight(baseURL, "/"))
	}
	return c
}

// check converts a transport error or an error status into a Go error.
func check(resp *resty.Response, err error, what string) error {
	if err != nil {
		return fmt.Errorf("failed to %s: %w", what, err)
	}
	if !resp.IsError() {
		return nil
	}
	apiErr := &APIError{StatusCode: resp.StatusCode(), Message: strings.TrimSpace(resp.String())}
	if body, ok := resp.Error().(*api.ErrorResponse); ok && body.Error != "" {
		apiErr.Code = body.Code
		apiErr.Message = body.Error
	}
	return apiErr
}
