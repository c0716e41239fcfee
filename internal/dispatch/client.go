// Package dispatch performs the outbound HTTP calls the engine makes to
// worker plugins and result origins. Clients are cached per target so
// connection pools survive across steps of a run.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cadenza-labs/cadenza-go/contracts"
)

// CallError wraps a failed remote procedure call with enough detail to log
// and diagnose without losing the underlying cause.
type CallError struct {
	Service   string
	Procedure string
	Target    string
	Err       error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("dispatch %s %s%s: %v", e.Service, e.Target, e.Procedure, e.Err)
}

func (e *CallError) Unwrap() error { return e.Err }

// Client calls one remote service at a fixed base URL.
type Client struct {
	service string
	baseURL string
	http    *http.Client
}

func NewClient(service, baseURL string) *Client {
	return &Client{
		service: strings.TrimSpace(service),
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// PerformTask posts a task envelope to the worker and returns its response.
func (c *Client) PerformTask(ctx context.Context, req contracts.PerformTaskRequest) (contracts.PerformTaskResponse, error) {
	var resp contracts.PerformTaskResponse
	if err := c.call(ctx, contracts.ProcedurePerformTask, req, &resp); err != nil {
		return contracts.PerformTaskResponse{}, err
	}
	return resp, nil
}

// Deliver posts a delivery envelope to the origin and returns its response.
func (c *Client) Deliver(ctx context.Context, req contracts.DeliverRequest) (contracts.DeliverResponse, error) {
	var resp contracts.DeliverResponse
	if err := c.call(ctx, contracts.ProcedureDeliver, req, &resp); err != nil {
		return contracts.DeliverResponse{}, err
	}
	return resp, nil
}

func (c *Client) call(ctx context.Context, procedure string, in any, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return &CallError{Service: c.service, Procedure: procedure, Target: c.baseURL, Err: fmt.Errorf("encode request: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+procedure, bytes.NewReader(payload))
	if err != nil {
		return &CallError{Service: c.service, Procedure: procedure, Target: c.baseURL, Err: err}
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return &CallError{Service: c.service, Procedure: procedure, Target: c.baseURL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &CallError{Service: c.service, Procedure: procedure, Target: c.baseURL, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &CallError{
			Service:   c.service,
			Procedure: procedure,
			Target:    c.baseURL,
			Err:       fmt.Errorf("status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &CallError{Service: c.service, Procedure: procedure, Target: c.baseURL, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) closeIdle() {
	if c == nil || c.http == nil {
		return
	}
	c.http.CloseIdleConnections()
}
