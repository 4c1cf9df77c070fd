package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/avast/retry-go"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
)

// Client talks to one workspace runtime agent over its HTTP API. Every call
// is idempotent on the agent side: redriving an action with the same inputs
// must not corrupt state, and completion is always reconfirmed through the
// bulk observation endpoint rather than the action reply.
type Client struct {
	baseURL    string
	http       *http.Client
	breaker    *gobreaker.CircuitBreaker
	timeout    time.Duration
	retryDelay time.Duration
	logger     zerolog.Logger
}

// NewClient builds a client with the configured circuit breaker in front of
// all outbound calls.
func NewClient(cfg *config.Config) *Client {
	logger := log.WithComponent("agent-client")
	settings := gobreaker.Settings{
		Name:        "agent",
		MaxRequests: uint32(cfg.BreakerSuccesses),
		Timeout:     cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.BreakerFails)
		},
		// Permanent (4xx) failures are the agent answering correctly; only
		// transient classes push the breaker toward open.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				metrics.BreakerOpen.Set(1)
			} else {
				metrics.BreakerOpen.Set(0)
			}
			logger.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
		},
	}

	return &Client{
		baseURL:    cfg.AgentEndpoint,
		http:       &http.Client{Timeout: cfg.AgentTimeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		timeout:    cfg.AgentTimeout,
		retryDelay: time.Second,
		logger:     logger,
	}
}

// Observe fetches the bulk observation for every workspace the agent knows.
func (c *Client) Observe(ctx context.Context) ([]WorkspaceObservation, error) {
	var resp ObserveResponse
	if err := c.do(ctx, "observe", http.MethodGet, "/api/v1/workspaces", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workspaces, nil
}

// Provision creates an empty home volume.
func (c *Client) Provision(ctx context.Context, workspaceID string) (*ActionResponse, error) {
	return c.action(ctx, "provision", http.MethodPost,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/provision", nil)
}

// Start launches the workspace container against the existing volume.
func (c *Client) Start(ctx context.Context, workspaceID, image string) (*ActionResponse, error) {
	var body any
	if image != "" {
		body = map[string]string{"image": image}
	}
	return c.action(ctx, "start", http.MethodPost,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/start", body)
}

// Stop removes the container, keeping the volume.
func (c *Client) Stop(ctx context.Context, workspaceID string) (*ActionResponse, error) {
	return c.action(ctx, "stop", http.MethodPost,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/stop", nil)
}

// Delete tears down the container and volume. Archives are left to GC.
func (c *Client) Delete(ctx context.Context, workspaceID string) (*ActionResponse, error) {
	return c.action(ctx, "delete", http.MethodDelete,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID), nil)
}

// Archive launches the volume-to-archive job under the given operation id.
// The id is already persisted by the controller, which makes the job path
// deterministic and the launch redrivable.
func (c *Client) Archive(ctx context.Context, workspaceID, archiveOpID string) (*ActionResponse, error) {
	return c.action(ctx, "archive", http.MethodPost,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/archive",
		map[string]string{"archive_op_id": archiveOpID})
}

// Restore launches the archive-to-volume job.
func (c *Client) Restore(ctx context.Context, workspaceID, archiveKey, restoreOpID string) (*ActionResponse, error) {
	return c.action(ctx, "restore", http.MethodPost,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/restore",
		map[string]string{"archive_key": archiveKey, "restore_op_id": restoreOpID})
}

// DeleteArchive deletes one archive object group.
func (c *Client) DeleteArchive(ctx context.Context, archiveKey string) error {
	path := "/api/v1/workspaces/archives?archive_key=" + url.QueryEscape(archiveKey)
	return c.do(ctx, "delete_archive", http.MethodDelete, path, nil, nil)
}

// GetUpstream resolves the container address for proxying.
func (c *Client) GetUpstream(ctx context.Context, workspaceID string) (*Upstream, error) {
	var up Upstream
	err := c.do(ctx, "upstream", http.MethodGet,
		"/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/upstream", nil, &up)
	if err != nil {
		return nil, err
	}
	return &up, nil
}

// GC asks the agent to reclaim every archive object outside the protection
// set, keeping the newest retention_count archives per workspace.
func (c *Client) GC(ctx context.Context, req *GCRequest) (*GCResponse, error) {
	var resp GCResponse
	if err := c.do(ctx, "gc", http.MethodPost, "/api/v1/workspaces/gc", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) action(ctx context.Context, endpoint, method, path string, body any) (*ActionResponse, error) {
	var resp ActionResponse
	if err := c.do(ctx, endpoint, method, path, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// do runs one logical agent call: breaker outermost, then up to three
// attempts with exponential backoff and full jitter for transient failures.
func (c *Client) do(ctx context.Context, endpoint, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.AgentRequestDuration, endpoint)

	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, retry.Do(
			func() error { return c.once(ctx, endpoint, method, path, body, out) },
			retry.Context(ctx),
			retry.Attempts(3),
			retry.RetryIf(IsTransient),
			retry.Delay(c.retryDelay),
			retry.MaxDelay(30*time.Second),
			retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
			retry.MaxJitter(time.Second),
			retry.LastErrorOnly(true),
		)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return &TransportError{Err: err}
	}
	return err
}

func (c *Client) once(ctx context.Context, endpoint, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.AgentRequestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return &TransportError{Err: err}
	}
	defer resp.Body.Close()

	metrics.AgentRequestsTotal.WithLabelValues(endpoint, fmt.Sprintf("%d", resp.StatusCode)).Inc()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode agent response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &envelope); err != nil || envelope.Error.Code == "" {
		return &APIError{Status: resp.StatusCode, Code: "UNKNOWN", Message: string(raw)}
	}
	return &APIError{
		Status:  resp.StatusCode,
		Code:    envelope.Error.Code,
		Message: envelope.Error.Message,
	}
}
