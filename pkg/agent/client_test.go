package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/config"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	t.Setenv("AGENT_ENDPOINT", endpoint)
	cfg, err := config.Load()
	require.NoError(t, err)
	c := NewClient(cfg)
	c.retryDelay = time.Millisecond
	return c
}

// TestObserve tests bulk observation decoding
func TestObserve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/api/v1/workspaces", r.URL.Path)
		fmt.Fprint(w, `{"workspaces":[
			{"workspace_id":"ws-1",
			 "container":{"running":true,"healthy":true},
			 "volume":{"exists":true},
			 "archive":null,"restore":null,"error":null},
			{"workspace_id":"ws-2",
			 "container":null,"volume":null,
			 "archive":{"exists":true,"archive_key":"ws-2/op-1/home.tar.zst"},
			 "restore":{"restore_op_id":"r-1","archive_key":"ws-2/op-0/home.tar.zst"},
			 "error":null}
		]}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	obs, err := c.Observe(context.Background())
	require.NoError(t, err)
	require.Len(t, obs, 2)

	assert.True(t, obs[0].Container.Running)
	assert.True(t, obs[0].Volume.Exists)
	assert.Nil(t, obs[0].Archive)

	assert.Nil(t, obs[1].Container)
	assert.Equal(t, "ws-2/op-1/home.tar.zst", obs[1].Archive.ArchiveKey)
	assert.Equal(t, "r-1", obs[1].Restore.RestoreOpID)
}

// TestActionBodies tests request shapes for archive and restore
func TestActionBodies(t *testing.T) {
	var gotPath, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		gotBody = string(buf[:n])
		fmt.Fprint(w, `{"status":"in_progress","workspace_id":"ws-1"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.Archive(context.Background(), "ws-1", "op-9")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, resp.Status)
	assert.Equal(t, "/api/v1/workspaces/ws-1/archive", gotPath)
	assert.JSONEq(t, `{"archive_op_id":"op-9"}`, gotBody)

	_, err = c.Restore(context.Background(), "ws-1", "ws-1/op-9/home.tar.zst", "r-3")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/workspaces/ws-1/restore", gotPath)
	assert.JSONEq(t, `{"archive_key":"ws-1/op-9/home.tar.zst","restore_op_id":"r-3"}`, gotBody)
}

// TestErrorEnvelope tests decoding of the agent error envelope
func TestErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		fmt.Fprint(w, `{"error":{"code":"VOLUME_IN_USE","message":"archive job holds the volume"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Delete(context.Background(), "ws-1")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, CodeVolumeInUse, apiErr.Code)
	assert.True(t, VolumeInUse(err))
	assert.True(t, IsPermanent(err))
	assert.False(t, IsTransient(err))
}

// TestTransientRetry tests that 5xx responses are retried within one call
func TestTransientRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"status":"completed","workspace_id":"ws-1"}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.Provision(context.Background(), "ws-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, resp.Status)
	assert.Equal(t, int32(3), calls.Load())
}

// TestPermanentNoRetry tests that 4xx responses fail immediately
func TestPermanentNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":{"code":"VOLUME_NOT_FOUND","message":"no volume"}}`)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.Stop(context.Background(), "ws-1")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.True(t, IsPermanent(err))
}

// TestBreakerOpens tests that sustained transient failures fast-fail
func TestBreakerOpens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	// Five consecutive failed calls trip the breaker.
	for i := 0; i < 5; i++ {
		_, err := c.Provision(context.Background(), "ws-1")
		require.Error(t, err)
	}

	// The breaker now fast-fails without reaching the server.
	_, err := c.Provision(context.Background(), "ws-1")
	require.Error(t, err)
	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
}

// TestIsTransientClassification tests the error taxonomy
func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		permanent bool
	}{
		{"500", &APIError{Status: 500, Code: "JOB_FAILED"}, true, false},
		{"429", &APIError{Status: 429, Code: "RATE_LIMITED"}, true, false},
		{"404", &APIError{Status: 404, Code: "VOLUME_NOT_FOUND"}, false, true},
		{"403", &APIError{Status: 403, Code: "ACCESS_DENIED"}, false, true},
		{"transport", &TransportError{Err: errors.New("connection refused")}, true, false},
		{"deadline", context.DeadlineExceeded, true, false},
		{"other", errors.New("whatever"), false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.permanent, IsPermanent(tt.err))
		})
	}
}
