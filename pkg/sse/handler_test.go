package sse

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

func testBroker(t *testing.T) *broker.Broker {
	t.Helper()
	mr := miniredis.RunT(t)
	cfg, err := config.Load()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return broker.NewWithClient(rdb, cfg)
}

// syncWriter is a flushable response writer safe for concurrent inspection.
type syncWriter struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
	status int
}

func newSyncWriter() *syncWriter {
	return &syncWriter{header: http.Header{}}
}

func (w *syncWriter) Header() http.Header { return w.header }

func (w *syncWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.Write(p)
}

func (w *syncWriter) WriteHeader(status int) { w.status = status }

func (w *syncWriter) Flush() {}

func (w *syncWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

func TestStreamRequiresIdentity(t *testing.T) {
	h := NewHandler(testBroker(t), time.Hour)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/events", nil)
	h.Routes().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestStreamDeliversUserEvents(t *testing.T) {
	b := testBroker(t)
	h := NewHandler(b, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newSyncWriter()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set(userHeader, "user-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.stream(w, req)
	}()

	// The opening heartbeat proves the subscription is established.
	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(w.String()), []byte("event: heartbeat"))
	}, 5*time.Second, 10*time.Millisecond)

	payload := []byte(`{"type":"workspace_updated","workspace":{"id":"ws-1"}}`)
	require.NoError(t, b.PublishSSE(context.Background(), "user-1", payload))

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(w.String()), []byte("event: workspace_updated"))
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done

	body := w.String()
	assert.Contains(t, body, `data: {"type":"workspace_updated","workspace":{"id":"ws-1"}}`)
	assert.Equal(t, "text/event-stream", w.header.Get("Content-Type"))
}

func TestStreamIsolation(t *testing.T) {
	b := testBroker(t)
	h := NewHandler(b, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := newSyncWriter()
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(ctx)
	req.Header.Set(userHeader, "user-1")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.stream(w, req)
	}()

	require.Eventually(t, func() bool {
		return bytes.Contains([]byte(w.String()), []byte("event: heartbeat"))
	}, 5*time.Second, 10*time.Millisecond)

	// Another user's event never reaches this stream.
	require.NoError(t, b.PublishSSE(context.Background(), "user-2",
		[]byte(`{"type":"workspace_updated","workspace":{"id":"ws-9"}}`)))

	time.Sleep(100 * time.Millisecond)
	cancel()
	<-done

	assert.NotContains(t, w.String(), "ws-9")
}
