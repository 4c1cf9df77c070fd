package activity

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/log"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type fakeSink struct {
	batches []map[string]time.Time
	err     error
}

func (f *fakeSink) RecordActivity(ctx context.Context, samples map[string]time.Time) error {
	if f.err != nil {
		return f.err
	}
	f.batches = append(f.batches, samples)
	return nil
}

func TestTouchKeepsNewest(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, time.Minute)

	base := time.Now()
	stamps := []time.Time{base, base.Add(time.Second), base.Add(-time.Hour)}
	i := 0
	r.now = func() time.Time { ts := stamps[i]; i++; return ts }

	r.Touch("ws-1")
	r.Touch("ws-1")
	r.Touch("ws-1")

	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Equal(t, base.Add(time.Second), sink.batches[0]["ws-1"])
}

func TestFlushClearsSamples(t *testing.T) {
	sink := &fakeSink{}
	r := New(sink, time.Minute)

	r.Touch("ws-1")
	require.NoError(t, r.Flush(context.Background()))
	require.NoError(t, r.Flush(context.Background()))

	assert.Len(t, sink.batches, 1, "empty flush sends nothing")
}

func TestFlushFailureRetainsSamples(t *testing.T) {
	sink := &fakeSink{err: errors.New("redis down")}
	r := New(sink, time.Minute)

	r.Touch("ws-1")
	require.Error(t, r.Flush(context.Background()))

	sink.err = nil
	require.NoError(t, r.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Contains(t, sink.batches[0], "ws-1")
}

func TestMiddlewareTouchesRoutedWorkspace(t *testing.T) {
	sink := &fakeSink{}
	rec := New(sink, time.Minute)

	router := chi.NewRouter()
	router.Route("/workspaces/{workspaceID}", func(r chi.Router) {
		r.Use(rec.Middleware(func(r *http.Request) string {
			return chi.URLParam(r, "workspaceID")
		}))
		r.Get("/proxy", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	})

	req := httptest.NewRequest(http.MethodGet, "/workspaces/ws-7/proxy", nil)
	router.ServeHTTP(httptest.NewRecorder(), req)

	require.NoError(t, rec.Flush(context.Background()))
	require.Len(t, sink.batches, 1)
	assert.Contains(t, sink.batches[0], "ws-7")
}
