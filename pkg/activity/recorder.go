package activity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/log"
)

// Sink receives accumulated activity samples.
type Sink interface {
	RecordActivity(ctx context.Context, samples map[string]time.Time) error
}

// Recorder coalesces per-request workspace activity in memory and flushes it
// to the broker on an interval. Reads and writes on the hot path never block
// on the network; losing a flush costs TTL accuracy bounded by one interval.
type Recorder struct {
	mu      sync.Mutex
	samples map[string]time.Time

	sink     Sink
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// New builds a recorder flushing every interval.
func New(sink Sink, interval time.Duration) *Recorder {
	return &Recorder{
		samples:  make(map[string]time.Time),
		sink:     sink,
		interval: interval,
		logger:   log.WithComponent("activity"),
		now:      time.Now,
	}
}

// Touch records traffic for a workspace. Concurrent touches collapse to the
// newest timestamp.
func (r *Recorder) Touch(workspaceID string) {
	if workspaceID == "" {
		return
	}
	now := r.now()
	r.mu.Lock()
	if prev, ok := r.samples[workspaceID]; !ok || now.After(prev) {
		r.samples[workspaceID] = now
	}
	r.mu.Unlock()
}

// Flush pushes the accumulated samples to the sink. On failure the samples
// are merged back so the next flush retries them.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	batch := r.samples
	r.samples = make(map[string]time.Time)
	r.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := r.sink.RecordActivity(ctx, batch); err != nil {
		r.mu.Lock()
		for id, ts := range batch {
			if prev, ok := r.samples[id]; !ok || ts.After(prev) {
				r.samples[id] = ts
			}
		}
		r.mu.Unlock()
		return err
	}
	return nil
}

// Run flushes on the interval until ctx is done, then makes one final
// best-effort flush.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Warn().Err(err).Msg("final activity flush failed")
			}
			cancel()
			return
		case <-ticker.C:
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn().Err(err).Msg("activity flush failed")
			}
		}
	}
}

// Middleware touches the workspace a request addresses. extract maps the
// request to a workspace id; empty means not workspace traffic.
func (r *Recorder) Middleware(extract func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			r.Touch(extract(req))
			next.ServeHTTP(w, req)
		})
	}
}
