package coordinator

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/codehub-dev/codehub/pkg/metrics"
)

// Pinger reports backend liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewDebugServer serves health probes and metrics on the debug address.
// healthz answers as long as the process runs; readyz requires both the
// database and the broker.
func NewDebugServer(addr string, db, broker Pinger) *http.Server {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := broker.Ping(ctx); err != nil {
			http.Error(w, "broker unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	return &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
