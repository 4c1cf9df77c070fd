package sse

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
)

// userHeader carries the authenticated user id, set by the fronting proxy.
const userHeader = "X-User-ID"

// Subscriber opens a per-user event subscription.
type Subscriber interface {
	SubscribeSSE(ctx context.Context, userID string) *redis.PubSub
}

// Handler streams workspace events to browsers over Server-Sent Events.
// Streams are stateless: a reconnecting client re-reads the workspace list
// and only then trusts the stream again.
type Handler struct {
	broker    Subscriber
	heartbeat time.Duration
	logger    zerolog.Logger
}

// NewHandler builds the SSE handler.
func NewHandler(b Subscriber, heartbeat time.Duration) *Handler {
	return &Handler{
		broker:    b,
		heartbeat: heartbeat,
		logger:    log.WithComponent("sse"),
	}
}

// Routes mounts the event stream endpoint.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/events", h.stream)
	return r
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(userHeader)
	if userID == "" {
		http.Error(w, "missing user identity", http.StatusUnauthorized)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	ctx := r.Context()
	sub := h.broker.SubscribeSSE(ctx, userID)
	defer sub.Close()

	metrics.SSESubscribers.Inc()
	defer metrics.SSESubscribers.Dec()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, EventHeartbeat, []byte("{}"))
	flusher.Flush()

	events := sub.Channel()
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-events:
			if !open {
				return
			}
			payload := []byte(msg.Payload)
			var ev Event
			name := EventWorkspaceUpdated
			if err := json.Unmarshal(payload, &ev); err == nil && ev.Type != "" {
				name = ev.Type
			}
			writeEvent(w, name, payload)
			flusher.Flush()
		case <-ticker.C:
			writeEvent(w, EventHeartbeat, []byte("{}"))
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, data []byte) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
}
