package listener

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/sse"
)

// Notification channels emitted by the workspace triggers.
const (
	ChannelSSE     = "ws_sse"
	ChannelWake    = "ws_wake"
	ChannelDeleted = "ws_deleted"
)

// Notifier is the dedicated database session the listener blocks on.
type Notifier interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
}

// Publisher is the broker surface the listener fans out to.
type Publisher interface {
	PublishSSE(ctx context.Context, userID string, payload []byte) error
	PublishWake(ctx context.Context, loop string) error
}

// Listener bridges Postgres LISTEN/NOTIFY onto the broker: UI-visible row
// changes become per-user SSE events, intent changes become controller wake
// hints. Exactly one instance runs at a time; the caller owns the leader
// election that guarantees it.
type Listener struct {
	session Notifier
	pub     Publisher
	logger  zerolog.Logger
}

// New builds a listener over an already-elected session.
func New(session Notifier, pub Publisher) *Listener {
	return &Listener{
		session: session,
		pub:     pub,
		logger:  log.WithComponent("listener"),
	}
}

// Run subscribes to all channels and relays until ctx is canceled or the
// session dies. Every path is at-most-once; consumers tolerate missed
// events because the database remains the source of truth.
func (l *Listener) Run(ctx context.Context) error {
	for _, ch := range []string{ChannelSSE, ChannelWake, ChannelDeleted} {
		if err := l.session.Listen(ctx, ch); err != nil {
			return err
		}
	}
	l.logger.Info().Msg("event listener started")

	for {
		n, err := l.session.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		l.Dispatch(ctx, n)
	}
}

// Dispatch relays one notification. Malformed payloads are dropped with a
// log line; they cannot be retried and the truth is still in the table.
func (l *Listener) Dispatch(ctx context.Context, n *pgconn.Notification) {
	metrics.NotificationsTotal.WithLabelValues(n.Channel).Inc()

	switch n.Channel {
	case ChannelSSE:
		l.relaySSE(ctx, sse.EventWorkspaceUpdated, []byte(n.Payload))
	case ChannelDeleted:
		l.relaySSE(ctx, sse.EventWorkspaceDeleted, []byte(n.Payload))
	case ChannelWake:
		// Intent changed: both reconciling loops want a fresh look. The
		// observer is hinted first so the controller's next judgment is
		// not based on a stale snapshot.
		for _, loop := range []string{broker.LoopObserver, broker.LoopController} {
			if err := l.pub.PublishWake(ctx, loop); err != nil {
				l.logger.Warn().Err(err).Str("loop", loop).Msg("wake relay dropped")
			}
		}
	default:
		l.logger.Warn().Str("channel", n.Channel).Msg("notification on unknown channel")
	}
}

func (l *Listener) relaySSE(ctx context.Context, eventType string, payload []byte) {
	var target struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &target); err != nil || target.UserID == "" {
		l.logger.Warn().Err(err).Str("channel", eventType).Msg("unroutable notification payload")
		return
	}

	ev, err := json.Marshal(sse.Event{Type: eventType, Workspace: payload})
	if err != nil {
		l.logger.Error().Err(err).Msg("event marshal failed")
		return
	}
	if err := l.pub.PublishSSE(ctx, target.UserID, ev); err != nil {
		l.logger.Warn().Err(err).Str("user_id", target.UserID).Msg("sse relay dropped")
	}
}
