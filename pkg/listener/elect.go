package listener

import (
	"context"
	"time"

	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
)

// RunElected competes for the listener leader lock on its own dedicated
// session and relays while leadership holds. The LISTEN subscription and the
// advisory lock share the connection, so losing one loses both and the loop
// re-dials from scratch.
func RunElected(ctx context.Context, dsn string, pub Publisher, retry time.Duration) error {
	logger := log.WithComponent("listener")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := leaseOnce(ctx, dsn, pub); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("listener lease ended")
		}

		timer := time.NewTimer(retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func leaseOnce(ctx context.Context, dsn string, pub Publisher) error {
	session, err := storage.NewSession(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		session.Close(closeCtx)
		cancel()
	}()

	got, err := session.TryAdvisoryLock(ctx, storage.LeaderLockEventListener)
	if err != nil || !got {
		return err
	}

	metrics.IsLeader.WithLabelValues("listener").Set(1)
	defer metrics.IsLeader.WithLabelValues("listener").Set(0)

	return New(session, pub).Run(ctx)
}
