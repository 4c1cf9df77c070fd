package ttl

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
)

// ActivityBroker is the slice of the broker the TTL loop consumes.
type ActivityBroker interface {
	DrainActivity(ctx context.Context) (map[string]time.Time, error)
	PublishWake(ctx context.Context, loop string) error
}

// Loop sinks proxy activity into the database and demotes idle workspaces by
// rewriting their desired state. It never touches phase or operation; the
// controller picks the demotion up like any other intent change.
type Loop struct {
	store  storage.Store
	broker ActivityBroker
	cfg    *config.Config
	logger zerolog.Logger
}

// New builds the TTL loop.
func New(store storage.Store, b ActivityBroker, cfg *config.Config) *Loop {
	return &Loop{
		store:  store,
		broker: b,
		cfg:    cfg,
		logger: log.WithComponent("ttl"),
	}
}

// Tick runs one TTL pass: flush activity, then demote in both directions.
func (l *Loop) Tick(ctx context.Context) error {
	samples, err := l.broker.DrainActivity(ctx)
	if err != nil {
		return err
	}
	if len(samples) > 0 {
		n, err := l.store.SinkActivity(ctx, samples)
		if err != nil {
			return err
		}
		metrics.ActivityFlushed.Add(float64(n))
		l.logger.Debug().Int("samples", len(samples)).Int("rows", n).Msg("activity flushed")
	}

	demoted := 0

	running, err := l.store.DemoteIdleRunning(ctx, l.cfg.StandbyTTL)
	if err != nil {
		return err
	}
	for _, id := range running {
		l.logger.Info().Str("workspace_id", id).Msg("idle workspace demoted to standby")
	}
	metrics.DemotionsTotal.WithLabelValues("STANDBY").Add(float64(len(running)))
	demoted += len(running)

	standby, err := l.store.DemoteIdleStandby(ctx, l.cfg.ArchiveTTL)
	if err != nil {
		return err
	}
	for _, id := range standby {
		l.logger.Info().Str("workspace_id", id).Msg("cold workspace demoted to archived")
	}
	metrics.DemotionsTotal.WithLabelValues("ARCHIVED").Add(float64(len(standby)))
	demoted += len(standby)

	if demoted > 0 {
		if err := l.broker.PublishWake(ctx, broker.LoopController); err != nil {
			l.logger.Warn().Err(err).Msg("wake hint dropped")
		}
	}
	return nil
}
