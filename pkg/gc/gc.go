package gc

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
)

// Sweeper runs the agent-side reclamation given a protection set.
type Sweeper interface {
	GC(ctx context.Context, req *agent.GCRequest) (*agent.GCResponse, error)
}

// Collector computes the archive protection set from the database and hands
// it to the agent for the actual sweep. The protection set is authoritative:
// anything outside it, older than the orphan grace, may be reclaimed.
type Collector struct {
	store   storage.Store
	sweeper Sweeper
	cfg     *config.Config
	logger  zerolog.Logger
}

// New builds the collector.
func New(store storage.Store, sweeper Sweeper, cfg *config.Config) *Collector {
	return &Collector{
		store:   store,
		sweeper: sweeper,
		cfg:     cfg,
		logger:  log.WithComponent("gc"),
	}
}

// Tick runs one full GC cycle.
func (c *Collector) Tick(ctx context.Context) error {
	prot, err := c.store.ComputeGCProtection(ctx)
	if err != nil {
		return err
	}
	metrics.GCProtectedTotal.Set(float64(len(prot.ArchiveKeys) + len(prot.ProtectedWorkspaces)))

	resp, err := c.sweeper.GC(ctx, &agent.GCRequest{
		ArchiveKeys:         prot.ArchiveKeys,
		ProtectedWorkspaces: prot.ProtectedWorkspaces,
		RetentionCount:      c.cfg.GCRetentionCount,
		OrphanGraceSeconds:  int(c.cfg.GCOrphanGrace.Seconds()),
	})
	if err != nil {
		return err
	}

	metrics.GCDeletedTotal.Add(float64(len(resp.DeletedKeys)))
	if len(resp.DeletedKeys) > 0 {
		c.logger.Info().
			Int("deleted", len(resp.DeletedKeys)).
			Int("protected_keys", len(prot.ArchiveKeys)).
			Int("protected_workspaces", len(prot.ProtectedWorkspaces)).
			Msg("gc cycle reclaimed archives")
	}
	return nil
}
