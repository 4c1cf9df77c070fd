package observer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
	"github.com/codehub-dev/codehub/pkg/types"
)

// BulkObserver is the slice of the agent client the observer reads from.
type BulkObserver interface {
	Observe(ctx context.Context) ([]agent.WorkspaceObservation, error)
}

// WakePublisher sends best-effort wake hints.
type WakePublisher interface {
	PublishWake(ctx context.Context, loop string) error
}

// Observer is the single writer for conditions and observed_at. Each tick it
// takes one bulk snapshot from the agent and projects it onto every
// unsettled row, waking the controller when anything changed.
type Observer struct {
	store  storage.Store
	agent  BulkObserver
	wake   WakePublisher
	logger zerolog.Logger
	now    func() time.Time
}

// New builds an observer.
func New(store storage.Store, bulk BulkObserver, wake WakePublisher) *Observer {
	return &Observer{
		store:  store,
		agent:  bulk,
		wake:   wake,
		logger: log.WithComponent("observer"),
		now:    time.Now,
	}
}

// Tick runs one observation pass. The agent snapshot is authoritative: a
// workspace absent from it has no resources.
func (o *Observer) Tick(ctx context.Context) error {
	snapshot, err := o.agent.Observe(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]*agent.WorkspaceObservation, len(snapshot))
	for i := range snapshot {
		byID[snapshot[i].WorkspaceID] = &snapshot[i]
	}

	rows, err := o.store.ListUnsettledWorkspaces(ctx)
	if err != nil {
		return err
	}

	now := o.now()
	changed := 0
	quiet := make([]string, 0, len(rows))
	perPhase := map[types.Phase]int{}
	for _, ws := range rows {
		perPhase[ws.Phase]++

		cond := project(byID[ws.ID], now)
		if !differs(ws.Conditions, cond) {
			quiet = append(quiet, ws.ID)
			continue
		}
		if err := o.store.UpdateObservation(ctx, ws.ID, cond, now); err != nil {
			o.logger.Error().Err(err).Str("workspace_id", ws.ID).Msg("observation commit failed")
			continue
		}
		changed++
	}

	// Rows without drift still get their freshness stamp; observed_at
	// records the last pass that looked, not the last change.
	if err := o.store.TouchObservations(ctx, quiet, now); err != nil {
		o.logger.Error().Err(err).Msg("observation touch failed")
	}

	for _, p := range []types.Phase{
		types.PhasePending, types.PhaseArchived, types.PhaseStandby,
		types.PhaseRunning, types.PhaseError, types.PhaseDeleting,
	} {
		metrics.WorkspacesTotal.WithLabelValues(string(p)).Set(float64(perPhase[p]))
	}

	if changed > 0 {
		if err := o.wake.PublishWake(ctx, broker.LoopController); err != nil {
			o.logger.Warn().Err(err).Msg("wake hint dropped")
		}
	}
	return nil
}

// project maps one agent observation onto condition keys. A nil observation
// means the agent knows nothing about the workspace.
func project(obs *agent.WorkspaceObservation, now time.Time) types.Conditions {
	cond := types.Conditions{
		ContainerReady: types.Condition{ObservedAt: now},
		VolumeReady:    types.Condition{ObservedAt: now},
		ArchiveReady:   types.Condition{ObservedAt: now},
	}
	if obs == nil {
		return cond
	}

	if c := obs.Container; c != nil && c.Running {
		cond.ContainerReady.Status = true
		if !c.Healthy {
			cond.ContainerReady.Reason = "unhealthy"
		}
	}
	if v := obs.Volume; v != nil && v.Exists {
		cond.VolumeReady.Status = true
	}
	if a := obs.Archive; a != nil && a.Exists {
		cond.ArchiveReady.Status = true
		cond.ObservedArchiveKey = a.ArchiveKey
	}
	if r := obs.Restore; r != nil {
		cond.Restore = &types.RestoreObservation{
			RestoreOpID: r.RestoreOpID,
			ArchiveKey:  r.ArchiveKey,
		}
	}
	if e := obs.Error; e != nil {
		cond.AgentError = &types.AgentError{
			Operation:   e.Operation,
			ErrorCode:   e.ErrorCode,
			ErrorAt:     e.ErrorAt,
			ArchiveOpID: e.ArchiveOpID,
		}
	}
	return cond
}

// differs compares observation content, ignoring timestamps on the ready
// conditions so an unchanged world writes nothing.
func differs(old, new types.Conditions) bool {
	if old.ContainerReady.Status != new.ContainerReady.Status ||
		old.ContainerReady.Reason != new.ContainerReady.Reason ||
		old.VolumeReady.Status != new.VolumeReady.Status ||
		old.ArchiveReady.Status != new.ArchiveReady.Status ||
		old.ObservedArchiveKey != new.ObservedArchiveKey {
		return true
	}

	if (old.Restore == nil) != (new.Restore == nil) {
		return true
	}
	if old.Restore != nil && *old.Restore != *new.Restore {
		return true
	}

	if (old.AgentError == nil) != (new.AgentError == nil) {
		return true
	}
	if old.AgentError != nil && !old.AgentError.ErrorAt.Equal(new.AgentError.ErrorAt) {
		return true
	}
	if old.AgentError != nil &&
		(old.AgentError.Operation != new.AgentError.Operation ||
			old.AgentError.ErrorCode != new.AgentError.ErrorCode ||
			old.AgentError.ArchiveOpID != new.AgentError.ArchiveOpID) {
		return true
	}
	return false
}
