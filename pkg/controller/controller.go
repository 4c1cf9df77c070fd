package controller

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/codehub-dev/codehub/pkg/agent"
	"github.com/codehub-dev/codehub/pkg/broker"
	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/log"
	"github.com/codehub-dev/codehub/pkg/metrics"
	"github.com/codehub-dev/codehub/pkg/storage"
	"github.com/codehub-dev/codehub/pkg/types"
)

// AgentDriver is the slice of the agent client the controller commands.
// Calls are fire-and-forget: replies are not completion, the observer is.
type AgentDriver interface {
	Provision(ctx context.Context, workspaceID string) (*agent.ActionResponse, error)
	Start(ctx context.Context, workspaceID, image string) (*agent.ActionResponse, error)
	Stop(ctx context.Context, workspaceID string) (*agent.ActionResponse, error)
	Delete(ctx context.Context, workspaceID string) (*agent.ActionResponse, error)
	Archive(ctx context.Context, workspaceID, archiveOpID string) (*agent.ActionResponse, error)
	Restore(ctx context.Context, workspaceID, archiveKey, restoreOpID string) (*agent.ActionResponse, error)
}

// WakePublisher sends best-effort wake hints.
type WakePublisher interface {
	PublishWake(ctx context.Context, loop string) error
}

// Controller reconciles workspace rows toward their desired state, one
// guarded commit per workspace per tick.
type Controller struct {
	store  storage.Store
	agent  AgentDriver
	wake   WakePublisher
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time
}

// New builds a controller. wake may be nil; it only shortens the observer's
// reaction to freshly started operations.
func New(store storage.Store, drv AgentDriver, wake WakePublisher, cfg *config.Config) *Controller {
	return &Controller{
		store:  store,
		agent:  drv,
		wake:   wake,
		cfg:    cfg,
		logger: log.WithComponent("controller"),
		now:    time.Now,
	}
}

// Tick reconciles every unsettled workspace once. Per-workspace failures are
// logged and do not stop the pass.
func (c *Controller) Tick(ctx context.Context) error {
	wss, err := c.store.ListUnsettledWorkspaces(ctx)
	if err != nil {
		return err
	}

	inFlight := map[types.Operation]int{}
	for _, ws := range wss {
		if err := c.reconcile(ctx, ws); err != nil {
			c.logger.Error().Err(err).Str("workspace_id", ws.ID).Msg("reconcile failed")
		}
		if ws.Operation != types.OpNone {
			inFlight[ws.Operation]++
		}
	}

	for _, op := range []types.Operation{
		types.OpProvisioning, types.OpCreateEmptyArchive, types.OpRestoring,
		types.OpStarting, types.OpStopping, types.OpArchiving, types.OpDeleting,
	} {
		metrics.OperationsInFlight.WithLabelValues(string(op)).Set(float64(inFlight[op]))
	}
	return nil
}

// reconcile runs judge, plan, commit and drive for one workspace.
func (c *Controller) reconcile(ctx context.Context, ws *types.Workspace) error {
	now := c.now()
	j := Judge(ws, now)
	p := NextPlan(ws, j, c.cfg, now)

	logger := c.logger.With().Str("workspace_id", ws.ID).Logger()

	switch p.Action {
	case ActionNone:
		// No operation work, but judged drift still gets committed.
		if j.Phase == ws.Phase && !healthyChanged(ws, j) {
			return nil
		}
		_, err := c.apply(ctx, c.baseUpdate(ws, j))
		return err

	case ActionStart:
		upd := c.baseUpdate(ws, j)
		upd.Operation = p.Op
		upd.OpStartedAt = &now
		if p.ArchiveOpID != "" {
			upd.ArchiveOpID = &p.ArchiveOpID
		}
		if p.RestoreOpID != "" {
			upd.HomeCtx = &p.RestoreOpID
		}
		if ok, err := c.apply(ctx, upd); err != nil || !ok {
			return err
		}
		logger.Info().Str("operation", string(p.Op)).Msg("operation started")
		if err := c.drive(ctx, ws, upd, p.Op); err != nil {
			return err
		}
		if c.wake != nil {
			if err := c.wake.PublishWake(ctx, broker.LoopObserver); err != nil {
				logger.Debug().Err(err).Msg("observer wake hint dropped")
			}
		}
		return nil

	case ActionRedrive:
		return c.drive(ctx, ws, c.baseUpdate(ws, j), p.Op)

	case ActionCommitArchive:
		// Invariant: the committed archive key reaches the database
		// before the source volume deletion is commanded.
		upd := c.baseUpdate(ws, j)
		upd.ArchiveKey = &p.ArchiveKey
		if ok, err := c.apply(ctx, upd); err != nil || !ok {
			return err
		}
		logger.Info().Str("archive_key", p.ArchiveKey).Msg("archive committed, deleting source volume")
		if _, err := c.agent.Delete(ctx, ws.ID); err != nil {
			return c.commitInvokeFailure(ctx, upd, err)
		}
		return nil

	case ActionComplete:
		upd := c.baseUpdate(ws, j)
		upd.Operation = types.OpNone
		upd.OpStartedAt = nil
		upd.ErrorCount = 0
		if p.ArchiveKey != "" {
			upd.ArchiveKey = &p.ArchiveKey
		}
		if ok, err := c.apply(ctx, upd); err != nil || !ok {
			return err
		}
		metrics.OperationsTotal.WithLabelValues(string(ws.Operation), "succeeded").Inc()
		logger.Info().
			Str("operation", string(ws.Operation)).
			Str("phase", string(j.Phase)).
			Msg("operation completed")
		return nil

	case ActionAccrue:
		upd := c.baseUpdate(ws, j)
		upd.ErrorCount = ws.ErrorCount + 1
		// Fresh attempt window, so the same failure report is not
		// counted again next tick.
		upd.OpStartedAt = &now
		if ok, err := c.apply(ctx, upd); err != nil || !ok {
			return err
		}
		logger.Warn().
			Str("operation", string(p.Op)).
			Int("error_count", upd.ErrorCount).
			Msg("operation attempt failed, retrying")
		return c.drive(ctx, ws, upd, p.Op)

	case ActionFail:
		upd := c.failUpdate(c.baseUpdate(ws, j), p.Reason, now)
		if ok, err := c.apply(ctx, upd); err != nil || !ok {
			return err
		}
		if ws.Operation != types.OpNone {
			metrics.OperationsTotal.WithLabelValues(string(ws.Operation), "failed").Inc()
		}
		logger.Error().
			Str("operation", string(ws.Operation)).
			Str("reason", string(p.Reason)).
			Int("error_count", upd.ErrorCount).
			Msg("workspace entered error")
		return nil
	}
	return nil
}

// baseUpdate copies the controller-owned fields of the row, so an apply that
// changes a subset leaves the rest intact.
func (c *Controller) baseUpdate(ws *types.Workspace, j Judgment) *storage.StateUpdate {
	return &storage.StateUpdate{
		WorkspaceID:       ws.ID,
		ExpectedOperation: ws.Operation,
		Phase:             j.Phase,
		PhaseChanged:      j.Phase != ws.Phase,
		Operation:         ws.Operation,
		OpStartedAt:       ws.OpStartedAt,
		ArchiveOpID:       ws.ArchiveOpID,
		ArchiveKey:        ws.ArchiveKey,
		HomeCtx:           ws.HomeCtx,
		ErrorReason:       ws.ErrorReason,
		ErrorCount:        ws.ErrorCount,
		Healthy:           j.Healthy,
	}
}

// failUpdate rewrites an update into the single atomic ERROR commit.
// archive_op_id is deliberately retained; it shields the orphaned upload
// from GC.
func (c *Controller) failUpdate(upd *storage.StateUpdate, reason types.ErrorReason, now time.Time) *storage.StateUpdate {
	upd.Phase = types.PhaseError
	upd.PhaseChanged = true
	upd.Operation = types.OpNone
	upd.OpStartedAt = nil
	upd.ErrorReason = &reason
	upd.ErrorCount++
	upd.Healthy = types.Condition{
		Status:     false,
		Reason:     string(reason),
		ObservedAt: now,
	}
	return upd
}

// apply commits one guarded update. A lost CAS race is not an error, just a
// skipped tick; applied is false and the next tick re-plans from the fresher
// row.
func (c *Controller) apply(ctx context.Context, upd *storage.StateUpdate) (applied bool, err error) {
	err = c.store.ApplyStateUpdate(ctx, upd)
	if err == storage.ErrConflict {
		c.logger.Debug().Str("workspace_id", upd.WorkspaceID).Msg("state update lost the race, skipping tick")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// drive invokes the agent for an operation already committed to the row.
// Invocation errors are persisted as attempt failures; the call itself is
// redrivable so nothing else is rolled back.
func (c *Controller) drive(ctx context.Context, ws *types.Workspace, upd *storage.StateUpdate, op types.Operation) error {
	var err error
	switch op {
	case types.OpProvisioning:
		_, err = c.agent.Provision(ctx, ws.ID)
	case types.OpCreateEmptyArchive, types.OpArchiving:
		if upd.ArchiveOpID == nil {
			return nil
		}
		_, err = c.agent.Archive(ctx, ws.ID, *upd.ArchiveOpID)
	case types.OpRestoring:
		if upd.ArchiveKey == nil || upd.HomeCtx == nil {
			return nil
		}
		_, err = c.agent.Restore(ctx, ws.ID, *upd.ArchiveKey, *upd.HomeCtx)
	case types.OpStarting:
		_, err = c.agent.Start(ctx, ws.ID, "")
	case types.OpStopping:
		_, err = c.agent.Stop(ctx, ws.ID)
	case types.OpDeleting:
		_, err = c.agent.Delete(ctx, ws.ID)
	}
	if err != nil {
		return c.commitInvokeFailure(ctx, upd, err)
	}
	return nil
}

// commitInvokeFailure records a failed agent invocation against the
// operation just committed, entering ERROR once the retry budget runs out.
func (c *Controller) commitInvokeFailure(ctx context.Context, applied *storage.StateUpdate, invokeErr error) error {
	if agent.VolumeInUse(invokeErr) {
		// A job still holds the volume; not a failure, just early.
		return nil
	}

	reason := types.ReasonActionFailed
	if agent.IsTransient(invokeErr) {
		reason = types.ReasonUnreachable
	}

	next := *applied
	next.ExpectedOperation = applied.Operation

	if applied.ErrorCount+1 >= c.cfg.MaxRetry {
		exceeded := types.ReasonRetryExceeded
		if reason.Terminal() {
			exceeded = reason
		}
		c.failUpdate(&next, exceeded, c.now())
		if ok, err := c.apply(ctx, &next); err != nil || !ok {
			return err
		}
		metrics.OperationsTotal.WithLabelValues(string(applied.Operation), "failed").Inc()
		c.logger.Error().
			Err(invokeErr).
			Str("workspace_id", applied.WorkspaceID).
			Str("operation", string(applied.Operation)).
			Msg("agent invocation failed, retry budget exhausted")
		return nil
	}

	next.ErrorCount = applied.ErrorCount + 1
	if _, err := c.apply(ctx, &next); err != nil {
		return err
	}
	c.logger.Warn().
		Err(invokeErr).
		Str("workspace_id", applied.WorkspaceID).
		Str("operation", string(applied.Operation)).
		Int("error_count", next.ErrorCount).
		Msg("agent invocation failed, will redrive")
	return nil
}

// healthyChanged compares only the judged content, not the timestamp.
func healthyChanged(ws *types.Workspace, j Judgment) bool {
	cur := ws.Conditions.Healthy
	return cur.Status != j.Healthy.Status || cur.Reason != j.Healthy.Reason
}
