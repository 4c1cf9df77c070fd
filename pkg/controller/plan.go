package controller

import (
	"time"

	"github.com/codehub-dev/codehub/pkg/config"
	"github.com/codehub-dev/codehub/pkg/types"
)

// ActionKind is what the controller decided to do with one workspace this
// tick.
type ActionKind string

const (
	// ActionNone leaves the row alone.
	ActionNone ActionKind = "none"

	// ActionStart begins a new operation. Committed with a CAS on
	// operation=NONE, then the agent is invoked.
	ActionStart ActionKind = "start"

	// ActionRedrive re-invokes the agent for the in-flight operation
	// without changing the row.
	ActionRedrive ActionKind = "redrive"

	// ActionCommitArchive is the midpoint of ARCHIVING: the upload is
	// witnessed, so the archive key is persisted and only then is the
	// source volume deletion commanded.
	ActionCommitArchive ActionKind = "commit_archive"

	// ActionComplete settles a witnessed operation: operation=NONE,
	// error_count=0, phase re-derived.
	ActionComplete ActionKind = "complete"

	// ActionAccrue counts one agent-surfaced failure and keeps the
	// operation for another attempt.
	ActionAccrue ActionKind = "accrue"

	// ActionFail enters ERROR: operation=NONE, error_reason set,
	// error_count incremented, all in one commit.
	ActionFail ActionKind = "fail"
)

// Plan is the single decision for one workspace in one tick.
type Plan struct {
	Action ActionKind

	// Op is the operation to start or redrive.
	Op types.Operation

	// Reason is set for ActionFail.
	Reason types.ErrorReason

	// ArchiveOpID is freshly allocated when starting an archive-producing
	// operation. It must be persisted before the agent runs the job.
	ArchiveOpID string

	// RestoreOpID is freshly allocated when starting RESTORING and rides
	// in home_ctx so redrives reuse it.
	RestoreOpID string

	// ArchiveKey is the committed archive path for ActionCommitArchive and
	// for completing CREATE_EMPTY_ARCHIVE.
	ArchiveKey string
}

// Job error codes the runtime agent reports for failed archive, restore and
// container actions.
const (
	JobErrFailed           = 1
	JobErrArchiveCorrupted = 2
	JobErrDataLost         = 3
	JobErrImagePull        = 4
)

// NextPlan decides the next action for a workspace from its row, its fresh
// judgment and the operation budgets. Pure; the controller commits and
// invokes.
func NextPlan(ws *types.Workspace, j Judgment, cfg *config.Config, now time.Time) Plan {
	if ws.Operation != types.OpNone {
		return planInFlight(ws, cfg, now)
	}
	return planIdle(ws, j)
}

// planInFlight handles a workspace with an operation in progress: witness
// first, then agent-reported failure, then timeout, otherwise the pending
// step is driven again.
func planInFlight(ws *types.Workspace, cfg *config.Config, now time.Time) Plan {
	op := ws.Operation
	cond := ws.Conditions

	var expectedKey string
	if ws.ArchiveOpID != nil {
		expectedKey = types.ArchiveObjectKey(ws.ID, *ws.ArchiveOpID)
	}

	// The fallback plan when the operation neither completes nor fails
	// this tick. Usually the committed agent call is repeated as-is.
	again := Plan{Action: ActionRedrive, Op: op}

	switch op {
	case types.OpProvisioning:
		if cond.VolumeReady.Status {
			return Plan{Action: ActionComplete}
		}

	case types.OpCreateEmptyArchive:
		if archiveWitnessed(cond, expectedKey) {
			return Plan{Action: ActionComplete, ArchiveKey: expectedKey}
		}

	case types.OpArchiving:
		committed := ws.ArchiveKey != nil && *ws.ArchiveKey == expectedKey
		if committed && !cond.VolumeReady.Status {
			return Plan{Action: ActionComplete}
		}
		if !committed && archiveWitnessed(cond, expectedKey) {
			return Plan{Action: ActionCommitArchive, Op: op, ArchiveKey: expectedKey}
		}
		if committed {
			// Key committed but the volume is still observed: the delete
			// was lost or rejected. Repeating the commit step re-commands
			// it; redriving the archive job never would.
			again = Plan{Action: ActionCommitArchive, Op: op, ArchiveKey: expectedKey}
		}

	case types.OpRestoring:
		if cond.VolumeReady.Status && restoreWitnessed(ws) {
			return Plan{Action: ActionComplete}
		}

	case types.OpStarting:
		if cond.ContainerReady.Status {
			return Plan{Action: ActionComplete}
		}

	case types.OpStopping:
		if !cond.ContainerReady.Status && cond.VolumeReady.Status {
			return Plan{Action: ActionComplete}
		}

	case types.OpDeleting:
		if !ws.Resident() {
			return Plan{Action: ActionComplete}
		}
	}

	if ae := cond.AgentError; ae != nil && agentErrorApplies(ws, ae) {
		return planFailure(ws, classifyJobError(ae), cfg)
	}

	if ws.OpStartedAt != nil && now.Sub(*ws.OpStartedAt) > cfg.OperationTimeout(op) {
		return Plan{Action: ActionFail, Reason: types.ReasonTimeout}
	}

	return again
}

// planIdle handles a settled workspace: deletion intent, sticky errors, then
// one step in the direction of the desired state.
func planIdle(ws *types.Workspace, j Judgment) Plan {
	switch j.Phase {
	case types.PhaseDeleted:
		return Plan{Action: ActionNone}
	case types.PhaseDeleting:
		return Plan{Action: ActionStart, Op: types.OpDeleting}
	case types.PhaseError:
		// A fresh invariant violation enters ERROR once; afterwards the
		// row is untouchable until an operator resets it, except for
		// deletion which always wins.
		if j.Violation != nil && ws.ErrorReason == nil {
			return Plan{Action: ActionFail, Reason: *j.Violation}
		}
		if ws.DesiredState == types.DesiredDeleted {
			return Plan{Action: ActionStart, Op: types.OpDeleting}
		}
		return Plan{Action: ActionNone}
	}

	target := ws.DesiredState.TargetPhase()
	if target == types.PhaseDeleted {
		return Plan{Action: ActionStart, Op: types.OpDeleting}
	}
	if j.Phase == target {
		return Plan{Action: ActionNone}
	}

	cur, okCur := j.Phase.Level()
	tgt, okTgt := target.Level()
	if !okCur || !okTgt {
		return Plan{Action: ActionNone}
	}

	// The only multi-level transition: a brand new workspace asked to
	// exist as an archive goes straight there without a volume.
	if j.Phase == types.PhasePending && target == types.PhaseArchived {
		return Plan{Action: ActionStart, Op: types.OpCreateEmptyArchive, ArchiveOpID: types.NewID()}
	}

	if cur < tgt {
		switch j.Phase {
		case types.PhasePending:
			return Plan{Action: ActionStart, Op: types.OpProvisioning}
		case types.PhaseArchived:
			if ws.ArchiveKey == nil {
				// Archive observed but never committed; nothing to
				// restore from.
				return Plan{Action: ActionFail, Reason: types.ReasonDataLost}
			}
			return Plan{Action: ActionStart, Op: types.OpRestoring, RestoreOpID: types.NewID()}
		case types.PhaseStandby:
			return Plan{Action: ActionStart, Op: types.OpStarting}
		}
	} else {
		switch j.Phase {
		case types.PhaseRunning:
			return Plan{Action: ActionStart, Op: types.OpStopping}
		case types.PhaseStandby:
			return Plan{Action: ActionStart, Op: types.OpArchiving, ArchiveOpID: types.NewID()}
		}
	}
	return Plan{Action: ActionNone}
}

// planFailure turns one agent-surfaced failure into ERROR or another
// attempt, honoring the retry budget.
func planFailure(ws *types.Workspace, reason types.ErrorReason, cfg *config.Config) Plan {
	if reason.Terminal() {
		return Plan{Action: ActionFail, Reason: reason}
	}
	if ws.ErrorCount+1 >= cfg.MaxRetry {
		return Plan{Action: ActionFail, Reason: types.ReasonRetryExceeded}
	}
	return Plan{Action: ActionAccrue, Op: ws.Operation}
}

// archiveWitnessed reports whether the commit marker for the expected key
// has been observed.
func archiveWitnessed(cond types.Conditions, expectedKey string) bool {
	return expectedKey != "" &&
		cond.ArchiveReady.Status &&
		cond.ObservedArchiveKey == expectedKey
}

// restoreWitnessed reports whether the observed restore marker names the
// archive this restore was started from.
func restoreWitnessed(ws *types.Workspace) bool {
	r := ws.Conditions.Restore
	if r == nil || ws.ArchiveKey == nil {
		return false
	}
	if r.ArchiveKey != *ws.ArchiveKey {
		return false
	}
	// The marker must belong to this restore, not a previous one.
	return ws.HomeCtx == nil || *ws.HomeCtx == "" || r.RestoreOpID == *ws.HomeCtx
}

// agentErrorApplies filters stale job errors: the report must concern the
// current operation and postdate the current attempt.
func agentErrorApplies(ws *types.Workspace, ae *types.AgentError) bool {
	if ws.OpStartedAt == nil || ae.ErrorAt.Before(*ws.OpStartedAt) {
		return false
	}
	switch ws.Operation {
	case types.OpArchiving, types.OpCreateEmptyArchive:
		if ae.Operation != "archive" {
			return false
		}
		return ws.ArchiveOpID != nil && (ae.ArchiveOpID == "" || ae.ArchiveOpID == *ws.ArchiveOpID)
	case types.OpRestoring:
		return ae.Operation == "restore"
	case types.OpStarting:
		return ae.Operation == "start"
	case types.OpProvisioning:
		return ae.Operation == "provision"
	case types.OpStopping:
		return ae.Operation == "stop"
	case types.OpDeleting:
		return ae.Operation == "delete"
	}
	return false
}

// classifyJobError maps agent error codes onto error reasons. Unknown codes
// count as retryable action failures.
func classifyJobError(ae *types.AgentError) types.ErrorReason {
	switch ae.ErrorCode {
	case JobErrArchiveCorrupted:
		return types.ReasonArchiveCorrupted
	case JobErrDataLost:
		return types.ReasonDataLost
	case JobErrImagePull:
		return types.ReasonImagePullFailed
	default:
		return types.ReasonActionFailed
	}
}
