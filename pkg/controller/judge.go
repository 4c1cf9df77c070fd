package controller

import (
	"time"

	"github.com/codehub-dev/codehub/pkg/types"
)

// Judgment is the outcome of judging one workspace: the derived phase, the
// policy.healthy condition, and the violated invariant if any.
type Judgment struct {
	Phase     types.Phase
	Healthy   types.Condition
	Violation *types.ErrorReason
}

// Judge derives the workspace phase from intent, invariants and observed
// reality, in that fixed precedence. It is a pure function of the row.
//
//  1. User intent: a soft-deleted workspace is DELETING while any resource
//     remains observed, DELETED otherwise.
//  2. System safety: an invariant violation forces ERROR. The rule set is
//     exhaustively container-without-volume.
//  3. Reality, most specific first: container+volume is RUNNING, volume
//     alone is STANDBY, archive alone is ARCHIVED, nothing is PENDING.
func Judge(ws *types.Workspace, now time.Time) Judgment {
	healthy := types.Condition{Status: true, ObservedAt: now}

	if ws.DeletedAt != nil {
		phase := types.PhaseDeleted
		if ws.Resident() {
			phase = types.PhaseDeleting
		}
		return Judgment{Phase: phase, Healthy: healthy}
	}

	cond := ws.Conditions
	if cond.ContainerReady.Status && !cond.VolumeReady.Status {
		reason := types.ReasonContainerWithoutVolume
		return Judgment{
			Phase: types.PhaseError,
			Healthy: types.Condition{
				Status:     false,
				Reason:     string(reason),
				Message:    "container observed without its home volume",
				ObservedAt: now,
			},
			Violation: &reason,
		}
	}

	// A previously committed error sticks until an operator clears it.
	if ws.ErrorReason != nil {
		return Judgment{
			Phase: types.PhaseError,
			Healthy: types.Condition{
				Status:     false,
				Reason:     string(*ws.ErrorReason),
				ObservedAt: now,
			},
		}
	}

	switch {
	case cond.ContainerReady.Status && cond.VolumeReady.Status:
		return Judgment{Phase: types.PhaseRunning, Healthy: healthy}
	case cond.VolumeReady.Status:
		return Judgment{Phase: types.PhaseStandby, Healthy: healthy}
	case cond.ArchiveReady.Status:
		return Judgment{Phase: types.PhaseArchived, Healthy: healthy}
	default:
		return Judgment{Phase: types.PhasePending, Healthy: healthy}
	}
}
