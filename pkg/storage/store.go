package storage

import (
	"context"
	"time"

	"github.com/codehub-dev/codehub/pkg/types"
)

// StateUpdate carries every controller-owned field of one workspace row.
// The controller reads the row, judges and plans in memory, and commits the
// whole group in a single guarded UPDATE. ExpectedOperation is the CAS
// guard: the update applies only if the row's operation still matches it.
type StateUpdate struct {
	WorkspaceID       string
	ExpectedOperation types.Operation

	Phase        types.Phase
	PhaseChanged bool

	Operation   types.Operation
	OpStartedAt *time.Time
	ArchiveOpID *string

	ArchiveKey *string
	HomeCtx    *string

	ErrorReason *types.ErrorReason
	ErrorCount  int

	Healthy types.Condition
}

// GCProtection is the set of archive objects the garbage collector must not
// touch, computed from live (not soft-deleted) workspace rows.
type GCProtection struct {
	// ArchiveKeys are committed archive paths of live workspaces.
	ArchiveKeys []string

	// ProtectedWorkspaces are workspace ids whose {id}/{archive_op_id}/
	// prefix shields in-flight or failed-but-retainable uploads.
	ProtectedWorkspaces []string
}

// Store is the persistence interface for the lifecycle engine. Each method
// group corresponds to one writer class; no method mutates fields owned by
// another class.
type Store interface {
	// API writer surface: intent and metadata only.
	CreateWorkspace(ctx context.Context, ws *types.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*types.Workspace, error)
	ListWorkspacesByOwner(ctx context.Context, userID string) ([]*types.Workspace, error)
	SetDesiredState(ctx context.Context, id string, state types.DesiredState) error
	SoftDeleteWorkspace(ctx context.Context, id string) error
	UpdateWorkspaceMeta(ctx context.Context, id, name, description, memo string) error

	// Operator surface: the only way out of ERROR.
	ClearWorkspaceError(ctx context.Context, id string) error

	// Observer surface.
	ListLiveWorkspaces(ctx context.Context) ([]*types.Workspace, error)
	ListUnsettledWorkspaces(ctx context.Context) ([]*types.Workspace, error)
	UpdateObservation(ctx context.Context, id string, cond types.Conditions, observedAt time.Time) error
	TouchObservations(ctx context.Context, ids []string, observedAt time.Time) error

	// Controller surface.
	ApplyStateUpdate(ctx context.Context, upd *StateUpdate) error
	CountInFlightOperations(ctx context.Context) (int, error)

	// TTL surface.
	SinkActivity(ctx context.Context, samples map[string]time.Time) (int, error)
	DemoteIdleRunning(ctx context.Context, idle time.Duration) ([]string, error)
	DemoteIdleStandby(ctx context.Context, idle time.Duration) ([]string, error)

	// GC surface.
	ComputeGCProtection(ctx context.Context) (*GCProtection, error)

	// Utility
	Ping(ctx context.Context) error
	Close() error
}
