package types

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DesiredState is the user-declared (or TTL-declared) goal for a workspace.
type DesiredState string

const (
	DesiredArchived DesiredState = "ARCHIVED"
	DesiredStandby  DesiredState = "STANDBY"
	DesiredRunning  DesiredState = "RUNNING"
	DesiredDeleted  DesiredState = "DELETED"
)

// Phase is the derived lifecycle state of a workspace, computed by the
// workspace controller from observed conditions and declared intent.
type Phase string

const (
	PhasePending  Phase = "PENDING"
	PhaseArchived Phase = "ARCHIVED"
	PhaseStandby  Phase = "STANDBY"
	PhaseRunning  Phase = "RUNNING"
	PhaseError    Phase = "ERROR"
	PhaseDeleting Phase = "DELETING"
	PhaseDeleted  Phase = "DELETED"
)

// phaseLevels orders the active phases. ERROR, DELETING and DELETED sit
// outside the ordering; transitions between active phases move exactly one
// step, except the PENDING->ARCHIVED shortcut.
var phaseLevels = map[Phase]int{
	PhasePending:  0,
	PhaseArchived: 5,
	PhaseStandby:  10,
	PhaseRunning:  20,
}

// Level returns the ordering level of an active phase. ok is false for
// ERROR, DELETING and DELETED.
func (p Phase) Level() (int, bool) {
	l, ok := phaseLevels[p]
	return l, ok
}

// TargetPhase maps a desired state to the phase that satisfies it.
func (d DesiredState) TargetPhase() Phase {
	switch d {
	case DesiredArchived:
		return PhaseArchived
	case DesiredStandby:
		return PhaseStandby
	case DesiredRunning:
		return PhaseRunning
	case DesiredDeleted:
		return PhaseDeleted
	}
	return PhasePending
}

// Operation is the in-flight lifecycle transition. At most one operation is
// active per workspace; a new one may only start from OpNone.
type Operation string

const (
	OpNone               Operation = "NONE"
	OpProvisioning       Operation = "PROVISIONING"
	OpCreateEmptyArchive Operation = "CREATE_EMPTY_ARCHIVE"
	OpRestoring          Operation = "RESTORING"
	OpStarting           Operation = "STARTING"
	OpStopping           Operation = "STOPPING"
	OpArchiving          Operation = "ARCHIVING"
	OpDeleting           Operation = "DELETING"
)

// ErrorReason enumerates why a workspace entered the ERROR phase.
type ErrorReason string

const (
	ReasonTimeout                ErrorReason = "Timeout"
	ReasonRetryExceeded          ErrorReason = "RetryExceeded"
	ReasonActionFailed           ErrorReason = "ActionFailed"
	ReasonImagePullFailed        ErrorReason = "ImagePullFailed"
	ReasonContainerWithoutVolume ErrorReason = "ContainerWithoutVolume"
	ReasonArchiveCorrupted       ErrorReason = "ArchiveCorrupted"
	ReasonDataLost               ErrorReason = "DataLost"
	ReasonUnreachable            ErrorReason = "Unreachable"
)

// Terminal reports whether the reason is permanent. Non-terminal reasons are
// retried until the retry budget runs out, at which point the controller
// writes RetryExceeded.
func (r ErrorReason) Terminal() bool {
	switch r {
	case ReasonActionFailed, ReasonUnreachable:
		return false
	}
	return true
}

// Condition is one observed or judged fact about a workspace.
type Condition struct {
	Status     bool      `json:"status"`
	Reason     string    `json:"reason,omitempty"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
}

// RestoreObservation is the observed restore marker for a workspace volume.
type RestoreObservation struct {
	RestoreOpID string `json:"restore_op_id"`
	ArchiveKey  string `json:"archive_key"`
}

// AgentError is a job failure surfaced by the runtime agent.
type AgentError struct {
	Operation   string    `json:"operation"`
	ErrorCode   int       `json:"error_code"`
	ErrorAt     time.Time `json:"error_at"`
	ArchiveOpID string    `json:"archive_op_id,omitempty"`
}

// Conditions separates observed reality from policy judgment. The observer
// owns everything except Healthy, which the controller computes in the same
// tick that commits observations.
type Conditions struct {
	ContainerReady Condition `json:"infra.container_ready"`
	VolumeReady    Condition `json:"storage.volume_ready"`
	ArchiveReady   Condition `json:"storage.archive_ready"`
	Healthy        Condition `json:"policy.healthy"`

	// ObservedArchiveKey is the archive key the agent reported as committed.
	ObservedArchiveKey string `json:"observed_archive_key,omitempty"`

	// Restore is the last restore marker seen in object storage, if any.
	Restore *RestoreObservation `json:"restore,omitempty"`

	// AgentError is the last job failure the agent reported, if any.
	AgentError *AgentError `json:"agent_error,omitempty"`
}

// Value implements driver.Valuer so conditions persist as JSONB.
func (c Conditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// Scan implements sql.Scanner.
func (c *Conditions) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*c = Conditions{}
		return nil
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	}
	return fmt.Errorf("cannot scan %T into Conditions", src)
}

// Workspace is one per-user IDE environment with a persistent home. Exactly
// one row per workspace; soft-deleted rows linger until reclaimed.
type Workspace struct {
	ID          string `db:"id"`
	OwnerUserID string `db:"owner_user_id"`
	Name        string `db:"name"`
	Description string `db:"description"`
	Memo        string `db:"memo"`

	// Intent. Written by the API and the TTL loop only.
	DesiredState DesiredState `db:"desired_state"`
	DeletedAt    *time.Time   `db:"deleted_at"`

	// Derived phase. Written by the workspace controller only.
	Phase          Phase     `db:"phase"`
	PhaseChangedAt time.Time `db:"phase_changed_at"`

	// Operation bookkeeping. Written by the workspace controller only.
	Operation   Operation  `db:"operation"`
	OpStartedAt *time.Time `db:"op_started_at"`
	ArchiveOpID *string    `db:"archive_op_id"`

	// Observation. Written by the observer only.
	Conditions Conditions `db:"conditions"`
	ObservedAt *time.Time `db:"observed_at"`

	// Persistence markers. Written by the workspace controller only.
	ArchiveKey *string `db:"archive_key"`
	HomeCtx    *string `db:"home_ctx"`

	// Activity. Written by the TTL loop only.
	LastAccessAt *time.Time `db:"last_access_at"`

	// Failure bookkeeping. Written by the workspace controller only.
	ErrorReason *ErrorReason `db:"error_reason"`
	ErrorCount  int          `db:"error_count"`

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Resident reports whether any runtime resource is still observed for the
// workspace. DELETING holds until this is false.
func (w *Workspace) Resident() bool {
	return w.Conditions.ContainerReady.Status || w.Conditions.VolumeReady.Status
}

// ArchiveObjectKey builds the committed archive path for a workspace and
// archive operation id.
func ArchiveObjectKey(workspaceID, archiveOpID string) string {
	return fmt.Sprintf("%s/%s/home.tar.zst", workspaceID, archiveOpID)
}

// NewID returns a time-ordered, unguessable workspace id (UUIDv7).
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// Agent identifies one workspace runtime agent (one per container cluster).
type Agent struct {
	ID        string    `db:"id"`
	Name      string    `db:"name"`
	Endpoint  string    `db:"endpoint"`
	CreatedAt time.Time `db:"created_at"`
}

// User exists only as identity for ownership checks; opaque to the engine.
type User struct {
	ID        string    `db:"id"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}

// Session belongs to the API surface; carried here for schema completeness.
type Session struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	ExpiresAt time.Time `db:"expires_at"`
	CreatedAt time.Time `db:"created_at"`
}
