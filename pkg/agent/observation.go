package agent

import "time"

// ContainerState is the agent's view of a workspace container.
type ContainerState struct {
	Running bool `json:"running"`
	Healthy bool `json:"healthy"`
}

// VolumeState is the agent's view of a workspace home volume.
type VolumeState struct {
	Exists bool `json:"exists"`
}

// ArchiveState reports a committed archive (commit marker present).
type ArchiveState struct {
	Exists     bool   `json:"exists"`
	ArchiveKey string `json:"archive_key"`
}

// RestoreState reports the restore marker found next to the volume.
type RestoreState struct {
	RestoreOpID string `json:"restore_op_id"`
	ArchiveKey  string `json:"archive_key"`
}

// JobError reports a failed archive or restore job.
type JobError struct {
	Operation   string    `json:"operation"`
	ErrorCode   int       `json:"error_code"`
	ErrorAt     time.Time `json:"error_at"`
	ArchiveOpID string    `json:"archive_op_id,omitempty"`
}

// WorkspaceObservation is one workspace's slice of the bulk observation.
type WorkspaceObservation struct {
	WorkspaceID string          `json:"workspace_id"`
	Container   *ContainerState `json:"container"`
	Volume      *VolumeState    `json:"volume"`
	Archive     *ArchiveState   `json:"archive"`
	Restore     *RestoreState   `json:"restore"`
	Error       *JobError       `json:"error"`
}

// ObserveResponse is the bulk observation envelope.
type ObserveResponse struct {
	Workspaces []WorkspaceObservation `json:"workspaces"`
}

// ActionStatus is the agent's immediate reply to a lifecycle action.
// Completion is never inferred from it; the observer reconfirms.
type ActionStatus string

const (
	StatusInProgress    ActionStatus = "in_progress"
	StatusCompleted     ActionStatus = "completed"
	StatusAlreadyExists ActionStatus = "already_exists"
)

// ActionResponse is the common reply envelope for lifecycle actions.
type ActionResponse struct {
	Status      ActionStatus `json:"status"`
	WorkspaceID string       `json:"workspace_id"`
}

// Upstream is the container address traffic should be proxied to.
type Upstream struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port"`
	URL      string `json:"url"`
}

// GCRequest carries the protection set for an agent-side GC sweep.
type GCRequest struct {
	ArchiveKeys         []string `json:"archive_keys"`
	ProtectedWorkspaces []string `json:"protected_workspaces"`
	RetentionCount      int      `json:"retention_count"`

	// OrphanGraceSeconds is how long an unprotected object must have existed
	// before the sweep may reclaim it. Shields uploads racing the snapshot.
	OrphanGraceSeconds int `json:"orphan_grace_seconds"`
}

// GCResponse reports what the sweep reclaimed.
type GCResponse struct {
	DeletedKeys []string `json:"deleted_keys"`
}
