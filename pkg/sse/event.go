package sse

import "encoding/json"

// Event types delivered on a user's stream.
const (
	EventWorkspaceUpdated = "workspace_updated"
	EventWorkspaceDeleted = "workspace_deleted"
	EventHeartbeat        = "heartbeat"
)

// Event is the envelope relayed from the database change feed to connected
// clients. Workspace carries the row projection the trigger emitted.
type Event struct {
	Type      string          `json:"type"`
	Workspace json.RawMessage `json:"workspace,omitempty"`
}
