package archive

import (
	"fmt"
	"strings"
	"time"
)

// metaPrefix is the only digest scheme the commit marker supports.
const metaPrefix = "sha256:"

// FormatMeta renders the commit marker body for a packed archive digest.
func FormatMeta(digest string) string {
	return metaPrefix + digest
}

// ParseMeta extracts the digest from a commit marker body.
func ParseMeta(body string) (string, error) {
	s := strings.TrimSpace(body)
	if !strings.HasPrefix(s, metaPrefix) {
		return "", fmt.Errorf("malformed commit marker: %q", body)
	}
	digest := strings.TrimPrefix(s, metaPrefix)
	if len(digest) != 64 {
		return "", fmt.Errorf("malformed commit marker digest: %q", body)
	}
	return digest, nil
}

// MetaKey is the commit marker object for an archive key.
func MetaKey(archiveKey string) string {
	return archiveKey + ".meta"
}

// RestoreMarkerKey is the per-workspace restore marker object.
func RestoreMarkerKey(workspaceID string) string {
	return workspaceID + "/.restore_marker"
}

// RestoreErrorKey is the per-workspace restore failure object.
func RestoreErrorKey(workspaceID string) string {
	return workspaceID + "/.restore_error"
}

// RestoreMarker is the restore marker body.
type RestoreMarker struct {
	RestoreOpID string    `json:"restore_op_id"`
	ArchiveKey  string    `json:"archive_key"`
	RestoredAt  time.Time `json:"restored_at"`
}
