package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestPhaseLevels tests the active-phase ordering
func TestPhaseLevels(t *testing.T) {
	tests := []struct {
		phase  Phase
		level  int
		active bool
	}{
		{PhasePending, 0, true},
		{PhaseArchived, 5, true},
		{PhaseStandby, 10, true},
		{PhaseRunning, 20, true},
		{PhaseError, 0, false},
		{PhaseDeleting, 0, false},
		{PhaseDeleted, 0, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			level, ok := tt.phase.Level()
			assert.Equal(t, tt.active, ok)
			if tt.active {
				assert.Equal(t, tt.level, level)
			}
		})
	}
}

// TestTargetPhase tests desired state to phase mapping
func TestTargetPhase(t *testing.T) {
	assert.Equal(t, PhaseArchived, DesiredArchived.TargetPhase())
	assert.Equal(t, PhaseStandby, DesiredStandby.TargetPhase())
	assert.Equal(t, PhaseRunning, DesiredRunning.TargetPhase())
	assert.Equal(t, PhaseDeleted, DesiredDeleted.TargetPhase())
}

// TestErrorReasonTerminal tests terminal classification of error reasons
func TestErrorReasonTerminal(t *testing.T) {
	tests := []struct {
		reason   ErrorReason
		terminal bool
	}{
		{ReasonTimeout, true},
		{ReasonRetryExceeded, true},
		{ReasonActionFailed, false},
		{ReasonImagePullFailed, true},
		{ReasonContainerWithoutVolume, true},
		{ReasonArchiveCorrupted, true},
		{ReasonDataLost, true},
		{ReasonUnreachable, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.reason.Terminal())
		})
	}
}

// TestConditionsRoundTrip tests JSONB scan/value round trip
func TestConditionsRoundTrip(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	in := Conditions{
		ContainerReady:     Condition{Status: true, ObservedAt: now},
		VolumeReady:        Condition{Status: true, ObservedAt: now},
		ArchiveReady:       Condition{Status: false, Reason: "NoArchive", ObservedAt: now},
		ObservedArchiveKey: "ws-1/op-1/home.tar.zst",
		Restore:            &RestoreObservation{RestoreOpID: "r-1", ArchiveKey: "ws-1/op-0/home.tar.zst"},
	}

	raw, err := in.Value()
	require.NoError(t, err)

	var out Conditions
	require.NoError(t, out.Scan(raw))
	assert.Equal(t, in, out)

	// nil column yields the zero document
	var empty Conditions
	require.NoError(t, empty.Scan(nil))
	assert.Equal(t, Conditions{}, empty)
}

// TestConditionsJSONKeys pins the wire names of the condition entries
func TestConditionsJSONKeys(t *testing.T) {
	raw, err := json.Marshal(Conditions{})
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &m))
	for _, key := range []string{
		"infra.container_ready",
		"storage.volume_ready",
		"storage.archive_ready",
		"policy.healthy",
	} {
		assert.Contains(t, m, key)
	}
}

// TestArchiveObjectKey tests the committed archive path layout
func TestArchiveObjectKey(t *testing.T) {
	assert.Equal(t, "ws-1/op-7/home.tar.zst", ArchiveObjectKey("ws-1", "op-7"))
}

// TestNewIDSortable verifies ids are unique and time-ordered
func TestNewIDSortable(t *testing.T) {
	a := NewID()
	time.Sleep(2 * time.Millisecond)
	b := NewID()
	assert.NotEqual(t, a, b)
	assert.Less(t, a, b)
}

// TestResident tests runtime-resource residency
func TestResident(t *testing.T) {
	ws := &Workspace{}
	assert.False(t, ws.Resident())

	ws.Conditions.VolumeReady.Status = true
	assert.True(t, ws.Resident())

	ws.Conditions.VolumeReady.Status = false
	ws.Conditions.ContainerReady.Status = true
	assert.True(t, ws.Resident())
}
