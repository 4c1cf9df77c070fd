package storage

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codehub-dev/codehub/pkg/types"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

// TestApplyStateUpdateCAS tests the operation-start compare-and-set
func TestApplyStateUpdateCAS(t *testing.T) {
	store, mock := newMockStore(t)

	upd := &StateUpdate{
		WorkspaceID:       "ws-1",
		ExpectedOperation: types.OpNone,
		Phase:             types.PhasePending,
		Operation:         types.OpProvisioning,
	}

	// Guard matched: one row updated.
	mock.ExpectExec(`UPDATE workspaces SET`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.ApplyStateUpdate(context.Background(), upd))

	// Guard missed: another writer moved first.
	mock.ExpectExec(`UPDATE workspaces SET`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	err := store.ApplyStateUpdate(context.Background(), upd)
	assert.ErrorIs(t, err, ErrConflict)

	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSetDesiredStateNotFound tests intent writes against missing rows
func TestSetDesiredStateNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`UPDATE workspaces SET desired_state`).
		WithArgs("ws-gone", string(types.DesiredRunning)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.SetDesiredState(context.Background(), "ws-gone", types.DesiredRunning)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSinkActivity tests the activity drain transaction
func TestSinkActivity(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE workspaces\s+SET last_access_at = GREATEST`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := store.SinkActivity(context.Background(), map[string]time.Time{"ws-1": now})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestSinkActivityEmpty tests that an empty batch touches nothing
func TestSinkActivityEmpty(t *testing.T) {
	store, mock := newMockStore(t)

	n, err := store.SinkActivity(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestObserverDocument tests that the controller-owned key never rides along
// with an observation commit
func TestObserverDocument(t *testing.T) {
	cond := types.Conditions{
		ContainerReady: types.Condition{Status: true},
		Healthy:        types.Condition{Status: true, Reason: "must not leak"},
	}

	doc, err := observerDocument(cond)
	require.NoError(t, err)

	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(doc, &m))
	assert.Contains(t, m, "infra.container_ready")
	assert.Contains(t, m, "storage.volume_ready")
	assert.NotContains(t, m, "policy.healthy")

	// Unreported markers are nulled so the merge clears stale values.
	assert.Equal(t, json.RawMessage("null"), m["restore"])
	assert.Equal(t, json.RawMessage("null"), m["agent_error"])
	assert.Equal(t, json.RawMessage(`""`), m["observed_archive_key"])
}

// TestTouchObservations tests the batched freshness stamp for quiet rows
func TestTouchObservations(t *testing.T) {
	store, mock := newMockStore(t)

	now := time.Now()
	mock.ExpectExec(`UPDATE workspaces SET observed_at`).
		WithArgs(now, "ws-1", "ws-2").
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, store.TouchObservations(context.Background(), []string{"ws-1", "ws-2"}, now))
	assert.NoError(t, mock.ExpectationsWereMet())

	// An all-drifted pass has nothing to stamp and issues no statement.
	require.NoError(t, store.TouchObservations(context.Background(), nil, now))
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestDemoteIdleRunning tests the standby demotion query
func TestDemoteIdleRunning(t *testing.T) {
	store, mock := newMockStore(t)

	rows := sqlmock.NewRows([]string{"id"}).AddRow("ws-1").AddRow("ws-2")
	mock.ExpectQuery(`UPDATE workspaces SET desired_state`).
		WillReturnRows(rows)

	ids, err := store.DemoteIdleRunning(context.Background(), 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, []string{"ws-1", "ws-2"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestComputeGCProtection tests the protection-set computation
func TestComputeGCProtection(t *testing.T) {
	store, mock := newMockStore(t)

	key := "ws-1/op-1/home.tar.zst"
	opID := "op-2"
	rows := sqlmock.NewRows([]string{"id", "archive_key", "archive_op_id"}).
		AddRow("ws-1", key, nil).
		AddRow("ws-2", nil, opID).
		AddRow("ws-3", nil, nil)
	mock.ExpectQuery(`SELECT id, archive_key, archive_op_id FROM workspaces`).
		WillReturnRows(rows)

	prot, err := store.ComputeGCProtection(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{key}, prot.ArchiveKeys)
	assert.Equal(t, []string{"ws-2"}, prot.ProtectedWorkspaces)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestIntervalArg tests interval literal construction
func TestIntervalArg(t *testing.T) {
	assert.Equal(t, "600 seconds", intervalArg(10*time.Minute))
	assert.Equal(t, "1 seconds", intervalArg(time.Second))
}
