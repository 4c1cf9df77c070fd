package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/codehub-dev/codehub/pkg/types"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
)

// PostgresStore implements Store on PostgreSQL via sqlx.
type PostgresStore struct {
	db *sqlx.DB
}

// NewPostgresStore opens a connection pool against the given DSN.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing handle. Used by tests.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Ping verifies database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations.
func (s *PostgresStore) DB() *sql.DB {
	return s.db.DB
}

const workspaceColumns = `id, owner_user_id, name, description, memo,
	desired_state, deleted_at, phase, phase_changed_at,
	operation, op_started_at, archive_op_id, conditions, observed_at,
	archive_key, home_ctx, last_access_at, error_reason, error_count,
	created_at, updated_at`

// CreateWorkspace inserts a new row with phase PENDING and no resources.
func (s *PostgresStore) CreateWorkspace(ctx context.Context, ws *types.Workspace) error {
	if ws.ID == "" {
		ws.ID = types.NewID()
	}
	if ws.Phase == "" {
		ws.Phase = types.PhasePending
	}
	if ws.Operation == "" {
		ws.Operation = types.OpNone
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO workspaces (
			id, owner_user_id, name, description, memo,
			desired_state, phase, phase_changed_at, operation, conditions,
			error_count, created_at, updated_at
		) VALUES (
			:id, :owner_user_id, :name, :description, :memo,
			:desired_state, :phase, now(), :operation, :conditions,
			0, now(), now()
		)`, ws)
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	return nil
}

// GetWorkspace fetches one row by id, soft-deleted rows included.
func (s *PostgresStore) GetWorkspace(ctx context.Context, id string) (*types.Workspace, error) {
	var ws types.Workspace
	err := s.db.GetContext(ctx, &ws,
		`SELECT `+workspaceColumns+` FROM workspaces WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workspace: %w", err)
	}
	return &ws, nil
}

// ListWorkspacesByOwner lists a user's live workspaces, newest first.
func (s *PostgresStore) ListWorkspacesByOwner(ctx context.Context, userID string) ([]*types.Workspace, error) {
	var out []*types.Workspace
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE owner_user_id = $1 AND deleted_at IS NULL
		 ORDER BY id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	return out, nil
}

// SetDesiredState writes user intent. This is the only workspace field the
// API surface mutates besides the soft-delete marker.
func (s *PostgresStore) SetDesiredState(ctx context.Context, id string, state types.DesiredState) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET desired_state = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, state)
	if err != nil {
		return fmt.Errorf("failed to set desired state: %w", err)
	}
	return oneRow(res)
}

// SoftDeleteWorkspace sets the soft-delete marker. Intent becomes terminal.
func (s *PostgresStore) SoftDeleteWorkspace(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET deleted_at = now(), desired_state = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, types.DesiredDeleted)
	if err != nil {
		return fmt.Errorf("failed to soft delete workspace: %w", err)
	}
	return oneRow(res)
}

// UpdateWorkspaceMeta writes user-facing metadata.
func (s *PostgresStore) UpdateWorkspaceMeta(ctx context.Context, id, name, description, memo string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET name = $2, description = $3, memo = $4, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL`, id, name, description, memo)
	if err != nil {
		return fmt.Errorf("failed to update workspace metadata: %w", err)
	}
	return oneRow(res)
}

// ClearWorkspaceError resets failure bookkeeping. The next controller tick
// re-judges the workspace from its conditions.
func (s *PostgresStore) ClearWorkspaceError(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET error_reason = NULL, error_count = 0, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to clear workspace error: %w", err)
	}
	return oneRow(res)
}

// ListLiveWorkspaces lists all rows without the soft-delete marker.
func (s *PostgresStore) ListLiveWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	var out []*types.Workspace
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list live workspaces: %w", err)
	}
	return out, nil
}

// ListUnsettledWorkspaces lists every row the controller must still drive:
// everything that has not reached the terminal DELETED phase.
func (s *PostgresStore) ListUnsettledWorkspaces(ctx context.Context) ([]*types.Workspace, error) {
	var out []*types.Workspace
	err := s.db.SelectContext(ctx, &out,
		`SELECT `+workspaceColumns+` FROM workspaces
		 WHERE phase <> $1 ORDER BY id`, types.PhaseDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled workspaces: %w", err)
	}
	return out, nil
}

// UpdateObservation merges observer-owned condition keys into the conditions
// document. policy.healthy is stripped from the merge: that key belongs to
// the controller and must survive observation commits.
func (s *PostgresStore) UpdateObservation(ctx context.Context, id string, cond types.Conditions, observedAt time.Time) error {
	doc, err := observerDocument(cond)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces
		SET conditions = conditions || $2::jsonb, observed_at = $3, updated_at = now()
		WHERE id = $1`, id, doc, observedAt)
	if err != nil {
		return fmt.Errorf("failed to update observation: %w", err)
	}
	return oneRow(res)
}

// TouchObservations stamps observed_at on rows whose conditions did not
// drift this pass. observed_at records the last observation, not the last
// change; a quiet workspace must still read as freshly observed.
func (s *PostgresStore) TouchObservations(ctx context.Context, ids []string, observedAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE workspaces SET observed_at = ? WHERE id IN (?)`, observedAt, ids)
	if err != nil {
		return fmt.Errorf("failed to build observation touch: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("failed to touch observations: %w", err)
	}
	return nil
}

// observerDocument marshals conditions without the controller-owned key.
func observerDocument(cond types.Conditions) ([]byte, error) {
	raw, err := json.Marshal(cond)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal conditions: %w", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to strip policy key: %w", err)
	}
	delete(m, "policy.healthy")
	// Markers the agent stopped reporting must overwrite their previous
	// values across the JSONB merge, not linger.
	if _, ok := m["observed_archive_key"]; !ok {
		m["observed_archive_key"] = json.RawMessage(`""`)
	}
	if _, ok := m["restore"]; !ok {
		m["restore"] = json.RawMessage("null")
	}
	if _, ok := m["agent_error"]; !ok {
		m["agent_error"] = json.RawMessage("null")
	}
	return json.Marshal(m)
}

// ApplyStateUpdate commits judgment and control outcome in one guarded
// UPDATE. The guard on the previous operation value is the operation-start
// CAS: zero affected rows means another writer moved first and the caller
// skips this tick.
func (s *PostgresStore) ApplyStateUpdate(ctx context.Context, upd *StateUpdate) error {
	healthy, err := json.Marshal(upd.Healthy)
	if err != nil {
		return fmt.Errorf("failed to marshal healthy condition: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workspaces SET
			phase = $3,
			phase_changed_at = CASE WHEN $4 THEN now() ELSE phase_changed_at END,
			operation = $5,
			op_started_at = $6,
			archive_op_id = $7,
			archive_key = $8,
			home_ctx = $9,
			error_reason = $10,
			error_count = $11,
			conditions = jsonb_set(conditions, ARRAY['policy.healthy'], $12::jsonb, true),
			updated_at = now()
		WHERE id = $1 AND operation = $2`,
		upd.WorkspaceID, upd.ExpectedOperation,
		upd.Phase, upd.PhaseChanged,
		upd.Operation, upd.OpStartedAt, upd.ArchiveOpID,
		upd.ArchiveKey, upd.HomeCtx,
		upd.ErrorReason, upd.ErrorCount, healthy)
	if err != nil {
		return fmt.Errorf("failed to apply state update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

// CountInFlightOperations counts rows with an active operation. The
// coordinator uses this to pick its polling cadence.
func (s *PostgresStore) CountInFlightOperations(ctx context.Context) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM workspaces WHERE operation <> $1`, types.OpNone)
	if err != nil {
		return 0, fmt.Errorf("failed to count in-flight operations: %w", err)
	}
	return n, nil
}

// SinkActivity drains proxy activity samples into last_access_at. GREATEST
// keeps the column monotonically non-decreasing regardless of flush order.
func (s *PostgresStore) SinkActivity(ctx context.Context, samples map[string]time.Time) (int, error) {
	if len(samples) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin activity sink: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	updated := 0
	for id, ts := range samples {
		res, err := tx.ExecContext(ctx, `
			UPDATE workspaces
			SET last_access_at = GREATEST(COALESCE(last_access_at, 'epoch'::timestamptz), $2)
			WHERE id = $1 AND deleted_at IS NULL`, id, ts)
		if err != nil {
			return 0, fmt.Errorf("failed to sink activity for %s: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			updated++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit activity sink: %w", err)
	}
	return updated, nil
}

// DemoteIdleRunning writes STANDBY intent for RUNNING workspaces whose last
// activity is older than the threshold. Rows with an in-flight operation are
// left alone.
func (s *PostgresStore) DemoteIdleRunning(ctx context.Context, idle time.Duration) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE workspaces SET desired_state = $1, updated_at = now()
		WHERE phase = $2 AND operation = $3 AND desired_state = $4
		  AND deleted_at IS NULL
		  AND COALESCE(last_access_at, phase_changed_at) < now() - $5::interval
		RETURNING id`,
		types.DesiredStandby, types.PhaseRunning, types.OpNone, types.DesiredRunning,
		intervalArg(idle))
	if err != nil {
		return nil, fmt.Errorf("failed to demote idle running workspaces: %w", err)
	}
	return ids, nil
}

// DemoteIdleStandby writes ARCHIVED intent for STANDBY workspaces that have
// sat in the phase past the archive threshold.
func (s *PostgresStore) DemoteIdleStandby(ctx context.Context, idle time.Duration) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids, `
		UPDATE workspaces SET desired_state = $1, updated_at = now()
		WHERE phase = $2 AND operation = $3 AND desired_state = $4
		  AND deleted_at IS NULL
		  AND phase_changed_at < now() - $5::interval
		RETURNING id`,
		types.DesiredArchived, types.PhaseStandby, types.OpNone, types.DesiredStandby,
		intervalArg(idle))
	if err != nil {
		return nil, fmt.Errorf("failed to demote idle standby workspaces: %w", err)
	}
	return ids, nil
}

// ComputeGCProtection builds the protection set from live rows: every
// committed archive_key plus every {workspace_id}/{archive_op_id}/ prefix
// with a non-null archive_op_id.
func (s *PostgresStore) ComputeGCProtection(ctx context.Context) (*GCProtection, error) {
	rows, err := s.db.QueryxContext(ctx, `
		SELECT id, archive_key, archive_op_id FROM workspaces
		WHERE deleted_at IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("failed to compute gc protection: %w", err)
	}
	defer rows.Close()

	prot := &GCProtection{}
	for rows.Next() {
		var (
			id          string
			archiveKey  *string
			archiveOpID *string
		)
		if err := rows.Scan(&id, &archiveKey, &archiveOpID); err != nil {
			return nil, fmt.Errorf("failed to scan gc protection row: %w", err)
		}
		if archiveKey != nil {
			prot.ArchiveKeys = append(prot.ArchiveKeys, *archiveKey)
		}
		if archiveOpID != nil {
			prot.ProtectedWorkspaces = append(prot.ProtectedWorkspaces, id)
		}
	}
	return prot, rows.Err()
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int64(d.Seconds()))
}
