package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Well-known advisory lock keys. The coordinator loops share one leader
// lock; the event listener elects its own leader on a separate key.
const (
	LeaderLockCoordinator   int64 = 0x636f64656875_0001
	LeaderLockEventListener int64 = 0x636f64656875_0002
)

// Session is a single dedicated database connection. Advisory locks are
// session-scoped in Postgres, so the lock and the work it guards must share
// a connection; a pooled handle would hand the lock to a stranger. Losing
// the connection releases the lock, which is exactly the failover behavior
// leader election relies on.
type Session struct {
	conn *pgx.Conn
}

// NewSession dials a dedicated connection.
func NewSession(ctx context.Context, dsn string) (*Session, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open session connection: %w", err)
	}
	return &Session{conn: conn}, nil
}

// TryAdvisoryLock attempts to take the session-level lock without blocking.
func (s *Session) TryAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var got bool
	err := s.conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&got)
	if err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}
	return got, nil
}

// HoldsAdvisoryLock verifies this session still holds the lock. Loops call
// this before every tick; a lost connection surfaces as an error here and
// the tick is skipped.
func (s *Session) HoldsAdvisoryLock(ctx context.Context, key int64) (bool, error) {
	var held bool
	err := s.conn.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory'
			  AND pid = pg_backend_pid()
			  AND granted
			  AND ((classid::bigint << 32) | objid::bigint) = $1
		)`, key).Scan(&held)
	if err != nil {
		return false, fmt.Errorf("failed to verify advisory lock: %w", err)
	}
	return held, nil
}

// ReleaseAdvisoryLock releases the lock explicitly. Connection loss releases
// it implicitly.
func (s *Session) ReleaseAdvisoryLock(ctx context.Context, key int64) error {
	if _, err := s.conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key); err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}
	return nil
}

// Listen subscribes the session to a notification channel.
func (s *Session) Listen(ctx context.Context, channel string) error {
	ident := pgx.Identifier{channel}.Sanitize()
	if _, err := s.conn.Exec(ctx, "LISTEN "+ident); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives or ctx is done.
func (s *Session) WaitForNotification(ctx context.Context) (*pgconn.Notification, error) {
	n, err := s.conn.WaitForNotification(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed waiting for notification: %w", err)
	}
	return n, nil
}

// Ping checks connection liveness.
func (s *Session) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

// Close closes the connection, releasing any held locks.
func (s *Session) Close(ctx context.Context) error {
	return s.conn.Close(ctx)
}
