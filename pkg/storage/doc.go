/*
Package storage provides the PostgreSQL repository for workspace state.

The Store interface groups its methods by writer class, mirroring the
single-writer-per-field ownership of the workspace row: the API surface
writes intent (desired_state, deleted_at) and metadata, the observer writes
the conditions document and observed_at, the controller writes every derived
field through a single guarded UPDATE per tick, and the TTL loop writes
desired_state demotions and last_access_at.

Two mechanisms deserve a note:

  - ApplyStateUpdate carries a compare-and-set guard on the previous
    operation value. A plan that starts an operation commits with
    WHERE operation = 'NONE'; zero affected rows means another writer moved
    first, and the tick is skipped.

  - Session wraps one dedicated pgx connection for session-scoped work:
    advisory-lock leader election and LISTEN/NOTIFY. These must never run on
    a pooled connection, since the lock would not share a session with the
    operations it guards.

Schema migrations are embedded goose SQL files, including the CDC trigger
functions that fan workspace changes out on the ws_sse, ws_wake and
ws_deleted channels.
*/
package storage
