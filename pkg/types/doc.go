/*
Package types defines the workspace lifecycle data model shared by every
CodeHub component.

A workspace row carries four groups of state with strict single-writer
ownership:

  - Intent (desired_state, deleted_at): written by the API and TTL loop.
  - Observation (conditions, observed_at): written by the observer.
  - Derived state (phase, operation, archive bookkeeping, errors): written
    by the workspace controller.
  - Activity (last_access_at): written by the TTL loop.

Active phases are ordered (PENDING < ARCHIVED < STANDBY < RUNNING) and the
controller moves a workspace exactly one level per operation, with the single
PENDING->ARCHIVED shortcut for creating an empty persistent home without ever
instantiating a volume. ERROR, DELETING and DELETED sit outside the ordering.
*/
package types
