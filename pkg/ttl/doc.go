/*
Package ttl is the idle-demotion loop. Proxy activity flows from the broker's
ordered set into last_access_at, then two threshold queries rewrite
desired_state: RUNNING workspaces idle past the standby TTL become STANDBY,
and STANDBY workspaces parked past the archive TTL become ARCHIVED.

Demotion is intent-only. The controller notices the changed desired state on
its next tick and drives the operations; a wake hint shortens the wait.
*/
package ttl
