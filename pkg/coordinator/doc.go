/*
Package coordinator runs the reconciliation loops under a single-leader
lease. Leadership is a Postgres session advisory lock on a dedicated
connection: holding the lock, holding the connection, and being leader are
the same fact, so a crashed or partitioned leader loses all three at once.

Loops are crash-safe by construction and safe under accidental concurrency;
the lease only prevents duplicated work, it is not needed for correctness.
The controller and observer run on an adaptive cadence (idle by default,
active while operations are in flight or wake hints arrive), TTL and GC on
fixed jittered intervals.
*/
package coordinator
