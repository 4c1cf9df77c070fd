/*
Package gc reclaims archive objects no row can reach anymore. The database
side computes a protection set: every committed archive_key of a live
workspace, plus the {workspace_id}/{archive_op_id}/ prefixes of uploads that
are in flight or failed but still retained. The agent deletes everything
outside the set, keeping the newest retention-count archives per workspace
and sparing recent orphans a grace period.

Deletion is driven by protection-set absence, never by events, so a crashed
archive upload can never be reclaimed while its row still references it.
*/
package gc
