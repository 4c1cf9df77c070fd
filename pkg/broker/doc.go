/*
Package broker wraps Redis for the engine's three broker concerns.

Wake hints are fire-and-forget pub/sub messages that shorten polling latency
for the observer and controller loops; a dropped or duplicated hint is always
safe because correctness comes from polling. Per-user SSE channels carry UI
events from the CDC listener to connected browsers. The activity ordered set
collects proxy activity flushes with ZADD GT so concurrent writers collapse
to the newest timestamp per workspace.
*/
package broker
