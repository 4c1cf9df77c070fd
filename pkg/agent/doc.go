/*
Package agent is the HTTP client for the workspace runtime agent, the
external service that executes container, volume and storage-job actions for
one cluster.

The client enforces the engine's outbound call policy: a circuit breaker in
front of every call (open after consecutive transient failures, closed again
by successful probes), and within one logical call up to three attempts with
exponential backoff and full jitter for transient errors. Permanent errors
(4xx other than 429) surface immediately and never trip the breaker.

Action replies report in_progress, completed or already_exists, but the
engine never treats them as completion; the observer's next bulk pass is the
only completion witness.
*/
package agent
