/*
Package metrics defines the Prometheus metrics exposed by the coordinator.

Metrics cover the workspace fleet (phase gauge, in-flight operations,
operation outcomes), every background loop (tick duration, tick results,
wake hints), the agent client (request counts, latency, breaker state),
the TTL pipeline, the garbage collector, leader election and the SSE
fan-out. The coordinator serves them on the debug listener via Handler().
*/
package metrics
