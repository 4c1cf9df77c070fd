/*
Package activity tracks workspace traffic for TTL demotion. The proxy layer
touches an in-memory map per request; a background flusher folds the map
into the broker's activity set, where the TTL loop later sinks it into
last_access_at.

Every stage keeps only the newest timestamp per workspace, so the pipeline
is monotone end to end no matter how many proxies report concurrently.
*/
package activity
