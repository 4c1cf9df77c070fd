/*
Package proxy forwards browser traffic to running workspace containers.

The forwarder resolves a workspace's upstream address through the runtime
agent and caches it briefly. Requests are reverse-proxied with the original
host and X-Forwarded headers preserved. Every forwarded request touches the
activity recorder, which is what keeps an in-use workspace from being demoted
by the TTL loop; upgraded connections keep touching on an interval for as
long as they stay open.

Forwarders are stateless and run on every gateway replica. A stale cached
upstream costs one failed request: the proxy error handler evicts the entry
and the retry re-resolves.
*/
package proxy
