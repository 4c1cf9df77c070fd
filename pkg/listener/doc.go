/*
Package listener is the change-data-capture bridge. Row triggers emit
NOTIFY payloads on three channels; a single elected listener relays them to
the broker, where SSE handlers and the controller wake logic consume them.

The relay is best-effort by design. A dropped notification costs one poll
interval of latency; correctness always comes from reading the table.
*/
package listener
