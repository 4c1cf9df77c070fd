/*
Package config loads the process-wide CodeHub configuration.

Configuration comes from environment variables with documented defaults,
loaded once at boot into a Config struct that is passed by reference to every
component. Loop cadences, TTL thresholds, per-operation timeout budgets,
garbage-collection policy and broker channel prefixes are all set here.

Per-operation timeouts are overridable individually, e.g.
OPERATION_TIMEOUT_ARCHIVING=45m.
*/
package config
