/*
Package observer projects the runtime agent's bulk snapshot onto workspace
condition keys. It is the only writer of conditions and observed_at, and the
only completion witness in the system: lifecycle operations finish when the
observer records the state they were waiting for, never when an agent call
returns.

Observation commits merge at the JSONB key level, leaving the
controller-owned policy.healthy key untouched.
*/
package observer
