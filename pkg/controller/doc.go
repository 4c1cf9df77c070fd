/*
Package controller is the workspace controller: the single writer for phase,
operation and failure bookkeeping on workspace rows.

Each tick runs three stages per workspace. Judge derives the phase as a pure
function of intent, invariants and observed conditions. Plan decides at most
one action from (phase, desired_state, operation): complete a witnessed
operation, redrive an in-flight one, start the next single step toward the
desired state, or enter ERROR. The controller then commits the decision in
one guarded UPDATE (compare-and-set on the operation column) and only after
the commit invokes the runtime agent.

Two ordering rules are load-bearing. An archive operation id is persisted
before the agent is told to run the job, so a crash between the two leaves a
redrivable row rather than an untracked upload. And during ARCHIVING the
committed archive_key reaches the database before the source volume deletion
is commanded.

Completion is only ever witnessed through observed conditions; agent replies
are ignored for that purpose.
*/
package controller
