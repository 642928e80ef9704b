// Package ledger implements the task ledger: persisted work items that move
// through a fixed lifecycle.
//
//	pending -> active -> completed
//	                  -> failed
//	pending | active  -> cancelled
//	any non-terminal  -> failed
//
// A task only changes state through Start, Complete, Fail and Cancel.
// Once a task is completed, failed or cancelled every further transition is
// rejected with ErrInvalidTransition, so a double completion surfaces as an
// error instead of being silently absorbed.
//
// Tasks may carry steps, which are append-only progress records with their
// own small lifecycle (pending, in_progress, completed, skipped).
package ledger
