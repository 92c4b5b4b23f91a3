// Package collector is the scheduling facade: it owns the schedule registry,
// each schedule's template catalog and the history store, and turns trigger
// firings into acquisition runs on the task engine.
//
// A run opens a device session, executes the template's procedure, decodes
// the payload with the template's fields and appends the record to history.
// RunOnDemand executes a template outside the trigger, after pausing the
// schedule and waiting for any in-flight run to finish. Its result is handed
// back to the caller and never stored.
package collector
