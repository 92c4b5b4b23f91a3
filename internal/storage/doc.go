// Package storage persists the operator audit trail: schedule changes,
// on-demand calls and acquisition failures.
//
// Collected data is never stored here; history stays in memory.
package storage
