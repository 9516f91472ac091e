// Package store is the authoritative state store for jobs, subtasks and
// agents. It exposes named state transitions instead of raw CRUD so the
// lifecycle invariants cannot be bypassed by partial field writes.
//
// The claim of a pending subtask and the completion-plus-remaining-count
// check each run inside a single database transaction; concurrent agents
// polling for the same subtask resolve through a compare-and-swap on the
// claim version column, never through an error surfaced to the caller.
package store
