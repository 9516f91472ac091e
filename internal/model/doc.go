// Package model defines the persistent entities of the Gridx coordinator:
// jobs, their subtasks, and the worker agents that execute them.
//
// Fields are mutated only through the named state transitions in
// internal/store; handlers never write columns directly.
package model
