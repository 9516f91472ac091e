// Package types provides the shared type definitions for the Gridx
// coordinator and agent: structured errors and the closed status
// enumerations for jobs, subtasks and agents.
//
// The types package is the lowest-level package with no internal
// dependencies, so every other package can import it without cycles.
package types
