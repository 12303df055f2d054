// Package store provides persistence for per-step workflow state.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested run ID does not exist.
var ErrNotFound = errors.New("not found")

// Store persists workflow state after every executed node.
//
// Implementations can use in-memory storage (for testing, see memory.go)
// or a database. The execution engine writes through Store on every step;
// LoadLatest serves post-mortem inspection of a run.
//
// Type parameter S is the state type to persist.
type Store[S any] interface {
	// SaveStep persists the state after a node execution step.
	// Each step is identified by runID + step number.
	SaveStep(ctx context.Context, runID string, step int, nodeID string, state S) error

	// LoadLatest retrieves the most recent state for a given run.
	//
	// Returns ErrNotFound if runID doesn't exist.
	LoadLatest(ctx context.Context, runID string) (state S, step int, err error)
}

// StepRecord represents a single execution step in the workflow history.
type StepRecord[S any] struct {
	// Step is the sequential step number (1-indexed).
	Step int

	// NodeID identifies which node produced this state.
	NodeID string

	// State is the workflow state after this step completed.
	State S
}
