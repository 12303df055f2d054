// Package emit provides pluggable observability for workflow execution.
package emit

// Event represents an observability event emitted during workflow execution.
//
// Events cover node completion, node failure, and run-level milestones.
// They are delivered to an Emitter, which may log them, convert them to
// spans, or discard them.
type Event struct {
	// RunID identifies the workflow execution that emitted this event.
	RunID string

	// Step is the sequential step number in the workflow (1-indexed).
	// Zero for run-level events (run started).
	Step int

	// NodeID identifies which node emitted this event.
	// Empty string for run-level events.
	NodeID string

	// Msg is a human-readable description of the event.
	Msg string

	// Meta contains additional structured data specific to this event.
	// Common keys:
	//   - "duration_ms": Node execution duration in milliseconds
	//   - "error": Error details
	//   - "workflow": Workflow name
	Meta map[string]interface{}
}
