// Package graph provides the workflow execution engine: typed state,
// named nodes, unconditional and selector-keyed conditional edges, and
// sequential per-run execution with step persistence and observability.
package graph

// END is the reserved route target that terminates workflow execution.
// It may appear as a destination in conditional-edge route maps.
const END = "__end__"

// Edge is an unconditional transition between two nodes.
type Edge struct {
	// From is the source node ID.
	From string

	// To is the destination node ID.
	To string
}

// Selector inspects the post-node state and returns a route key.
//
// Selectors should be pure functions (deterministic, no side effects).
// The returned key is looked up in the CondEdge's Routes map.
//
// Type parameter S is the state type to evaluate.
type Selector[S any] func(state S) string

// CondEdge is a conditional transition: after From executes, Choose is
// applied to the resulting state and the returned key selects the
// destination from Routes. A destination of END terminates the run.
//
// Conditional edges may point back to already-executed nodes; loop
// termination is the graph author's obligation (bound the loop in the
// selector or in node state).
type CondEdge[S any] struct {
	From   string
	Choose Selector[S]
	Routes map[string]string
}
