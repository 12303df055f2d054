package graph

import "context"

// Node represents a processing unit in the workflow graph.
// It receives state of type S, performs its work, and returns a NodeResult
// carrying the next state and an optional routing decision.
//
// Nodes are expected to catch their own failures and fold them into the
// state (status field, error list) rather than returning Err; Err is
// reserved for programming errors that should abort the run.
//
// Type parameter S is the state type shared across the workflow.
type Node[S any] interface {
	// Run executes the node's logic with the given context and state.
	Run(ctx context.Context, state S) NodeResult[S]
}

// NodeResult is the output of a node execution.
//
// State is the full next state; states are logically immutable per
// transition, so a node derives a new value from its input rather than
// holding references the previous step still reads.
type NodeResult[S any] struct {
	// State is the state produced by this node. It becomes the input of
	// the next node and the value persisted for this step.
	State S

	// Route optionally overrides edge-based routing.
	// Use Stop() for early termination, Goto(id) for explicit routing,
	// or leave zero to let the graph's edges decide.
	Route Next

	// Err aborts the workflow. The engine returns the last state
	// together with this error.
	Err error
}

// Next specifies an explicit routing decision made by a node.
type Next struct {
	// To is the next node to execute. Mutually exclusive with Terminal.
	To string

	// Terminal stops workflow execution after this node.
	Terminal bool
}

// Stop returns a Next that terminates workflow execution.
func Stop() Next {
	return Next{Terminal: true}
}

// Goto returns a Next that routes to the specified node.
func Goto(nodeID string) Next {
	return Next{To: nodeID}
}

// NodeFunc adapts a plain function to the Node interface.
//
// Example:
//
//	extract := NodeFunc[MyState](func(ctx context.Context, s MyState) NodeResult[MyState] {
//	    s.Content = "..."
//	    return NodeResult[MyState]{State: s}
//	})
type NodeFunc[S any] func(ctx context.Context, state S) NodeResult[S]

// Run implements the Node interface for NodeFunc.
func (f NodeFunc[S]) Run(ctx context.Context, state S) NodeResult[S] {
	return f(ctx, state)
}
