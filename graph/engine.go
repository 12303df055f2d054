package graph

import (
	"context"
	"sync"
	"time"

	"github.com/algotest/algotest/graph/emit"
	"github.com/algotest/algotest/graph/store"
)

// Engine executes a workflow graph over a shared state type.
//
// The Engine:
//   - Manages graph topology (nodes, edges, conditional edges)
//   - Executes nodes strictly sequentially within a run
//   - Persists state after every step via the store
//   - Emits observability events via the emitter
//   - Enforces MaxSteps and honors context cancellation
//
// Multiple runs may execute concurrently; the Engine itself holds no
// per-run mutable state.
//
// Type parameter S is the state type shared across the workflow.
//
// Example:
//
//	eng := graph.New[MyState]("analysis", store.NewMemStore[MyState](), emitter, graph.Options{MaxSteps: 100})
//	eng.Add("extract", extractNode)
//	eng.Add("persist", persistNode)
//	eng.Connect("extract", "persist")
//	eng.StartAt("extract")
//
//	final, err := eng.Run(ctx, "run-001", MyState{TaskID: "TASK1"})
type Engine[S any] struct {
	mu sync.RWMutex

	// name identifies the workflow in events and metric labels.
	name string

	// nodes maps node IDs to Node implementations
	nodes map[string]Node[S]

	// edges defines unconditional transitions between nodes
	edges []Edge

	// condEdges defines selector-keyed transitions
	condEdges []CondEdge[S]

	// startNode is the entry point for workflow execution
	startNode string

	// store persists per-step workflow state
	store store.Store[S]

	// emitter receives observability events
	emitter emit.Emitter

	// opts contains execution configuration
	opts Options
}

// Options configures Engine execution behavior.
//
// Zero values are valid; the Engine will use sensible defaults.
type Options struct {
	// MaxSteps limits workflow execution to prevent infinite loops.
	// If 0, no limit is enforced (use with caution on graphs with
	// loop edges).
	MaxSteps int

	// Metrics, if non-nil, receives node and run observations.
	Metrics *Metrics
}

// New creates an Engine for the named workflow.
//
// Parameters:
//   - name: workflow name used in events and metric labels
//   - st: persistence backend for per-step state (required for Run)
//   - emitter: observability event receiver (optional, can be nil)
//   - opts: execution configuration
func New[S any](name string, st store.Store[S], emitter emit.Emitter, opts Options) *Engine[S] {
	return &Engine[S]{
		name:    name,
		nodes:   make(map[string]Node[S]),
		store:   st,
		emitter: emitter,
		opts:    opts,
	}
}

// Add registers a node in the workflow graph.
//
// Node IDs must be unique within the workflow and cannot be empty or
// the reserved END marker.
func (e *Engine[S]) Add(nodeID string, node Node[S]) error {
	if nodeID == "" {
		return &EngineError{Message: "node ID cannot be empty"}
	}
	if nodeID == END {
		return &EngineError{Message: "node ID is reserved: " + nodeID, Code: "RESERVED_NODE"}
	}
	if node == nil {
		return &EngineError{Message: "node cannot be nil"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; exists {
		return &EngineError{
			Message: "duplicate node ID: " + nodeID,
			Code:    "DUPLICATE_NODE",
		}
	}

	e.nodes[nodeID] = node
	return nil
}

// StartAt sets the entry point for workflow execution.
// The node must have been registered via Add.
func (e *Engine[S]) StartAt(nodeID string) error {
	if nodeID == "" {
		return &EngineError{Message: "start node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[nodeID]; !exists {
		return &EngineError{
			Message: "start node does not exist: " + nodeID,
			Code:    "NODE_NOT_FOUND",
		}
	}

	e.startNode = nodeID
	return nil
}

// Connect creates an unconditional edge between two nodes.
//
// A node's explicit routing via NodeResult.Route takes precedence over
// edges. Node existence is not validated (lazy validation) to allow
// flexible graph construction order.
func (e *Engine[S]) Connect(from, to string) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if to == "" {
		return &EngineError{Message: "to node ID cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.edges = append(e.edges, Edge{From: from, To: to})
	return nil
}

// ConnectCond creates a conditional edge.
//
// After from executes, choose is applied to the resulting state and the
// returned key selects the destination from routes. END is a valid
// destination and terminates the run.
//
// Example:
//
//	eng.ConnectCond("save_result", func(s ExecState) string {
//	    if s.Status == "next_case" {
//	        return "next_case"
//	    }
//	    return "done"
//	}, map[string]string{
//	    "next_case": "parse_command",
//	    "done":      graph.END,
//	})
func (e *Engine[S]) ConnectCond(from string, choose Selector[S], routes map[string]string) error {
	if from == "" {
		return &EngineError{Message: "from node ID cannot be empty"}
	}
	if choose == nil {
		return &EngineError{Message: "selector cannot be nil"}
	}
	if len(routes) == 0 {
		return &EngineError{Message: "routes cannot be empty"}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.condEdges = append(e.condEdges, CondEdge[S]{From: from, Choose: choose, Routes: routes})
	return nil
}

// Run executes the workflow from the start node to termination.
//
// Execution:
//  1. Validates configuration (store, start node)
//  2. Invokes nodes sequentially, threading the returned state
//  3. Resolves routing: explicit NodeResult.Route first, then
//     conditional edges, then unconditional edges
//  4. Persists state after every node and emits events
//  5. Terminates on END, Stop(), or a node with no outgoing edges
//
// On context cancellation or MaxSteps exhaustion, the last state is
// returned alongside the error so callers can inspect partial progress.
func (e *Engine[S]) Run(ctx context.Context, runID string, initial S) (S, error) {
	if e.store == nil {
		return initial, &EngineError{
			Message: "store is required",
			Code:    "MISSING_STORE",
		}
	}
	if e.startNode == "" {
		return initial, &EngineError{
			Message: "start node not set (call StartAt before Run)",
			Code:    "NO_START_NODE",
		}
	}

	currentState := initial
	currentNode := e.startNode
	step := 0

	e.emit(emit.Event{RunID: runID, Msg: "run started", Meta: map[string]interface{}{"workflow": e.name}})

	for {
		step++

		if e.opts.MaxSteps > 0 && step > e.opts.MaxSteps {
			e.observeRun("max_steps")
			return currentState, &EngineError{
				Message: "workflow exceeded MaxSteps limit",
				Code:    "MAX_STEPS_EXCEEDED",
				Cause:   ErrMaxStepsExceeded,
			}
		}

		select {
		case <-ctx.Done():
			e.observeRun("cancelled")
			return currentState, ctx.Err()
		default:
		}

		e.mu.RLock()
		nodeImpl, exists := e.nodes[currentNode]
		e.mu.RUnlock()

		if !exists {
			e.observeRun("error")
			return currentState, &EngineError{
				Message: "node not found during execution: " + currentNode,
				Code:    "NODE_NOT_FOUND",
			}
		}

		started := time.Now()
		result := nodeImpl.Run(ctx, currentState)
		elapsed := time.Since(started)

		if result.Err != nil {
			e.observeNode(currentNode, elapsed, "error")
			e.observeRun("error")
			e.emit(emit.Event{
				RunID: runID, Step: step, NodeID: currentNode,
				Msg:  "node failed",
				Meta: map[string]interface{}{"error": result.Err.Error()},
			})
			return currentState, result.Err
		}

		currentState = result.State
		e.observeNode(currentNode, elapsed, "success")

		if err := e.store.SaveStep(ctx, runID, step, currentNode, currentState); err != nil {
			e.observeRun("error")
			return currentState, &EngineError{
				Message: "failed to save step: " + err.Error(),
				Code:    "STORE_ERROR",
				Cause:   err,
			}
		}

		e.emit(emit.Event{
			RunID: runID, Step: step, NodeID: currentNode,
			Msg:  "node completed",
			Meta: map[string]interface{}{"duration_ms": elapsed.Milliseconds()},
		})

		// Explicit routing decisions win over edges.
		if result.Route.Terminal {
			e.observeRun("completed")
			return currentState, nil
		}
		if result.Route.To != "" {
			currentNode = result.Route.To
			continue
		}

		next, ok, err := e.nextNode(currentNode, currentState)
		if err != nil {
			e.observeRun("error")
			return currentState, err
		}
		if !ok || next == END {
			// Terminal sink: no outgoing edges, or an edge routed to END.
			e.observeRun("completed")
			return currentState, nil
		}

		currentNode = next
	}
}

// nextNode resolves edge-based routing from a node.
//
// Conditional edges are evaluated first, in registration order; a
// selector key missing from the route map is a graph authoring error.
// Unconditional edges follow, first match wins. ok=false means the node
// is a terminal sink.
func (e *Engine[S]) nextNode(fromNode string, state S) (next string, ok bool, err error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, ce := range e.condEdges {
		if ce.From != fromNode {
			continue
		}
		key := ce.Choose(state)
		to, found := ce.Routes[key]
		if !found {
			return "", false, &EngineError{
				Message: "no route for key " + key + " from node: " + fromNode,
				Code:    "NO_ROUTE",
			}
		}
		return to, true, nil
	}

	for _, edge := range e.edges {
		if edge.From == fromNode {
			return edge.To, true, nil
		}
	}

	return "", false, nil
}

func (e *Engine[S]) emit(ev emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine[S]) observeNode(nodeID string, d time.Duration, status string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveNode(e.name, nodeID, d, status)
	}
}

func (e *Engine[S]) observeRun(status string) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.ObserveRun(e.name, status)
	}
}
