package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/algotest/algotest/graph/emit"
	"github.com/algotest/algotest/graph/store"
)

type countState struct {
	Counter int
	Visited []string
	Status  string
}

func visitNode(name string) NodeFunc[countState] {
	return func(_ context.Context, s countState) NodeResult[countState] {
		s.Visited = append(s.Visited, name)
		return NodeResult[countState]{State: s}
	}
}

func newTestEngine(t *testing.T, opts Options) (*Engine[countState], *store.MemStore[countState]) {
	t.Helper()
	st := store.NewMemStore[countState]()
	return New[countState]("test", st, emit.NewNullEmitter(), opts), st
}

func TestEngineLinearFlow(t *testing.T) {
	eng, st := newTestEngine(t, Options{MaxSteps: 10})

	mustAdd(t, eng, "a", visitNode("a"))
	mustAdd(t, eng, "b", visitNode("b"))
	mustAdd(t, eng, "c", visitNode("c"))
	mustConnect(t, eng, "a", "b")
	mustConnect(t, eng, "b", "c")
	mustStartAt(t, eng, "a")

	final, err := eng.Run(context.Background(), "run-linear", countState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	want := []string{"a", "b", "c"}
	if len(final.Visited) != len(want) {
		t.Fatalf("visited %v, want %v", final.Visited, want)
	}
	for i, name := range want {
		if final.Visited[i] != name {
			t.Errorf("visited[%d] = %q, want %q", i, final.Visited[i], name)
		}
	}

	// Every step must have been persisted.
	state, step, err := st.LoadLatest(context.Background(), "run-linear")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 3 {
		t.Errorf("latest step = %d, want 3", step)
	}
	if len(state.Visited) != 3 {
		t.Errorf("persisted state has %d visits, want 3", len(state.Visited))
	}
}

func TestEngineConditionalLoop(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 50})

	increment := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
		s.Counter++
		return NodeResult[countState]{State: s}
	})

	mustAdd(t, eng, "increment", increment)
	mustAdd(t, eng, "finish", visitNode("finish"))
	mustStartAt(t, eng, "increment")

	err := eng.ConnectCond("increment", func(s countState) string {
		if s.Counter < 5 {
			return "again"
		}
		return "done"
	}, map[string]string{
		"again": "increment",
		"done":  "finish",
	})
	if err != nil {
		t.Fatalf("ConnectCond failed: %v", err)
	}

	final, err := eng.Run(context.Background(), "run-loop", countState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if final.Counter != 5 {
		t.Errorf("counter = %d, want 5", final.Counter)
	}
	if len(final.Visited) != 1 || final.Visited[0] != "finish" {
		t.Errorf("visited = %v, want [finish]", final.Visited)
	}
}

func TestEngineConditionalEnd(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 10})

	mustAdd(t, eng, "only", visitNode("only"))
	mustStartAt(t, eng, "only")

	err := eng.ConnectCond("only", func(countState) string {
		return "stop"
	}, map[string]string{"stop": END})
	if err != nil {
		t.Fatalf("ConnectCond failed: %v", err)
	}

	final, err := eng.Run(context.Background(), "run-end", countState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(final.Visited) != 1 {
		t.Errorf("visited = %v, want exactly one node", final.Visited)
	}
}

func TestEngineMissingRoute(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 10})

	mustAdd(t, eng, "a", visitNode("a"))
	mustAdd(t, eng, "b", visitNode("b"))
	mustStartAt(t, eng, "a")

	err := eng.ConnectCond("a", func(countState) string {
		return "unmapped"
	}, map[string]string{"known": "b"})
	if err != nil {
		t.Fatalf("ConnectCond failed: %v", err)
	}

	_, err = eng.Run(context.Background(), "run-noroute", countState{})
	if err == nil {
		t.Fatal("expected error for unmapped route key")
	}
	var engErr *EngineError
	if !errors.As(err, &engErr) || engErr.Code != "NO_ROUTE" {
		t.Errorf("error = %v, want EngineError with code NO_ROUTE", err)
	}
}

func TestEngineMaxSteps(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 3})

	spin := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
		s.Counter++
		return NodeResult[countState]{State: s, Route: Goto("spin")}
	})
	mustAdd(t, eng, "spin", spin)
	mustStartAt(t, eng, "spin")

	final, err := eng.Run(context.Background(), "run-maxsteps", countState{})
	if !errors.Is(err, ErrMaxStepsExceeded) {
		t.Fatalf("error = %v, want ErrMaxStepsExceeded", err)
	}
	// Last state before exhaustion comes back for inspection.
	if final.Counter != 3 {
		t.Errorf("counter = %d, want 3", final.Counter)
	}
}

func TestEngineCancellation(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 1000})

	ctx, cancel := context.WithCancel(context.Background())

	spin := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
		s.Counter++
		if s.Counter == 2 {
			cancel()
		}
		return NodeResult[countState]{State: s, Route: Goto("spin")}
	})
	mustAdd(t, eng, "spin", spin)
	mustStartAt(t, eng, "spin")

	final, err := eng.Run(ctx, "run-cancel", countState{})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
	if final.Counter != 2 {
		t.Errorf("counter = %d, want 2", final.Counter)
	}
}

func TestEngineExplicitRouting(t *testing.T) {
	t.Run("goto overrides edges", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{MaxSteps: 10})

		jump := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
			s.Visited = append(s.Visited, "jump")
			return NodeResult[countState]{State: s, Route: Goto("c")}
		})
		mustAdd(t, eng, "jump", jump)
		mustAdd(t, eng, "b", visitNode("b"))
		mustAdd(t, eng, "c", visitNode("c"))
		mustConnect(t, eng, "jump", "b")
		mustStartAt(t, eng, "jump")

		final, err := eng.Run(context.Background(), "run-goto", countState{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(final.Visited) != 2 || final.Visited[1] != "c" {
			t.Errorf("visited = %v, want [jump c]", final.Visited)
		}
	})

	t.Run("stop terminates before edges", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{MaxSteps: 10})

		halt := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
			s.Visited = append(s.Visited, "halt")
			return NodeResult[countState]{State: s, Route: Stop()}
		})
		mustAdd(t, eng, "halt", halt)
		mustAdd(t, eng, "never", visitNode("never"))
		mustConnect(t, eng, "halt", "never")
		mustStartAt(t, eng, "halt")

		final, err := eng.Run(context.Background(), "run-stop", countState{})
		if err != nil {
			t.Fatalf("Run failed: %v", err)
		}
		if len(final.Visited) != 1 || final.Visited[0] != "halt" {
			t.Errorf("visited = %v, want [halt]", final.Visited)
		}
	})
}

func TestEngineNodeError(t *testing.T) {
	eng, _ := newTestEngine(t, Options{MaxSteps: 10})

	boom := errors.New("boom")
	failing := NodeFunc[countState](func(_ context.Context, s countState) NodeResult[countState] {
		return NodeResult[countState]{State: s, Err: boom}
	})
	mustAdd(t, eng, "failing", failing)
	mustStartAt(t, eng, "failing")

	_, err := eng.Run(context.Background(), "run-err", countState{})
	if !errors.Is(err, boom) {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestEngineConfigErrors(t *testing.T) {
	t.Run("missing start node", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{})
		mustAdd(t, eng, "a", visitNode("a"))

		_, err := eng.Run(context.Background(), "run", countState{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "NO_START_NODE" {
			t.Errorf("error = %v, want NO_START_NODE", err)
		}
	})

	t.Run("missing store", func(t *testing.T) {
		eng := New[countState]("test", nil, nil, Options{})
		mustAdd(t, eng, "a", visitNode("a"))
		mustStartAt(t, eng, "a")

		_, err := eng.Run(context.Background(), "run", countState{})
		var engErr *EngineError
		if !errors.As(err, &engErr) || engErr.Code != "MISSING_STORE" {
			t.Errorf("error = %v, want MISSING_STORE", err)
		}
	})

	t.Run("duplicate node", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{})
		mustAdd(t, eng, "a", visitNode("a"))
		if err := eng.Add("a", visitNode("a")); err == nil {
			t.Error("expected error for duplicate node ID")
		}
	})

	t.Run("reserved node ID", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{})
		if err := eng.Add(END, visitNode("end")); err == nil {
			t.Error("expected error for reserved node ID")
		}
	})

	t.Run("start at unknown node", func(t *testing.T) {
		eng, _ := newTestEngine(t, Options{})
		if err := eng.StartAt("ghost"); err == nil {
			t.Error("expected error for unknown start node")
		}
	})
}

func TestEngineEmitsEvents(t *testing.T) {
	st := store.NewMemStore[countState]()
	rec := &recordingEmitter{}
	eng := New[countState]("test", st, rec, Options{MaxSteps: 10})

	mustAdd(t, eng, "a", visitNode("a"))
	mustStartAt(t, eng, "a")

	if _, err := eng.Run(context.Background(), "run-emit", countState{}); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2 (run started, node completed)", len(rec.events))
	}
	if rec.events[0].Msg != "run started" {
		t.Errorf("events[0].Msg = %q, want %q", rec.events[0].Msg, "run started")
	}
	if rec.events[1].Msg != "node completed" || rec.events[1].NodeID != "a" {
		t.Errorf("events[1] = %+v, want node completed for a", rec.events[1])
	}
	if _, ok := rec.events[1].Meta["duration_ms"]; !ok {
		t.Error("node completed event missing duration_ms")
	}
}

type recordingEmitter struct {
	events []emit.Event
}

func (r *recordingEmitter) Emit(event emit.Event) {
	r.events = append(r.events, event)
}

func mustAdd(t *testing.T, eng *Engine[countState], id string, n Node[countState]) {
	t.Helper()
	if err := eng.Add(id, n); err != nil {
		t.Fatalf("Add(%q) failed: %v", id, err)
	}
}

func mustConnect(t *testing.T, eng *Engine[countState], from, to string) {
	t.Helper()
	if err := eng.Connect(from, to); err != nil {
		t.Fatalf("Connect(%q, %q) failed: %v", from, to, err)
	}
}

func mustStartAt(t *testing.T, eng *Engine[countState], id string) {
	t.Helper()
	if err := eng.StartAt(id); err != nil {
		t.Fatalf("StartAt(%q) failed: %v", id, err)
	}
}

func TestEngineTerminalSinkTiming(t *testing.T) {
	// A node with no outgoing edges terminates the run without error and
	// without burning extra steps.
	eng, st := newTestEngine(t, Options{MaxSteps: 2})
	mustAdd(t, eng, "only", visitNode("only"))
	mustStartAt(t, eng, "only")

	start := time.Now()
	_, err := eng.Run(context.Background(), "run-sink", countState{})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("single-node run took unexpectedly long")
	}

	_, step, err := st.LoadLatest(context.Background(), "run-sink")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 1 {
		t.Errorf("latest step = %d, want 1", step)
	}
}
