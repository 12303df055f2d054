package store

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type testState struct {
	Value string
	Count int
}

func TestMemStoreSaveAndLoadLatest(t *testing.T) {
	st := NewMemStore[testState]()
	ctx := context.Background()

	if err := st.SaveStep(ctx, "run-1", 1, "a", testState{Value: "first", Count: 1}); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}
	if err := st.SaveStep(ctx, "run-1", 2, "b", testState{Value: "second", Count: 2}); err != nil {
		t.Fatalf("SaveStep failed: %v", err)
	}

	state, step, err := st.LoadLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 2 || state.Value != "second" {
		t.Errorf("got step=%d value=%q, want step=2 value=second", step, state.Value)
	}
}

func TestMemStoreLoadLatestOutOfOrder(t *testing.T) {
	st := NewMemStore[testState]()
	ctx := context.Background()

	// Saves arriving out of order must not confuse latest resolution.
	st.SaveStep(ctx, "run-1", 3, "c", testState{Count: 3})
	st.SaveStep(ctx, "run-1", 1, "a", testState{Count: 1})

	state, step, err := st.LoadLatest(ctx, "run-1")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 3 || state.Count != 3 {
		t.Errorf("got step=%d count=%d, want step=3 count=3", step, state.Count)
	}
}

func TestMemStoreNotFound(t *testing.T) {
	st := NewMemStore[testState]()

	_, _, err := st.LoadLatest(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
	_, err = st.History(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("History error = %v, want ErrNotFound", err)
	}
}

func TestMemStoreHistory(t *testing.T) {
	st := NewMemStore[testState]()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		st.SaveStep(ctx, "run-1", i, "n", testState{Count: i})
	}

	history, err := st.History(ctx, "run-1")
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("got %d records, want 3", len(history))
	}
	for i, rec := range history {
		if rec.Step != i+1 {
			t.Errorf("history[%d].Step = %d, want %d", i, rec.Step, i+1)
		}
	}

	// History returns a copy; mutations must not leak back.
	history[0].State.Count = 999
	again, _ := st.History(ctx, "run-1")
	if again[0].State.Count == 999 {
		t.Error("History returned a shared slice")
	}
}

func TestMemStoreConcurrentAccess(t *testing.T) {
	st := NewMemStore[testState]()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for s := 1; s <= 20; s++ {
				st.SaveStep(ctx, "shared", s, "n", testState{Count: s})
				st.LoadLatest(ctx, "shared")
			}
		}(i)
	}
	wg.Wait()

	_, step, err := st.LoadLatest(ctx, "shared")
	if err != nil {
		t.Fatalf("LoadLatest failed: %v", err)
	}
	if step != 20 {
		t.Errorf("latest step = %d, want 20", step)
	}
}
