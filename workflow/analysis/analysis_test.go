package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/algotest/algotest/document"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

type stubGateway struct {
	llm.Gateway
	generate func(ctx context.Context, requirement string) ([]llm.CaseDraft, error)
}

func (s *stubGateway) GenerateCases(ctx context.Context, requirement string) ([]llm.CaseDraft, error) {
	return s.generate(ctx, requirement)
}

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open("file:" + filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func writeDoc(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "requirements.txt")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func run(t *testing.T, deps Deps, initial State) State {
	t.Helper()
	eng, err := New(deps)
	if err != nil {
		t.Fatalf("build graph: %v", err)
	}
	final, err := eng.Run(context.Background(), "run_"+initial.TaskID, initial)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return final
}

func TestAnalysisHappyPath(t *testing.T) {
	db := openTestDB(t)
	gw := &stubGateway{generate: func(_ context.Context, requirement string) ([]llm.CaseDraft, error) {
		if !strings.Contains(requirement, "报警阈值") {
			t.Errorf("requirement text not forwarded: %q", requirement)
		}
		return []llm.CaseDraft{
			{Name: "开关验证", Purpose: "目的1", Steps: "步骤1", Expected: "结果1", Verification: "方法1"},
			{Name: "阈值边界", Purpose: "目的2", Steps: "步骤2", Expected: "结果2", Verification: "方法2"},
		}, nil
	}}

	final := run(t, Deps{Extractor: document.NewExtractor(nil), Gateway: gw, DB: db}, State{
		TaskID:       "TASK_a1",
		DocumentID:   "DOC_a1",
		DocumentPath: writeDoc(t, "行人检测需求：报警阈值 0.5"),
	})

	if final.Status != StatusSaved {
		t.Fatalf("status = %q, errors = %v", final.Status, final.Errors)
	}
	if len(final.Cases) != 2 {
		t.Fatalf("got %d cases", len(final.Cases))
	}
	for _, c := range final.Cases {
		if !strings.HasPrefix(c.CaseID, "TC") {
			t.Errorf("case id = %q", c.CaseID)
		}
	}

	task, err := db.GetTask(context.Background(), "TASK_a1")
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if task.Status != store.StatusCreated || !strings.Contains(task.RequirementDoc, "报警阈值") {
		t.Errorf("task = %+v", task)
	}

	cases, err := db.ListCases(context.Background(), "TASK_a1")
	if err != nil || len(cases) != 2 {
		t.Fatalf("cases = %d, err = %v", len(cases), err)
	}
	if cases[0].Input.Name != "开关验证" || cases[0].Status != store.StatusPending {
		t.Errorf("case[0] = %+v", cases[0])
	}
}

func TestAnalysisExtractFailure(t *testing.T) {
	db := openTestDB(t)
	gw := &stubGateway{generate: func(context.Context, string) ([]llm.CaseDraft, error) {
		t.Error("generation must not run after extraction fails")
		return nil, nil
	}}

	final := run(t, Deps{Extractor: document.NewExtractor(nil), Gateway: gw, DB: db}, State{
		TaskID:       "TASK_a2",
		DocumentPath: filepath.Join(t.TempDir(), "missing.pdf"),
	})

	if final.Status != StatusError {
		t.Fatalf("status = %q", final.Status)
	}
	if len(final.Errors) == 0 || !strings.Contains(final.Errors[0], "unable to extract content") {
		t.Errorf("errors = %v", final.Errors)
	}
	if _, err := db.GetTask(context.Background(), "TASK_a2"); err == nil {
		t.Error("task must not be persisted on extraction failure")
	}
}

func TestAnalysisGenerationFailure(t *testing.T) {
	// A dead model degrades to an empty catalog; the task is still saved
	// and the failure is surfaced on the state.
	db := openTestDB(t)
	gw := &stubGateway{generate: func(context.Context, string) ([]llm.CaseDraft, error) {
		return nil, fmt.Errorf("%w: exhausted 3 attempts", llm.ErrCallFailed)
	}}

	final := run(t, Deps{Extractor: document.NewExtractor(nil), Gateway: gw, DB: db}, State{
		TaskID:       "TASK_a3",
		DocumentID:   "DOC_a3",
		DocumentPath: writeDoc(t, "需求"),
	})

	if final.Status != StatusSaved {
		t.Fatalf("status = %q, errors = %v", final.Status, final.Errors)
	}
	if len(final.Errors) == 0 || !strings.Contains(final.Errors[0], "case generation failed") {
		t.Errorf("errors = %v", final.Errors)
	}

	task, err := db.GetTask(context.Background(), "TASK_a3")
	if err != nil {
		t.Fatalf("task not persisted: %v", err)
	}
	if task.Status != store.StatusCreated {
		t.Errorf("task status = %q", task.Status)
	}
	cases, err := db.ListCases(context.Background(), "TASK_a3")
	if err != nil || len(cases) != 0 {
		t.Errorf("cases = %d, err = %v", len(cases), err)
	}
}

func TestAnalysisEmptyCatalog(t *testing.T) {
	// An unparseable model answer yields zero drafts without error; the
	// task is still saved so the operator can retry generation.
	db := openTestDB(t)
	gw := &stubGateway{generate: func(context.Context, string) ([]llm.CaseDraft, error) {
		return nil, nil
	}}

	final := run(t, Deps{Extractor: document.NewExtractor(nil), Gateway: gw, DB: db}, State{
		TaskID:       "TASK_a4",
		DocumentPath: writeDoc(t, "需求"),
	})

	if final.Status != StatusSaved {
		t.Fatalf("status = %q, errors = %v", final.Status, final.Errors)
	}
	cases, err := db.ListCases(context.Background(), "TASK_a4")
	if err != nil || len(cases) != 0 {
		t.Errorf("cases = %d, err = %v", len(cases), err)
	}
}
