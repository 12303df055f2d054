package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/algotest/algotest/config"
	"github.com/algotest/algotest/document"
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/sandbox"
	"github.com/algotest/algotest/store"
)

type stubGateway struct {
	llm.Gateway
}

func (s *stubGateway) GenerateCases(_ context.Context, requirement string) ([]llm.CaseDraft, error) {
	return []llm.CaseDraft{
		{Name: "开关验证", Purpose: "目的", Steps: "运行算法", Expected: "报警", Verification: "检查输出"},
	}, nil
}

func (s *stubGateway) PlanCaseCommand(_ context.Context, steps, sandboxName, testData string) (llm.CommandPlan, error) {
	return llm.CommandPlan{
		Tool:    llm.ToolExecuteScript,
		Command: fmt.Sprintf("docker exec %s ./run -i /%s", sandboxName, testData),
	}, nil
}

// failingPlanGateway breaks an execution run after provisioning.
type failingPlanGateway struct {
	llm.Gateway
}

func (failingPlanGateway) PlanCaseCommand(context.Context, string, string, string) (llm.CommandPlan, error) {
	return llm.CommandPlan{}, fmt.Errorf("model unavailable")
}

// recordingCaller keeps every script it is asked to run and answers as
// a sandbox that is both running and removable.
type recordingCaller struct {
	mu      sync.Mutex
	scripts []string
}

func (c *recordingCaller) CallTool(_ context.Context, _ string, params map[string]interface{}) (sandbox.ToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if script, ok := params["script"].(string); ok {
		c.scripts = append(c.scripts, script)
	}
	return sandbox.ToolResult{Stdout: "sandbox running: true\nsandbox removed: ok"}, nil
}

func (c *recordingCaller) Close() error { return nil }

func (c *recordingCaller) sawScript(substr string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range c.scripts {
		if strings.Contains(s, substr) {
			return true
		}
	}
	return false
}

// stubCaller answers every tool call with a ready sandbox.
type stubCaller struct{}

func (stubCaller) CallTool(_ context.Context, _ string, _ map[string]interface{}) (sandbox.ToolResult, error) {
	return sandbox.ToolResult{Stdout: `sandbox running: true
{"code": 0, "alert_flag": 1}`}, nil
}

func (stubCaller) Close() error { return nil }

type testEnv struct {
	srv     *Server
	http    *httptest.Server
	db      *store.DB
	dataDir string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open("file:" + filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Data.Dir = filepath.Join(dir, "data")
	cfg.Server.Workers = 2

	srv := New(cfg, db, &stubGateway{}, document.NewExtractor(nil), nil)
	srv.dial = func(context.Context) (sandbox.ToolCaller, error) {
		return stubCaller{}, nil
	}

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{srv: srv, http: ts, db: db, dataDir: cfg.Data.Dir}
}

func (e *testEnv) request(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.http.URL+path, reader)
	if err != nil {
		t.Fatal(err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp.StatusCode, decoded
}

func (e *testEnv) upload(t *testing.T, filename, content string) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte(content))
	mw.Close()

	resp, err := http.Post(e.http.URL+"/api/documents", mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	json.NewDecoder(resp.Body).Decode(&decoded)
	return resp.StatusCode, decoded
}

// waitTask polls until the task reaches one of the statuses.
func (e *testEnv) waitTask(t *testing.T, taskID string, statuses ...string) store.Task {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		task, err := e.db.GetTask(context.Background(), taskID)
		if err == nil {
			for _, want := range statuses {
				if task.Status == want {
					return task
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := e.db.GetTask(context.Background(), taskID)
	t.Fatalf("task %s never settled: %+v, err = %v", taskID, task, err)
	return store.Task{}
}

func TestUploadDeduplicates(t *testing.T) {
	env := newTestEnv(t)

	status, first := env.upload(t, "需求文档.txt", "行人检测需求：报警阈值 0.5")
	if status != http.StatusCreated {
		t.Fatalf("first upload status = %d: %v", status, first)
	}
	if first["duplicate"] != false {
		t.Errorf("first upload flagged duplicate: %v", first)
	}

	status, second := env.upload(t, "另一个名字.txt", "行人检测需求：报警阈值 0.5")
	if status != http.StatusOK {
		t.Fatalf("second upload status = %d: %v", status, second)
	}
	if second["duplicate"] != true || second["document_id"] != first["document_id"] {
		t.Errorf("dedup failed: first %v, second %v", first, second)
	}

	files, err := filepath.Glob(filepath.Join(env.dataDir, "pdfs", "*"))
	if err != nil || len(files) != 1 {
		t.Errorf("stored files = %v, err = %v", files, err)
	}
}

func TestAnalyzeDocument(t *testing.T) {
	env := newTestEnv(t)

	_, up := env.upload(t, "req.txt", "行人检测需求")
	docID := up["document_id"].(string)

	status, resp := env.request(t, http.MethodPost, "/api/documents/"+docID+"/analyze", nil)
	if status != http.StatusAccepted {
		t.Fatalf("analyze status = %d: %v", status, resp)
	}
	taskID := resp["task_id"].(string)

	task := env.waitTask(t, taskID, store.StatusCreated)
	if !strings.Contains(task.RequirementDoc, "行人检测需求") {
		t.Errorf("requirement = %q", task.RequirementDoc)
	}
	cases, err := env.db.ListCases(context.Background(), taskID)
	if err != nil || len(cases) != 1 {
		t.Fatalf("cases = %d, err = %v", len(cases), err)
	}

	// Re-analysis reuses the task instead of minting a new one.
	status, resp = env.request(t, http.MethodPost, "/api/documents/"+docID+"/analyze", nil)
	if status != http.StatusAccepted || resp["task_id"] != taskID {
		t.Errorf("re-analyze = %d %v", status, resp)
	}
	env.waitTask(t, taskID, store.StatusCreated)
}

func TestAnalyzeUnknownDocument(t *testing.T) {
	env := newTestEnv(t)
	status, _ := env.request(t, http.MethodPost, "/api/documents/DOC_nope/analyze", nil)
	if status != http.StatusNotFound {
		t.Errorf("status = %d", status)
	}
}

func TestUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	seed := &store.Task{TaskID: "TASK_u1", Status: store.StatusCreated}
	if err := env.db.CreateTask(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	status, resp := env.request(t, http.MethodPut, "/api/tasks/TASK_u1", map[string]string{
		"algorithm_image": "ev_sdk:3.0.1",
		"dataset_url":     "/datasets/voc",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d: %v", status, resp)
	}

	task, err := env.db.GetTask(context.Background(), "TASK_u1")
	if err != nil || task.AlgorithmImage != "ev_sdk:3.0.1" || task.DatasetURL != "/datasets/voc" {
		t.Errorf("task = %+v, err = %v", task, err)
	}
}

func TestTriggerConflictsWhileRunning(t *testing.T) {
	env := newTestEnv(t)
	seed := &store.Task{TaskID: "TASK_c1", AlgorithmImage: "img", Status: store.StatusRunning}
	if err := env.db.CreateTask(context.Background(), seed); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{"/prepare", "/execute", "/report"} {
		status, _ := env.request(t, http.MethodPost, "/api/tasks/TASK_c1"+path, nil)
		if status != http.StatusConflict {
			t.Errorf("%s status = %d, want 409", path, status)
		}
	}
}

func TestExecuteTask(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	seed := &store.Task{TaskID: "TASK_x1", AlgorithmImage: "ev_sdk:latest", Status: store.StatusCreated}
	if err := env.db.CreateTask(ctx, seed); err != nil {
		t.Fatal(err)
	}
	err := env.db.InsertCase(ctx, &store.TestCase{
		TaskID: "TASK_x1",
		CaseID: "TC_x1",
		Input:  store.CaseInput{Name: "用例", Steps: "运行", TestData: "data/Images/000001.jpg"},
	})
	if err != nil {
		t.Fatal(err)
	}

	status, resp := env.request(t, http.MethodPost, "/api/tasks/TASK_x1/execute", nil)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d: %v", status, resp)
	}

	task := env.waitTask(t, "TASK_x1", store.StatusCompleted)
	if task.ContainerName != "algotest_TASK_x1" {
		t.Errorf("container = %q", task.ContainerName)
	}
	tc, err := env.db.GetCase(ctx, "TC_x1")
	if err != nil || !strings.Contains(tc.ActualOutput, "alert_flag") {
		t.Errorf("case = %+v, err = %v", tc, err)
	}
}

func TestExecuteFailureReleasesSandbox(t *testing.T) {
	// A run that dies after provisioning must not leave its container
	// behind.
	env := newTestEnv(t)
	ctx := context.Background()
	seed := &store.Task{TaskID: "TASK_x3", AlgorithmImage: "ev_sdk:latest", Status: store.StatusCreated}
	if err := env.db.CreateTask(ctx, seed); err != nil {
		t.Fatal(err)
	}
	err := env.db.InsertCase(ctx, &store.TestCase{
		TaskID: "TASK_x3",
		CaseID: "TC_x3",
		Input:  store.CaseInput{Name: "用例", Steps: "运行"},
	})
	if err != nil {
		t.Fatal(err)
	}

	caller := &recordingCaller{}
	env.srv.dial = func(context.Context) (sandbox.ToolCaller, error) { return caller, nil }
	env.srv.gateway = &failingPlanGateway{}

	status, resp := env.request(t, http.MethodPost, "/api/tasks/TASK_x3/execute", nil)
	if status != http.StatusAccepted {
		t.Fatalf("status = %d: %v", status, resp)
	}

	task := env.waitTask(t, "TASK_x3", store.StatusFailed)
	if !caller.sawScript("docker rm -f algotest_TASK_x3") {
		t.Error("no release was attempted for the failed run")
	}
	if task.ContainerName != "" {
		t.Errorf("container name not cleared: %q", task.ContainerName)
	}
}

func TestExecuteWithoutImage(t *testing.T) {
	env := newTestEnv(t)
	seed := &store.Task{TaskID: "TASK_x2", Status: store.StatusCreated}
	if err := env.db.CreateTask(context.Background(), seed); err != nil {
		t.Fatal(err)
	}
	status, _ := env.request(t, http.MethodPost, "/api/tasks/TASK_x2/execute", nil)
	if status != http.StatusBadRequest {
		t.Errorf("status = %d", status)
	}
}

func TestCaseCRUD(t *testing.T) {
	env := newTestEnv(t)

	status, created := env.request(t, http.MethodPost, "/api/testcases", map[string]string{
		"name":    "手工用例",
		"purpose": "验证边界",
	})
	if status != http.StatusCreated {
		t.Fatalf("create status = %d: %v", status, created)
	}
	caseID := created["case_id"].(string)
	taskID := created["task_id"].(string)
	if !strings.HasPrefix(caseID, "TC") || !strings.HasPrefix(taskID, "TASK") {
		t.Errorf("ids = %q / %q", caseID, taskID)
	}

	status, updated := env.request(t, http.MethodPut, "/api/testcases/"+caseID, map[string]string{
		"test_data":       "data/Images/000009.jpg",
		"external_output": "设备输出",
	})
	if status != http.StatusOK {
		t.Fatalf("update status = %d: %v", status, updated)
	}
	tc, err := env.db.GetCase(context.Background(), caseID)
	if err != nil || tc.Input.TestData != "data/Images/000009.jpg" || tc.ExternalOutput != "设备输出" {
		t.Errorf("case = %+v, err = %v", tc, err)
	}
	if tc.Input.Purpose != "验证边界" {
		t.Errorf("untouched field lost: %+v", tc.Input)
	}

	status, _ = env.request(t, http.MethodDelete, "/api/testcases/"+caseID, nil)
	if status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	status, _ = env.request(t, http.MethodDelete, "/api/testcases/"+caseID, nil)
	if status != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", status)
	}
}

func TestReportsListAndDownload(t *testing.T) {
	env := newTestEnv(t)
	if err := env.db.CreateTask(context.Background(), &store.Task{TaskID: "TASK_r1"}); err != nil {
		t.Fatal(err)
	}

	dir := filepath.Join(env.dataDir, "report")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	older := "test_report_TASK_r1_20260101120000.xlsx"
	newer := "test_report_TASK_r1_20260301120000.xlsx"
	for _, name := range []string{older, newer, "test_report_TASK_other_20260401120000.xlsx"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("xlsx"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	status, resp := env.request(t, http.MethodGet, "/api/reports/TASK_r1/list", nil)
	if status != http.StatusOK {
		t.Fatalf("list status = %d: %v", status, resp)
	}
	reports := resp["reports"].([]any)
	if len(reports) != 2 || reports[0] != newer || reports[1] != older {
		t.Errorf("reports = %v", reports)
	}

	dl, err := http.Get(env.http.URL + "/api/reports/download/TASK_r1/" + newer)
	if err != nil {
		t.Fatal(err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK || dl.Header.Get("Content-Type") != xlsxContentType {
		t.Errorf("download = %d %q", dl.StatusCode, dl.Header.Get("Content-Type"))
	}

	status, _ = env.request(t, http.MethodGet, "/api/reports/download/TASK_r1/test_report_TASK_other_20260401120000.xlsx", nil)
	if status != http.StatusBadRequest {
		t.Errorf("cross-task download status = %d, want 400", status)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	status, resp := env.request(t, http.MethodGet, "/healthz", nil)
	if status != http.StatusOK || resp["status"] != "ok" {
		t.Errorf("healthz = %d %v", status, resp)
	}
}
