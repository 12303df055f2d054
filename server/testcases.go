package server

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/algotest/algotest/ident"
	"github.com/algotest/algotest/store"
)

func caseView(c store.TestCase) map[string]any {
	return map[string]any{
		"case_id":         c.CaseID,
		"task_id":         c.TaskID,
		"document_id":     c.DocumentID,
		"name":            c.Input.Name,
		"purpose":         c.Input.Purpose,
		"steps":           c.Input.Steps,
		"expected":        c.Input.Expected,
		"verification":    c.Input.Verification,
		"test_data":       c.Input.TestData,
		"actual_output":   c.ActualOutput,
		"external_output": c.ExternalOutput,
		"result_analysis": c.ResultAnalysis,
		"is_passed":       c.IsPassed,
		"status":          c.Status,
		"created_at":      c.CreatedAt,
	}
}

func (s *Server) handleListCases(w http.ResponseWriter, r *http.Request) {
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter required")
		return
	}
	cases, err := s.db.ListCases(r.Context(), taskID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list cases: %v", err)
		return
	}
	out := make([]map[string]any, len(cases))
	for i, c := range cases {
		out[i] = caseView(c)
	}
	writeJSON(w, http.StatusOK, map[string]any{"test_cases": out})
}

func (s *Server) handleGetCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	c, err := s.db.GetCase(r.Context(), caseID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "test case not found: %s", caseID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load case: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, caseView(c))
}

type casePayload struct {
	TaskID       string  `json:"task_id"`
	DocumentID   string  `json:"document_id"`
	Name         *string `json:"name"`
	Purpose      *string `json:"purpose"`
	Steps        *string `json:"steps"`
	Expected     *string `json:"expected"`
	Verification *string `json:"verification"`
	TestData     *string `json:"test_data"`

	// ExternalOutput lets operators record device-side output the
	// sandbox could not capture.
	ExternalOutput *string `json:"external_output"`
}

// handleCreateCase adds a hand-written case. Without a task_id a fresh
// task is created to hold it.
func (s *Server) handleCreateCase(w http.ResponseWriter, r *http.Request) {
	var body casePayload
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}
	if body.Name == nil || *body.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	taskID := body.TaskID
	if taskID == "" {
		taskID = ident.New(ident.TaskPrefix)
		if err := s.db.CreateTask(r.Context(), &store.Task{
			TaskID:     taskID,
			DocumentID: body.DocumentID,
			Status:     store.StatusCreated,
		}); err != nil {
			writeError(w, http.StatusInternalServerError, "create task: %v", err)
			return
		}
	} else if _, err := s.db.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "task not found: %s", taskID)
			return
		}
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}

	c := store.TestCase{
		TaskID:     taskID,
		CaseID:     ident.New(ident.TestCasePrefix),
		DocumentID: body.DocumentID,
		Input: store.CaseInput{
			Name:         deref(body.Name),
			Purpose:      deref(body.Purpose),
			Steps:        deref(body.Steps),
			Expected:     deref(body.Expected),
			Verification: deref(body.Verification),
			TestData:     deref(body.TestData),
		},
		Status: store.StatusPending,
	}
	if err := s.db.InsertCase(r.Context(), &c); err != nil {
		writeError(w, http.StatusInternalServerError, "save case: %v", err)
		return
	}
	writeJSON(w, http.StatusCreated, caseView(c))
}

// handleUpdateCase updates a case's input fields; absent fields keep
// their stored value.
func (s *Server) handleUpdateCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	var body casePayload
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "%v", err)
		return
	}

	c, err := s.db.GetCase(r.Context(), caseID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "test case not found: %s", caseID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "load case: %v", err)
		return
	}

	input := c.Input
	apply(&input.Name, body.Name)
	apply(&input.Purpose, body.Purpose)
	apply(&input.Steps, body.Steps)
	apply(&input.Expected, body.Expected)
	apply(&input.Verification, body.Verification)
	apply(&input.TestData, body.TestData)
	if err := s.db.UpdateCaseInput(r.Context(), caseID, input); err != nil {
		writeError(w, http.StatusInternalServerError, "update case: %v", err)
		return
	}
	c.Input = input

	if body.ExternalOutput != nil {
		if err := s.db.UpdateCaseExternalOutput(r.Context(), caseID, *body.ExternalOutput); err != nil {
			writeError(w, http.StatusInternalServerError, "update case output: %v", err)
			return
		}
		c.ExternalOutput = *body.ExternalOutput
	}

	writeJSON(w, http.StatusOK, caseView(c))
}

func (s *Server) handleDeleteCase(w http.ResponseWriter, r *http.Request) {
	caseID := chi.URLParam(r, "caseID")
	err := s.db.DeleteCase(r.Context(), caseID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "test case not found: %s", caseID)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "delete case: %v", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "test case deleted"})
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func apply(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}
