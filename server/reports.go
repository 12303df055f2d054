package server

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/algotest/algotest/store"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleListReports lists a task's generated report files, newest
// first, together with the stored report record if one exists.
func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if _, err := s.db.GetTask(r.Context(), taskID); errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found: %s", taskID)
		return
	} else if err != nil {
		writeError(w, http.StatusInternalServerError, "load task: %v", err)
		return
	}

	pattern := filepath.Join(s.cfg.Data.Dir, "report", fmt.Sprintf("test_report_%s_*.xlsx", taskID))
	matches, err := filepath.Glob(pattern)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list reports: %v", err)
		return
	}

	// The filename stamp sorts lexicographically, so reverse name order
	// is newest first.
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = filepath.Base(m)
	}

	out := map[string]any{"task_id": taskID, "reports": names}
	if rec, err := s.db.GetReport(r.Context(), taskID); err == nil {
		out["summary"] = rec.Summary
		out["total_cases"] = rec.TotalCases
		out["passed_cases"] = rec.PassedCases
		out["failed_cases"] = rec.FailedCases
		out["created_at"] = rec.CreatedAt
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDownloadReport serves one generated spreadsheet. The name must
// be a bare filename belonging to the task.
func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	name := chi.URLParam(r, "name")

	if name != filepath.Base(name) || !strings.HasPrefix(name, "test_report_"+taskID+"_") {
		writeError(w, http.StatusBadRequest, "invalid report name: %s", name)
		return
	}

	path := filepath.Join(s.cfg.Data.Dir, "report", name)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "report not found: %s", name)
		return
	}

	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	http.ServeFile(w, r, path)
}
