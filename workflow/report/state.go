// Package report turns a task's executed cases into verdicts and a
// spreadsheet: one batched model pass judges every case, a second pass
// synthesizes the report rows written under data/report/.
package report

import (
	"github.com/algotest/algotest/llm"
	"github.com/algotest/algotest/store"
)

// Workflow statuses.
const (
	StatusAnalyzed  = "analyzed"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// BasicInfo fills the report's header block. Empty fields render as
// blank placeholder cells.
type BasicInfo struct {
	SDKVersion string
	Operator   string
}

// State is the record threaded through the report nodes.
type State struct {
	TaskID string `json:"task_id"`

	Cases    []store.TestCase       `json:"test_cases,omitempty"`
	Verdicts map[string]llm.Verdict `json:"analysis_results,omitempty"`

	ReportPath string `json:"report_path,omitempty"`

	TotalCases  int `json:"total_cases"`
	PassedCases int `json:"passed_cases"`
	FailedCases int `json:"failed_cases"`

	Errors []string `json:"errors,omitempty"`
	Status string   `json:"status"`
}

func fail(s State, msg string) State {
	s.Errors = append(s.Errors, msg)
	s.Status = StatusError
	return s
}

func cancelled(s State) State {
	s.Status = StatusCancelled
	return s
}
