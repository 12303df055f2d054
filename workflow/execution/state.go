// Package execution runs a task's test cases inside its provisioned
// sandbox container: one command per case, translated from the case's
// steps by the model, with outputs and a synthetic pass flag written
// back per case as each one finishes.
package execution

import "github.com/algotest/algotest/store"

// Workflow statuses.
const (
	StatusSandboxReady = "sandbox_ready"
	StatusCasesLoaded  = "cases_loaded"
	StatusCommandReady = "command_ready"
	StatusExecuted     = "executed"
	StatusCaseSaved    = "case_saved"
	StatusCompleted    = "completed"
	StatusError        = "error"
	StatusCancelled    = "cancelled"
)

// State is the record threaded through the execution nodes. The
// Current* fields are per-case scratch, rewritten on every loop pass.
type State struct {
	TaskID string `json:"task_id"`

	// CaseID, when set, restricts the run to that single case.
	CaseID string `json:"case_id,omitempty"`

	SandboxName string           `json:"sandbox_name,omitempty"`
	Cases       []store.TestCase `json:"test_cases,omitempty"`

	// Index is the position of the case currently in flight.
	Index int `json:"index"`

	CurrentCommand string `json:"current_command,omitempty"`

	// SkipExecution marks a case whose output was supplied externally.
	SkipExecution bool `json:"skip_execution,omitempty"`

	CurrentOutput   string `json:"current_output,omitempty"`
	CurrentPassed   bool   `json:"current_passed,omitempty"`
	CurrentStatus   string `json:"current_status,omitempty"`
	CurrentAnalysis string `json:"current_analysis,omitempty"`

	SavedCount  int `json:"saved_count"`
	FailedCount int `json:"failed_count"`

	Errors []string `json:"errors,omitempty"`
	Status string   `json:"status"`
}

func (s State) current() store.TestCase {
	return s.Cases[s.Index]
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
