// Package analysis turns an uploaded requirement document into a
// persisted test-case catalog: extract text, synthesize cases with the
// model, save everything in one transaction.
package analysis

import "github.com/algotest/algotest/store"

// Workflow statuses.
const (
	StatusExtracted = "extracted"
	StatusGenerated = "generated"
	StatusSaved     = "saved"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

// State is the record threaded through the analysis nodes.
type State struct {
	TaskID       string `json:"task_id"`
	DocumentID   string `json:"document_id,omitempty"`
	DocumentPath string `json:"document_path"`

	// Content is the extracted requirement text.
	Content string `json:"pdf_content,omitempty"`

	Cases []store.TestCase `json:"test_cases,omitempty"`

	Errors []string `json:"errors,omitempty"`
	Status string   `json:"status"`
}

// fail returns a copy of the state carrying the error.
func fail(s State, msg string) State {
	s.Errors = append(s.Errors, msg)
	s.Status = StatusError
	return s
}

// cancelled marks the state as interrupted, leaving its data intact.
func cancelled(s State) State {
	s.Status = StatusCancelled
	return s
}
