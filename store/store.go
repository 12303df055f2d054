// Package store persists tasks, test cases, reports, and uploaded
// documents in SQLite.
package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCreated   = "created"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is one end-to-end test assignment: a requirement document plus
// the algorithm image and dataset it is tested against.
type Task struct {
	ID             int64
	TaskID         string
	DocumentID     string
	RequirementDoc string
	AlgorithmImage string
	DatasetURL     string
	ContainerName  string
	Status         string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CaseInput is the structured body of a generated test case, stored as
// JSON in the input_data column.
type CaseInput struct {
	Name         string `json:"name"`
	Purpose      string `json:"purpose"`
	Steps        string `json:"steps"`
	Expected     string `json:"expected"`
	Verification string `json:"verification"`

	// TestData is the in-container input path bound during data
	// selection, e.g. "data/Images/0001.jpg".
	TestData string `json:"test_data,omitempty"`
}

// TestCase is a single generated case together with its execution
// outcome.
//
// IsPassed is tri-state: nil until a verdict has been recorded.
type TestCase struct {
	ID         int64
	TaskID     string
	CaseID     string
	DocumentID string
	Input      CaseInput

	ActualOutput string

	// ExternalOutput, when non-empty, replaces ActualOutput during
	// report evaluation. It lets operators paste device-side output the
	// sandbox could not capture.
	ExternalOutput string

	ResultAnalysis string
	IsPassed       *bool
	Status         string
	CreatedAt      time.Time
}

// EffectiveOutput returns the output the report should judge:
// the external override when present, the captured output otherwise.
func (c TestCase) EffectiveOutput() string {
	if c.ExternalOutput != "" {
		return c.ExternalOutput
	}
	return c.ActualOutput
}

// Report is the aggregated outcome of a task, one per task.
type Report struct {
	ID          int64
	TaskID      string
	Content     string
	Summary     string
	TotalCases  int
	PassedCases int
	FailedCases int
	CreatedAt   time.Time
}

// Document records an uploaded requirement PDF.
type Document struct {
	DocID      string
	Filename   string
	Path       string
	Hash       string
	SizeBytes  int64
	UploadedAt time.Time
}
