// Package selection binds each generated test case to a dataset image:
// fetch the task's dataset, read annotation labels through the sandbox
// (with a bounded retry when only filenames come back), then ask the
// model for a case→image map and persist it as test_data.
package selection

import "github.com/algotest/algotest/store"

// Workflow statuses.
const (
	StatusTaskInfoReady      = "task_info_ready"
	StatusLabelFilesReady    = "label_files_ready"
	StatusLabelContentReady  = "label_content_ready"
	StatusLabelContentFailed = "label_content_failed"
	StatusCasesReady         = "test_cases_ready"
	StatusImagesSelected     = "images_selected"
	StatusCompleted          = "completed"
	StatusError              = "error"
	StatusCancelled          = "cancelled"
)

// maxReadAttempts bounds the label-content retry loop.
const maxReadAttempts = 3

// State is the record threaded through the selection nodes.
type State struct {
	TaskID     string `json:"task_id"`
	DatasetURL string `json:"dataset_url,omitempty"`

	// LabelData is the annotation text fetched from the dataset.
	LabelData string `json:"label_data,omitempty"`

	// LabelContentReady is true once LabelData holds file contents
	// rather than a bare file listing.
	LabelContentReady bool `json:"label_content_ready"`

	// LabelFiles is the parsed file list when only names came back.
	LabelFiles []string `json:"label_files,omitempty"`

	Cases        []store.TestCase  `json:"test_cases,omitempty"`
	ImageMapping map[string]string `json:"image_mapping,omitempty"`

	AttemptCount int `json:"attempt_count"`
	UpdatedCount int `json:"updated_count,omitempty"`

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
