package graph

import "errors"

// ErrMaxStepsExceeded indicates that the run reached the maximum allowed
// step count without terminating. This guards against loop edges whose
// selector never chooses an exit.
var ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

// EngineError represents an error from Engine operations.
type EngineError struct {
	Message string
	Code    string

	// Cause is the underlying error, if any.
	Cause error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *EngineError) Unwrap() error {
	return e.Cause
}
