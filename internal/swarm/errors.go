package swarm

import (
	"errors"
	"fmt"
)

// ErrInvalidConfiguration indicates a submission rejected before any
// persistence. Fatal to the submission, not to the engine.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ErrTaskNotFound indicates an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// StageError wraps a failure inside one pipeline stage with the output it
// concerns. Output-level stage errors are recovered locally and never
// surface as task-level failures.
type StageError struct {
	Stage    string
	OutputID string
	Err      error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed for output %s: %v", e.Stage, e.OutputID, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
