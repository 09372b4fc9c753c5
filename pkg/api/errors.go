package api

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	// ErrWorkflowNotFound is returned when a workflow id or tag filter does
	// not resolve to a stored workflow.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrSignalNotFound is returned by signal pulls when no pending signal
	// matches the requested names.
	ErrSignalNotFound = errors.New("signal not found")

	// ErrWorkflowStopped indicates the hosting worker is shutting down. The
	// run is abandoned without committing; the lease expires naturally and a
	// peer re-pulls the workflow.
	ErrWorkflowStopped = errors.New("workflow stopped")

	// ErrSubWorkflowIncomplete is returned while awaiting a sub-workflow
	// whose output is not yet set.
	ErrSubWorkflowIncomplete = errors.New("sub workflow incomplete")

	// ErrSerializeInput and ErrDeserializeOutput mark payload codec failures.
	// They are fatal for the offending workflow.
	ErrSerializeInput    = errors.New("serialize input")
	ErrDeserializeOutput = errors.New("deserialize output")
)

// ActivityError is surfaced to workflow code after an activity has exhausted
// its retry budget. The final underlying error is kept as the cause.
type ActivityError struct {
	Name       string
	ErrorCount int
	Cause      error
}

func (e *ActivityError) Error() string {
	return fmt.Sprintf("activity %q failed after %d attempts: %v", e.Name, e.ErrorCount, e.Cause)
}

func (e *ActivityError) Unwrap() error { return e.Cause }

// HistoryDivergedError indicates that replay found a mismatch between the
// running code and the recorded event log. It is fatal for the run; the
// workflow is committed with the error and no wake condition, and requires
// operator intervention.
type HistoryDivergedError struct {
	WorkflowID uuid.UUID
	Location   string
	Message    string
}

func (e *HistoryDivergedError) Error() string {
	return fmt.Sprintf("history diverged at %s: %s", e.Location, e.Message)
}

// IsHistoryDiverged reports whether err carries a HistoryDivergedError.
func IsHistoryDiverged(err error) bool {
	var h *HistoryDivergedError
	return errors.As(err, &h)
}
