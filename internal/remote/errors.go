package remote

import (
	"fmt"
	"time"
)

// OperationError is the typed failure of a remote operation. Data.Message
// carries the remote side's human-readable description and is surfaced
// verbatim into record/sync error fields.
type OperationError struct {
	Status int                `json:"-"`
	Data   OperationErrorData `json:"data"`
}

// OperationErrorData is the error payload the remote system returns.
type OperationErrorData struct {
	Message string `json:"message"`
}

func (e *OperationError) Error() string {
	if e.Data.Message != "" {
		return e.Data.Message
	}
	return fmt.Sprintf("remote operation failed with status %d", e.Status)
}

// TimeoutError reports that a remote call exceeded its bounded deadline.
// It is deliberately distinct from a generic network failure so the
// message that lands in pull_error names the operation and the budget.
type TimeoutError struct {
	Operation string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("remote operation %q timed out after %s", e.Operation, e.Timeout)
}
