package app

import (
	"time"
)

// Operation tracks one CLI invocation. Its ID tags every log line written
// during the run, and its outcome is logged when the app closes.
type Operation struct {
	ID         string
	Name       string
	Parameters string
	StartedAt  time.Time
	Status     string // "success" or "error"
	Err        error
}

// NewOperation creates an operation that starts at now.
func NewOperation(name, parameters string, now time.Time) *Operation {
	now = now.UTC()
	return &Operation{
		ID:         now.Format("20060102T150405Z"),
		Name:       name,
		Parameters: parameters,
		StartedAt:  now,
		Status:     "success",
	}
}

// Fail records err as the outcome of the operation. A nil err is ignored.
func (op *Operation) Fail(err error) {
	if err == nil {
		return
	}
	op.Status = "error"
	op.Err = err
}

// Failed reports whether the operation recorded an error.
func (op *Operation) Failed() bool {
	return op.Status == "error"
}

// Elapsed is the time since the operation started.
func (op *Operation) Elapsed(now time.Time) time.Duration {
	return now.Sub(op.StartedAt)
}
