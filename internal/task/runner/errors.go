package runner

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ExecutionError is a payload failure recorded as FAILED.
type ExecutionError struct {
	JobClassString string
	Err            error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("job class %s failed: %v", e.JobClassString, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func (e *ExecutionError) Format(s fmt.State, verb rune) { errors.FormatError(e, s, verb) }

func (e *ExecutionError) SafeFormatError(p errors.Printer) error {
	p.Printf("job class %s failed", e.JobClassString)
	return e.Err
}

// describe renders err with its stack for an execution description.
func describe(err error) string {
	return fmt.Sprintf("%+v", err)
}
