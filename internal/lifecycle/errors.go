package lifecycle

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReadinessTimeoutError reports services that were not ready within the
// attempt ceiling.
type ReadinessTimeoutError struct {
	Pending  []string
	Attempts int
	Elapsed  time.Duration
}

func (e *ReadinessTimeoutError) Error() string {
	return fmt.Sprintf("services not ready after %d attempts (%s): %s", e.Attempts, e.Elapsed, strings.Join(e.Pending, ", "))
}

// IsReadinessTimeoutError reports whether err is or wraps a ReadinessTimeoutError.
func IsReadinessTimeoutError(err error) bool {
	var target *ReadinessTimeoutError
	return errors.As(err, &target)
}

// StageError names the rebuild stage that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("rebuild stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsStageError reports whether err is or wraps a StageError.
func IsStageError(err error) bool {
	var target *StageError
	return errors.As(err, &target)
}
