package manifest

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError reports an incoherent manifest value at a dotted field path.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err is or wraps a ValidationError.
func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// CyclicInheritanceError is returned when a stack transitively extends itself.
type CyclicInheritanceError struct {
	// Chain lists the stacks visited, ending with the repeated one.
	Chain []string
}

func (e *CyclicInheritanceError) Error() string {
	return fmt.Sprintf("cyclic stack inheritance: %s", strings.Join(e.Chain, " -> "))
}

// IsCyclicInheritanceError reports whether err is or wraps a CyclicInheritanceError.
func IsCyclicInheritanceError(err error) bool {
	var target *CyclicInheritanceError
	return errors.As(err, &target)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}
