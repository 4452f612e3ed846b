package stub

import (
	"errors"
	"fmt"
)

// UnknownSectionError reports a section marker with a name outside the known set.
type UnknownSectionError struct {
	// Name is the section name found after the marker.
	Name string
	// Line is the 1-based line number of the marker.
	Line int
}

func (e *UnknownSectionError) Error() string {
	return fmt.Sprintf("unknown stub section %q at line %d (expected base, dev, volumes or env)", e.Name, e.Line)
}

// DuplicateSectionError reports a section that appears more than once in one stub.
type DuplicateSectionError struct {
	Section Section
	Line    int
}

func (e *DuplicateSectionError) Error() string {
	return fmt.Sprintf("stub section %q repeated at line %d", e.Section, e.Line)
}

// MissingVariableError reports a build-time placeholder without a supplied value.
type MissingVariableError struct {
	// Variable is the placeholder name without braces.
	Variable string
	// Stub is the stub identifier, when known.
	Stub string
	// Section is the section the placeholder was found in, when known.
	Section Section
}

func (e *MissingVariableError) Error() string {
	msg := fmt.Sprintf("missing value for build-time variable {{%s}}", e.Variable)
	if e.Stub != "" {
		msg += " in stub " + e.Stub
	}
	if e.Section != 0 {
		msg += " section " + e.Section.String()
	}
	return msg
}

// IsMissingVariableError reports whether err is or wraps a MissingVariableError.
func IsMissingVariableError(err error) bool {
	var target *MissingVariableError
	return errors.As(err, &target)
}
