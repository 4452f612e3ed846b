package registry

import (
	"errors"
	"fmt"
)

// PortExhaustionError indicates that no free port was found within the search ceiling.
type PortExhaustionError struct {
	Key       string
	Preferred int
	Attempts  int
}

func (e *PortExhaustionError) Error() string {
	return fmt.Sprintf("no free host port for %s: tried %d ports starting at %d", e.Key, e.Attempts, e.Preferred)
}

// IsPortExhaustionError reports whether err is or wraps a PortExhaustionError.
func IsPortExhaustionError(err error) bool {
	var target *PortExhaustionError
	return errors.As(err, &target)
}

// RegistryConflictError indicates the registry file changed since it was loaded.
type RegistryConflictError struct {
	Path     string
	Expected int64
	Found    int64
}

func (e *RegistryConflictError) Error() string {
	return fmt.Sprintf("registry %s was modified concurrently (loaded version %d, found %d); retry the command", e.Path, e.Expected, e.Found)
}

// IsRegistryConflictError reports whether err is or wraps a RegistryConflictError.
func IsRegistryConflictError(err error) bool {
	var target *RegistryConflictError
	return errors.As(err, &target)
}

// ProjectNotFoundError is returned when a project is not registered.
type ProjectNotFoundError struct {
	Name string
}

func (e *ProjectNotFoundError) Error() string {
	return fmt.Sprintf("project %q is not registered", e.Name)
}

// IsProjectNotFoundError reports whether err is or wraps a ProjectNotFoundError.
func IsProjectNotFoundError(err error) bool {
	var target *ProjectNotFoundError
	return errors.As(err, &target)
}
