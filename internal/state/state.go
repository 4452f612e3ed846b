// Package state defines project lifecycle states and the legal transitions
// between them.
package state

import (
	"errors"
	"fmt"
)

// State is a project lifecycle state.
type State string

const (
	Uninitialized State = "uninitialized"
	Ready         State = "ready"
	Starting      State = "starting"
	Running       State = "running"
	Stopping      State = "stopping"
	Deploying     State = "deploying"
	Deployed      State = "deployed"
	Error         State = "error"
)

// All lists every state in lifecycle order.
var All = []State{Uninitialized, Ready, Starting, Running, Stopping, Deploying, Deployed, Error}

var transitions = map[State][]State{
	Uninitialized: {Ready},
	Ready:         {Starting},
	Starting:      {Running, Error},
	Running:       {Stopping, Deploying},
	Stopping:      {Ready, Error},
	Deploying:     {Deployed, Running, Error},
	Deployed:      {Stopping, Deploying},
	Error:         {Starting, Ready},
}

// Parse converts s into a State. The empty string is Uninitialized.
func Parse(s string) (State, error) {
	if s == "" {
		return Uninitialized, nil
	}
	for _, st := range All {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown lifecycle state %q", s)
}

// Active reports whether a project in this state holds its ports against
// other projects.
func (s State) Active() bool {
	return s == Running || s == Starting
}

// Transitional reports whether the state only lasts while a command runs. A
// record left in one was written by an interrupted command.
func (s State) Transitional() bool {
	return s == Starting || s == Stopping || s == Deploying
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	if from == "" {
		from = Uninitialized
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to for project and returns to.
func Transition(project string, from, to State) (State, error) {
	if !CanTransition(from, to) {
		return from, &StateTransitionError{Project: project, From: from, To: to}
	}
	return to, nil
}

// StateTransitionError reports an illegal lifecycle transition.
type StateTransitionError struct {
	Project string
	From    State
	To      State
}

func (e *StateTransitionError) Error() string {
	msg := fmt.Sprintf("project %q cannot move from %s to %s", e.Project, e.From, e.To)
	if e.From.Transitional() {
		msg += " (a previous command was interrupted; repair the project first)"
	}
	return msg
}

// IsStateTransitionError reports whether err is or wraps a StateTransitionError.
func IsStateTransitionError(err error) bool {
	var target *StateTransitionError
	return errors.As(err, &target)
}
