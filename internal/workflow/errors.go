package workflow

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTask       = errors.New("unknown task")
	ErrInvalidTransition = errors.New("invalid transition")
)

// GraphCycleError is returned when task dependencies form a cycle.
type GraphCycleError struct {
	Path []string
}

func (e *GraphCycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// ValidationError reports a malformed task definition.
type ValidationError struct {
	Task    string
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("task %q: %s", e.Task, e.Message)
	}
	return fmt.Sprintf("task %q: %s: %s", e.Task, e.Field, e.Message)
}

func transitionError(id string, from, to Status) error {
	return fmt.Errorf("%w: task %q %s -> %s", ErrInvalidTransition, id, from, to)
}
