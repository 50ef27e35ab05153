package backends

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrUnavailable means the backend itself cannot be reached (missing
	// scheduler binary, SSH failure). It aborts the whole run.
	ErrUnavailable = errors.New("backend unavailable")
	// ErrInvalidDirective means a directive cannot be executed by any backend.
	ErrInvalidDirective = errors.New("invalid directive")
	// ErrTimeout is returned by blocking wait helpers when their deadline elapses.
	ErrTimeout = errors.New("timed out waiting for jobs")
)

// CommandResult records one invocation of an external command.
type CommandResult struct {
	Argv     []string
	Stdout   string
	Stderr   string
	ExitCode int
}

func (r CommandResult) String() string {
	return fmt.Sprintf("argv=%q exit=%d stdout=%q stderr=%q",
		strings.Join(r.Argv, " "), r.ExitCode, strings.TrimSpace(r.Stdout), strings.TrimSpace(r.Stderr))
}

// SubmissionError is returned when a backend rejects or fails to start a task.
type SubmissionError struct {
	Backend string
	TaskID  string
	Result  *CommandResult
	Err     error
}

func (e *SubmissionError) Error() string {
	msg := fmt.Sprintf("%s: submit %s", e.Backend, e.TaskID)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Result != nil {
		msg += ": " + e.Result.String()
	}
	return msg
}

func (e *SubmissionError) Unwrap() error { return e.Err }

// AccountingQueryError is returned when a status query did not yield exactly
// one record for a job. It is transient.
type AccountingQueryError struct {
	JobID   string
	Matches int
	Result  *CommandResult
}

func (e *AccountingQueryError) Error() string {
	switch {
	case e.Result != nil && e.Result.ExitCode != 0:
		return fmt.Sprintf("accounting query for %s failed: %s", e.JobID, e.Result.String())
	case e.Matches == 0:
		return fmt.Sprintf("accounting returned no records for %s", e.JobID)
	default:
		return fmt.Sprintf("accounting returned %d records for %s", e.Matches, e.JobID)
	}
}
