package backends

import (
	"context"
	"time"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

// State is the engine-side classification of a job's status.
type State string

const (
	StateRunning  State = "running"
	StateComplete State = "complete"
	StateFailed   State = "failed"
	// StateUnknown is reported when the backend returned a state it does not
	// recognize. Callers treat it as still active.
	StateUnknown State = "unknown"
)

// PollResult is the outcome of a single status check.
type PollResult struct {
	State    State
	Raw      string
	ExitCode int
	Checked  time.Time
	Message  string
}

// Backend executes task directives. Implementations must not block on job
// completion in Submit or Poll, and must not enforce run-level admission;
// the runner is the only gate on concurrency.
type Backend interface {
	Name() string
	Submit(ctx context.Context, taskID string, d workflow.Directive) (workflow.JobHandle, error)
	Poll(ctx context.Context, h workflow.JobHandle) (PollResult, error)
	Cancel(ctx context.Context, h workflow.JobHandle) error
	ConcurrencyLimit() int
	Close() error
}
