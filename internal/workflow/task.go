package workflow

import "time"

// Status is the lifecycle state of a task within a run.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusComplete   Status = "complete"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transition is possible without a reset.
func (s Status) Terminal() bool {
	switch s {
	case StatusComplete, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Active reports whether the task has been handed to a backend and not yet resolved.
func (s Status) Active() bool {
	return s == StatusDispatched || s == StatusRunning
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusDispatched, StatusRunning, StatusComplete, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Directive describes the work a task performs, independent of the backend.
type Directive struct {
	Cmd      string            `json:"cmd" yaml:"cmd"`
	Stdin    string            `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	CPUs     int               `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Mem      string            `json:"mem,omitempty" yaml:"mem,omitempty"`
	Walltime string            `json:"walltime,omitempty" yaml:"walltime,omitempty"`
	Env      map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	// Options are passed verbatim to the batch scheduler.
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
}

// JobHandle is the engine's reference to one unit of backend-side execution.
type JobHandle struct {
	Backend     string    `json:"backend" yaml:"backend"`
	ExternalID  string    `json:"external_id" yaml:"external_id"`
	Cluster     string    `json:"cluster,omitempty" yaml:"cluster,omitempty"`
	State       string    `json:"backend_state,omitempty" yaml:"backend_state,omitempty"`
	LastChecked time.Time `json:"last_checked,omitempty" yaml:"last_checked,omitempty"`
	Script      string    `json:"script,omitempty" yaml:"script,omitempty"`
	Stdout      string    `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr      string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
}

// Result is recorded once, when a task reaches a terminal state.
type Result struct {
	ExitCode int       `json:"exit_code" yaml:"exit_code"`
	Stdout   string    `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr   string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Message  string    `json:"message,omitempty" yaml:"message,omitempty"`
	Finished time.Time `json:"finished" yaml:"finished"`
}

// Task is a node of the workflow graph.
type Task struct {
	ID           string     `json:"id" yaml:"id"`
	Status       Status     `json:"status" yaml:"status"`
	Dependencies []string   `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	Directive    Directive  `json:"directive" yaml:"directive"`
	Job          *JobHandle `json:"external_job,omitempty" yaml:"external_job,omitempty"`
	Result       *Result    `json:"result,omitempty" yaml:"result,omitempty"`
}

func (t *Task) clone() Task {
	c := *t
	c.Dependencies = append([]string(nil), t.Dependencies...)
	if t.Directive.Env != nil {
		c.Directive.Env = make(map[string]string, len(t.Directive.Env))
		for k, v := range t.Directive.Env {
			c.Directive.Env[k] = v
		}
	}
	c.Directive.Options = append([]string(nil), t.Directive.Options...)
	if t.Job != nil {
		j := *t.Job
		c.Job = &j
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return c
}

// allowed lists the forward transitions of the task state machine.
var allowed = map[Status][]Status{
	StatusPending:    {StatusDispatched, StatusFailed, StatusCanceled},
	StatusDispatched: {StatusRunning, StatusComplete, StatusFailed, StatusCanceled},
	StatusRunning:    {StatusComplete, StatusFailed, StatusCanceled},
}

func canTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
