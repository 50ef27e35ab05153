package api

// v0 contains public types for workflow files and run outcomes.

// TaskSpec is one rendered task as it appears in a workflow file.
type TaskSpec struct {
	Name string `json:"name" yaml:"name"`
	Cmd  string `json:"cmd" yaml:"cmd"`
	// Stdin is fed to the command on standard input.
	Stdin string `json:"stdin,omitempty" yaml:"stdin,omitempty"`
	// After lists tasks that must complete before this one.
	After []string `json:"after,omitempty" yaml:"after,omitempty"`
	// Before lists tasks that must wait for this one.
	Before     []string          `json:"before,omitempty" yaml:"before,omitempty"`
	CPUs       int               `json:"cpus,omitempty" yaml:"cpus,omitempty"`
	Mem        string            `json:"mem,omitempty" yaml:"mem,omitempty"`
	Walltime   string            `json:"walltime,omitempty" yaml:"walltime,omitempty"`
	Env        map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	SbatchArgs []string          `json:"sbatch_args,omitempty" yaml:"sbatch_args,omitempty"`
}

type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunAborted   RunStatus = "aborted"
)
