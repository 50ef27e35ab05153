package workflow

import (
	"fmt"
	"os"
	"strings"

	"github.com/3cpo-dev/jetrun/pkg/api"
	"gopkg.in/yaml.v3"
)

// Build converts rendered task specs into a validated graph. "before" edges
// are folded into the dependencies of the tasks they name.
func Build(specs []api.TaskSpec) (*Graph, error) {
	tasks := make([]Task, 0, len(specs))
	index := make(map[string]int, len(specs))
	for _, s := range specs {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, ValidationError{Task: fmt.Sprintf("#%d", len(tasks)), Field: "name", Message: "task name cannot be empty"}
		}
		if strings.TrimSpace(s.Cmd) == "" {
			return nil, ValidationError{Task: name, Field: "cmd", Message: "command cannot be empty"}
		}
		if s.CPUs < 0 {
			return nil, ValidationError{Task: name, Field: "cpus", Message: "must not be negative"}
		}
		if _, dup := index[name]; dup {
			return nil, ValidationError{Task: name, Field: "name", Message: "duplicate task name"}
		}
		index[name] = len(tasks)
		tasks = append(tasks, Task{
			ID:           name,
			Status:       StatusPending,
			Dependencies: append([]string(nil), s.After...),
			Directive: Directive{
				Cmd:      s.Cmd,
				Stdin:    s.Stdin,
				CPUs:     s.CPUs,
				Mem:      s.Mem,
				Walltime: s.Walltime,
				Env:      s.Env,
				Options:  s.SbatchArgs,
			},
		})
	}
	for _, s := range specs {
		for _, target := range s.Before {
			i, ok := index[target]
			if !ok {
				return nil, ValidationError{Task: s.Name, Field: "before", Message: fmt.Sprintf("references missing task %s", target)}
			}
			tasks[i].Dependencies = append(tasks[i].Dependencies, strings.TrimSpace(s.Name))
		}
	}
	return New(tasks)
}

// LoadFile reads a YAML workflow file holding a list of task specs.
func LoadFile(path string) (*Graph, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow: %w", err)
	}
	var specs []api.TaskSpec
	if err := yaml.Unmarshal(content, &specs); err != nil {
		return nil, fmt.Errorf("parse workflow: %w", err)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("workflow %s has no tasks", path)
	}
	return Build(specs)
}
