package workflow

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Graph is an acyclic set of tasks keyed by id. Edges are dependencies only
// and are fixed at construction; afterwards only task state changes.
//
// All methods are safe for concurrent use, but a run expects a single writer
// (the Runner) so that cascades are applied in a well-defined order.
type Graph struct {
	mu         sync.RWMutex
	order      []string
	tasks      map[string]*Task
	dependents map[string][]string
}

// New validates tasks and builds a graph. Tasks without a status start pending.
func New(tasks []Task) (*Graph, error) {
	g := &Graph{
		order:      make([]string, 0, len(tasks)),
		tasks:      make(map[string]*Task, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for i := range tasks {
		t := tasks[i].clone()
		if t.ID == "" {
			return nil, ValidationError{Task: fmt.Sprintf("#%d", i), Field: "id", Message: "task id cannot be empty"}
		}
		if _, exists := g.tasks[t.ID]; exists {
			return nil, ValidationError{Task: t.ID, Field: "id", Message: "duplicate task id"}
		}
		if t.Status == "" {
			t.Status = StatusPending
		}
		if !t.Status.valid() {
			return nil, ValidationError{Task: t.ID, Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)}
		}
		t.Dependencies = dedupe(t.Dependencies)
		g.order = append(g.order, t.ID)
		g.tasks[t.ID] = &t
	}
	for _, id := range g.order {
		for _, dep := range g.tasks[id].Dependencies {
			if dep == id {
				return nil, &GraphCycleError{Path: []string{id, id}}
			}
			if _, ok := g.tasks[dep]; !ok {
				return nil, ValidationError{Task: id, Field: "dependencies", Message: fmt.Sprintf("references missing task %s", dep)}
			}
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}
	if err := g.checkAcyclic(); err != nil {
		return nil, err
	}
	return g, nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// checkAcyclic runs a depth-first search over dependency edges and reports
// the first cycle found, in insertion order.
func (g *Graph) checkAcyclic() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.tasks))
	var stack []string
	var visit func(id string) error
	visit = func(id string) error {
		color[id] = grey
		stack = append(stack, id)
		for _, dep := range g.tasks[id].Dependencies {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &GraphCycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}
	for _, id := range g.order {
		if color[id] == white {
			if err := visit(id); err != nil {
				return err
			}
		}
	}
	return nil
}

// Len returns the number of tasks.
func (g *Graph) Len() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.order)
}

// Get returns a copy of the task with the given id.
func (g *Graph) Get(id string) (Task, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	t, ok := g.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (g *Graph) Tasks() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Task, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.tasks[id].clone())
	}
	return out
}

// Dependents returns the ids of tasks that directly depend on id.
func (g *Graph) Dependents(id string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.dependents[id]...)
}

// ReadySet returns pending tasks whose dependencies are all complete.
func (g *Graph) ReadySet() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var ready []string
	for _, id := range g.order {
		t := g.tasks[id]
		if t.Status != StatusPending {
			continue
		}
		ok := true
		for _, dep := range t.Dependencies {
			if g.tasks[dep].Status != StatusComplete {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

// Active returns copies of dispatched and running tasks.
func (g *Graph) Active() []Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []Task
	for _, id := range g.order {
		if t := g.tasks[id]; t.Status.Active() {
			out = append(out, t.clone())
		}
	}
	return out
}

// CountActive returns the number of dispatched and running tasks.
func (g *Graph) CountActive() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	n := 0
	for _, t := range g.tasks {
		if t.Status.Active() {
			n++
		}
	}
	return n
}

// Counts returns the number of tasks in each status.
func (g *Graph) Counts() map[Status]int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[Status]int, 6)
	for _, t := range g.tasks {
		out[t.Status]++
	}
	return out
}

// Done reports whether no task is pending, dispatched or running.
func (g *Graph) Done() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tasks {
		if !t.Status.Terminal() {
			return false
		}
	}
	return true
}

// Succeeded reports whether every task is complete.
func (g *Graph) Succeeded() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	for _, t := range g.tasks {
		if t.Status != StatusComplete {
			return false
		}
	}
	return true
}

func (g *Graph) lookup(id string) (*Task, error) {
	t, ok := g.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	return t, nil
}

func (g *Graph) transition(t *Task, to Status) error {
	if !canTransition(t.Status, to) {
		return transitionError(t.ID, t.Status, to)
	}
	t.Status = to
	return nil
}

// Dispatch moves a pending task to dispatched and attaches its job handle.
func (g *Graph) Dispatch(id string, h JobHandle) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return err
	}
	if err := g.transition(t, StatusDispatched); err != nil {
		return err
	}
	t.Job = &h
	return nil
}

// ObserveJob records the raw backend state of an active task's job.
func (g *Graph) ObserveJob(id, state string, checked time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return err
	}
	if t.Job == nil {
		return fmt.Errorf("task %q has no job handle", id)
	}
	t.Job.State = state
	t.Job.LastChecked = checked
	return nil
}

// SetRunning moves a dispatched task to running. Running tasks are left as is.
func (g *Graph) SetRunning(id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return err
	}
	if t.Status == StatusRunning {
		return nil
	}
	return g.transition(t, StatusRunning)
}

// Complete marks an active task complete and records its result.
func (g *Graph) Complete(id string, r Result) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return err
	}
	if err := g.transition(t, StatusComplete); err != nil {
		return err
	}
	t.Result = finished(r)
	return nil
}

// MarkFailed marks a task failed and cancels every transitive dependent that
// has not yet reached a terminal state. The canceled ids are returned.
func (g *Graph) MarkFailed(id string, r Result) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := g.transition(t, StatusFailed); err != nil {
		return nil, err
	}
	t.Result = finished(r)
	return g.cascade(id), nil
}

// Cancel marks a non-terminal task canceled and cascades to its dependents.
// The returned ids include id itself.
func (g *Graph) Cancel(id, reason string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, err := g.lookup(id)
	if err != nil {
		return nil, err
	}
	if err := g.transition(t, StatusCanceled); err != nil {
		return nil, err
	}
	t.Result = finished(Result{ExitCode: -1, Message: reason})
	return append([]string{id}, g.cascade(id)...), nil
}

// cascade walks the reverse-dependency index from root. Caller holds g.mu.
func (g *Graph) cascade(root string) []string {
	var canceled []string
	visited := map[string]bool{root: true}
	queue := append([]string(nil), g.dependents[root]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true
		t := g.tasks[id]
		if !t.Status.Terminal() {
			t.Status = StatusCanceled
			t.Result = finished(Result{ExitCode: -1, Message: fmt.Sprintf("dependency %s did not complete", root)})
			canceled = append(canceled, id)
		}
		queue = append(queue, g.dependents[id]...)
	}
	if len(canceled) > 0 {
		log.Debug().Str("task", root).Strs("canceled", canceled).Msg("Cascaded cancellation")
	}
	return canceled
}

// Settle cancels pending tasks that can never run because a transitive
// dependency already ended failed or canceled. Reloaded graphs are settled
// before a run so that the ready set can drain.
func (g *Graph) Settle() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var canceled []string
	for _, id := range g.order {
		switch g.tasks[id].Status {
		case StatusFailed, StatusCanceled:
			canceled = append(canceled, g.cascade(id)...)
		}
	}
	return canceled
}

// Retry resets failed, canceled and pending tasks to pending, clearing their
// job handles and results. Complete tasks and tasks still in flight are kept.
// It returns the number of tasks reset.
func (g *Graph) Retry() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		switch t.Status {
		case StatusFailed, StatusCanceled, StatusPending:
			reset(t)
			n++
		}
	}
	return n
}

// Resume resets pending tasks only. Failed and canceled tasks keep their
// state, and dispatched or running tasks are left for the runner to re-poll.
func (g *Graph) Resume() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.tasks {
		if t.Status == StatusPending {
			reset(t)
			n++
		}
	}
	return n
}

func reset(t *Task) {
	t.Status = StatusPending
	t.Job = nil
	t.Result = nil
}

func finished(r Result) *Result {
	if r.Finished.IsZero() {
		r.Finished = time.Now()
	}
	return &r
}
