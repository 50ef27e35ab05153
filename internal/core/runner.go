package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/telemetry"
	"github.com/3cpo-dev/jetrun/internal/workflow"
)

const (
	defaultIdle        = 250 * time.Millisecond
	defaultPollWorkers = 16
	cancelTimeout      = 30 * time.Second
)

// ErrStalled is returned when tasks remain pending but none can be dispatched
// and nothing is in flight.
var ErrStalled = errors.New("no runnable tasks remain")

// Saver persists the graph of a run.
type Saver interface {
	Save(runID string, g *workflow.Graph) error
}

// Recorder receives task transitions as they are applied.
type Recorder interface {
	RecordTaskEvent(ctx context.Context, e TaskEvent) error
}

type Options struct {
	RunID string
	// MaxConcurrency caps dispatched plus running tasks. Zero uses the
	// backend's limit.
	MaxConcurrency int
	// Autosave is the minimum interval between snapshots during the run.
	// Zero saves only when the run ends.
	Autosave    time.Duration
	Idle        time.Duration
	PollWorkers int
	Saver       Saver
	Recorder    Recorder
	Metrics     *Metrics
	// Collector defaults to the global telemetry collector.
	Collector *telemetry.Collector
}

// Outcome summarizes a finished run.
type Outcome struct {
	RunID    string
	Success  bool
	Aborted  bool
	Complete []string
	Failed   []string
	Canceled []string
	Pending  []string
	Duration time.Duration
}

// Runner drives one graph to completion on one backend. It is the only
// writer of the graph while Run is executing.
type Runner struct {
	graph    *workflow.Graph
	backend  backends.Backend
	opts     Options
	ceiling  int
	lastSave time.Time
	metrics  *Metrics
	telem    *telemetry.Collector
	labels   map[string]string
}

func NewRunner(g *workflow.Graph, b backends.Backend, opts Options) *Runner {
	ceiling := opts.MaxConcurrency
	if ceiling <= 0 {
		ceiling = b.ConcurrencyLimit()
	}
	if ceiling <= 0 {
		ceiling = 1
	}
	if opts.Idle <= 0 {
		opts.Idle = defaultIdle
	}
	if opts.PollWorkers <= 0 {
		opts.PollWorkers = defaultPollWorkers
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics()
	}
	if opts.Collector == nil {
		opts.Collector = telemetry.GetGlobal()
	}
	return &Runner{
		graph:   g,
		backend: b,
		opts:    opts,
		ceiling: ceiling,
		metrics: opts.Metrics,
		telem:   opts.Collector,
		labels:  map[string]string{"backend": b.Name()},
	}
}

func (r *Runner) Graph() *workflow.Graph { return r.graph }

func (r *Runner) Ceiling() int { return r.ceiling }

// Run dispatches ready tasks, polls in-flight ones and applies their results
// until every task is terminal. A canceled ctx or a backend infrastructure
// error aborts the run: in-flight jobs are canceled, their tasks marked
// canceled, and the graph saved. The returned error is non-nil only for
// aborted runs and failed final saves; task failures are reported in the
// Outcome.
func (r *Runner) Run(ctx context.Context) (Outcome, error) {
	start := time.Now()
	log.Info().
		Str("run", r.opts.RunID).
		Str("backend", r.backend.Name()).
		Int("tasks", r.graph.Len()).
		Int("ceiling", r.ceiling).
		Msg("Starting run")

	r.prepare(ctx)
	r.lastSave = time.Now()

	for !r.graph.Done() {
		if err := ctx.Err(); err != nil {
			return r.abort(ctx, start, err)
		}
		submitted, err := r.dispatch(ctx)
		if err != nil {
			return r.abort(ctx, start, err)
		}
		if err := r.poll(ctx); err != nil {
			return r.abort(ctx, start, err)
		}
		r.telem.Gauge("tasks.active", float64(r.graph.CountActive()), r.labels)
		r.autosave()
		if r.graph.Done() {
			break
		}
		if submitted == 0 && r.graph.CountActive() == 0 && len(r.graph.ReadySet()) == 0 {
			return r.abort(ctx, start, ErrStalled)
		}
		t := time.NewTimer(r.opts.Idle)
		select {
		case <-ctx.Done():
			t.Stop()
			return r.abort(ctx, start, ctx.Err())
		case <-t.C:
		}
	}

	out := r.outcome(start)
	if err := r.save(); err != nil {
		return out, fmt.Errorf("final save: %w", err)
	}
	ev := log.Info()
	if !out.Success {
		ev = log.Warn()
	}
	ev.Str("run", r.opts.RunID).
		Int("complete", len(out.Complete)).
		Int("failed", len(out.Failed)).
		Int("canceled", len(out.Canceled)).
		Dur("duration", out.Duration).
		Msg("Run finished")
	return out, nil
}

// prepare fails tasks that were in flight without a job handle and cancels
// pending tasks behind dependencies that already failed.
func (r *Runner) prepare(ctx context.Context) {
	for _, t := range r.graph.Active() {
		if t.Job != nil {
			continue
		}
		canceled, err := r.graph.MarkFailed(t.ID, workflow.Result{ExitCode: -1, Message: "lost job handle"})
		if err != nil {
			log.Error().Err(err).Str("task", t.ID).Msg("Failed to mark task without handle")
			continue
		}
		log.Warn().Str("task", t.ID).Msg("Task was in flight without a job handle")
		r.recordFailure(ctx, t.ID, "", "lost job handle", canceled)
	}
	if canceled := r.graph.Settle(); len(canceled) > 0 {
		log.Info().Strs("tasks", canceled).Msg("Canceled tasks behind failed dependencies")
		r.metrics.RecordTerminal(workflow.StatusCanceled, len(canceled))
		for _, id := range canceled {
			r.record(ctx, id, workflow.StatusCanceled, "", "dependency did not complete")
		}
	}
}

// dispatch submits ready tasks up to the ceiling. Submission errors fail the
// task; any other error is returned and aborts the run.
func (r *Runner) dispatch(ctx context.Context) (int, error) {
	admitted := admit(r.graph.ReadySet(), r.graph.CountActive(), r.ceiling)
	n := 0
	for _, id := range admitted {
		t, ok := r.graph.Get(id)
		if !ok {
			return n, fmt.Errorf("%w: %s", workflow.ErrUnknownTask, id)
		}
		h, err := r.backend.Submit(ctx, id, t.Directive)
		if err != nil {
			var se *backends.SubmissionError
			if !errors.As(err, &se) {
				return n, fmt.Errorf("submit %s: %w", id, err)
			}
			log.Error().Err(err).Str("task", id).Msg("Submission failed")
			r.telem.Counter("tasks.submit_errors", 1, r.labels)
			canceled, ferr := r.graph.MarkFailed(id, workflow.Result{ExitCode: -1, Message: err.Error(), Finished: time.Now()})
			if ferr != nil {
				return n, ferr
			}
			r.recordFailure(ctx, id, "", err.Error(), canceled)
			continue
		}
		if err := r.graph.Dispatch(id, h); err != nil {
			return n, err
		}
		n++
		r.metrics.RecordSubmit()
		r.telem.Counter("tasks.submitted", 1, r.labels)
		log.Debug().Str("task", id).Str("job", h.ExternalID).Msg("Task dispatched")
		r.record(ctx, id, workflow.StatusDispatched, h.ExternalID, "")
	}
	return n, nil
}

type polled struct {
	task workflow.Task
	res  backends.PollResult
	err  error
}

// poll checks every in-flight task concurrently, then applies the results
// one at a time.
func (r *Runner) poll(ctx context.Context) error {
	active := r.graph.Active()
	if len(active) == 0 {
		return nil
	}
	results := make([]polled, len(active))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.PollWorkers)
	for i, t := range active {
		i, t := i, t
		g.Go(func() error {
			start := time.Now()
			res, err := r.backend.Poll(gctx, *t.Job)
			elapsed := time.Since(start)
			r.metrics.RecordPoll(elapsed, err)
			r.telem.Timer("backend.poll", elapsed, r.labels)
			results[i] = polled{task: t, res: res, err: err}
			if errors.Is(err, backends.ErrUnavailable) {
				return fmt.Errorf("poll %s: %w", t.ID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, p := range results {
		r.apply(ctx, p)
	}
	return nil
}

func (r *Runner) apply(ctx context.Context, p polled) {
	id := p.task.ID
	if p.err != nil {
		var aqe *backends.AccountingQueryError
		if errors.As(p.err, &aqe) {
			log.Warn().Err(p.err).Str("task", id).Msg("Status query inconclusive, will check again")
		} else {
			log.Warn().Err(p.err).Str("task", id).Msg("Status check failed, will check again")
		}
		return
	}
	if err := r.graph.ObserveJob(id, p.res.Raw, p.res.Checked); err != nil {
		log.Error().Err(err).Str("task", id).Msg("Failed to record job state")
	}
	switch p.res.State {
	case backends.StateComplete:
		if err := r.graph.Complete(id, r.result(p)); err != nil {
			log.Error().Err(err).Str("task", id).Msg("Failed to complete task")
			return
		}
		log.Info().Str("task", id).Msg("Task complete")
		r.metrics.RecordTerminal(workflow.StatusComplete, 1)
		r.telem.Counter("tasks.complete", 1, r.labels)
		r.record(ctx, id, workflow.StatusComplete, p.task.Job.ExternalID, "")
	case backends.StateFailed:
		canceled, err := r.graph.MarkFailed(id, r.result(p))
		if err != nil {
			log.Error().Err(err).Str("task", id).Msg("Failed to fail task")
			return
		}
		log.Error().Str("task", id).Int("exit_code", p.res.ExitCode).Str("state", p.res.Raw).Msg("Task failed")
		r.recordFailure(ctx, id, p.task.Job.ExternalID, p.res.Message, canceled)
	case backends.StateRunning:
		if p.task.Status != workflow.StatusDispatched {
			return
		}
		if err := r.graph.SetRunning(id); err != nil {
			log.Error().Err(err).Str("task", id).Msg("Failed to mark task running")
			return
		}
		r.record(ctx, id, workflow.StatusRunning, p.task.Job.ExternalID, p.res.Raw)
	default:
		log.Debug().Str("task", id).Str("state", p.res.Raw).Msg("Unrecognized job state, still waiting")
	}
}

func (r *Runner) result(p polled) workflow.Result {
	return workflow.Result{
		ExitCode: p.res.ExitCode,
		Stdout:   p.task.Job.Stdout,
		Stderr:   p.task.Job.Stderr,
		Message:  p.res.Message,
		Finished: p.res.Checked,
	}
}

// abort cancels every in-flight job, marks those tasks and their dependents
// canceled and saves. Other pending tasks stay pending. Canceled tasks are
// only rerun by a retry; a resume leaves them canceled.
func (r *Runner) abort(ctx context.Context, start time.Time, cause error) (Outcome, error) {
	log.Error().Err(cause).Str("run", r.opts.RunID).Msg("Aborting run")
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cancelTimeout)
	defer cancel()
	reason := fmt.Sprintf("run aborted: %v", cause)
	for _, t := range r.graph.Active() {
		if t.Job != nil {
			if err := r.backend.Cancel(cctx, *t.Job); err != nil {
				log.Warn().Err(err).Str("task", t.ID).Str("job", t.Job.ExternalID).Msg("Failed to cancel job")
			}
		}
		canceled, err := r.graph.Cancel(t.ID, reason)
		if err != nil {
			log.Error().Err(err).Str("task", t.ID).Msg("Failed to cancel task")
			continue
		}
		r.metrics.RecordTerminal(workflow.StatusCanceled, len(canceled))
		r.telem.Counter("tasks.canceled", float64(len(canceled)), r.labels)
		for _, id := range canceled {
			r.record(cctx, id, workflow.StatusCanceled, "", reason)
		}
	}
	out := r.outcome(start)
	out.Aborted = true
	out.Success = false
	if err := r.save(); err != nil {
		log.Error().Err(err).Msg("Final save failed")
	}
	return out, fmt.Errorf("run aborted: %w", cause)
}

func (r *Runner) recordFailure(ctx context.Context, id, externalID, msg string, canceled []string) {
	r.metrics.RecordTerminal(workflow.StatusFailed, 1)
	r.metrics.RecordTerminal(workflow.StatusCanceled, len(canceled))
	r.telem.Counter("tasks.failed", 1, r.labels)
	if len(canceled) > 0 {
		r.telem.Counter("tasks.canceled", float64(len(canceled)), r.labels)
		log.Warn().Str("task", id).Strs("canceled", canceled).Msg("Canceled dependents of failed task")
	}
	r.record(ctx, id, workflow.StatusFailed, externalID, msg)
	for _, c := range canceled {
		r.record(ctx, c, workflow.StatusCanceled, "", fmt.Sprintf("dependency %s failed", id))
	}
}

func (r *Runner) record(ctx context.Context, id string, s workflow.Status, externalID, msg string) {
	if r.opts.Recorder == nil {
		return
	}
	e := TaskEvent{RunID: r.opts.RunID, TaskID: id, Status: s, ExternalID: externalID, Message: msg, At: time.Now()}
	if err := r.opts.Recorder.RecordTaskEvent(ctx, e); err != nil {
		log.Warn().Err(err).Str("task", id).Msg("Failed to record task event")
	}
}

func (r *Runner) autosave() {
	if r.opts.Saver == nil || r.opts.Autosave <= 0 || time.Since(r.lastSave) < r.opts.Autosave {
		return
	}
	if err := r.save(); err != nil {
		log.Warn().Err(err).Msg("Autosave failed")
	}
}

func (r *Runner) save() error {
	r.lastSave = time.Now()
	if r.opts.Saver == nil {
		return nil
	}
	if err := r.opts.Saver.Save(r.opts.RunID, r.graph); err != nil {
		return err
	}
	log.Debug().Str("run", r.opts.RunID).Msg("Saved workflow state")
	return nil
}

func (r *Runner) outcome(start time.Time) Outcome {
	out := Outcome{RunID: r.opts.RunID, Duration: time.Since(start)}
	for _, t := range r.graph.Tasks() {
		switch t.Status {
		case workflow.StatusComplete:
			out.Complete = append(out.Complete, t.ID)
		case workflow.StatusFailed:
			out.Failed = append(out.Failed, t.ID)
		case workflow.StatusCanceled:
			out.Canceled = append(out.Canceled, t.ID)
		default:
			out.Pending = append(out.Pending, t.ID)
		}
	}
	out.Success = r.graph.Succeeded()
	return out
}
