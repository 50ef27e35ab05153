// Package local runs task directives as child processes of the coordinator.
package local

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/workflow"
)

const (
	rawQueued  = "QUEUED"
	rawRunning = "RUNNING"
	rawExited  = "EXITED"
	rawLost    = "LOST"
)

type Config struct {
	// Workers is the pool size. Zero falls back to DefaultWorkers.
	Workers int
	// LogDir receives <task>-<job>.out and <task>-<job>.err for every submission.
	LogDir string
	Shell  string
}

// DefaultWorkers reads JETRUN_MAX_FORKS, falling back to the CPU count.
func DefaultWorkers() int {
	if v := os.Getenv("JETRUN_MAX_FORKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return runtime.NumCPU()
}

type job struct {
	taskID   string
	cancel   context.CancelFunc
	started  bool
	done     bool
	exitCode int
	err      error
	stdout   string
	stderr   string
}

// Backend executes directives with `sh -c` in a bounded worker pool.
type Backend struct {
	cfg    Config
	sem    chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu   sync.Mutex
	jobs map[string]*job
}

func New(cfg Config) *Backend {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers()
	}
	if cfg.Shell == "" {
		cfg.Shell = "/bin/sh"
	}
	if cfg.LogDir == "" {
		cfg.LogDir = "logs"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		cfg:    cfg,
		sem:    make(chan struct{}, cfg.Workers),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]*job{},
	}
}

func (b *Backend) Name() string { return "local" }

func (b *Backend) ConcurrencyLimit() int { return b.cfg.Workers }

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// logName keeps the task id readable in file listings; the job id prefix
// keeps files of different tasks, and of resubmissions, apart.
func logName(taskID, jobID string) string {
	return unsafeChars.ReplaceAllString(taskID, "_") + "-" + jobID[:8]
}

// Submit creates the task's output files and hands the process to the pool.
// It returns immediately; the process starts once a worker slot is free.
func (b *Backend) Submit(ctx context.Context, taskID string, d workflow.Directive) (workflow.JobHandle, error) {
	if err := backends.ValidateDirective(taskID, d); err != nil {
		return workflow.JobHandle{}, err
	}
	if err := os.MkdirAll(b.cfg.LogDir, 0o755); err != nil {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: fmt.Errorf("create log dir: %w", err)}
	}
	id := uuid.NewString()
	base := filepath.Join(b.cfg.LogDir, logName(taskID, id))
	stdout, err := os.Create(base + ".out")
	if err != nil {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: fmt.Errorf("create stdout: %w", err)}
	}
	stderr, err := os.Create(base + ".err")
	if err != nil {
		stdout.Close()
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: fmt.Errorf("create stderr: %w", err)}
	}

	jobCtx, cancel := context.WithCancel(b.ctx)
	j := &job{taskID: taskID, cancel: cancel, stdout: stdout.Name(), stderr: stderr.Name()}
	b.mu.Lock()
	b.jobs[id] = j
	b.mu.Unlock()

	b.wg.Add(1)
	go b.execute(jobCtx, j, d, stdout, stderr)

	return workflow.JobHandle{
		Backend:    b.Name(),
		ExternalID: id,
		State:      rawQueued,
		Stdout:     j.stdout,
		Stderr:     j.stderr,
	}, nil
}

func (b *Backend) execute(ctx context.Context, j *job, d workflow.Directive, stdout, stderr *os.File) {
	defer b.wg.Done()
	defer stdout.Close()
	defer stderr.Close()

	select {
	case b.sem <- struct{}{}:
		defer func() { <-b.sem }()
	case <-ctx.Done():
		b.finish(j, -1, fmt.Errorf("canceled before start: %w", ctx.Err()))
		return
	}

	b.mu.Lock()
	j.started = true
	b.mu.Unlock()

	cmd := exec.CommandContext(ctx, b.cfg.Shell, "-c", d.Cmd)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if d.Stdin != "" {
		cmd.Stdin = strings.NewReader(d.Stdin)
	}
	cmd.Env = os.Environ()
	for k, v := range d.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	start := time.Now()
	log.Debug().Str("task", j.taskID).Str("cmd", d.Cmd).Msg("Starting local process")
	err := cmd.Run()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 when terminated by a signal
			code = exitErr.ExitCode()
			err = nil
			if code == -1 {
				err = fmt.Errorf("terminated: %s", exitErr.String())
			}
		} else {
			code = -1
		}
	}
	log.Debug().Str("task", j.taskID).Int("exit_code", code).Dur("duration", time.Since(start)).Msg("Local process exited")
	b.finish(j, code, err)
}

func (b *Backend) finish(j *job, code int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	j.done = true
	j.exitCode = code
	j.err = err
}

// Poll reports the process status. Handles this backend instance did not
// create, such as those left by a crashed coordinator, poll as failed.
func (b *Backend) Poll(ctx context.Context, h workflow.JobHandle) (backends.PollResult, error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	j, ok := b.jobs[h.ExternalID]
	if !ok {
		return backends.PollResult{
			State:    backends.StateFailed,
			Raw:      rawLost,
			ExitCode: -1,
			Checked:  now,
			Message:  "process not owned by this coordinator",
		}, nil
	}
	switch {
	case !j.done && !j.started:
		return backends.PollResult{State: backends.StateRunning, Raw: rawQueued, Checked: now}, nil
	case !j.done:
		return backends.PollResult{State: backends.StateRunning, Raw: rawRunning, Checked: now}, nil
	}
	res := backends.PollResult{Raw: rawExited, ExitCode: j.exitCode, Checked: now, State: backends.StateComplete}
	if j.exitCode != 0 || j.err != nil {
		res.State = backends.StateFailed
		if j.err != nil {
			res.Message = j.err.Error()
		} else {
			res.Message = fmt.Sprintf("exit status %d", j.exitCode)
		}
	}
	return res, nil
}

// Cancel kills the process, or drops it from the queue if it has not started.
func (b *Backend) Cancel(ctx context.Context, h workflow.JobHandle) error {
	b.mu.Lock()
	j, ok := b.jobs[h.ExternalID]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("local: unknown job %s", h.ExternalID)
	}
	j.cancel()
	return nil
}

// Close kills all outstanding processes and waits for their goroutines.
func (b *Backend) Close() error {
	b.cancel()
	b.wg.Wait()
	return nil
}
