// Package slurm submits task directives to a Slurm cluster with sbatch and
// tracks them through the sacct accounting interface.
package slurm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/jetrun/internal/backends"
	"github.com/3cpo-dev/jetrun/internal/workflow"
)

const (
	// DefaultMaxConcurrency leaves admission to the scheduler's own queue.
	DefaultMaxConcurrency = 9002
	rawSubmitted          = "SUBMITTED"
)

type Config struct {
	// SbatchArgs are added as #SBATCH lines to every script.
	SbatchArgs []string
	// ScriptDir receives the generated scripts on this host.
	ScriptDir string
	// LogDir is the scheduler-side directory for job output.
	LogDir           string
	UpdateFrequency  time.Duration
	MaxUpdateWait    time.Duration
	MaxConcurrency   int
	QueriesPerSecond float64
}

func DefaultConfig() Config {
	return Config{
		ScriptDir:        filepath.Join("jetrun", "scripts"),
		LogDir:           "logs",
		UpdateFrequency:  time.Second,
		MaxUpdateWait:    time.Hour,
		MaxConcurrency:   DefaultMaxConcurrency,
		QueriesPerSecond: 2,
	}
}

type Backend struct {
	cfg     Config
	cmd     Commander
	limiter *backends.RateLimiter
}

func New(cfg Config, cmd Commander) *Backend {
	def := DefaultConfig()
	if cfg.ScriptDir == "" {
		cfg.ScriptDir = def.ScriptDir
	}
	if cfg.LogDir == "" {
		cfg.LogDir = def.LogDir
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cmd == nil {
		cmd = ExecCommander{}
	}
	return &Backend{cfg: cfg, cmd: cmd, limiter: backends.NewRateLimiter(cfg.QueriesPerSecond)}
}

func (b *Backend) Name() string { return "slurm" }

func (b *Backend) ConcurrencyLimit() int { return b.cfg.MaxConcurrency }

// Submit writes the batch script, stages it and hands it to sbatch.
func (b *Backend) Submit(ctx context.Context, taskID string, d workflow.Directive) (workflow.JobHandle, error) {
	if err := backends.ValidateDirective(taskID, d); err != nil {
		return workflow.JobHandle{}, err
	}
	name := jobName(taskID, uuid.NewString()[:8])
	script := renderScript(name, taskID, d, b.cfg)

	if err := os.MkdirAll(b.cfg.ScriptDir, 0o755); err != nil {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: fmt.Errorf("create script dir: %w", err)}
	}
	local := filepath.Join(b.cfg.ScriptDir, name+".sh")
	if err := os.WriteFile(local, []byte(script), 0o755); err != nil {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: fmt.Errorf("write script: %w", err)}
	}
	staged, err := b.cmd.Stage(ctx, local)
	if err != nil {
		if errors.Is(err, backends.ErrUnavailable) {
			return workflow.JobHandle{}, err
		}
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Err: err}
	}

	res, err := b.cmd.Run(ctx, []string{"sbatch", "--parsable", staged}, nil)
	if err != nil {
		if errors.Is(err, backends.ErrUnavailable) || ctx.Err() != nil {
			return workflow.JobHandle{}, err
		}
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Result: &res, Err: err}
	}
	if res.ExitCode != 0 {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Result: &res}
	}
	jobID, cluster, err := parseSubmission(res.Stdout)
	if err != nil {
		return workflow.JobHandle{}, &backends.SubmissionError{Backend: b.Name(), TaskID: taskID, Result: &res, Err: err}
	}
	log.Info().Str("task", taskID).Str("job_id", jobID).Str("cluster", cluster).Msg("Submitted batch job")
	return workflow.JobHandle{
		Backend:    b.Name(),
		ExternalID: jobID,
		Cluster:    cluster,
		State:      rawSubmitted,
		Script:     local,
		Stdout:     outputPath(b.cfg.LogDir, name, jobID),
	}, nil
}

// parseSubmission reads sbatch --parsable output, "jobid" or "jobid;cluster".
func parseSubmission(stdout string) (string, string, error) {
	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	jobID, cluster, _ := strings.Cut(last, ";")
	if _, err := strconv.ParseUint(jobID, 10, 64); err != nil {
		return "", "", fmt.Errorf("unexpected sbatch output %q", last)
	}
	return jobID, strings.TrimSpace(cluster), nil
}

// Poll looks the job up in accounting. Missing or duplicate records are
// retried every UpdateFrequency until MaxUpdateWait has passed.
func (b *Backend) Poll(ctx context.Context, h workflow.JobHandle) (backends.PollResult, error) {
	rec, err := b.lookup(ctx, h)
	if err != nil {
		return backends.PollResult{}, err
	}
	raw := rec.State()
	res := backends.PollResult{Raw: raw, ExitCode: rec.ExitCode(), Checked: time.Now()}
	switch Classify(raw) {
	case ClassActive:
		res.State = backends.StateRunning
	case ClassCompleted:
		res.State = backends.StateComplete
	case ClassFailed:
		res.State = backends.StateFailed
		res.Message = fmt.Sprintf("slurm job %s ended %s", h.ExternalID, raw)
	default:
		res.State = backends.StateUnknown
	}
	return res, nil
}

func (b *Backend) lookup(ctx context.Context, h workflow.JobHandle) (Record, error) {
	policy := backends.FixedRetryPolicy(b.cfg.UpdateFrequency, b.cfg.MaxUpdateWait)
	policy.Retryable = func(err error) bool {
		var aqe *backends.AccountingQueryError
		return errors.As(err, &aqe)
	}
	var found Record
	err := policy.Do(ctx, "sacct", func(ctx context.Context) error {
		records, res, err := b.query(ctx, h.Cluster, []string{h.ExternalID})
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return &backends.AccountingQueryError{JobID: h.ExternalID, Result: &res}
		}
		var matches []Record
		for _, r := range records {
			if r.JobID() == h.ExternalID {
				matches = append(matches, r)
			}
		}
		if len(matches) != 1 {
			return &backends.AccountingQueryError{JobID: h.ExternalID, Matches: len(matches), Result: &res}
		}
		found = matches[0]
		return nil
	})
	return found, err
}

func (b *Backend) query(ctx context.Context, cluster string, ids []string) ([]Record, backends.CommandResult, error) {
	if err := b.limiter.Wait(ctx); err != nil {
		return nil, backends.CommandResult{}, err
	}
	argv := sacctArgs(cluster, ids)
	log.Debug().Strs("argv", argv).Msg("Querying accounting")
	res, err := b.cmd.Run(ctx, argv, nil)
	if err != nil {
		return nil, res, err
	}
	if res.ExitCode != 0 {
		return nil, res, nil
	}
	return ParseSacct(res.Stdout), res, nil
}

// Query returns accounting records for the given job ids, or for every job
// accounting reports when all is set and no ids are given.
func (b *Backend) Query(ctx context.Context, all bool, ids ...string) ([]Record, error) {
	if len(ids) == 0 && !all {
		return nil, errors.New("slurm: job ids required unless querying all jobs")
	}
	records, res, err := b.query(ctx, "", ids)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("sacct: %s", res.String())
	}
	return records, nil
}

// Cancel asks the scheduler to kill the job.
func (b *Backend) Cancel(ctx context.Context, h workflow.JobHandle) error {
	argv := []string{"scancel"}
	if h.Cluster != "" {
		argv = append(argv, "-M", h.Cluster)
	}
	argv = append(argv, h.ExternalID)
	res, err := b.cmd.Run(ctx, argv, nil)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("scancel %s: %s", h.ExternalID, res.String())
	}
	return nil
}

// WaitFor polls the handles every UpdateFrequency until none is active. Jobs
// in unrecognized states are waited on too. With a positive timeout it gives
// up with backends.ErrTimeout, leaving the jobs running.
func (b *Backend) WaitFor(ctx context.Context, timeout time.Duration, handles ...workflow.JobHandle) (map[string]backends.PollResult, error) {
	if len(handles) == 0 {
		return nil, errors.New("slurm: no jobs given")
	}
	start := time.Now()
	results := make(map[string]backends.PollResult, len(handles))
	waiting := append([]workflow.JobHandle(nil), handles...)
	for {
		var next []workflow.JobHandle
		for _, h := range waiting {
			res, err := b.Poll(ctx, h)
			if err != nil {
				return results, err
			}
			if res.State == backends.StateComplete || res.State == backends.StateFailed {
				results[h.ExternalID] = res
				continue
			}
			next = append(next, h)
		}
		waiting = next
		if len(waiting) == 0 {
			return results, nil
		}
		if timeout > 0 && time.Since(start) > timeout {
			return results, fmt.Errorf("%w: %d job(s) still active after %s", backends.ErrTimeout, len(waiting), timeout)
		}
		t := time.NewTimer(b.cfg.UpdateFrequency)
		select {
		case <-ctx.Done():
			t.Stop()
			return results, ctx.Err()
		case <-t.C:
		}
	}
}

func (b *Backend) Close() error {
	if c, ok := b.cmd.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
