package backends

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

// RetryPolicy bounds a retried operation by attempts and/or elapsed time.
// With both bounds zero the operation runs once.
type RetryPolicy struct {
	Interval      time.Duration
	MaxElapsed    time.Duration
	MaxAttempts   int
	BackoffFactor float64 // <= 1 keeps the interval fixed
	MaxInterval   time.Duration
	Jitter        float64 // fraction of the delay, e.g. 0.25 for ±25%
	// Retryable reports whether an error is worth another attempt. Nil retries everything.
	Retryable func(error) bool
}

// FixedRetryPolicy sleeps interval between attempts until maxElapsed has passed.
func FixedRetryPolicy(interval, maxElapsed time.Duration) RetryPolicy {
	return RetryPolicy{Interval: interval, MaxElapsed: maxElapsed}
}

// Do runs op until it succeeds, returns a non-retryable error, or the policy
// is exhausted. The last error is returned on exhaustion.
func (p RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) error {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		err := op(ctx)
		if err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if p.exhausted(attempt+1, time.Since(start)) {
			return err
		}
		delay := p.delay(attempt)
		log.Debug().
			Err(err).
			Str("op", name).
			Int("attempt", attempt+1).
			Dur("delay", delay).
			Msg("Retrying after transient error")
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		case <-t.C:
		}
	}
}

func (p RetryPolicy) exhausted(attempts int, elapsed time.Duration) bool {
	if p.MaxAttempts <= 0 && p.MaxElapsed <= 0 {
		return true
	}
	if p.MaxAttempts > 0 && attempts >= p.MaxAttempts {
		return true
	}
	return p.MaxElapsed > 0 && elapsed >= p.MaxElapsed
}

// delay calculates the backoff delay for an attempt with optional jitter.
func (p RetryPolicy) delay(attempt int) time.Duration {
	d := float64(p.Interval)
	if p.BackoffFactor > 1 {
		d *= math.Pow(p.BackoffFactor, float64(attempt))
	}
	if p.Jitter > 0 {
		d += d * p.Jitter * (2*rand.Float64() - 1)
	}
	if p.MaxInterval > 0 && d > float64(p.MaxInterval) {
		d = float64(p.MaxInterval)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// RateLimiter enforces a minimum interval between calls to a shared resource,
// such as a scheduler's accounting daemon.
type RateLimiter struct {
	mu       sync.Mutex
	lastCall time.Time
	interval time.Duration
}

// NewRateLimiter creates a rate limiter. A non-positive rate disables limiting.
func NewRateLimiter(requestsPerSecond float64) *RateLimiter {
	rl := &RateLimiter{}
	if requestsPerSecond > 0 {
		rl.interval = time.Duration(float64(time.Second) / requestsPerSecond)
	}
	return rl
}

// Wait blocks until the next call is allowed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.interval <= 0 {
		return nil
	}
	if !rl.lastCall.IsZero() {
		if wait := rl.interval - time.Since(rl.lastCall); wait > 0 {
			log.Trace().Dur("sleep", wait).Msg("Rate limiting scheduler call")
			t := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
	rl.lastCall = time.Now()
	return nil
}

// ValidateDirective rejects directives no backend can execute.
func ValidateDirective(taskID string, d workflow.Directive) error {
	if strings.TrimSpace(d.Cmd) == "" {
		return fmt.Errorf("%w: task %s: %w", ErrInvalidDirective, taskID,
			workflow.ValidationError{Task: taskID, Field: "cmd", Message: "command cannot be empty"})
	}
	if d.CPUs < 0 {
		return fmt.Errorf("%w: task %s: %w", ErrInvalidDirective, taskID,
			workflow.ValidationError{Task: taskID, Field: "cpus", Message: "must not be negative"})
	}
	for k := range d.Env {
		if k == "" || strings.ContainsAny(k, "= \t\n") {
			return fmt.Errorf("%w: task %s: %w", ErrInvalidDirective, taskID,
				workflow.ValidationError{Task: taskID, Field: "env", Message: fmt.Sprintf("invalid variable name %q", k)})
		}
	}
	return nil
}
