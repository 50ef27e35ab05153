package backends

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/3cpo-dev/jetrun/internal/workflow"
)

var errFlaky = errors.New("flaky")

func TestRetryPolicySucceedsAfterTransientErrors(t *testing.T) {
	calls := 0
	p := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 5}
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errFlaky
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyReturnsLastError(t *testing.T) {
	calls := 0
	p := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 4}
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return errFlaky
	})
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected last error, got %v", err)
	}
	if calls != 4 {
		t.Fatalf("expected 4 calls, got %d", calls)
	}
}

func TestRetryPolicyElapsedBound(t *testing.T) {
	p := FixedRetryPolicy(5*time.Millisecond, 30*time.Millisecond)
	start := time.Now()
	err := p.Do(context.Background(), "test", func(ctx context.Context) error { return errFlaky })
	if !errors.Is(err, errFlaky) {
		t.Fatalf("expected errFlaky, got %v", err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatalf("gave up before max elapsed")
	}
}

func TestRetryPolicyStopsOnNonRetryable(t *testing.T) {
	calls := 0
	fatal := errors.New("fatal")
	p := RetryPolicy{Interval: time.Millisecond, MaxAttempts: 10, Retryable: func(err error) bool { return errors.Is(err, errFlaky) }}
	err := p.Do(context.Background(), "test", func(ctx context.Context) error {
		calls++
		return fatal
	})
	if !errors.Is(err, fatal) || calls != 1 {
		t.Fatalf("expected single fatal call, got %v after %d calls", err, calls)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{Interval: time.Hour, MaxAttempts: 3}
	err := p.Do(ctx, "test", func(ctx context.Context) error { return errFlaky })
	if !errors.Is(err, context.Canceled) || !errors.Is(err, errFlaky) {
		t.Fatalf("expected canceled wrapping last error, got %v", err)
	}
}

func TestRetryPolicyDelayCapped(t *testing.T) {
	p := RetryPolicy{Interval: time.Second, BackoffFactor: 2, MaxInterval: 3 * time.Second}
	if d := p.delay(0); d != time.Second {
		t.Fatalf("attempt 0 delay %v", d)
	}
	if d := p.delay(5); d != 3*time.Second {
		t.Fatalf("expected cap, got %v", d)
	}
}

func TestRateLimiterSpacesCalls(t *testing.T) {
	rl := NewRateLimiter(50) // 20ms apart
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := rl.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Fatalf("calls not spaced: %v", elapsed)
	}
}

func TestValidateDirective(t *testing.T) {
	if err := ValidateDirective("a", workflow.Directive{Cmd: "echo hi"}); err != nil {
		t.Fatalf("valid directive rejected: %v", err)
	}
	bad := []workflow.Directive{
		{Cmd: "  "},
		{Cmd: "x", CPUs: -2},
		{Cmd: "x", Env: map[string]string{"A B": "1"}},
	}
	for _, d := range bad {
		if err := ValidateDirective("a", d); !errors.Is(err, ErrInvalidDirective) {
			t.Errorf("expected ErrInvalidDirective for %+v, got %v", d, err)
		}
	}
}

type stubBackend struct{ name string }

func (s stubBackend) Name() string { return s.name }
func (s stubBackend) Submit(ctx context.Context, id string, d workflow.Directive) (workflow.JobHandle, error) {
	return workflow.JobHandle{}, nil
}
func (s stubBackend) Poll(ctx context.Context, h workflow.JobHandle) (PollResult, error) {
	return PollResult{State: StateComplete}, nil
}
func (s stubBackend) Cancel(ctx context.Context, h workflow.JobHandle) error { return nil }
func (s stubBackend) ConcurrencyLimit() int                                  { return 1 }
func (s stubBackend) Close() error                                           { return nil }

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register(stubBackend{name: "slurm"})
	reg.Register(stubBackend{name: "local"})
	if _, err := reg.Get("local"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := reg.Get("pbs"); err == nil {
		t.Fatalf("expected error for unregistered backend")
	}
	if names := reg.Names(); len(names) != 2 || names[0] != "local" {
		t.Fatalf("unexpected names %v", names)
	}
	if err := reg.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
