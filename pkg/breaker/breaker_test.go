package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func newTestBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg)
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestClosedUntilFailureThreshold(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, b.State())
	assert.NoError(t, b.Allow())

	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	var openErr *OpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "test", openErr.Name)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)
	b.RecordSuccess()
	b.RecordFailure(errBoom)
	b.RecordFailure(errBoom)

	assert.Equal(t, StateClosed, b.State())
}

func TestOpenTransitionsToHalfOpenAfterTimeout(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: 30 * time.Second, SuccessThreshold: 2})

	b.RecordFailure(errBoom)
	require.Equal(t, StateOpen, b.State())
	assert.Equal(t, 30*time.Second, b.TimeUntilRetry())

	*now = now.Add(29 * time.Second)
	assert.Equal(t, StateOpen, b.State())

	*now = now.Add(2 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
	assert.Zero(t, b.TimeUntilRetry())
}

func TestHalfOpenClosesAfterSuccessThreshold(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2, HalfOpenMaxInFlight: 2})

	b.RecordFailure(errBoom)
	*now = now.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 2})

	b.RecordFailure(errBoom)
	*now = now.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestHalfOpenLimitsConcurrentProbes(t *testing.T) {
	b, now := newTestBreaker(Config{FailureThreshold: 1, RecoveryTimeout: time.Second, SuccessThreshold: 1, HalfOpenMaxInFlight: 1})

	b.RecordFailure(errBoom)
	*now = now.Add(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	require.NoError(t, b.Allow())
	err := b.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
}

func TestRejectionsNotCountedAsFailures(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})

	b.RecordFailure(&OpenError{Name: "other", RetryAfter: time.Second})
	b.RecordFailure(errBoom)
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure(errBoom)
	assert.Equal(t, StateOpen, b.State())
}

func TestCallRecordsOutcome(t *testing.T) {
	b, _ := newTestBreaker(Config{FailureThreshold: 2, RecoveryTimeout: time.Minute, SuccessThreshold: 1})
	ctx := context.Background()

	require.NoError(t, b.Call(ctx, func(context.Context) error { return nil }))

	assert.ErrorIs(t, b.Call(ctx, func(context.Context) error { return errBoom }), errBoom)
	assert.ErrorIs(t, b.Call(ctx, func(context.Context) error { return errBoom }), errBoom)
	assert.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Call(ctx, func(context.Context) error { calls++; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.Zero(t, calls, "open circuit must short-circuit the call")
}

func TestProfileDefaults(t *testing.T) {
	llm := LLMDefaults()
	assert.Equal(t, 5, llm.FailureThreshold)
	assert.Equal(t, 30*time.Second, llm.RecoveryTimeout)
	assert.Equal(t, 2, llm.SuccessThreshold)

	sb := SandboxDefaults()
	assert.Equal(t, 3, sb.FailureThreshold)
	assert.Equal(t, 60*time.Second, sb.RecoveryTimeout)
	assert.Equal(t, 1, sb.SuccessThreshold)
	assert.Equal(t, 1, sb.HalfOpenMaxInFlight)
}

func TestRegistryCreatesOnFirstUse(t *testing.T) {
	r := NewRegistry(func(name string) Config {
		if name == "sandbox" {
			return SandboxDefaults()
		}
		return LLMDefaults()
	})

	a := r.Get("llm:anthropic")
	assert.Same(t, a, r.Get("llm:anthropic"))
	assert.NotSame(t, a, r.Get("sandbox"))

	states := r.States()
	assert.Equal(t, StateClosed, states["llm:anthropic"])
	assert.Equal(t, StateClosed, states["sandbox"])
}
