package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(threshold int, recovery time.Duration) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		RecoveryTimeout:  recovery,
		Timeout:          time.Second,
	})
}

func TestBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)
	for i := 0; i < 5; i++ {
		require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return boom }), boom)
	}
	assert.Equal(t, StateOpen, cb.State())

	// Open circuit rejects without invoking the function.
	called := false
	err := cb.Execute(context.Background(), func(context.Context) error {
		called = true
		return nil
	})
	assert.Error(t, err)
	assert.False(t, called)
	assert.Contains(t, err.Error(), "is open")
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") }))
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(20 * time.Millisecond)

	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerReopensOnFailedProbe(t *testing.T) {
	cb := newTestBreaker(1, 10*time.Millisecond)

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return errors.New("boom") }))
	time.Sleep(20 * time.Millisecond)

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return errors.New("still down") }))
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := newTestBreaker(2, time.Minute)
	boom := errors.New("boom")

	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return boom }))
	require.NoError(t, cb.Execute(context.Background(), func(context.Context) error { return nil }))
	require.Error(t, cb.Execute(context.Background(), func(context.Context) error { return boom }))

	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerAppliesTimeout(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "timeout",
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		Timeout:          10 * time.Millisecond,
	})

	err := cb.Execute(context.Background(), func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
			return nil
		}
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
