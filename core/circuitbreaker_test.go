package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreaker(t *testing.T, now *time.Time) *CircuitBreaker {
	t.Helper()
	cb, err := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, Cooldown: time.Minute})
	require.NoError(t, err)
	cb.now = func() time.Time { return *now }
	return cb
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, &now)

	assert.Equal(t, CircuitBreakerStateClosed, cb.RecordFailure())
	assert.Equal(t, CircuitBreakerStateOpen, cb.RecordFailure())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreakerHalfOpenProbe(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, &now)
	cb.RecordFailure()
	cb.RecordFailure()

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow(), "probe should be allowed after cooldown")
	assert.Equal(t, CircuitBreakerStateHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen, "only one probe at a time")

	cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerStateClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreakerProbeFailureReopens(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, &now)
	cb.RecordFailure()
	cb.RecordFailure()

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitBreakerStateOpen, cb.RecordFailure())
	assert.ErrorIs(t, cb.Allow(), ErrCircuitBreakerOpen)
}

func TestCircuitBreakerExecute(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cb := newTestBreaker(t, &now)
	boom := errors.New("boom")

	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)
	assert.ErrorIs(t, cb.Execute(func() error { return boom }), boom)

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitBreakerOpen)
	assert.False(t, called)
}

func TestCircuitBreakerConfigValidation(t *testing.T) {
	_, err := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 0, Cooldown: time.Second})
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)

	_, err = NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1})
	assert.ErrorIs(t, err, ErrInvalidCircuitBreakerConfig)

	_, err = NewCircuitBreaker(DefaultCircuitBreakerConfig())
	assert.NoError(t, err)
}
