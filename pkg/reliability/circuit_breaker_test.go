package reliability

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/odvcencio/ensync/pkg/errors"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var errUnavailable = apperrors.New(apperrors.ErrCodeConnection, "node unavailable")

func newTestBreaker(clock *fakeClock, changes *[]StateChange) *CircuitBreaker {
	return NewCircuitBreaker(CircuitBreakerConfig{
		MaxFailures: 3,
		Timeout:     time.Second,
		now:         clock.Now,
		OnStateChange: func(c StateChange) {
			*changes = append(*changes, c)
		},
	})
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var changes []StateChange
	cb := newTestBreaker(clock, &changes)

	for i := 0; i < 3; i++ {
		err := cb.Execute(func() error { return errUnavailable })
		assert.ErrorIs(t, err, errUnavailable)
	}
	assert.Equal(t, CircuitOpen, cb.State())

	called := false
	err := cb.Execute(func() error { called = true; return nil })
	require.Error(t, err)
	assert.False(t, called)
	assert.ErrorIs(t, err, ErrCircuitOpen)

	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 3, openErr.Failures)
	assert.Equal(t, time.Second, openErr.RetryAfter)

	require.Len(t, changes, 1)
	assert.Equal(t, CircuitClosed, changes[0].From)
	assert.Equal(t, CircuitOpen, changes[0].To)
}

func TestCircuitBreaker_IgnoresCallerErrors(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var changes []StateChange
	cb := newTestBreaker(clock, &changes)

	for i := 0; i < 10; i++ {
		_ = cb.Execute(func() error { return apperrors.New(apperrors.ErrCodeInvalidInput, "bad recipient") })
	}
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var changes []StateChange
	cb := newTestBreaker(clock, &changes)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errUnavailable })
	}
	clock.Advance(time.Second)

	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, CircuitClosed, cb.State())

	require.Len(t, changes, 3)
	assert.Equal(t, CircuitHalfOpen, changes[1].To)
	assert.Equal(t, CircuitClosed, changes[2].To)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var changes []StateChange
	cb := newTestBreaker(clock, &changes)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errUnavailable })
	}
	clock.Advance(2 * time.Second)

	_ = cb.Execute(func() error { return errUnavailable })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_Reset(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	var changes []StateChange
	cb := newTestBreaker(clock, &changes)

	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errUnavailable })
	}
	cb.Reset()
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, 0, cb.ConsecutiveFailures())
	assert.Equal(t, "closed", cb.State().String())
}
