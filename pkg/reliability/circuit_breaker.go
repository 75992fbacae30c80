package reliability

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError describes an open circuit.
type CircuitOpenError struct {
	Failures   int
	LastError  error
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	msg := fmt.Sprintf("circuit breaker is open: %d consecutive failures", e.Failures)
	if e.LastError != nil {
		msg += fmt.Sprintf(", last error: %v", e.LastError)
	}
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(", retry after %v", e.RetryAfter.Round(time.Second))
	}
	return msg
}

func (e *CircuitOpenError) Unwrap() error {
	return ErrCircuitOpen
}

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// StateChange is passed to OnStateChange.
type StateChange struct {
	From      CircuitState
	To        CircuitState
	LastError error
}

// CircuitBreakerConfig holds the configuration for a circuit breaker
type CircuitBreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening.
	MaxFailures int
	// Timeout is how long the circuit stays open before a trial call.
	Timeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// IsFailure decides which errors count against the circuit. Defaults to
	// IsRetriable, so caller mistakes never trip it.
	IsFailure func(error) bool
	// OnStateChange is called outside the lock after every transition.
	OnStateChange func(StateChange)

	now func() time.Time
}

// CircuitBreaker guards calls to a remote dependency.
type CircuitBreaker struct {
	config CircuitBreakerConfig

	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
	lastError error
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures <= 0 {
		config.MaxFailures = 5
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	if config.IsFailure == nil {
		config.IsFailure = IsRetriable
	}
	if config.now == nil {
		config.now = time.Now
	}
	return &CircuitBreaker{config: config}
}

// Execute runs fn through the circuit breaker.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return nil
	}

	elapsed := cb.config.now().Sub(cb.openedAt)
	if elapsed >= cb.config.Timeout {
		change := cb.transition(CircuitHalfOpen)
		cb.mu.Unlock()
		cb.notify(change)
		return nil
	}

	err := &CircuitOpenError{
		Failures:   cb.failures,
		LastError:  cb.lastError,
		RetryAfter: cb.config.Timeout - elapsed,
	}
	cb.mu.Unlock()
	return err
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var change *StateChange

	if err != nil && cb.config.IsFailure(err) {
		cb.failures++
		cb.successes = 0
		cb.lastError = err
		if cb.state == CircuitHalfOpen || cb.failures >= cb.config.MaxFailures {
			if cb.state != CircuitOpen {
				cb.openedAt = cb.config.now()
				change = cb.transition(CircuitOpen)
			}
		}
	} else {
		switch cb.state {
		case CircuitClosed:
			cb.failures = 0
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				cb.failures = 0
				cb.successes = 0
				change = cb.transition(CircuitClosed)
			}
		}
	}
	cb.mu.Unlock()
	cb.notify(change)
}

// transition must be called with mu held.
func (cb *CircuitBreaker) transition(to CircuitState) *StateChange {
	from := cb.state
	cb.state = to
	return &StateChange{From: from, To: to, LastError: cb.lastError}
}

func (cb *CircuitBreaker) notify(change *StateChange) {
	if change == nil || cb.config.OnStateChange == nil {
		return
	}
	cb.config.OnStateChange(*change)
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// ConsecutiveFailures returns the current consecutive failure count.
func (cb *CircuitBreaker) ConsecutiveFailures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset closes the circuit and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	cb.failures = 0
	cb.successes = 0
	cb.lastError = nil
	cb.openedAt = time.Time{}
	change := cb.transition(CircuitClosed)
	cb.mu.Unlock()
	if change.From != CircuitClosed {
		cb.notify(change)
	}
}
