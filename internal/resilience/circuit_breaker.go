package resilience

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// BreakerState represents the state of the circuit breaker.
type BreakerState int

const (
	// StateClosed indicates the circuit is closed and calls flow normally.
	StateClosed BreakerState = iota
	// StateOpen indicates the circuit is open and calls are rejected until
	// the reset window passes.
	StateOpen
	// StateHalfOpen indicates a trial state where one probe call is allowed.
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Execute while the circuit rejects calls.
var ErrBreakerOpen = fmt.Errorf("circuit breaker open")

// BreakerObserver is notified on every state transition.
type BreakerObserver func(name string, from, to BreakerState)

// CircuitBreaker opens after N consecutive failures, stays open for the reset
// window, then half-opens and admits one trial call.
type CircuitBreaker struct {
	mu sync.Mutex

	name             string
	failureThreshold int
	reset            time.Duration
	observers        []BreakerObserver

	state           BreakerState
	failureCount    int
	probeInFlight   bool
	lastFailureTime time.Time
}

// NewCircuitBreaker creates a breaker with the given consecutive-failure
// threshold and open-state reset window.
func NewCircuitBreaker(name string, failureThreshold int, reset time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		reset:            reset,
		state:            StateClosed,
	}
}

// OnTransition registers an observer for state changes.
func (cb *CircuitBreaker) OnTransition(obs BreakerObserver) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observers = append(cb.observers, obs)
}

// Execute runs op if the breaker admits the call, recording the outcome.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allow() {
		return ErrBreakerOpen
	}
	err := op()
	if err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.reset {
			cb.transition(StateHalfOpen)
			cb.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		// One probe at a time while half-open.
		if cb.probeInFlight {
			return false
		}
		cb.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.probeInFlight = false
	if cb.state != StateClosed {
		cb.transition(StateClosed)
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount++
	cb.lastFailureTime = time.Now()
	cb.probeInFlight = false

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.transition(StateOpen)
		}
	case StateHalfOpen:
		cb.transition(StateOpen)
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// transition must be called with the mutex held.
func (cb *CircuitBreaker) transition(to BreakerState) {
	from := cb.state
	cb.state = to
	slog.Info("circuit breaker state change",
		slog.String("breaker", cb.name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("failure_count", cb.failureCount))
	for _, obs := range cb.observers {
		obs(cb.name, from, to)
	}
}
