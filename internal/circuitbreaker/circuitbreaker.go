// Package circuitbreaker guards calls to flaky upstreams (the weather API and
// the LLM aggregator).
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Call while the breaker is open.
var ErrOpen = errors.New("circuit breaker open")

// Breaker states.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the breaker state.
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Config holds breaker parameters. Zero values take defaults: 5 failures,
// 2 successes, 30s open timeout.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	Timeout          time.Duration
	Component        string
	// OnStateChange runs after every transition, outside the breaker lock.
	OnStateChange func(from, to State)
}

// CircuitBreaker opens after FailureThreshold consecutive failures, rejects
// calls for Timeout, then lets probes through in half-open state until
// SuccessThreshold of them succeed. Any failed probe reopens it.
type CircuitBreaker struct {
	cfg Config
	now func() time.Time

	mu        sync.RWMutex
	state     State
	failures  int
	successes int
	openedAt  time.Time
}

// New creates a closed CircuitBreaker.
func New(cfg Config) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg, now: time.Now}
}

// Call runs fn if the breaker admits it and records the outcome. A cancelled
// ctx returns its error without running fn or touching the counters.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.record(err)
	return err
}

// admit rejects while open and moves to half-open once the timeout has passed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	if cb.state != StateOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.cfg.Timeout {
		cb.mu.Unlock()
		return ErrOpen
	}
	from := cb.moveLocked(StateHalfOpen)
	cb.mu.Unlock()
	cb.notify(from, StateHalfOpen)
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	var from, to State
	changed := false
	if err != nil {
		cb.failures++
		if cb.state == StateHalfOpen || cb.failures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			from, to, changed = cb.moveLocked(StateOpen), StateOpen, true
		}
	} else {
		cb.failures = 0
		cb.successes++
		if cb.state == StateHalfOpen && cb.successes >= cb.cfg.SuccessThreshold {
			from, to, changed = cb.moveLocked(StateClosed), StateClosed, true
		}
	}
	cb.mu.Unlock()
	if changed {
		cb.notify(from, to)
	}
}

// moveLocked switches state, clears the counters and returns the previous state.
func (cb *CircuitBreaker) moveLocked(to State) State {
	from := cb.state
	cb.state = to
	cb.failures, cb.successes = 0, 0
	return from
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.cfg.OnStateChange != nil {
		cb.cfg.OnStateChange(from, to)
	}
}

// Component returns the name the breaker was configured with.
func (cb *CircuitBreaker) Component() string {
	return cb.cfg.Component
}

// State returns the current state.
func (cb *CircuitBreaker) State() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
