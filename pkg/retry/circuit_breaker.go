// Package retry implements RetryExecutor and CircuitBreaker (§4.5,
// §4.6), wrapping pkg/stepexec.
package retry

import (
	"sync"
	"time"

	"github.com/driftkit-ai/driftkit-framework/pkg/workflow"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// stepBreaker is one step's circuit-breaker state machine (§4.6). No
// third-party breaker library appears anywhere in the retrieved
// corpus (confirmed: neither the teacher nor any other example repo
// imports one) so this follows the mutex-guarded-state-machine idiom
// the teacher already uses for shared per-key counters.
type stepBreaker struct {
	mu                   sync.Mutex
	cfg                  workflow.CircuitBreakerConfig
	state                breakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	openedAt             time.Time
	halfOpenStartedAt    time.Time
	halfOpenInFlight     int
}

// CircuitBreaker owns one stepBreaker per stepId, admitted/recorded
// atomically per §5 ("CircuitBreaker state per stepId: serialized by
// a per-step monitor").
type CircuitBreaker struct {
	mu         sync.Mutex
	perStep    map[string]*stepBreaker
	defaultCfg workflow.CircuitBreakerConfig
	now        func() time.Time
}

// NewCircuitBreaker builds a CircuitBreaker with defaultCfg applied to
// any step that doesn't carry its own CircuitBreakerConfig.
func NewCircuitBreaker(defaultCfg workflow.CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{
		perStep:    make(map[string]*stepBreaker),
		defaultCfg: defaultCfg,
		now:        time.Now,
	}
}

func (cb *CircuitBreaker) breakerFor(stepID string, cfg *workflow.CircuitBreakerConfig) *stepBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	b, ok := cb.perStep[stepID]
	if !ok {
		effective := cb.defaultCfg
		if cfg != nil {
			effective = *cfg
		}
		b = &stepBreaker{cfg: effective, state: stateClosed}
		cb.perStep[stepID] = b
	}
	return b
}

// AllowExecution reports whether stepID may run now, transitioning
// OPEN→HALF_OPEN when openDurationMs has elapsed and admitting the
// first (or, while still within halfOpenMaxAttempts, a subsequent)
// probe.
func (cb *CircuitBreaker) AllowExecution(stepID string, cfg *workflow.CircuitBreakerConfig) bool {
	b := cb.breakerFor(stepID, cfg)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := cb.now()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if now.Sub(b.openedAt) >= time.Duration(b.cfg.OpenDurationMs)*time.Millisecond {
			b.state = stateHalfOpen
			b.halfOpenStartedAt = now
			b.halfOpenInFlight = 1
			b.consecutiveSuccesses = 0
			return true
		}
		return false
	case stateHalfOpen:
		if now.Sub(b.halfOpenStartedAt) >= time.Duration(b.cfg.HalfOpenDurationMs)*time.Millisecond {
			// window expired without enough successes: back to OPEN.
			b.state = stateOpen
			b.openedAt = now
			b.halfOpenInFlight = 0
			return false
		}
		if b.halfOpenInFlight < b.cfg.HalfOpenMaxAttempts {
			b.halfOpenInFlight++
			return true
		}
		return false
	}
	return false
}

// RecordSuccess reports a successful call for stepID.
func (cb *CircuitBreaker) RecordSuccess(stepID string) {
	b := cb.breakerFor(stepID, nil)
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.consecutiveFailures = 0
	case stateHalfOpen:
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.state = stateClosed
			b.consecutiveFailures = 0
			b.consecutiveSuccesses = 0
			b.halfOpenInFlight = 0
		}
	}
}

// RecordFailure reports a failed call for stepID.
func (cb *CircuitBreaker) RecordFailure(stepID string) {
	b := cb.breakerFor(stepID, nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	now := cb.now()

	switch b.state {
	case stateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.state = stateOpen
			b.openedAt = now
			b.consecutiveFailures = 0
		}
	case stateHalfOpen:
		b.state = stateOpen
		b.openedAt = now
		b.consecutiveSuccesses = 0
		b.halfOpenInFlight = 0
	}
}

// Reset clears stepID's breaker back to CLOSED with all counters zeroed.
func (cb *CircuitBreaker) Reset(stepID string) {
	b := cb.breakerFor(stepID, nil)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.halfOpenInFlight = 0
}
