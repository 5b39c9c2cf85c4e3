package dispatch

import (
	"sync"
	"time"

	"github.com/lattice-labs/swarmcore/swarmmetrics"
)

// CircuitState is the admission-control state of the dispatcher.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitHalfOpen
	CircuitOpen
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// CircuitBreaker protects the dispatcher from admitting work onto an
// already-saturated queue.
type CircuitBreaker struct {
	mu sync.RWMutex

	state CircuitState

	queueThreshold int
	cooldownPeriod time.Duration
	testLimit      int

	openedAt time.Time
	testRuns int
}

// NewCircuitBreaker opens once queue depth exceeds queueThreshold.
func NewCircuitBreaker(queueThreshold int) *CircuitBreaker {
	return &CircuitBreaker{
		state:          CircuitClosed,
		queueThreshold: queueThreshold,
		cooldownPeriod: 30 * time.Second,
		testLimit:      5,
	}
}

// ShouldAdmit decides whether a newly submitted task should be accepted
// given the current queue depth.
func (cb *CircuitBreaker) ShouldAdmit(queueDepth int) bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && time.Since(cb.openedAt) > cb.cooldownPeriod {
		cb.state = CircuitHalfOpen
		cb.testRuns = 0
	}

	if cb.state == CircuitHalfOpen {
		if cb.testRuns < cb.testLimit {
			cb.testRuns++
			return true
		}
		if queueDepth < cb.queueThreshold/2 {
			cb.setState(CircuitClosed)
			return true
		}
		return false
	}

	if queueDepth > cb.queueThreshold {
		cb.setState(CircuitOpen)
		cb.openedAt = time.Now()
		return false
	}

	return cb.state == CircuitClosed
}

// RecordSuccess notifies the breaker of a successful dispatch, used while
// half-open to decide whether to close.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.testRuns >= cb.testLimit {
		cb.setState(CircuitClosed)
	}
}

// RecordFailure re-opens the breaker if a failure occurs during the
// half-open test window.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen {
		cb.setState(CircuitOpen)
		cb.openedAt = time.Now()
		cb.testRuns = 0
	}
}

func (cb *CircuitBreaker) setState(s CircuitState) {
	cb.state = s
	swarmmetrics.DispatchCircuitState.Reset()
	swarmmetrics.DispatchCircuitState.WithLabelValues(s.String()).Set(1)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}
