package gateway

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitBreakerState is the breaker position.
type CircuitBreakerState int

const (
	CircuitBreakerClosed   CircuitBreakerState = iota // calls flow
	CircuitBreakerOpen                                // calls fail fast
	CircuitBreakerHalfOpen                            // probing recovery
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitBreakerClosed:
		return "closed"
	case CircuitBreakerOpen:
		return "open"
	case CircuitBreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without calling the authority while the breaker is open.
var ErrCircuitOpen = errors.New("authority circuit breaker is open")

// CircuitBreaker stops calling the authority after a run of consecutive
// transport failures and lets a limited number of probes through once the
// cooldown has elapsed. Business rejections count as successes: the authority
// answered.
type CircuitBreaker struct {
	maxFailures      int
	cooldownPeriod   time.Duration
	successThreshold int
	isFailure        func(error) bool
	now              func() time.Time

	mu              sync.Mutex
	state           CircuitBreakerState
	failureCount    int
	successCount    int
	totalRequests   int64
	totalFailures   int64
	lastFailureTime time.Time
	lastStateChange time.Time
}

// NewCircuitBreaker creates a closed breaker. isFailure decides which errors
// count against the authority; nil treats every error as a failure.
func NewCircuitBreaker(maxFailures int, cooldownPeriod time.Duration, isFailure func(error) bool) *CircuitBreaker {
	if maxFailures <= 0 {
		maxFailures = 5
	}
	if cooldownPeriod <= 0 {
		cooldownPeriod = 30 * time.Second
	}
	if isFailure == nil {
		isFailure = func(err error) bool { return err != nil }
	}
	return &CircuitBreaker{
		maxFailures:      maxFailures,
		cooldownPeriod:   cooldownPeriod,
		successThreshold: 2,
		isFailure:        isFailure,
		now:              time.Now,
		state:            CircuitBreakerClosed,
	}
}

// Execute runs fn unless the breaker is open.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn()
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != CircuitBreakerOpen {
		return true
	}
	if cb.now().Sub(cb.lastStateChange) < cb.cooldownPeriod {
		return false
	}
	cb.setState(CircuitBreakerHalfOpen)
	return true
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++

	if cb.isFailure(err) {
		cb.totalFailures++
		cb.failureCount++
		cb.lastFailureTime = cb.now()
		if cb.state == CircuitBreakerHalfOpen || cb.failureCount >= cb.maxFailures {
			cb.setState(CircuitBreakerOpen)
		}
		return
	}

	cb.failureCount = 0
	if cb.state == CircuitBreakerHalfOpen {
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			cb.setState(CircuitBreakerClosed)
		}
	}
}

// setState must be called with mu held.
func (cb *CircuitBreaker) setState(s CircuitBreakerState) {
	cb.state = s
	cb.successCount = 0
	cb.lastStateChange = cb.now()
	if s == CircuitBreakerClosed {
		cb.failureCount = 0
	}
}

// State returns the current state.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// CircuitBreakerStats is a snapshot for health reporting.
type CircuitBreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalRequests       int64     `json:"total_requests"`
	TotalFailures       int64     `json:"total_failures"`
	LastFailureTime     time.Time `json:"last_failure_time,omitempty"`
	LastStateChange     time.Time `json:"last_state_change,omitempty"`
}

// Stats returns a snapshot of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerStats{
		State:               cb.state.String(),
		ConsecutiveFailures: cb.failureCount,
		TotalRequests:       cb.totalRequests,
		TotalFailures:       cb.totalFailures,
		LastFailureTime:     cb.lastFailureTime,
		LastStateChange:     cb.lastStateChange,
	}
}

// Reset closes the breaker and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.setState(CircuitBreakerClosed)
	cb.totalRequests = 0
	cb.totalFailures = 0
	cb.lastFailureTime = time.Time{}
}
