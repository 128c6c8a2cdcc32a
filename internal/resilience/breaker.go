package resilience

import (
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// State is the circuit breaker state
type State string

// Circuit breaker states
const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// Breaker defaults
const (
	DefaultFailureThreshold = 5
	DefaultCooldown         = 30 * time.Second
)

// ErrCircuitOpen matches every CircuitOpenError via errors.Is
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitOpenError is returned when a call is rejected without being attempted
type CircuitOpenError struct {
	Name      string
	State     State
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit breaker %s is HALF_OPEN and a probe is in flight", e.Name)
	}
	return fmt.Sprintf("circuit breaker %s is OPEN, retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Is reports ErrCircuitOpen as a match
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrCircuitOpen
}

// Settings configures a CircuitBreaker
type Settings struct {
	Name             string
	FailureThreshold int
	Cooldown         time.Duration

	// Now overrides the clock, mainly for tests
	Now func() time.Time

	// OnStateChange is called after every transition, outside the breaker lock
	OnStateChange func(name string, from, to State)
}

// Snapshot is a point-in-time view of a breaker
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failureCount"`
	FailureThreshold int        `json:"failureThreshold"`
	Cooldown         string     `json:"cooldown"`
	LastFailureTime  *time.Time `json:"lastFailureTime"`
}

// CircuitBreaker tracks consecutive failures of one outbound dependency.
//
// OPEN moves to HALF_OPEN lazily: the first Allow after the cooldown admits a
// single probe. Any failure while HALF_OPEN reopens the breaker immediately.
//
// Every transition starts a new generation. Allow hands out the current one
// and outcomes reported for an older generation are ignored, so a call that
// was admitted before the breaker tripped cannot close or extend it.
type CircuitBreaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	now           func() time.Time
	onStateChange func(name string, from, to State)

	mu              sync.Mutex
	state           State
	generation      uint64
	failureCount    int
	lastFailureTime time.Time
	probing         bool
}

// NewCircuitBreaker creates a CLOSED breaker
func NewCircuitBreaker(s Settings) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:          s.Name,
		threshold:     s.FailureThreshold,
		cooldown:      s.Cooldown,
		now:           s.Now,
		onStateChange: s.OnStateChange,
		state:         StateClosed,
	}
	if cb.threshold <= 0 {
		cb.threshold = DefaultFailureThreshold
	}
	if cb.cooldown <= 0 {
		cb.cooldown = DefaultCooldown
	}
	if cb.now == nil {
		cb.now = time.Now
	}
	return cb
}

// Name returns the dependency name
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// State returns the current state without evaluating the cooldown
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow decides whether a call may proceed and returns the generation it was
// admitted in. Every nil error must be followed by exactly one of
// RecordSuccess, RecordFailure or Abort with that generation.
func (cb *CircuitBreaker) Allow() (uint64, error) {
	cb.mu.Lock()
	from := cb.state

	switch cb.state {
	case StateOpen:
		elapsed := cb.now().Sub(cb.lastFailureTime)
		if elapsed < cb.cooldown {
			cb.mu.Unlock()
			return 0, &CircuitOpenError{Name: cb.name, State: StateOpen, Remaining: cb.cooldown - elapsed}
		}
		cb.setState(StateHalfOpen)
		cb.failureCount = 0
		cb.probing = true
	case StateHalfOpen:
		if cb.probing {
			cb.mu.Unlock()
			return 0, &CircuitOpenError{Name: cb.name, State: StateHalfOpen}
		}
		cb.probing = true
	}

	to, generation := cb.state, cb.generation
	cb.mu.Unlock()

	cb.notify(from, to)
	return generation, nil
}

// RecordSuccess closes the breaker and clears the failure count
func (cb *CircuitBreaker) RecordSuccess(generation uint64) {
	cb.mu.Lock()
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	cb.setState(StateClosed)
	cb.failureCount = 0
	cb.probing = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// RecordFailure counts a failed call and opens the breaker when the threshold is
// reached, or at once when the failed call was the HALF_OPEN probe.
func (cb *CircuitBreaker) RecordFailure(generation uint64) {
	cb.mu.Lock()
	if generation != cb.generation {
		cb.mu.Unlock()
		return
	}
	from := cb.state
	cb.failureCount++
	cb.lastFailureTime = cb.now()

	switch cb.state {
	case StateHalfOpen:
		cb.setState(StateOpen)
		cb.probing = false
	case StateClosed:
		if cb.failureCount >= cb.threshold {
			cb.setState(StateOpen)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Abort releases an admitted call that ended without a verdict on the
// dependency, such as a caller cancellation.
func (cb *CircuitBreaker) Abort(generation uint64) {
	cb.mu.Lock()
	if generation == cb.generation {
		cb.probing = false
	}
	cb.mu.Unlock()
}

// Reset is the operator override: CLOSED, no failures, no failure time.
// Calls still in flight from before the reset no longer count.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.generation++
	cb.failureCount = 0
	cb.lastFailureTime = time.Time{}
	cb.probing = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// setState must be called with mu held
func (cb *CircuitBreaker) setState(to State) {
	if cb.state != to {
		cb.state = to
		cb.generation++
	}
}

// Snapshot returns the current counters
func (cb *CircuitBreaker) Snapshot() Snapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Snapshot{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.threshold,
		Cooldown:         cb.cooldown.String(),
	}
	if !cb.lastFailureTime.IsZero() {
		t := cb.lastFailureTime
		s.LastFailureTime = &t
	}
	return s
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
