// Package circuit guards order execution against a failing exchange:
// repeated order failures open the breaker, a cooldown and a single
// half-open probe gate recovery. Emergency executions bypass it.
package circuit

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker blocks executions.
var ErrCircuitOpen = errors.New("execution circuit breaker open")

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Executions halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// Config holds circuit breaker configuration
type Config struct {
	Enabled                bool `json:"enabled"`
	MaxConsecutiveFailures int  `json:"max_consecutive_failures"` // failures in a row before tripping
	CooldownSeconds        int  `json:"cooldown_seconds"`         // cooldown after trip
}

// DefaultConfig returns safe defaults
func DefaultConfig() Config {
	return Config{
		Enabled:                true,
		MaxConsecutiveFailures: 3,
		CooldownSeconds:        60,
	}
}

// Breaker tracks execution outcomes and decides when to halt.
type Breaker struct {
	config              Config
	state               BreakerState
	consecutiveFailures int
	lastTripTime        time.Time
	tripReason          string
	probing             bool // half-open probe in flight
	now                 func() time.Time
	mu                  sync.Mutex
	onTrip              func(reason string)
	onReset             func()
}

// NewBreaker creates a breaker in the closed state.
func NewBreaker(config Config) *Breaker {
	return &Breaker{
		config: config,
		state:  StateClosed,
		now:    time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (cb *Breaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// OnTrip sets callback for when breaker trips
func (cb *Breaker) OnTrip(handler func(reason string)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onTrip = handler
}

// OnReset sets callback for when breaker resets
func (cb *Breaker) OnReset(handler func()) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onReset = handler
}

// Allow reports whether an execution may proceed. Emergency executions
// always pass: refusing to close a position in a crash is worse than
// hammering a flaky exchange. After the cooldown exactly one probe is
// let through in half-open state.
func (cb *Breaker) Allow(emergency bool) error {
	if emergency {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.config.Enabled {
		return nil
	}

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		cooldown := time.Duration(cb.config.CooldownSeconds) * time.Second
		elapsed := cb.now().Sub(cb.lastTripTime)
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return fmt.Errorf("%w: cooldown remaining %v (reason: %s)",
				ErrCircuitOpen, remaining.Round(time.Second), cb.tripReason)
		}
		cb.state = StateHalfOpen
		cb.probing = true
		return nil
	default: // half open
		if cb.probing {
			return fmt.Errorf("%w: recovery probe in flight", ErrCircuitOpen)
		}
		cb.probing = true
		return nil
	}
}

// RecordSuccess reports a successful execution.
func (cb *Breaker) RecordSuccess() {
	cb.mu.Lock()
	cb.consecutiveFailures = 0
	cb.probing = false
	recovered := cb.state != StateClosed
	cb.state = StateClosed
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if recovered && onReset != nil {
		go onReset()
	}
}

// RecordFailure reports a failed execution and trips the breaker when
// the failure budget is spent. A failed half-open probe re-opens
// immediately.
func (cb *Breaker) RecordFailure() {
	cb.mu.Lock()
	cb.consecutiveFailures++
	cb.probing = false

	var reason string
	if cb.state == StateHalfOpen {
		reason = "recovery probe failed"
	} else if cb.consecutiveFailures >= cb.config.MaxConsecutiveFailures {
		reason = fmt.Sprintf("consecutive execution failures: %d", cb.consecutiveFailures)
	}

	var onTrip func(string)
	if reason != "" && cb.config.Enabled {
		cb.state = StateOpen
		cb.lastTripTime = cb.now()
		cb.tripReason = reason
		onTrip = cb.onTrip
	}
	cb.mu.Unlock()

	if onTrip != nil {
		go onTrip(reason)
	}
}

// ForceReset manually closes the breaker.
func (cb *Breaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.probing = false
	cb.tripReason = ""
	onReset := cb.onReset
	cb.mu.Unlock()

	if onReset != nil {
		go onReset()
	}
}

// GetState returns current breaker state
func (cb *Breaker) GetState() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns current statistics
func (cb *Breaker) GetStats() map[string]interface{} {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return map[string]interface{}{
		"state":                string(cb.state),
		"consecutive_failures": cb.consecutiveFailures,
		"trip_reason":          cb.tripReason,
		"last_trip_time":       cb.lastTripTime,
	}
}
