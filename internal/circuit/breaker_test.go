package circuit

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerTripsOnConsecutiveFailures(t *testing.T) {
	cb := NewBreaker(DefaultConfig())

	cb.RecordFailure()
	cb.RecordFailure()
	if cb.GetState() != StateClosed {
		t.Error("Should stay closed under the failure budget")
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Error("Should trip after 3 consecutive failures")
	}

	if err := cb.Allow(false); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Should block while open, got %v", err)
	}
}

func TestBreakerEmergencyBypass(t *testing.T) {
	cb := NewBreaker(DefaultConfig())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	if err := cb.Allow(true); err != nil {
		t.Errorf("Emergency executions should bypass the breaker, got %v", err)
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewBreaker(DefaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	// Inside cooldown: blocked
	now = now.Add(30 * time.Second)
	if err := cb.Allow(false); err == nil {
		t.Error("Should block inside the cooldown")
	}

	// After cooldown: exactly one probe passes
	now = now.Add(31 * time.Second)
	if err := cb.Allow(false); err != nil {
		t.Errorf("Should allow the recovery probe, got %v", err)
	}
	if err := cb.Allow(false); err == nil {
		t.Error("Should block a second probe while the first is in flight")
	}

	cb.RecordSuccess()
	if cb.GetState() != StateClosed {
		t.Error("Successful probe should close the breaker")
	}
	if err := cb.Allow(false); err != nil {
		t.Errorf("Should allow freely when closed, got %v", err)
	}
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	cb := NewBreaker(DefaultConfig())
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	cb.SetClock(func() time.Time { return now })

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	now = now.Add(2 * time.Minute)
	if err := cb.Allow(false); err != nil {
		t.Fatalf("Probe should be allowed: %v", err)
	}

	cb.RecordFailure()
	if cb.GetState() != StateOpen {
		t.Error("Failed probe should reopen the breaker")
	}
}

func TestBreakerDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cb := NewBreaker(cfg)

	for i := 0; i < 10; i++ {
		cb.RecordFailure()
	}
	if err := cb.Allow(false); err != nil {
		t.Errorf("Disabled breaker should never block, got %v", err)
	}
}
