// Package guardian guarantees that protective exits actually execute.
// Every guarded position gets a supervisor watching the primary price
// stream with a REST polling backup, a resting exchange stop order, a
// hold-time guard, and stream health checks. When a rung fires the
// execution ladder escalates from gentle to brutal until the position
// is flat or a human is paged.
package guardian

import (
	"time"
)

// State is the supervisor's execution state machine.
type State string

const (
	StateArmed      State = "ARMED"      // monitoring, nothing triggered
	StateTriggered  State = "TRIGGERED"  // a rung fired, execution pending
	StateExecuting  State = "EXECUTING"  // ladder in progress
	StateFilled     State = "FILLED"     // exit confirmed
	StateEscalating State = "ESCALATING" // early strategies failed
	StateFailed     State = "FAILED"     // ladder exhausted, manual alert raised
)

// ExecutionAttempt records one try of one strategy.
type ExecutionAttempt struct {
	Method  string    `json:"method"`
	At      time.Time `json:"at"`
	Success bool      `json:"success"`
	Error   string    `json:"error,omitempty"`
	Retry   int       `json:"retry"`
}

// MonitoringTask describes one supervisor goroutine for introspection.
type MonitoringTask struct {
	PositionID string    `json:"position_id"`
	Kind       string    `json:"kind"` // stream, polling, timeout, health
	StartedAt  time.Time `json:"started_at"`
	Method     string    `json:"method"`
	Active     bool      `json:"active"`
}

// Config tunes the guardian.
type Config struct {
	PollIntervalSec     int       `json:"poll_interval_sec"`     // REST backup cadence
	MinPollIntervalSec  int       `json:"min_poll_interval_sec"` // floor when degraded
	HealthCheckSec      int       `json:"health_check_sec"`
	StreamStaleSec      int       `json:"stream_stale_sec"` // silence that counts as degraded
	MaxRetries          int       `json:"max_retries"`
	RetryDelayMs        int       `json:"retry_delay_ms"`
	LimitOffsetPct      float64   `json:"limit_offset_pct"` // price improvement for the IOC limit
	LimitFillWaitSec    int       `json:"limit_fill_wait_sec"`
	SplitParts          int       `json:"split_parts"`
	SplitDelayMs        int       `json:"split_delay_ms"`
	SplitSuccessPct     float64   `json:"split_success_pct"` // filled fraction that counts as success
	EmergencyParallel   int       `json:"emergency_parallel"`
	StrategyGapMs       int       `json:"strategy_gap_ms"`
	FailsafeLevels      []float64 `json:"failsafe_levels"` // stop multipliers armed after failure
	DefaultMaxHoldSec   int       `json:"default_max_hold_sec"`
}

// DefaultConfig returns production tuning.
func DefaultConfig() Config {
	return Config{
		PollIntervalSec:    5,
		MinPollIntervalSec: 1,
		HealthCheckSec:     30,
		StreamStaleSec:     15,
		MaxRetries:         3,
		RetryDelayMs:       500,
		LimitOffsetPct:     0.001,
		LimitFillWaitSec:   10,
		SplitParts:         5,
		SplitDelayMs:       500,
		SplitSuccessPct:    0.8,
		EmergencyParallel:  3,
		StrategyGapMs:      1000,
		FailsafeLevels:     []float64{0.998, 0.995, 0.990},
		DefaultMaxHoldSec:  86400,
	}
}

// PriceFeed is the stream surface the guardian needs; satisfied by
// exchange.PriceStream and by test fakes.
type PriceFeed interface {
	Subscribe(symbol string)
	Unsubscribe(symbol string)
	LastMessageAt() time.Time
}

// Alerter raises manual intervention alerts; satisfied by the
// notification manager.
type Alerter interface {
	Alert(title, message string)
}
