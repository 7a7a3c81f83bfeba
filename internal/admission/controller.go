// Package admission enforces per-mode entry rules: concurrent position
// caps, per-symbol entry spacing, and daily trade limits.
package admission

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/ledger"
)

// ErrAdmissionDenied is returned when a mode refuses a new entry.
var ErrAdmissionDenied = errors.New("admission denied")

// ModeConfig holds the entry rules for one trading mode.
type ModeConfig struct {
	Enabled         bool    `json:"enabled"`
	MaxPositions    int     `json:"max_positions"`
	PositionSizePct float64 `json:"position_size_pct"` // fraction of equity per entry
	MinIntervalSec  int     `json:"min_interval_sec"`  // spacing between entries per symbol
	MaxDailyTrades  int     `json:"max_daily_trades"`
	RiskTolerance   float64 `json:"risk_tolerance"`
	MaxHoldSec      int     `json:"max_hold_sec"` // position expiry for this mode
}

// DefaultConservativeConfig returns the conservative mode defaults.
func DefaultConservativeConfig() ModeConfig {
	return ModeConfig{
		Enabled:         true,
		MaxPositions:    5,
		PositionSizePct: 0.03,
		MinIntervalSec:  1800,
		MaxDailyTrades:  10,
		RiskTolerance:   0.3,
		MaxHoldSec:      86400,
	}
}

// DefaultScalpingConfig returns the scalping mode defaults.
func DefaultScalpingConfig() ModeConfig {
	return ModeConfig{
		Enabled:         true,
		MaxPositions:    30,
		PositionSizePct: 0.05,
		MinIntervalSec:  60,
		MaxDailyTrades:  100,
		RiskTolerance:   0.7,
		MaxHoldSec:      1200,
	}
}

// modeState is the mutable per-mode bookkeeping.
type modeState struct {
	config      ModeConfig
	active      map[string]string // position ID -> symbol
	lastEntry   map[string]time.Time
	dailyCount  int
	dailyDate   string // YYYY-MM-DD of the counter
}

// Controller admits or rejects new entries per mode. Check and register
// happen under one lock so concurrent opens cannot exceed the caps.
type Controller struct {
	mu     sync.Mutex
	modes  map[ledger.Mode]*modeState
	now    func() time.Time
	logger zerolog.Logger
}

// NewController creates a controller with the given mode configs.
func NewController(conservative, scalping ModeConfig, logger zerolog.Logger) *Controller {
	return &Controller{
		modes: map[ledger.Mode]*modeState{
			ledger.ModeConservative: newModeState(conservative),
			ledger.ModeScalping:     newModeState(scalping),
		},
		now:    time.Now,
		logger: logger.With().Str("component", "AdmissionController").Logger(),
	}
}

func newModeState(cfg ModeConfig) *modeState {
	return &modeState{
		config:    cfg,
		active:    make(map[string]string),
		lastEntry: make(map[string]time.Time),
	}
}

// SetClock injects a deterministic clock for tests.
func (c *Controller) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// rollDaily lazily resets the daily counter when the date changes.
func (s *modeState) rollDaily(now time.Time) {
	today := now.Format("2006-01-02")
	if s.dailyDate != today {
		s.dailyDate = today
		s.dailyCount = 0
	}
}

func (s *modeState) check(symbol string, now time.Time) (bool, string) {
	if !s.config.Enabled {
		return false, "mode disabled"
	}
	s.rollDaily(now)
	if len(s.active) >= s.config.MaxPositions {
		return false, fmt.Sprintf("max positions reached (%d/%d)", len(s.active), s.config.MaxPositions)
	}
	if s.dailyCount >= s.config.MaxDailyTrades {
		return false, fmt.Sprintf("daily trade limit reached (%d)", s.config.MaxDailyTrades)
	}
	if last, ok := s.lastEntry[symbol]; ok {
		interval := time.Duration(s.config.MinIntervalSec) * time.Second
		if elapsed := now.Sub(last); elapsed < interval {
			return false, fmt.Sprintf("min interval not met for %s (%.0fs of %.0fs)",
				symbol, elapsed.Seconds(), interval.Seconds())
		}
	}
	return true, ""
}

// CanOpen reports whether the mode would admit an entry right now.
// Advisory only: use Register for the authoritative check.
func (c *Controller) CanOpen(mode ledger.Mode, symbol string) (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return false, fmt.Sprintf("unknown mode %s", mode)
	}
	return s.check(symbol, c.now())
}

// Register admits and records an entry in one step. Returns
// ErrAdmissionDenied (wrapped with the reason) on refusal.
func (c *Controller) Register(mode ledger.Mode, positionID, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return fmt.Errorf("%w: unknown mode %s", ErrAdmissionDenied, mode)
	}
	now := c.now()
	if allowed, reason := s.check(symbol, now); !allowed {
		return fmt.Errorf("%w: %s", ErrAdmissionDenied, reason)
	}

	s.active[positionID] = symbol
	s.lastEntry[symbol] = now
	s.dailyCount++

	c.logger.Debug().Str("mode", string(mode)).Str("position_id", positionID).
		Str("symbol", symbol).Int("active", len(s.active)).Int("daily", s.dailyCount).
		Msg("Entry registered")
	return nil
}

// Release frees a slot when a position closes or is removed.
func (c *Controller) Release(mode ledger.Mode, positionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.modes[mode]; ok {
		delete(s.active, positionID)
	}
}

// PositionSize returns the entry size in quote currency for the mode,
// scaled down as the mode's slots fill up. An unknown mode gets a
// conservative 1% fallback.
func (c *Controller) PositionSize(mode ledger.Mode, equity float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return equity * 0.01
	}

	// Crowding discount: each active position shaves 10%, floor 50%
	factor := 1.0 - float64(len(s.active))*0.1
	if factor < 0.5 {
		factor = 0.5
	}
	return equity * s.config.PositionSizePct * factor
}

// MaxHold returns the mode's position expiry duration.
func (c *Controller) MaxHold(mode ledger.Mode) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.modes[mode]; ok {
		return time.Duration(s.config.MaxHoldSec) * time.Second
	}
	return 24 * time.Hour
}

// Toggle enables or disables a mode.
func (c *Controller) Toggle(mode ledger.Mode, enabled bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return fmt.Errorf("unknown mode %s", mode)
	}
	s.config.Enabled = enabled
	c.logger.Info().Str("mode", string(mode)).Bool("enabled", enabled).Msg("Mode toggled")
	return nil
}

// UpdateConfig replaces a mode's rules at runtime.
func (c *Controller) UpdateConfig(mode ledger.Mode, cfg ModeConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return fmt.Errorf("unknown mode %s", mode)
	}
	s.config = cfg
	return nil
}

// Config returns a copy of the mode's current rules.
func (c *Controller) Config(mode ledger.Mode) (ModeConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.modes[mode]
	if !ok {
		return ModeConfig{}, false
	}
	return s.config, true
}

// Status returns a per-mode status payload for the API.
func (c *Controller) Status() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]interface{}, len(c.modes))
	for mode, s := range c.modes {
		s.rollDaily(now)
		out[string(mode)] = map[string]interface{}{
			"enabled":          s.config.Enabled,
			"active_positions": len(s.active),
			"max_positions":    s.config.MaxPositions,
			"daily_trades":     s.dailyCount,
			"max_daily_trades": s.config.MaxDailyTrades,
			"risk_tolerance":   s.config.RiskTolerance,
		}
	}
	return out
}
