package ladder

import (
	"fmt"
	"math"
	"time"

	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

// ExitSignal tells the engine to close part or all of a position now.
type ExitSignal struct {
	Action   string  `json:"action"` // full_close or partial_close
	ClosePct float64 `json:"close_pct"`
	Reason   string  `json:"reason"`
}

// profitProtectionSteps lock in gains as the peak climbs: once the peak
// clears the threshold, giving back below the lock closes the position.
var profitProtectionSteps = []struct {
	Threshold float64
	Lock      float64
}{
	{0.3, 0.1},
	{0.5, 0.2},
	{0.8, 0.4},
}

// ScalpExit evaluates the scalping exit rules that operate on profit
// shape rather than fixed prices: the accelerating trail, profit
// protection locks, and the stale-loser cut.
func (e *Engine) ScalpExit(pos *ledger.Position, snap *market.Snapshot, now time.Time) *ExitSignal {
	if pos.Mode != ledger.ModeScalping || pos.Status == ledger.StatusClosed || pos.Status == ledger.StatusClosing {
		return nil
	}
	c := e.cfg.Scalp
	current := pos.CurrentProfitPct
	peak := pos.PeakProfitPct

	// Losing and stale: cut it
	if current < 0 && pos.Age(now) >= time.Duration(c.LossCutAfterSec)*time.Second {
		return &ExitSignal{
			Action:   "full_close",
			ClosePct: 1.0,
			Reason:   fmt.Sprintf("losing %.2f%% after %ds", current, c.LossCutAfterSec),
		}
	}

	// Profit protection: never give back past the lock
	for i := len(profitProtectionSteps) - 1; i >= 0; i-- {
		step := profitProtectionSteps[i]
		if peak >= step.Threshold && current < step.Lock {
			return &ExitSignal{
				Action:   "full_close",
				ClosePct: 1.0,
				Reason:   fmt.Sprintf("profit protection: peak %.2f%% gave back below %.2f%%", peak, step.Lock),
			}
		}
	}

	// Accelerating trail on the peak
	activation := c.TrailActivatePct * (2.0 - pos.Confidence)
	if peak < activation {
		return nil
	}

	trail := e.scalpTrailDistance(pos, snap, now)
	if peak-current > trail {
		return &ExitSignal{
			Action:   "full_close",
			ClosePct: 1.0,
			Reason:   fmt.Sprintf("trail hit: peak %.2f%% current %.2f%% trail %.2f%%", peak, current, trail),
		}
	}
	return nil
}

// scalpTrailDistance widens with the peak and decays with age so stale
// winners get squeezed out.
func (e *Engine) scalpTrailDistance(pos *ledger.Position, snap *market.Snapshot, now time.Time) float64 {
	c := e.cfg.Scalp

	volPct := market.VolatilityPct(snap.Klines5m, 14)
	volScale := 1.0
	switch {
	case volPct < 0.3:
		volScale = 0.8
	case volPct > 1.0:
		volScale = 1.2
	}

	base := c.TrailBasePct * volScale
	maxTrail := base * 2.0
	switch {
	case volPct < 0.3:
		maxTrail = base * 1.5
	case volPct > 1.0:
		maxTrail = base * 2.5
	}

	ageMin := pos.Age(now).Minutes()
	decay := math.Pow(c.TrailDecay, ageMin)
	trail := base * (1 + pos.PeakProfitPct*c.TrailAccel) * decay
	return math.Min(maxTrail, trail)
}

// ConditionHit evaluates the non-price scalping rungs against the
// market: time, momentum fade, and volume fade.
func (e *Engine) ConditionHit(pos *ledger.Position, rung *ledger.StopLevel, snap *market.Snapshot, now time.Time) bool {
	c := e.cfg.Scalp
	switch rung.Kind {
	case ledger.TriggerTime:
		// Only cuts losers; winners are handled by the profit ladder
		return pos.Age(now) >= time.Duration(c.TimeStopSec)*time.Second && pos.CurrentProfitPct <= 0
	case ledger.TriggerMomentum:
		return momentumScore(snap.Klines5m, pos.IsLong()) < c.MomentumFade && pos.CurrentProfitPct < 0.1
	case ledger.TriggerVolume:
		recent := market.AverageVolume(snap.Klines5m, 3)
		baseline := market.AverageVolume(snap.Klines5m, 30)
		return baseline > 0 && recent < baseline*c.VolumeFadeMult && pos.CurrentProfitPct < 0.1
	default:
		return false
	}
}

// momentumScore measures how much of the recent bars moved with the
// position, 0..1. Half the score is the share of favorable closes, half
// is the net move direction.
func momentumScore(klines []exchange.Kline, long bool) float64 {
	if len(klines) < 6 {
		return 0.5
	}
	recent := klines[len(klines)-6:]

	favorable := 0
	for _, k := range recent {
		if (long && k.Close > k.Open) || (!long && k.Close < k.Open) {
			favorable++
		}
	}
	closeScore := float64(favorable) / float64(len(recent))

	net := recent[len(recent)-1].Close - recent[0].Open
	dirScore := 0.0
	if (long && net > 0) || (!long && net < 0) {
		dirScore = 1.0
	}
	return closeScore*0.5 + dirScore*0.5
}
