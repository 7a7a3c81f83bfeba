package ladder

import (
	"fmt"

	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

// Adjustment is a proposed stop move for one rung.
type Adjustment struct {
	Rung       string  `json:"rung"`
	NewPrice   float64 `json:"new_price"`
	Method     string  `json:"method"`
	Reason     string  `json:"reason"`
	Confidence float64 `json:"confidence"`
	Breakeven  bool    `json:"breakeven"`
}

// Adjust evaluates the adjustment pipeline against the current stop and
// returns the winning proposal, nil when nothing should move. The
// breakeven migration always wins when eligible; otherwise the highest
// confidence candidate that passes the monotonic rail is chosen.
func (e *Engine) Adjust(pos *ledger.Position, snap *market.Snapshot) *Adjustment {
	stop := pos.PrimaryStop()
	if stop == nil || pos.Status == ledger.StatusClosed || pos.Status == ledger.StatusClosing {
		return nil
	}

	price := snap.LastPrice
	profitPct := pos.ProfitPct(price)

	if be := e.breakevenAdjustment(pos, stop, profitPct); be != nil {
		return be
	}

	candidates := []*Adjustment{
		e.trailingAdjustment(pos, stop, snap, price, profitPct),
		e.volatilityAdjustment(pos, stop, snap),
		e.regimeAdjustment(pos, stop, snap),
	}

	var best *Adjustment
	for _, c := range candidates {
		if c == nil || !e.monotonic(pos, stop, c.NewPrice) {
			continue
		}
		if best == nil || c.Confidence > best.Confidence {
			best = c
		}
	}
	return best
}

// monotonic enforces the safety rail: long stops only move up, short
// stops only move down, and never across the current price.
func (e *Engine) monotonic(pos *ledger.Position, stop *ledger.StopLevel, newPrice float64) bool {
	if pos.IsLong() {
		return newPrice > stop.Price && newPrice < pos.MarkPrice
	}
	return newPrice < stop.Price && newPrice > pos.MarkPrice
}

// breakevenAdjustment migrates the stop to entry plus a small offset
// once profit clears the trigger. One-shot per position.
func (e *Engine) breakevenAdjustment(pos *ledger.Position, stop *ledger.StopLevel, profitPct float64) *Adjustment {
	c := e.cfg.Adjust
	if pos.BreakevenFired || profitPct < c.BreakevenTriggerPct {
		return nil
	}

	be := pos.EntryPrice * (1 + c.BreakevenOffsetPct)
	if !pos.IsLong() {
		be = pos.EntryPrice * (1 - c.BreakevenOffsetPct)
	}
	if !e.monotonic(pos, stop, be) {
		return nil
	}

	return &Adjustment{
		Rung:       stop.Name,
		NewPrice:   be,
		Method:     "breakeven",
		Reason:     fmt.Sprintf("profit %.2f%% cleared breakeven trigger %.2f%%", profitPct, c.BreakevenTriggerPct),
		Confidence: 0.95,
		Breakeven:  true,
	}
}

// trailingAdjustment follows price at an ATR multiple once the move is
// established.
func (e *Engine) trailingAdjustment(pos *ledger.Position, stop *ledger.StopLevel, snap *market.Snapshot, price, profitPct float64) *Adjustment {
	c := e.cfg.Adjust
	if profitPct < c.TrailingMinMovePct || snap.ATR15m <= 0 {
		return nil
	}

	dist := snap.ATR15m * c.TrailingATRMult
	newStop := price - dist
	if !pos.IsLong() {
		newStop = price + dist
	}

	return &Adjustment{
		Rung:       stop.Name,
		NewPrice:   newStop,
		Method:     "trailing",
		Reason:     fmt.Sprintf("trailing at %.1fx ATR(15m) %.4f", c.TrailingATRMult, snap.ATR15m),
		Confidence: 0.80,
	}
}

// volatilityAdjustment re-prices the stop distance when current ATR
// diverges from its recent baseline. Widening proposals are filtered by
// the monotonic rail, so in practice only the tightening path fires.
func (e *Engine) volatilityAdjustment(pos *ledger.Position, stop *ledger.StopLevel, snap *market.Snapshot) *Adjustment {
	c := e.cfg.Adjust

	series := market.CalculateATRSeries(snap.Klines15m, 14)
	sum, n := 0.0, 0
	start := len(series) - 24
	if start < 0 {
		start = 0
	}
	for _, v := range series[start:] {
		if v > 0 {
			sum += v
			n++
		}
	}
	if n == 0 || snap.ATR15m <= 0 {
		return nil
	}
	baseline := sum / float64(n)
	ratio := snap.ATR15m / baseline

	var scale float64
	switch {
	case ratio > c.VolWidenRatio:
		scale = min64(ratio, 2.0)
	case ratio < c.VolTightenRatio:
		scale = max64(ratio, 0.5)
	default:
		return nil
	}

	dist := absDiff(pos.EntryPrice, stop.Price) * scale
	newStop := pos.EntryPrice - dist
	if !pos.IsLong() {
		newStop = pos.EntryPrice + dist
	}

	return &Adjustment{
		Rung:       stop.Name,
		NewPrice:   newStop,
		Method:     "volatility",
		Reason:     fmt.Sprintf("ATR ratio %.2f vs baseline, scale %.2f", ratio, scale),
		Confidence: 0.70,
	}
}

// regimeAdjustment tightens in strong trends and widens in volatile
// chop, both gated on regime confidence.
func (e *Engine) regimeAdjustment(pos *ledger.Position, stop *ledger.StopLevel, snap *market.Snapshot) *Adjustment {
	regime := snap.Regime

	var scale float64
	switch {
	case regime.Regime == market.RegimeStrongTrend && regime.Confidence > 0.8:
		scale = 0.8
	case regime.Regime == market.RegimeVolatile && regime.Confidence > 0.7:
		scale = 1.2
	default:
		return nil
	}

	dist := absDiff(pos.EntryPrice, stop.Price) * scale
	newStop := pos.EntryPrice - dist
	if !pos.IsLong() {
		newStop = pos.EntryPrice + dist
	}

	return &Adjustment{
		Rung:       stop.Name,
		NewPrice:   newStop,
		Method:     "regime",
		Reason:     fmt.Sprintf("%s regime at %.2f confidence, scale %.1f", regime.Regime, regime.Confidence, scale),
		Confidence: 0.75,
	}
}

func absDiff(a, b float64) float64 {
	if a > b {
		return a - b
	}
	return b - a
}

func min64(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}
