package ladder

import (
	"time"

	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

// targetStrategy is the regime-specific target shape.
type targetStrategy struct {
	baseMovePct float64 // total expected move as a fraction
	extMult     float64 // extension multiplier for the runner, 0 = none
	timeLimit   time.Duration
}

// strategyFor maps a regime to its target strategy.
func strategyFor(regime market.Regime) targetStrategy {
	switch regime {
	case market.RegimeStrongTrend:
		return targetStrategy{baseMovePct: 0.05, extMult: 3.0}
	case market.RegimeWeakTrend:
		return targetStrategy{baseMovePct: 0.03, extMult: 2.0}
	case market.RegimeRange:
		return targetStrategy{baseMovePct: 0.015}
	case market.RegimeVolatile:
		return targetStrategy{baseMovePct: 0.02, timeLimit: 300 * time.Second}
	case market.RegimeBreakout:
		return targetStrategy{baseMovePct: 0.04, extMult: 2.5}
	default:
		return targetStrategy{baseMovePct: 0.03, extMult: 2.0}
	}
}

// stagedClosePcts is the conservative exit split across four targets.
var stagedClosePcts = []float64{0.4, 0.3, 0.2, 0.1}

// stagedFracs places the first three targets at fractions of the base
// move; the runner uses the regime extension.
var stagedFracs = []float64{0.5, 1.0, 1.5}

// TargetInput carries what target construction needs.
type TargetInput struct {
	Direction  ledger.Direction
	Mode       ledger.Mode
	EntryPrice float64
	Confidence float64
	MaxHold    time.Duration
	Snap       *market.Snapshot
}

func (in *TargetInput) long() bool { return in.Direction == ledger.Long }

// Targets builds the staged profit ladder for a new position.
func (e *Engine) Targets(in TargetInput) []ledger.ProfitTarget {
	if in.Mode == ledger.ModeScalping {
		return e.scalpingTargets(in)
	}
	return e.conservativeTargets(in)
}

// conservativeTargets stages 40/30/20/10 exits along the regime's
// expected move, projecting the runner from a fib extension when the
// regime trends.
func (e *Engine) conservativeTargets(in TargetInput) []ledger.ProfitTarget {
	strat := strategyFor(in.Snap.Regime.Regime)
	dir := 1.0
	if !in.long() {
		dir = -1.0
	}

	targets := make([]ledger.ProfitTarget, 0, len(stagedClosePcts)+1)
	for i, frac := range stagedFracs {
		price := in.EntryPrice * (1 + dir*strat.baseMovePct*frac)
		targets = append(targets, ledger.ProfitTarget{
			Level:    i + 1,
			Price:    price,
			ClosePct: stagedClosePcts[i],
			Priority: i + 1,
		})
	}

	// Runner target
	runnerFrac := 2.0
	if strat.extMult > 0 {
		runnerFrac = strat.extMult
	}
	runner := in.EntryPrice * (1 + dir*strat.baseMovePct*runnerFrac)
	if ext := e.extensionTarget(in); ext > 0 {
		// Extension only tightens the runner, never stretches it
		if in.long() && ext < runner {
			runner = ext
		}
		if !in.long() && ext > runner {
			runner = ext
		}
	}
	targets = append(targets, ledger.ProfitTarget{
		Level:    len(stagedFracs) + 1,
		Price:    runner,
		ClosePct: stagedClosePcts[len(stagedClosePcts)-1],
		Priority: len(stagedFracs) + 1,
	})

	// Volatile regimes add a time cutoff closing whatever remains. Its
	// ClosePct nominally overlaps the staged targets; fills are capped
	// at remaining size so the ladder can never oversell.
	if strat.timeLimit > 0 {
		targets = append(targets, ledger.ProfitTarget{
			Level:    0,
			ClosePct: 1.0,
			Priority: 0,
			AtAge:    strat.timeLimit,
		})
	}
	return targets
}

// extensionTarget projects the first fib extension from the most recent
// completed swing, 0 when no swing exists.
func (e *Engine) extensionTarget(in TargetInput) float64 {
	lows := market.SwingLows(in.Snap.Klines1h)
	highs := market.SwingHighs(in.Snap.Klines1h)
	if len(lows) == 0 || len(highs) == 0 {
		return 0
	}
	levels := market.FibExtensions(lows[len(lows)-1], highs[len(highs)-1], in.long())
	if len(levels) == 0 {
		return 0
	}
	// Second ratio (1.618) is the runner projection
	return levels[1]
}

// scalpingTargets builds the rapid 50/30/20 ladder scaled by signal
// confidence and expected hold time, plus a time target that dumps 80%
// near the hold limit.
func (e *Engine) scalpingTargets(in TargetInput) []ledger.ProfitTarget {
	c := e.cfg.Scalp

	confMult := 0.5 + in.Confidence*0.5
	timeMult := 0.8
	holdMin := in.MaxHold.Minutes()
	switch {
	case holdMin <= 3:
		timeMult = 1.2
	case holdMin <= 5:
		timeMult = 1.0
	}

	dir := 1.0
	if !in.long() {
		dir = -1.0
	}

	targets := make([]ledger.ProfitTarget, 0, len(c.BaseTargetsPct)+1)
	for i, basePct := range c.BaseTargetsPct {
		pct := basePct * confMult * timeMult
		targets = append(targets, ledger.ProfitTarget{
			Level:    i + 1,
			Price:    in.EntryPrice * (1 + dir*pct/100),
			ClosePct: c.TargetRatios[i],
			Priority: i + 1,
		})
	}

	if in.MaxHold > 0 {
		targets = append(targets, ledger.ProfitTarget{
			Level:    0,
			ClosePct: c.TimeTargetClose,
			Priority: 0,
			AtAge:    time.Duration(float64(in.MaxHold) * c.TimeTargetFrac),
		})
	}
	return targets
}
