package ladder

import (
	"fmt"
	"math"

	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

// PlacementInput carries everything needed to place an initial ladder.
type PlacementInput struct {
	Direction  ledger.Direction
	Mode       ledger.Mode
	EntryPrice float64
	Quantity   float64
	Confidence float64 // signal confidence [0,1]
	Equity     float64
	WinRate    float64 // historical stats, 0 = use defaults
	AvgWin     float64
	AvgLoss    float64
	Snap       *market.Snapshot
}

func (in *PlacementInput) long() bool { return in.Direction == ledger.Long }

// StopEstimate is one estimator's opinion of where the stop belongs.
type StopEstimate struct {
	Method     string  `json:"method"`
	Price      float64 `json:"price"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// InitialStops builds the full protective ladder for a new position.
// Conservative mode gets the blended structural stop plus an emergency
// rung; scalping gets the tight multi-condition ladder.
func (e *Engine) InitialStops(in PlacementInput) []ledger.StopLevel {
	if in.Mode == ledger.ModeScalping {
		return e.scalpingStops(in)
	}
	return e.conservativeStops(in)
}

func (e *Engine) conservativeStops(in PlacementInput) []ledger.StopLevel {
	estimates := []StopEstimate{
		e.structureStop(in),
		e.volatilityStop(in),
		e.riskStop(in),
	}
	blended := e.blend(in, estimates)

	emergency := in.EntryPrice * (1 - e.cfg.Stops.EmergencyPct)
	if !in.long() {
		emergency = in.EntryPrice * (1 + e.cfg.Stops.EmergencyPct)
	}

	e.logger.Debug().Str("symbol", in.Snap.Symbol).Float64("stop", blended).
		Str("regime", string(in.Snap.Regime.Regime)).Msg("Initial stop placed")

	return []ledger.StopLevel{
		{Name: "initial_stop", Price: blended, Kind: ledger.TriggerPrice, Priority: 1, Active: true},
		{Name: "emergency_stop", Price: emergency, Kind: ledger.TriggerEmergency, Priority: 9, Active: true},
	}
}

// scalpingStops builds the aggressive rung ladder: a tight price stop,
// a hard max-loss, and time/momentum/volume exits backed by a wide
// emergency rung.
func (e *Engine) scalpingStops(in PlacementInput) []ledger.StopLevel {
	c := e.cfg.Scalp
	dir := 1.0
	if in.long() {
		dir = -1.0
	}
	at := func(pct float64) float64 {
		return in.EntryPrice * (1 + dir*pct/100)
	}

	return []ledger.StopLevel{
		{Name: "initial_stop", Price: at(c.InitialStopPct), Kind: ledger.TriggerPrice, Priority: 1, Active: true},
		{Name: "max_loss_stop", Price: at(c.MaxLossPct), Kind: ledger.TriggerPrice, Priority: 2, Active: true},
		{
			Name: "time_stop", Kind: ledger.TriggerTime, Priority: 3, Active: true,
			Conditions: []string{fmt.Sprintf("held_longer_than_%ds", c.TimeStopSec)},
		},
		{
			Name: "momentum_stop", Kind: ledger.TriggerMomentum, Priority: 4, Active: true,
			Conditions: []string{fmt.Sprintf("momentum_below_%.2f", c.MomentumFade)},
		},
		{
			Name: "volume_stop", Kind: ledger.TriggerVolume, Priority: 5, Active: true,
			Conditions: []string{fmt.Sprintf("volume_below_%.2fx_average", c.VolumeFadeMult)},
		},
		{Name: "emergency_stop", Price: at(c.EmergencyPct), Kind: ledger.TriggerEmergency, Priority: 9, Active: true},
	}
}

// structureStop places the stop beyond the nearest swing point or
// support/resistance cluster, with a small buffer.
func (e *Engine) structureStop(in PlacementInput) StopEstimate {
	c := e.cfg.Stops
	klines := in.Snap.Klines15m

	var levels []float64
	if in.long() {
		levels = append(market.SwingLows(klines), market.SupportLevels(klines, 20, 2, 0.001)...)
	} else {
		levels = append(market.SwingHighs(klines), market.ResistanceLevels(klines, 20, 2, 0.001)...)
	}

	price := 0.0
	reasoning := "no structural level, default distance"
	if in.long() {
		best := 0.0
		for _, l := range levels {
			if l < in.EntryPrice && l > best {
				best = l
			}
		}
		if best > 0 {
			price = best * (1 - c.StructureBufferPct)
			reasoning = fmt.Sprintf("below structure at %.4f", best)
		} else {
			price = in.EntryPrice * (1 - c.StructureDefaultPct)
		}
	} else {
		best := math.MaxFloat64
		for _, l := range levels {
			if l > in.EntryPrice && l < best {
				best = l
			}
		}
		if best < math.MaxFloat64 {
			price = best * (1 + c.StructureBufferPct)
			reasoning = fmt.Sprintf("above structure at %.4f", best)
		} else {
			price = in.EntryPrice * (1 + c.StructureDefaultPct)
		}
	}

	return StopEstimate{Method: "structure", Price: price, Confidence: 0.85, Reasoning: reasoning}
}

// volatilityStop scales an ATR multiple by the volatility band.
func (e *Engine) volatilityStop(in PlacementInput) StopEstimate {
	volPct := market.VolatilityPct(in.Snap.Klines15m, 14)

	mult := 3.0
	switch {
	case volPct < 0.5:
		mult = 1.5
	case volPct < 1.0:
		mult = 2.0
	case volPct < 2.0:
		mult = 2.5
	}

	dist := in.Snap.ATR15m * mult
	price := in.EntryPrice - dist
	if !in.long() {
		price = in.EntryPrice + dist
	}

	return StopEstimate{
		Method:     "volatility",
		Price:      price,
		Confidence: 0.80,
		Reasoning:  fmt.Sprintf("ATR %.4f x %.1f at %.2f%% volatility", in.Snap.ATR15m, mult, volPct),
	}
}

// riskStop derives the stop from the Kelly-sized risk budget: the
// distance that loses exactly the allowed fraction of equity.
func (e *Engine) riskStop(in PlacementInput) StopEstimate {
	c := e.cfg.Stops

	winRate, avgWin, avgLoss := in.WinRate, in.AvgWin, in.AvgLoss
	if winRate <= 0 {
		winRate = c.DefaultWinRate
	}
	if avgWin <= 0 {
		avgWin = c.DefaultAvgWin
	}
	if avgLoss <= 0 {
		avgLoss = c.DefaultAvgLoss
	}

	kelly := kellyFraction(winRate, avgWin, avgLoss)
	riskBudget := math.Min(in.Equity*kelly*c.KellyFraction, in.Equity*c.MaxRiskPct)

	dist := in.EntryPrice * c.MaxRiskPct // fallback distance
	if in.Quantity > 0 && riskBudget > 0 {
		dist = riskBudget / in.Quantity
	}

	price := in.EntryPrice - dist
	if !in.long() {
		price = in.EntryPrice + dist
	}

	return StopEstimate{
		Method:     "risk",
		Price:      price,
		Confidence: 0.90,
		Reasoning:  fmt.Sprintf("kelly %.3f, budget %.2f", kelly, riskBudget),
	}
}

// kellyFraction computes the Kelly criterion clamped to [0, 0.25].
func kellyFraction(winRate, avgWin, avgLoss float64) float64 {
	if avgLoss <= 0 {
		return 0
	}
	b := avgWin / avgLoss
	if b <= 0 {
		return 0
	}
	kelly := (winRate*b - (1 - winRate)) / b
	return math.Max(0, math.Min(kelly, 0.25))
}

// regimeWeights returns estimator weights (structure, volatility, risk)
// for the current regime.
func regimeWeights(regime market.Regime) (float64, float64, float64) {
	switch regime {
	case market.RegimeStrongTrend, market.RegimeBreakout:
		return 0.5, 0.3, 0.2
	case market.RegimeRange:
		return 0.3, 0.5, 0.2
	default:
		return 0.4, 0.3, 0.3
	}
}

// blend combines the estimates with regime weights, then clamps to the
// tightest single estimate so the blended stop never risks more than
// the most conservative opinion.
func (e *Engine) blend(in PlacementInput, estimates []StopEstimate) float64 {
	ws, wv, wr := regimeWeights(in.Snap.Regime.Regime)
	weights := []float64{ws, wv, wr}

	weighted := 0.0
	for i, est := range estimates {
		weighted += est.Price * weights[i]
	}

	if in.long() {
		tightest := weighted
		for _, est := range estimates {
			tightest = math.Max(tightest, est.Price)
		}
		return tightest
	}
	tightest := weighted
	for _, est := range estimates {
		tightest = math.Min(tightest, est.Price)
	}
	return tightest
}
