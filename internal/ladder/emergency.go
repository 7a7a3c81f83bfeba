package ladder

import (
	"fmt"
	"math"
	"sort"

	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

// BlackSwanResult reports market dislocation signals for one symbol.
type BlackSwanResult struct {
	Symbol     string   `json:"symbol"`
	Detected   bool     `json:"detected"`
	Severity   int      `json:"severity"`
	Confidence float64  `json:"confidence"`
	Signals    []string `json:"signals"`
}

// Response levels escalate with severity.
const (
	ResponseNormal    = "normal"
	ResponseWarning   = "warning"
	ResponseCritical  = "critical"
	ResponseEmergency = "emergency"
)

// EmergencyAction instructs the engine to close one position.
type EmergencyAction struct {
	PositionID string `json:"position_id"`
	Symbol     string `json:"symbol"`
	Reason     string `json:"reason"`
}

// DetectBlackSwan checks four dislocation signals on 5-minute candles:
// a violent hourly move, an ATR explosion, clustered gaps, and a volume
// spike. Two or more firing counts as detected.
func (e *Engine) DetectBlackSwan(symbol string, klines5m []exchange.Kline) BlackSwanResult {
	result := BlackSwanResult{Symbol: symbol}
	if len(klines5m) < 288 {
		return result
	}

	// Signal 1: >10% move over the last hour (12 x 5m)
	hour := klines5m[len(klines5m)-12:]
	if hour[0].Open != 0 {
		movePct := math.Abs(hour[len(hour)-1].Close-hour[0].Open) / hour[0].Open * 100
		if movePct > 10 {
			result.Signals = append(result.Signals, fmt.Sprintf("hourly move %.1f%%", movePct))
		}
	}

	// Signal 2: current ATR over 5x the daily average
	currentATR := market.CalculateATR(klines5m, 14)
	dailyATR := market.CalculateATR(klines5m, 288)
	if dailyATR > 0 && currentATR > dailyATR*5 {
		result.Signals = append(result.Signals, fmt.Sprintf("ATR spike %.1fx daily", currentATR/dailyATR))
	}

	// Signal 3: three or more gaps over 5% between consecutive bars
	gaps := 0
	recent := klines5m[len(klines5m)-48:]
	for i := 1; i < len(recent); i++ {
		if recent[i-1].Close == 0 {
			continue
		}
		gap := math.Abs(recent[i].Open-recent[i-1].Close) / recent[i-1].Close * 100
		if gap > 5 {
			gaps++
		}
	}
	if gaps >= 3 {
		result.Signals = append(result.Signals, fmt.Sprintf("%d price gaps over 5%%", gaps))
	}

	// Signal 4: 30m volume running 10x the daily average
	recentVol := market.AverageVolume(klines5m, 6)
	dailyVol := market.AverageVolume(klines5m, 288)
	if dailyVol > 0 && recentVol > dailyVol*10 {
		result.Signals = append(result.Signals, fmt.Sprintf("volume %.0fx daily average", recentVol/dailyVol))
	}

	result.Severity = len(result.Signals)
	result.Detected = result.Severity >= 2
	result.Confidence = math.Min(float64(result.Severity)*0.3, 1.0)
	return result
}

// ResponseLevel maps black swan severity to a response level.
func ResponseLevel(severity int) string {
	switch {
	case severity >= 4:
		return ResponseEmergency
	case severity == 3:
		return ResponseCritical
	case severity == 2:
		return ResponseWarning
	default:
		return ResponseNormal
	}
}

// PlanEmergencyResponse selects which positions to close for the given
// response level: emergency closes everything, critical closes losers
// worst first, warning closes only high-risk positions.
func (e *Engine) PlanEmergencyResponse(level string, positions []*ledger.Position) []EmergencyAction {
	var actions []EmergencyAction

	switch level {
	case ResponseEmergency:
		for _, p := range positions {
			actions = append(actions, EmergencyAction{
				PositionID: p.ID, Symbol: p.Symbol,
				Reason: "black swan emergency: closing all positions",
			})
		}

	case ResponseCritical:
		losers := make([]*ledger.Position, 0, len(positions))
		for _, p := range positions {
			if p.CurrentProfitPct < 0 {
				losers = append(losers, p)
			}
		}
		sort.Slice(losers, func(i, j int) bool {
			return losers[i].CurrentProfitPct < losers[j].CurrentProfitPct
		})
		for _, p := range losers {
			actions = append(actions, EmergencyAction{
				PositionID: p.ID, Symbol: p.Symbol,
				Reason: fmt.Sprintf("black swan critical: closing loser at %.2f%%", p.CurrentProfitPct),
			})
		}

	case ResponseWarning:
		for _, p := range positions {
			if e.highRisk(p) {
				actions = append(actions, EmergencyAction{
					PositionID: p.ID, Symbol: p.Symbol,
					Reason: "black swan warning: closing high-risk position",
				})
			}
		}
	}
	return actions
}

// highRisk flags positions with a wide or missing stop, or deep in
// drawdown.
func (e *Engine) highRisk(p *ledger.Position) bool {
	if p.CurrentProfitPct < -2 {
		return true
	}
	stop := p.PrimaryStop()
	if stop == nil {
		return true
	}
	dist := absDiff(p.EntryPrice, stop.Price) / p.EntryPrice
	return dist > 0.04
}
