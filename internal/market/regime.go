package market

import (
	"math"

	"bybit-trading-engine/internal/exchange"
)

// Regime classifies the prevailing market state.
type Regime string

const (
	RegimeStrongTrend Regime = "STRONG_TREND"
	RegimeWeakTrend   Regime = "WEAK_TREND"
	RegimeRange       Regime = "RANGE"
	RegimeVolatile    Regime = "VOLATILE"
	RegimeBreakout    Regime = "BREAKOUT"
)

// RegimeResult is a regime call with its confidence.
type RegimeResult struct {
	Regime     Regime  `json:"regime"`
	Confidence float64 `json:"confidence"`
	TrendPct   float64 `json:"trend_pct"`
	VolPct     float64 `json:"vol_pct"`
}

// DetectRegime classifies the market from hourly candles. It measures
// trend strength as the net move over the window against the average
// bar range, and volatility as ATR percent of price.
func DetectRegime(klines []exchange.Kline) RegimeResult {
	if len(klines) < 30 {
		return RegimeResult{Regime: RegimeRange, Confidence: 0.3}
	}

	window := klines[len(klines)-24:]
	first := window[0].Close
	last := window[len(window)-1].Close
	if first == 0 {
		return RegimeResult{Regime: RegimeRange, Confidence: 0.3}
	}
	trendPct := (last - first) / first * 100
	volPct := VolatilityPct(klines, 14)

	// Breakout: last bar range dwarfs the recent average with a close
	// near the extreme.
	lastBar := window[len(window)-1]
	avgRange := 0.0
	for _, k := range window[:len(window)-1] {
		avgRange += k.High - k.Low
	}
	avgRange /= float64(len(window) - 1)
	lastRange := lastBar.High - lastBar.Low
	if avgRange > 0 && lastRange > avgRange*2.5 {
		closePos := 0.5
		if lastRange > 0 {
			closePos = (lastBar.Close - lastBar.Low) / lastRange
		}
		if closePos > 0.8 || closePos < 0.2 {
			return RegimeResult{
				Regime:     RegimeBreakout,
				Confidence: math.Min(lastRange/avgRange/5.0, 1.0),
				TrendPct:   trendPct,
				VolPct:     volPct,
			}
		}
	}

	absTrend := math.Abs(trendPct)
	switch {
	case volPct > 2.5:
		return RegimeResult{
			Regime:     RegimeVolatile,
			Confidence: math.Min(volPct/5.0, 1.0),
			TrendPct:   trendPct,
			VolPct:     volPct,
		}
	case absTrend > 5:
		return RegimeResult{
			Regime:     RegimeStrongTrend,
			Confidence: math.Min(absTrend/10.0, 1.0),
			TrendPct:   trendPct,
			VolPct:     volPct,
		}
	case absTrend > 2:
		return RegimeResult{
			Regime:     RegimeWeakTrend,
			Confidence: 0.6,
			TrendPct:   trendPct,
			VolPct:     volPct,
		}
	default:
		return RegimeResult{
			Regime:     RegimeRange,
			Confidence: 0.7,
			TrendPct:   trendPct,
			VolPct:     volPct,
		}
	}
}
