// Package market provides the indicator math and market state
// classification the risk ladder depends on.
package market

import (
	"math"

	"bybit-trading-engine/internal/exchange"
)

// ============================================================================
// ATR (Average True Range)
// ============================================================================

// CalculateATR calculates Average True Range
func CalculateATR(klines []exchange.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	trSum := 0.0
	startIdx := len(klines) - period

	for i := startIdx; i < len(klines); i++ {
		high := klines[i].High
		low := klines[i].Low
		prevClose := klines[i-1].Close

		tr := math.Max(
			high-low,
			math.Max(
				math.Abs(high-prevClose),
				math.Abs(low-prevClose),
			),
		)

		trSum += tr
	}

	return trSum / float64(period)
}

// CalculateATRSeries returns the rolling ATR for every index where a
// full window exists, aligned to the kline slice.
func CalculateATRSeries(klines []exchange.Kline, period int) []float64 {
	out := make([]float64, len(klines))
	for i := period; i < len(klines); i++ {
		out[i] = CalculateATR(klines[:i+1], period)
	}
	return out
}

// ============================================================================
// EMA
// ============================================================================

// CalculateEMA calculates the exponential moving average of closes.
func CalculateEMA(klines []exchange.Kline, period int) float64 {
	if len(klines) < period {
		return 0
	}

	multiplier := 2.0 / (float64(period) + 1.0)
	ema := klines[0].Close
	for i := 1; i < len(klines); i++ {
		ema = (klines[i].Close-ema)*multiplier + ema
	}
	return ema
}

// ============================================================================
// SWING POINTS
// ============================================================================

// SwingLows returns lows that sit below their two neighbors on each
// side (2-bar fractals), oldest first.
func SwingLows(klines []exchange.Kline) []float64 {
	var lows []float64
	for i := 2; i < len(klines)-2; i++ {
		l := klines[i].Low
		if l < klines[i-1].Low && l < klines[i-2].Low &&
			l < klines[i+1].Low && l < klines[i+2].Low {
			lows = append(lows, l)
		}
	}
	return lows
}

// SwingHighs returns highs above their two neighbors on each side.
func SwingHighs(klines []exchange.Kline) []float64 {
	var highs []float64
	for i := 2; i < len(klines)-2; i++ {
		h := klines[i].High
		if h > klines[i-1].High && h > klines[i-2].High &&
			h > klines[i+1].High && h > klines[i+2].High {
			highs = append(highs, h)
		}
	}
	return highs
}

// ============================================================================
// SUPPORT / RESISTANCE
// ============================================================================

// SupportLevels clusters lows of the last window bars into levels with
// at least minTouches hits within tolerance (fraction of price).
func SupportLevels(klines []exchange.Kline, window, minTouches int, tolerance float64) []float64 {
	if len(klines) < window {
		window = len(klines)
	}
	recent := klines[len(klines)-window:]

	var levels []float64
	for i := range recent {
		candidate := recent[i].Low
		touches := 0
		for j := range recent {
			if math.Abs(recent[j].Low-candidate) <= candidate*tolerance {
				touches++
			}
		}
		if touches >= minTouches && !containsLevel(levels, candidate, tolerance) {
			levels = append(levels, candidate)
		}
	}
	return levels
}

// ResistanceLevels is the mirror of SupportLevels over highs.
func ResistanceLevels(klines []exchange.Kline, window, minTouches int, tolerance float64) []float64 {
	if len(klines) < window {
		window = len(klines)
	}
	recent := klines[len(klines)-window:]

	var levels []float64
	for i := range recent {
		candidate := recent[i].High
		touches := 0
		for j := range recent {
			if math.Abs(recent[j].High-candidate) <= candidate*tolerance {
				touches++
			}
		}
		if touches >= minTouches && !containsLevel(levels, candidate, tolerance) {
			levels = append(levels, candidate)
		}
	}
	return levels
}

func containsLevel(levels []float64, candidate, tolerance float64) bool {
	for _, l := range levels {
		if math.Abs(l-candidate) <= candidate*tolerance {
			return true
		}
	}
	return false
}

// ============================================================================
// FIBONACCI EXTENSIONS
// ============================================================================

// FibExtensionRatios used for profit target projection.
var FibExtensionRatios = []float64{1.272, 1.618, 2.0, 2.618, 3.618}

// FibExtensions projects extension levels from a swing low/high range.
// For longs the range is swingLow..swingHigh and levels project above.
func FibExtensions(swingLow, swingHigh float64, long bool) []float64 {
	rangeSize := swingHigh - swingLow
	if rangeSize <= 0 {
		return nil
	}

	levels := make([]float64, 0, len(FibExtensionRatios))
	for _, ratio := range FibExtensionRatios {
		if long {
			levels = append(levels, swingLow+rangeSize*ratio)
		} else {
			levels = append(levels, swingHigh-rangeSize*ratio)
		}
	}
	return levels
}

// ============================================================================
// VOLATILITY
// ============================================================================

// VolatilityPct returns ATR as a percent of the last close.
func VolatilityPct(klines []exchange.Kline, period int) float64 {
	if len(klines) == 0 {
		return 0
	}
	atr := CalculateATR(klines, period)
	last := klines[len(klines)-1].Close
	if last == 0 {
		return 0
	}
	return atr / last * 100
}

// AverageVolume returns the mean volume of the last n bars.
func AverageVolume(klines []exchange.Kline, n int) float64 {
	if len(klines) == 0 {
		return 0
	}
	if n > len(klines) {
		n = len(klines)
	}
	sum := 0.0
	for _, k := range klines[len(klines)-n:] {
		sum += k.Volume
	}
	return sum / float64(n)
}
