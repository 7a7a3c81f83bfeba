package market

import (
	"testing"

	"bybit-trading-engine/internal/exchange"
)

func flatKlines(n int, price float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		klines[i] = exchange.Kline{
			Open: price, High: price * 1.001, Low: price * 0.999, Close: price, Volume: 100,
		}
	}
	return klines
}

func TestCalculateATR(t *testing.T) {
	klines := flatKlines(20, 100)
	atr := CalculateATR(klines, 14)

	// Each bar's true range is 0.2
	if atr < 0.19 || atr > 0.21 {
		t.Errorf("ATR should be about 0.2, got %f", atr)
	}

	if got := CalculateATR(klines[:5], 14); got != 0 {
		t.Errorf("Should return 0 with insufficient data, got %f", got)
	}
}

func TestSwingLows(t *testing.T) {
	klines := flatKlines(11, 100)
	klines[5].Low = 95 // a clear fractal low in the middle

	lows := SwingLows(klines)
	if len(lows) != 1 || lows[0] != 95 {
		t.Errorf("Should find the single swing low at 95, got %v", lows)
	}
}

func TestSupportLevels(t *testing.T) {
	klines := flatKlines(20, 100)
	// Three touches of 98 within tolerance
	klines[4].Low = 98.0
	klines[9].Low = 98.05
	klines[14].Low = 97.98

	levels := SupportLevels(klines, 20, 3, 0.001)
	found := false
	for _, l := range levels {
		if l > 97.9 && l < 98.1 {
			found = true
		}
	}
	if !found {
		t.Errorf("Should detect the triple-touched support near 98, got %v", levels)
	}
}

func TestFibExtensions(t *testing.T) {
	levels := FibExtensions(100, 110, true)
	if len(levels) != len(FibExtensionRatios) {
		t.Fatalf("Should project all ratios, got %d", len(levels))
	}
	if levels[0] != 112.72 {
		t.Errorf("First extension should be 112.72, got %f", levels[0])
	}

	short := FibExtensions(100, 110, false)
	if short[0] != 97.28 {
		t.Errorf("Short extension should project down, got %f", short[0])
	}

	if got := FibExtensions(110, 100, true); got != nil {
		t.Error("Should return nil for an inverted range")
	}
}

func TestDetectRegimeRange(t *testing.T) {
	result := DetectRegime(flatKlines(50, 100))
	if result.Regime != RegimeRange {
		t.Errorf("Flat market should classify as RANGE, got %s", result.Regime)
	}
}

func TestDetectRegimeStrongTrend(t *testing.T) {
	klines := make([]exchange.Kline, 50)
	price := 100.0
	for i := range klines {
		klines[i] = exchange.Kline{Open: price, High: price * 1.004, Low: price * 0.998, Close: price * 1.003, Volume: 100}
		price *= 1.003
	}
	result := DetectRegime(klines)
	if result.Regime != RegimeStrongTrend {
		t.Errorf("Steady climb should classify as STRONG_TREND, got %s", result.Regime)
	}
	if result.Confidence <= 0 {
		t.Error("Should carry a positive confidence")
	}
}

func TestDetectRegimeVolatile(t *testing.T) {
	klines := make([]exchange.Kline, 50)
	for i := range klines {
		base := 100.0
		klines[i] = exchange.Kline{Open: base, High: base * 1.03, Low: base * 0.97, Close: base, Volume: 100}
	}
	result := DetectRegime(klines)
	if result.Regime != RegimeVolatile {
		t.Errorf("Wide churning bars should classify as VOLATILE, got %s", result.Regime)
	}
}
