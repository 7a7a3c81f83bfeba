package market

import (
	"context"
	"fmt"

	"bybit-trading-engine/internal/exchange"
)

// Snapshot bundles everything the risk ladder needs to reason about a
// symbol at one point in time.
type Snapshot struct {
	Symbol    string
	LastPrice float64
	Klines5m  []exchange.Kline
	Klines15m []exchange.Kline
	Klines1h  []exchange.Kline
	ATR5m     float64
	ATR15m    float64
	ATR1h     float64
	Regime    RegimeResult
}

// BuildSnapshot fetches market data and computes derived values. It
// fails rather than guessing: a ladder adjustment on missing data is
// worse than no adjustment.
func BuildSnapshot(ctx context.Context, client exchange.Client, symbol string) (*Snapshot, error) {
	ticker, err := client.GetTicker(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("snapshot ticker: %w", err)
	}

	k5, err := client.GetKlines(ctx, symbol, "5", 300)
	if err != nil {
		return nil, fmt.Errorf("snapshot 5m klines: %w", err)
	}
	k15, err := client.GetKlines(ctx, symbol, "15", 100)
	if err != nil {
		return nil, fmt.Errorf("snapshot 15m klines: %w", err)
	}
	k1h, err := client.GetKlines(ctx, symbol, "60", 100)
	if err != nil {
		return nil, fmt.Errorf("snapshot 1h klines: %w", err)
	}

	if len(k5) < 15 || len(k15) < 15 || len(k1h) < 15 {
		return nil, fmt.Errorf("insufficient kline history for %s", symbol)
	}

	return &Snapshot{
		Symbol:    symbol,
		LastPrice: ticker.LastPrice,
		Klines5m:  k5,
		Klines15m: k15,
		Klines1h:  k1h,
		ATR5m:     CalculateATR(k5, 14),
		ATR15m:    CalculateATR(k15, 14),
		ATR1h:     CalculateATR(k1h, 14),
		Regime:    DetectRegime(k1h),
	}, nil
}
