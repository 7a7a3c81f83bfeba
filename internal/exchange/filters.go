package exchange

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
)

// LotFilter describes a symbol's order constraints.
type LotFilter struct {
	QtyStep     float64 `json:"qtyStep"`
	MinQty      float64 `json:"minQty"`
	MinNotional float64 `json:"minNotional"`
	TickSize    float64 `json:"tickSize"`
}

// defaultFilter is used for symbols without a cached filter. Coarse on
// purpose so a missing filter never produces an invalid order.
var defaultFilter = LotFilter{QtyStep: 0.001, MinQty: 0.001, MinNotional: 5.0, TickSize: 0.01}

// FilterTable caches per-symbol lot filters.
type FilterTable struct {
	mu      sync.RWMutex
	filters map[string]LotFilter
}

// NewFilterTable creates an empty filter table.
func NewFilterTable() *FilterTable {
	return &FilterTable{filters: make(map[string]LotFilter)}
}

// Set stores the filter for a symbol.
func (ft *FilterTable) Set(symbol string, f LotFilter) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.filters[symbol] = f
}

// Get returns the filter for a symbol, falling back to the default.
func (ft *FilterTable) Get(symbol string) LotFilter {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	if f, ok := ft.filters[symbol]; ok {
		return f
	}
	return defaultFilter
}

// RoundQty rounds quantity down to the symbol's step size. Float
// arithmetic drifts on small steps, decimal keeps the exchange happy.
func (ft *FilterTable) RoundQty(symbol string, qty float64) float64 {
	f := ft.Get(symbol)
	if f.QtyStep <= 0 {
		return qty
	}
	step := decimal.NewFromFloat(f.QtyStep)
	d := decimal.NewFromFloat(qty)
	rounded, _ := d.Div(step).Floor().Mul(step).Float64()
	return rounded
}

// RoundPrice rounds a price to the symbol's tick size.
func (ft *FilterTable) RoundPrice(symbol string, price float64) float64 {
	f := ft.Get(symbol)
	if f.TickSize <= 0 {
		return price
	}
	tick := decimal.NewFromFloat(f.TickSize)
	d := decimal.NewFromFloat(price)
	rounded, _ := d.Div(tick).Round(0).Mul(tick).Float64()
	return rounded
}

// Validate checks a rounded quantity against min qty and notional.
func (ft *FilterTable) Validate(symbol string, qty, price float64) error {
	f := ft.Get(symbol)
	if qty < f.MinQty {
		return fmt.Errorf("quantity %.8f below minimum %.8f for %s", qty, f.MinQty, symbol)
	}
	if qty*price < f.MinNotional {
		return fmt.Errorf("notional %.4f below minimum %.4f for %s", qty*price, f.MinNotional, symbol)
	}
	return nil
}
