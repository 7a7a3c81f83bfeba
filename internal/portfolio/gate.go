// Package portfolio enforces account-wide exposure limits across both
// trading modes: total risk, per-symbol concentration, and correlated
// group crowding.
package portfolio

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/ledger"
)

// ErrPortfolioRejected is returned when the gate refuses a new position.
var ErrPortfolioRejected = errors.New("portfolio gate rejected")

// Settings are the portfolio-wide limits.
type Settings struct {
	MaxConcurrent         int     `json:"max_concurrent"`
	MaxPerSymbol          int     `json:"max_per_symbol"`
	MaxPortfolioRisk      float64 `json:"max_portfolio_risk"`       // fraction of equity
	MaxSinglePositionRisk float64 `json:"max_single_position_risk"` // fraction of equity
	MaxCorrelated         int     `json:"max_correlated"`           // per correlation group
	RebalanceIntervalMin  int     `json:"rebalance_interval_min"`
}

// DefaultSettings returns the production limits.
func DefaultSettings() Settings {
	return Settings{
		MaxConcurrent:         15,
		MaxPerSymbol:          2,
		MaxPortfolioRisk:      0.10,
		MaxSinglePositionRisk: 0.008,
		MaxCorrelated:         3,
		RebalanceIntervalMin:  60,
	}
}

// correlationGroups maps group name to member symbols. Symbols not
// listed fall into the OTHER bucket and are never counted as correlated.
var correlationGroups = map[string][]string{
	"BTC":     {"BTCUSDT"},
	"ETH":     {"ETHUSDT"},
	"ALT":     {"ADAUSDT", "DOTUSDT", "LINKUSDT", "SOLUSDT", "AVAXUSDT"},
	"MEME":    {"DOGEUSDT", "SHIBUSDT", "PEPEUSDT", "1000PEPEUSDT"},
	"DEFI":    {"UNIUSDT", "AAVEUSDT", "SUSHIUSDT", "COMPUSDT"},
	"LAYER1":  {"NEARUSDT", "ATOMUSDT", "FTMUSDT", "ALGOUSDT"},
	"STORAGE": {"FILUSDT", "ARUSDT", "STORJUSDT"},
	"LEGACY":  {"LTCUSDT", "BCHUSDT", "ETCUSDT", "XRPUSDT"},
}

// groupOf returns the correlation group for a symbol.
func groupOf(symbol string) string {
	symbol = strings.ToUpper(symbol)
	for group, members := range correlationGroups {
		for _, m := range members {
			if m == symbol {
				return group
			}
		}
	}
	return "OTHER"
}

// Decision is the gate's answer to a proposed entry.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Reason explains a rejection, empty when allowed.
	Reason string `json:"reason,omitempty"`
	// RecommendedRiskScale shrinks the proposed risk to fit inside the
	// remaining portfolio budget, 1.0 when no shrink is needed.
	RecommendedRiskScale float64 `json:"recommended_risk_scale"`
}

// ReduceOrder instructs the engine to cut a position's size.
type ReduceOrder struct {
	PositionID string  `json:"position_id"`
	Symbol     string  `json:"symbol"`
	Quantity   float64 `json:"quantity"`
	Risk       float64 `json:"risk"`
}

// Gate evaluates portfolio exposure against its limits using ledger
// snapshots.
type Gate struct {
	mu            sync.Mutex
	settings      Settings
	book          *ledger.PositionLedger
	lastRebalance time.Time
	now           func() time.Time
	logger        zerolog.Logger
}

// NewGate creates a gate over the given ledger.
func NewGate(settings Settings, book *ledger.PositionLedger, logger zerolog.Logger) *Gate {
	return &Gate{
		settings: settings,
		book:     book,
		now:      time.Now,
		logger:   logger.With().Str("component", "PortfolioGate").Logger(),
	}
}

// SetClock injects a deterministic clock for tests.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// positionRisk is the loss fraction of equity if the primary stop hits.
func positionRisk(p *ledger.Position, equity float64) float64 {
	if equity <= 0 {
		return 0
	}
	stop := p.PrimaryStop()
	if stop == nil {
		// Unprotected position, assume the emergency default distance
		return p.EntryPrice * 0.05 * p.RemainingQuantity / equity
	}
	dist := p.EntryPrice - stop.Price
	if dist < 0 {
		dist = -dist
	}
	return dist * p.RemainingQuantity / equity
}

// PortfolioRisk returns the summed stop-loss risk as an equity fraction.
func (g *Gate) PortfolioRisk(equity float64) float64 {
	total := 0.0
	for _, p := range g.book.Snapshot() {
		total += positionRisk(p, equity)
	}
	return total
}

// GroupExposure returns open position counts per correlation group.
func (g *Gate) GroupExposure() map[string]int {
	counts := make(map[string]int)
	for _, p := range g.book.Snapshot() {
		counts[groupOf(p.Symbol)]++
	}
	return counts
}

// CanOpen decides whether a new position with the proposed risk
// fraction fits the portfolio. When the budget is tight but nonzero it
// allows the entry with a reduced risk scale.
func (g *Gate) CanOpen(symbol string, proposedRisk, equity float64) Decision {
	g.mu.Lock()
	settings := g.settings
	g.mu.Unlock()

	positions := g.book.Snapshot()

	if len(positions) >= settings.MaxConcurrent {
		return Decision{Reason: fmt.Sprintf("max concurrent positions reached (%d)", settings.MaxConcurrent)}
	}

	symCount := 0
	for _, p := range positions {
		if p.Symbol == symbol {
			symCount++
		}
	}
	if symCount >= settings.MaxPerSymbol {
		return Decision{Reason: fmt.Sprintf("max positions for %s reached (%d)", symbol, settings.MaxPerSymbol)}
	}

	group := groupOf(symbol)
	if group != "OTHER" {
		groupCount := 0
		for _, p := range positions {
			if groupOf(p.Symbol) == group {
				groupCount++
			}
		}
		if groupCount >= settings.MaxCorrelated {
			return Decision{Reason: fmt.Sprintf("correlation group %s is full (%d)", group, settings.MaxCorrelated)}
		}
	}

	// Cap single-position risk first, then fit into what is left of
	// the portfolio budget. The smaller scale wins.
	scale := 1.0
	if proposedRisk > settings.MaxSinglePositionRisk {
		scale = settings.MaxSinglePositionRisk / proposedRisk
		proposedRisk = settings.MaxSinglePositionRisk
	}

	current := 0.0
	for _, p := range positions {
		current += positionRisk(p, equity)
	}
	remaining := settings.MaxPortfolioRisk - current
	if remaining <= 0 {
		return Decision{Reason: fmt.Sprintf("portfolio risk budget exhausted (%.2f%%)", current*100)}
	}
	if proposedRisk > remaining {
		scale *= remaining / proposedRisk
	}
	return Decision{Allowed: true, RecommendedRiskScale: scale}
}

// MaybeRebalance returns reduce orders for the riskiest positions when
// total portfolio risk exceeds the cap. Reductions cut each position by
// half until the projected risk is back under budget. Rate limited by
// the rebalance interval.
func (g *Gate) MaybeRebalance(equity float64) []ReduceOrder {
	g.mu.Lock()
	interval := time.Duration(g.settings.RebalanceIntervalMin) * time.Minute
	now := g.now()
	if now.Sub(g.lastRebalance) < interval {
		g.mu.Unlock()
		return nil
	}
	maxRisk := g.settings.MaxPortfolioRisk
	g.mu.Unlock()

	positions := g.book.Snapshot()
	total := 0.0
	risks := make(map[string]float64, len(positions))
	for _, p := range positions {
		r := positionRisk(p, equity)
		risks[p.ID] = r
		total += r
	}
	if total <= maxRisk {
		return nil
	}

	g.mu.Lock()
	g.lastRebalance = now
	g.mu.Unlock()

	sort.Slice(positions, func(i, j int) bool { return risks[positions[i].ID] > risks[positions[j].ID] })

	var orders []ReduceOrder
	projected := total
	for _, p := range positions {
		if projected <= maxRisk {
			break
		}
		cut := p.RemainingQuantity * 0.5
		orders = append(orders, ReduceOrder{
			PositionID: p.ID,
			Symbol:     p.Symbol,
			Quantity:   cut,
			Risk:       risks[p.ID],
		})
		projected -= risks[p.ID] * 0.5
	}

	g.logger.Warn().Float64("portfolio_risk", total).Float64("cap", maxRisk).
		Int("reductions", len(orders)).Msg("Portfolio over risk budget, rebalancing")
	return orders
}

// Summary returns a portfolio status payload for the API.
func (g *Gate) Summary(equity float64) map[string]interface{} {
	g.mu.Lock()
	settings := g.settings
	g.mu.Unlock()

	positions := g.book.Snapshot()
	total := 0.0
	for _, p := range positions {
		total += positionRisk(p, equity)
	}
	return map[string]interface{}{
		"open_positions":     len(positions),
		"max_concurrent":     settings.MaxConcurrent,
		"portfolio_risk":     total,
		"max_portfolio_risk": settings.MaxPortfolioRisk,
		"group_exposure":     g.GroupExposure(),
		"equity":             equity,
	}
}
