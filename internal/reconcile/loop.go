// Package reconcile keeps the local position ledger in lockstep with
// the exchange. The exchange is the source of truth: sizes and entry
// prices drift toward it, positions closed remotely are cleaned up
// locally, and positions opened outside the engine are imported and
// put under guard with a default protective ladder.
package reconcile

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ledger"
)

// Config tunes the reconciliation loop.
type Config struct {
	IntervalSec      int     `json:"interval_sec"`
	SizeDriftMin     float64 `json:"size_drift_min"`      // absolute contracts
	EntryDriftMin    float64 `json:"entry_drift_min"`     // absolute price
	ImportExternal   bool    `json:"import_external"`     // adopt positions opened outside the engine
	ExternalStopPct  float64 `json:"external_stop_pct"`   // protective stop for imports
	ExternalConf     float64 `json:"external_confidence"` // assumed signal confidence for imports
}

// DefaultConfig returns production tuning.
func DefaultConfig() Config {
	return Config{
		IntervalSec:     10,
		SizeDriftMin:    0.0001,
		EntryDriftMin:   0.01,
		ImportExternal:  true,
		ExternalStopPct: 0.002,
		ExternalConf:    0.5,
	}
}

// externalTargetPcts and externalTargetCloses define the default staged
// take-profit ladder attached to imported positions.
var (
	externalTargetPcts   = []float64{0.002, 0.003, 0.005}
	externalTargetCloses = []float64{0.5, 0.3, 0.2}
)

// Loop is the reconciliation worker.
type Loop struct {
	cfg       Config
	client    exchange.Client
	book      *ledger.PositionLedger
	guard     *guardian.Coordinator
	admission *admission.Controller
	bus       *events.EventBus
	logger    zerolog.Logger
}

// NewLoop wires the reconciliation loop.
func NewLoop(
	cfg Config,
	client exchange.Client,
	book *ledger.PositionLedger,
	guard *guardian.Coordinator,
	adm *admission.Controller,
	bus *events.EventBus,
	logger zerolog.Logger,
) *Loop {
	return &Loop{
		cfg:       cfg,
		client:    client,
		book:      book,
		guard:     guard,
		admission: adm,
		bus:       bus,
		logger:    logger.With().Str("component", "Reconciler").Logger(),
	}
}

// Run reconciles on the configured interval until the context ends.
// A small jitter keeps multiple instances from hammering the exchange
// in sync.
func (l *Loop) Run(ctx context.Context) {
	interval := time.Duration(l.cfg.IntervalSec) * time.Second
	l.logger.Info().Dur("interval", interval).Msg("Reconciliation loop started")

	for {
		jitter := time.Duration(rand.Int63n(int64(interval / 10)))
		select {
		case <-ctx.Done():
			l.logger.Info().Msg("Reconciliation loop stopped")
			return
		case <-time.After(interval + jitter):
		}

		if err := l.Reconcile(ctx); err != nil {
			l.logger.Warn().Err(err).Msg("Reconciliation cycle failed")
			l.bus.PublishError("reconciler", "reconciliation cycle failed", err)
		}
	}
}

// Reconcile runs one reconciliation cycle.
func (l *Loop) Reconcile(ctx context.Context) error {
	remote, err := l.client.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch exchange positions: %w", err)
	}

	bySymbol := make(map[string]exchange.Position, len(remote))
	for _, rp := range remote {
		if rp.Size > 0 {
			bySymbol[rp.Symbol] = rp
		}
	}

	local := l.book.Snapshot()
	seen := make(map[string]bool, len(local))

	for _, lp := range local {
		if lp.Status == ledger.StatusClosed {
			continue
		}
		rp, open := bySymbol[lp.Symbol]
		if !open {
			// Some exit paths legitimately race the exchange view for a
			// moment; never remove a position mid-execution
			if lp.Status == ledger.StatusClosing {
				continue
			}
			l.removeStale(lp)
			continue
		}
		seen[lp.Symbol] = true
		l.correctDrift(lp, rp)
	}

	if l.cfg.ImportExternal {
		for symbol, rp := range bySymbol {
			if seen[symbol] || len(l.book.BySymbol(symbol)) > 0 {
				continue
			}
			l.importExternal(ctx, rp)
		}
	}

	for _, id := range l.book.Sweep() {
		l.guard.Release(id)
	}
	return nil
}

// removeStale cleans up a position the exchange no longer holds.
func (l *Loop) removeStale(lp *ledger.Position) {
	l.logger.Warn().Str("position_id", lp.ID).Str("symbol", lp.Symbol).
		Msg("Position closed on exchange, removing locally")

	l.guard.Release(lp.ID)
	l.admission.Release(lp.Mode, lp.ID)
	if _, err := l.book.Close(lp.ID); err != nil {
		l.logger.Warn().Str("position_id", lp.ID).Err(err).Msg("Failed to close stale position")
		return
	}
	l.bus.PublishPositionClosed(lp.ID, lp.Symbol, "reconcile_external_close", lp.MarkPrice, lp.CurrentProfitPct)
}

// correctDrift trues up local size and entry price against the
// exchange.
func (l *Loop) correctDrift(lp *ledger.Position, rp exchange.Position) {
	if math.Abs(lp.RemainingQuantity-rp.Size) > l.cfg.SizeDriftMin {
		l.logger.Warn().Str("position_id", lp.ID).
			Float64("local", lp.RemainingQuantity).Float64("exchange", rp.Size).
			Msg("Size drift corrected")
		if err := l.book.CorrectSize(lp.ID, rp.Size); err == nil {
			l.bus.PublishReconcileDrift(lp.ID, lp.Symbol, "size", lp.RemainingQuantity, rp.Size)
		}
	}

	if rp.EntryPrice > 0 && math.Abs(lp.EntryPrice-rp.EntryPrice) > l.cfg.EntryDriftMin {
		l.logger.Warn().Str("position_id", lp.ID).
			Float64("local", lp.EntryPrice).Float64("exchange", rp.EntryPrice).
			Msg("Entry price drift corrected")
		if err := l.book.CorrectEntry(lp.ID, rp.EntryPrice); err == nil {
			l.bus.PublishReconcileDrift(lp.ID, lp.Symbol, "entry_price", lp.EntryPrice, rp.EntryPrice)
		}
	}
}

// importExternal adopts a position opened outside the engine, attaching
// a default protective ladder before putting it under guard.
func (l *Loop) importExternal(ctx context.Context, rp exchange.Position) {
	direction := ledger.Long
	if strings.EqualFold(rp.Side, exchange.SideSell) {
		direction = ledger.Short
	}

	sign := 1.0
	if direction == ledger.Short {
		sign = -1.0
	}

	stops := []ledger.StopLevel{{
		Name:     "initial_stop",
		Price:    rp.EntryPrice * (1 - sign*l.cfg.ExternalStopPct),
		Kind:     ledger.TriggerPrice,
		Priority: 1,
		Active:   true,
	}}

	targets := make([]ledger.ProfitTarget, 0, len(externalTargetPcts))
	for i, pct := range externalTargetPcts {
		targets = append(targets, ledger.ProfitTarget{
			Level:    i + 1,
			Price:    rp.EntryPrice * (1 + sign*pct),
			ClosePct: externalTargetCloses[i],
			Priority: i + 1,
		})
	}

	pos := &ledger.Position{
		ID:         fmt.Sprintf("external_%s_%d", rp.Symbol, time.Now().Unix()),
		Symbol:     rp.Symbol,
		Direction:  direction,
		Mode:       ledger.ModeConservative,
		EntryPrice: rp.EntryPrice,
		Quantity:   rp.Size,
		Leverage:   rp.Leverage,
		Confidence: l.cfg.ExternalConf,
		Status:     ledger.StatusActive,
		OpenedAt:   time.Now(),
		MarkPrice:  rp.MarkPrice,
		External:   true,
		Stops:      stops,
		Targets:    targets,
	}

	if err := l.book.Create(pos); err != nil {
		l.logger.Warn().Str("symbol", rp.Symbol).Err(err).Msg("Failed to import external position")
		return
	}

	l.logger.Info().Str("position_id", pos.ID).Str("symbol", rp.Symbol).
		Float64("size", rp.Size).Msg("Imported external position")
	l.bus.Publish(events.Event{
		Type: events.EventPositionImported,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      rp.Symbol,
			"direction":   string(direction),
			"entry_price": rp.EntryPrice,
			"quantity":    rp.Size,
		},
	})

	if err := l.guard.Guard(ctx, pos.ID); err != nil {
		l.logger.Error().Str("position_id", pos.ID).Err(err).Msg("Failed to guard imported position")
	}
}

// ForceSync runs an immediate cycle, used by the API.
func (l *Loop) ForceSync(ctx context.Context) error {
	l.logger.Info().Msg("Forced reconciliation")
	return l.Reconcile(ctx)
}
