// Package engine orchestrates the trading flow: entry admission,
// ladder placement, portfolio gating, ongoing stop adjustment, black
// swan response, and portfolio rebalancing. It is the only component
// that talks to every subsystem.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ladder"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
	"bybit-trading-engine/internal/metrics"
	"bybit-trading-engine/internal/notification"
	"bybit-trading-engine/internal/portfolio"
	"bybit-trading-engine/internal/reconcile"
	"bybit-trading-engine/internal/store"
)

// Config tunes the orchestration loops.
type Config struct {
	ConservativeAdjustSec int     `json:"conservative_adjust_sec"` // stop adjustment cadence
	ScalpingAdjustSec     int     `json:"scalping_adjust_sec"`
	RebalanceCheckSec     int     `json:"rebalance_check_sec"`
	BlackSwanCheckSec     int     `json:"black_swan_check_sec"`
	EquityRefreshSec      int     `json:"equity_refresh_sec"`
	DefaultLeverage       float64 `json:"default_leverage"`
}

// DefaultConfig returns production tuning.
func DefaultConfig() Config {
	return Config{
		ConservativeAdjustSec: 1800,
		ScalpingAdjustSec:     60,
		RebalanceCheckSec:     60,
		BlackSwanCheckSec:     300,
		EquityRefreshSec:      60,
		DefaultLeverage:       3,
	}
}

// Signal is an entry request, from the API or an upstream strategy.
type Signal struct {
	Symbol     string           `json:"symbol"`
	Direction  ledger.Direction `json:"direction"`
	Mode       ledger.Mode      `json:"mode"`
	Confidence float64          `json:"confidence"`
	Leverage   float64          `json:"leverage,omitempty"`
	WinRate    float64          `json:"win_rate,omitempty"`
	AvgWin     float64          `json:"avg_win,omitempty"`
	AvgLoss    float64          `json:"avg_loss,omitempty"`
}

// Engine wires all subsystems together.
type Engine struct {
	cfg       Config
	client    exchange.Client
	stream    *exchange.PriceStream
	book      *ledger.PositionLedger
	admission *admission.Controller
	gate      *portfolio.Gate
	ladder    *ladder.Engine
	guard     *guardian.Coordinator
	reconcile *reconcile.Loop
	snapshots *store.PostgresStore
	state     *store.RedisStateStore
	bus       *events.EventBus
	notifier  *notification.Manager
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	mu     sync.RWMutex
	equity float64
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Client    exchange.Client
	Stream    *exchange.PriceStream
	Book      *ledger.PositionLedger
	Admission *admission.Controller
	Gate      *portfolio.Gate
	Ladder    *ladder.Engine
	Guard     *guardian.Coordinator
	Reconcile *reconcile.Loop
	Snapshots *store.PostgresStore
	State     *store.RedisStateStore
	Bus       *events.EventBus
	Notifier  *notification.Manager
	Metrics   *metrics.Metrics
}

// New builds the engine.
func New(cfg Config, deps Deps, logger zerolog.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		client:    deps.Client,
		stream:    deps.Stream,
		book:      deps.Book,
		admission: deps.Admission,
		gate:      deps.Gate,
		ladder:    deps.Ladder,
		guard:     deps.Guard,
		reconcile: deps.Reconcile,
		snapshots: deps.Snapshots,
		state:     deps.State,
		bus:       deps.Bus,
		notifier:  deps.Notifier,
		metrics:   deps.Metrics,
		logger:    logger.With().Str("component", "Engine").Logger(),
		equity:    0,
	}
}

// Run starts every background loop and blocks until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.refreshEquity(ctx)
	e.restorePositions(ctx)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.streamFanIn(ctx) })
	g.Go(func() error {
		e.adjustLoop(ctx, ledger.ModeConservative, time.Duration(e.cfg.ConservativeAdjustSec)*time.Second)
		return nil
	})
	g.Go(func() error {
		e.adjustLoop(ctx, ledger.ModeScalping, time.Duration(e.cfg.ScalpingAdjustSec)*time.Second)
		return nil
	})
	g.Go(func() error { e.rebalanceLoop(ctx); return nil })
	g.Go(func() error { e.blackSwanLoop(ctx); return nil })
	g.Go(func() error { e.equityLoop(ctx); return nil })
	g.Go(func() error { e.reconcile.Run(ctx); return nil })

	e.bus.Publish(events.Event{Type: events.EventEngineStarted, Data: map[string]interface{}{}})
	e.logger.Info().Msg("Engine started")

	err := g.Wait()
	e.guard.Shutdown()
	e.bus.Publish(events.Event{Type: events.EventEngineStopped, Data: map[string]interface{}{}})
	e.logger.Info().Msg("Engine stopped")
	return err
}

// restorePositions rebuilds the ledger from durable snapshots after a
// restart and puts every survivor back under guard. Reconciliation
// trues them up against the exchange on its first cycle.
func (e *Engine) restorePositions(ctx context.Context) {
	if e.snapshots == nil {
		return
	}
	positions, err := e.snapshots.LoadOpen(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to load position snapshots")
		return
	}
	for _, pos := range positions {
		if err := e.book.Create(pos); err != nil {
			continue
		}
		e.admission.Register(pos.Mode, pos.ID, pos.Symbol)
		if err := e.guard.Guard(ctx, pos.ID); err != nil {
			e.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Failed to re-guard restored position")
		}
	}
	if len(positions) > 0 {
		e.logger.Info().Int("count", len(positions)).Msg("Restored positions from snapshots")
	}
}

// Equity returns the cached account equity.
func (e *Engine) Equity() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.equity
}

func (e *Engine) refreshEquity(ctx context.Context) {
	balance, err := e.client.GetWalletBalance(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Failed to refresh equity")
		return
	}
	e.mu.Lock()
	e.equity = balance.TotalEquity
	e.mu.Unlock()
}

// OpenPosition runs the full entry pipeline for a signal.
func (e *Engine) OpenPosition(ctx context.Context, sig Signal) (*ledger.Position, error) {
	sig.Symbol = strings.ToUpper(sig.Symbol)
	equity := e.Equity()
	if equity <= 0 {
		e.refreshEquity(ctx)
		equity = e.Equity()
	}
	if equity <= 0 {
		return nil, fmt.Errorf("account equity unknown, refusing entry")
	}

	if ok, reason := e.admission.CanOpen(sig.Mode, sig.Symbol); !ok {
		return nil, fmt.Errorf("entry refused: %s", reason)
	}

	snap, err := market.BuildSnapshot(ctx, e.client, sig.Symbol)
	if err != nil {
		return nil, fmt.Errorf("market snapshot failed: %w", err)
	}
	entryPrice := snap.LastPrice

	leverage := sig.Leverage
	if leverage <= 0 {
		leverage = e.cfg.DefaultLeverage
	}

	notional := e.admission.PositionSize(sig.Mode, equity)
	quantity := notional * leverage / entryPrice

	stops := e.ladder.InitialStops(ladder.PlacementInput{
		Direction:  sig.Direction,
		Mode:       sig.Mode,
		EntryPrice: entryPrice,
		Quantity:   quantity,
		Confidence: sig.Confidence,
		Equity:     equity,
		WinRate:    sig.WinRate,
		AvgWin:     sig.AvgWin,
		AvgLoss:    sig.AvgLoss,
		Snap:       snap,
	})

	maxHold := e.admission.MaxHold(sig.Mode)
	targets := e.ladder.Targets(ladder.TargetInput{
		Direction:  sig.Direction,
		Mode:       sig.Mode,
		EntryPrice: entryPrice,
		Confidence: sig.Confidence,
		MaxHold:    maxHold,
		Snap:       snap,
	})

	risk := proposedRisk(entryPrice, stops, quantity, equity, sig.Direction)
	decision := e.gate.CanOpen(sig.Symbol, risk, equity)
	if !decision.Allowed {
		return nil, fmt.Errorf("portfolio gate refused: %s", decision.Reason)
	}
	if decision.RecommendedRiskScale < 1 {
		quantity *= decision.RecommendedRiskScale
		e.logger.Info().Str("symbol", sig.Symbol).
			Float64("scale", decision.RecommendedRiskScale).Msg("Entry size scaled down by portfolio gate")
	}

	positionID := uuid.New().String()
	if err := e.admission.Register(sig.Mode, positionID, sig.Symbol); err != nil {
		return nil, err
	}

	pos, err := e.placeEntry(ctx, positionID, sig, entryPrice, quantity, leverage, maxHold, stops, targets)
	if err != nil {
		e.admission.Release(sig.Mode, positionID)
		return nil, err
	}

	if err := e.guard.Guard(ctx, pos.ID); err != nil {
		e.logger.Error().Str("position_id", pos.ID).Err(err).Msg("Failed to guard new position")
	}
	e.persist(ctx, pos)

	e.bus.PublishPositionOpened(pos.ID, pos.Symbol, string(pos.Direction), string(pos.Mode), pos.EntryPrice, pos.Quantity)
	e.notifier.SendPositionOpened(pos.Symbol, string(pos.Direction), string(pos.Mode), pos.EntryPrice, pos.Quantity)
	if e.metrics != nil {
		e.metrics.OpenPositions.WithLabelValues(string(pos.Mode)).Inc()
	}
	return pos, nil
}

func (e *Engine) placeEntry(
	ctx context.Context,
	positionID string,
	sig Signal,
	entryPrice, quantity, leverage float64,
	maxHold time.Duration,
	stops []ledger.StopLevel,
	targets []ledger.ProfitTarget,
) (*ledger.Position, error) {
	side := exchange.SideBuy
	if sig.Direction == ledger.Short {
		side = exchange.SideSell
	}

	if err := e.client.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		return nil, fmt.Errorf("set leverage: %w", err)
	}

	quantity = e.guardFilters().RoundQty(sig.Symbol, quantity)
	if quantity <= 0 {
		return nil, fmt.Errorf("entry size below lot minimum for %s", sig.Symbol)
	}

	order, err := e.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:    sig.Symbol,
		Side:      side,
		OrderType: exchange.OrderTypeMarket,
		Quantity:  quantity,
	})
	if err != nil {
		return nil, fmt.Errorf("entry order failed: %w", err)
	}

	filledPrice := order.AvgPrice
	if filledPrice <= 0 {
		filledPrice = entryPrice
	}

	pos := &ledger.Position{
		ID:         positionID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Mode:       sig.Mode,
		EntryPrice: filledPrice,
		Quantity:   order.FilledQty,
		Leverage:   leverage,
		Confidence: sig.Confidence,
		Status:     ledger.StatusActive,
		OpenedAt:   time.Now(),
		MaxHold:    maxHold,
		MarkPrice:  filledPrice,
		Stops:      stops,
		Targets:    targets,
	}
	if err := e.book.Create(pos); err != nil {
		return nil, err
	}

	e.logger.Info().Str("position_id", pos.ID).Str("symbol", pos.Symbol).
		Str("mode", string(pos.Mode)).Float64("entry", filledPrice).
		Float64("quantity", pos.Quantity).Msg("Position opened")
	return pos, nil
}

// ClosePosition force-closes a position through the execution ladder.
func (e *Engine) ClosePosition(ctx context.Context, positionID, reason string) error {
	pos, err := e.book.Get(positionID)
	if err != nil {
		return err
	}
	if err := e.guard.ForceExit(ctx, positionID, reason, 1); err != nil {
		return err
	}
	e.cleanup(ctx, pos, reason)
	return nil
}

func (e *Engine) cleanup(ctx context.Context, pos *ledger.Position, reason string) {
	e.guard.Release(pos.ID)
	e.admission.Release(pos.Mode, pos.ID)
	if e.metrics != nil {
		e.metrics.OpenPositions.WithLabelValues(string(pos.Mode)).Dec()
	}
	if e.snapshots != nil {
		if final, err := e.book.Get(pos.ID); err == nil {
			e.snapshots.RecordClosed(ctx, final, reason, final.CurrentProfitPct)
		} else {
			e.snapshots.RecordClosed(ctx, pos, reason, pos.CurrentProfitPct)
		}
		e.snapshots.DeleteSnapshot(ctx, pos.ID)
	}
	if e.state != nil {
		e.state.Delete(ctx, pos.ID)
	}
	e.book.Sweep()
}

func (e *Engine) persist(ctx context.Context, pos *ledger.Position) {
	if e.snapshots != nil {
		if err := e.snapshots.SaveSnapshot(ctx, pos); err != nil {
			e.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Snapshot save failed")
		}
	}
	if e.state != nil {
		e.state.Save(ctx, pos)
	}
}

// guardFilters exposes the shared lot filter table. The REST client
// owns the live copy; the mock in tests carries defaults.
func (e *Engine) guardFilters() *exchange.FilterTable {
	type filtered interface{ Filters() *exchange.FilterTable }
	if f, ok := e.client.(filtered); ok {
		return f.Filters()
	}
	return exchange.NewFilterTable()
}

// proposedRisk computes the fraction of equity at risk between entry
// and the primary stop.
func proposedRisk(entry float64, stops []ledger.StopLevel, qty, equity float64, dir ledger.Direction) float64 {
	if equity <= 0 {
		return 0
	}
	var stopPrice float64
	for i := range stops {
		s := &stops[i]
		if s.Price <= 0 || s.Kind == ledger.TriggerTime {
			continue
		}
		if stopPrice == 0 {
			stopPrice = s.Price
			continue
		}
		if dir == ledger.Long && s.Price > stopPrice {
			stopPrice = s.Price
		}
		if dir == ledger.Short && s.Price < stopPrice {
			stopPrice = s.Price
		}
	}
	if stopPrice <= 0 {
		return 0.05 * qty * entry / equity
	}
	dist := entry - stopPrice
	if dist < 0 {
		dist = -dist
	}
	return dist * qty / equity
}

// ==================== BACKGROUND LOOPS ====================

// streamFanIn pumps price ticks from the websocket into the guardian.
func (e *Engine) streamFanIn(ctx context.Context) error {
	if e.stream == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-e.stream.Updates():
			if !ok {
				return nil
			}
			e.guard.OnPrice(update)
		}
	}
}

// adjustLoop periodically re-evaluates every open position of one mode
// against fresh market data.
func (e *Engine) adjustLoop(ctx context.Context, mode ledger.Mode, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.adjustPass(ctx, mode)
		}
	}
}

func (e *Engine) adjustPass(ctx context.Context, mode ledger.Mode) {
	snaps := make(map[string]*market.Snapshot)
	now := time.Now()

	for _, pos := range e.book.Snapshot() {
		if pos.Mode != mode || pos.Status == ledger.StatusClosed || pos.Status == ledger.StatusClosing {
			continue
		}

		snap, ok := snaps[pos.Symbol]
		if !ok {
			var err error
			snap, err = market.BuildSnapshot(ctx, e.client, pos.Symbol)
			if err != nil {
				e.logger.Warn().Str("symbol", pos.Symbol).Err(err).Msg("Snapshot failed, skipping adjustment")
				continue
			}
			snaps[pos.Symbol] = snap
		}

		e.adjustOne(ctx, pos, snap, now)
	}
}

// adjustOne runs the adjustment pipeline, the scalp exit rules, and the
// condition-based rung checks for one position.
func (e *Engine) adjustOne(ctx context.Context, pos *ledger.Position, snap *market.Snapshot, now time.Time) {
	if adj := e.ladder.Adjust(pos, snap); adj != nil {
		oldPrice := 0.0
		if s := pos.PrimaryStop(); s != nil {
			oldPrice = s.Price
		}
		updated, err := e.book.ReplaceStop(pos.ID, adj.Rung, adj.NewPrice, pos.StopVersion)
		if err != nil {
			e.logger.Debug().Str("position_id", pos.ID).Err(err).Msg("Stop replacement rejected")
		} else {
			if adj.Breakeven {
				e.book.SetBreakevenFired(pos.ID)
			}
			e.bus.PublishStopMoved(pos.ID, pos.Symbol, adj.Rung, adj.Reason, oldPrice, adj.NewPrice)
			if e.metrics != nil {
				e.metrics.StopAdjustments.WithLabelValues(adj.Method).Inc()
			}
			if err := e.guard.ReplaceRestingStop(ctx, pos.ID); err != nil {
				e.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Resting stop replacement failed")
			}
			e.persist(ctx, updated)
		}
	}

	if sig := e.ladder.ScalpExit(pos, snap, now); sig != nil {
		pct := sig.ClosePct
		if sig.Action == "full_close" {
			pct = 1
		}
		if err := e.guard.ForceExit(ctx, pos.ID, sig.Reason, pct); err != nil {
			e.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Scalp exit failed")
		} else if pct >= 1 {
			e.cleanup(ctx, pos, sig.Reason)
			return
		}
	}

	for i := range pos.Stops {
		rung := &pos.Stops[i]
		if !rung.Active || rung.Kind == ledger.TriggerPrice || rung.Kind == ledger.TriggerEmergency {
			continue
		}
		if e.ladder.ConditionHit(pos, rung, snap, now) {
			if err := e.guard.TriggerRung(ctx, pos.ID, rung.Name, string(rung.Kind)+"_monitor"); err == nil {
				e.cleanup(ctx, pos, rung.Name)
				return
			}
		}
	}
}

// rebalanceLoop trims the portfolio when aggregate risk exceeds the
// budget.
func (e *Engine) rebalanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.RebalanceCheckSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			equity := e.Equity()
			if equity <= 0 {
				continue
			}
			if e.metrics != nil {
				e.metrics.PortfolioRiskPct.Set(e.gate.PortfolioRisk(equity))
			}
			for _, order := range e.gate.MaybeRebalance(equity) {
				pos, err := e.book.Get(order.PositionID)
				if err != nil {
					continue
				}
				pct := order.Quantity / pos.Quantity
				if err := e.guard.ForceExit(ctx, order.PositionID, "portfolio_rebalance", pct); err != nil {
					e.logger.Warn().Str("position_id", order.PositionID).Err(err).Msg("Rebalance reduction failed")
				}
			}
		}
	}
}

// blackSwanLoop scans every symbol with open exposure for market
// dislocations and runs the planned response.
func (e *Engine) blackSwanLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.BlackSwanCheckSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.blackSwanPass(ctx)
		}
	}
}

func (e *Engine) blackSwanPass(ctx context.Context) {
	symbols := make(map[string]bool)
	for _, pos := range e.book.Snapshot() {
		if pos.Status != ledger.StatusClosed {
			symbols[pos.Symbol] = true
		}
	}

	for symbol := range symbols {
		klines, err := e.client.GetKlines(ctx, symbol, "5", 300)
		if err != nil {
			continue
		}
		result := e.ladder.DetectBlackSwan(symbol, klines)
		if !result.Detected {
			continue
		}

		e.logger.Error().Str("symbol", symbol).Int("severity", result.Severity).
			Strs("signals", result.Signals).Msg("Black swan detected")
		e.bus.PublishBlackSwan(symbol, result.Severity, result.Confidence, result.Signals)
		e.notifier.SendBlackSwan(symbol, result.Severity, result.Signals)
		if e.metrics != nil {
			e.metrics.BlackSwans.Inc()
		}

		level := ladder.ResponseLevel(result.Severity)
		actions := e.ladder.PlanEmergencyResponse(level, e.book.Snapshot())
		for _, action := range actions {
			e.executeEmergencyAction(ctx, action)
		}
	}
}

// executeEmergencyAction closes one position through its emergency rung
// when it has one, so the exit bypasses the circuit breaker.
func (e *Engine) executeEmergencyAction(ctx context.Context, action ladder.EmergencyAction) {
	pos, err := e.book.Get(action.PositionID)
	if err != nil {
		return
	}

	e.book.MarkEmergency(pos.ID)
	var emergencyRung string
	for _, s := range pos.Stops {
		if s.Kind == ledger.TriggerEmergency && s.Active {
			emergencyRung = s.Name
			break
		}
	}

	if emergencyRung != "" {
		if err := e.guard.TriggerRung(ctx, pos.ID, emergencyRung, "black_swan"); err != nil {
			e.logger.Error().Str("position_id", pos.ID).Err(err).Msg("Emergency exit failed")
			return
		}
	} else if err := e.guard.ForceExit(ctx, pos.ID, action.Reason, 1); err != nil {
		e.logger.Error().Str("position_id", pos.ID).Err(err).Msg("Emergency exit failed")
		return
	}
	e.cleanup(ctx, pos, action.Reason)
}

// equityLoop refreshes the cached account equity.
func (e *Engine) equityLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(e.cfg.EquityRefreshSec) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.refreshEquity(ctx)
		}
	}
}

// ==================== API SURFACE ====================

// ToggleMode enables or disables a trading mode.
func (e *Engine) ToggleMode(mode ledger.Mode, enabled bool) error {
	if err := e.admission.Toggle(mode, enabled); err != nil {
		return err
	}
	e.bus.Publish(events.Event{
		Type: events.EventModeToggled,
		Data: map[string]interface{}{"mode": string(mode), "enabled": enabled},
	})
	return nil
}

// ResetPortfolio closes every open position through the ladder.
func (e *Engine) ResetPortfolio(ctx context.Context, reason string) int {
	closed := 0
	for _, pos := range e.book.Snapshot() {
		if pos.Status == ledger.StatusClosed {
			continue
		}
		if err := e.ClosePosition(ctx, pos.ID, reason); err != nil {
			e.logger.Warn().Str("position_id", pos.ID).Err(err).Msg("Portfolio reset close failed")
			continue
		}
		closed++
	}
	// True the emptied ledger up against the exchange right away
	// instead of waiting for the next reconcile cycle
	if err := e.reconcile.ForceSync(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Post-reset reconciliation failed")
	}

	e.bus.Publish(events.Event{
		Type: events.EventPortfolioReset,
		Data: map[string]interface{}{"closed": closed, "reason": reason},
	})
	return closed
}

// ForceReconcile triggers an immediate reconciliation cycle.
func (e *Engine) ForceReconcile(ctx context.Context) error {
	return e.reconcile.ForceSync(ctx)
}

// Positions returns the ledger snapshot for the API.
func (e *Engine) Positions() []*ledger.Position {
	return e.book.Snapshot()
}

// Position returns one position.
func (e *Engine) Position(id string) (*ledger.Position, error) {
	return e.book.Get(id)
}

// ModeStatus returns the per-mode admission status.
func (e *Engine) ModeStatus() map[string]interface{} {
	return e.admission.Status()
}

// PortfolioSummary returns the gate's exposure summary with per-mode
// position counts.
func (e *Engine) PortfolioSummary() map[string]interface{} {
	summary := e.gate.Summary(e.Equity())
	byMode := make(map[string]int)
	for mode, n := range e.book.CountByMode() {
		byMode[string(mode)] = n
	}
	summary["positions_by_mode"] = byMode
	return summary
}

// MonitoringTasks returns the guardian's active watch tasks.
func (e *Engine) MonitoringTasks() []guardian.MonitoringTask {
	return e.guard.Tasks()
}

// ExecutionStates returns the guardian state per position.
func (e *Engine) ExecutionStates() map[string]guardian.State {
	return e.guard.States()
}
