package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
)

// ErrExecutionExhausted is returned when every ladder strategy failed.
var ErrExecutionExhausted = errors.New("execution ladder exhausted")

// Coordinator owns one supervisor per guarded position.
type Coordinator struct {
	cfg     Config
	client  exchange.Client
	filters *exchange.FilterTable
	book    *ledger.PositionLedger
	feed    PriceFeed
	breaker *circuit.Breaker
	bus     *events.EventBus
	alerter Alerter
	logger  zerolog.Logger

	mu          sync.Mutex
	supervisors map[string]*supervisor
	wg          sync.WaitGroup
}

// NewCoordinator wires the guardian.
func NewCoordinator(
	cfg Config,
	client exchange.Client,
	filters *exchange.FilterTable,
	book *ledger.PositionLedger,
	feed PriceFeed,
	breaker *circuit.Breaker,
	bus *events.EventBus,
	alerter Alerter,
	logger zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		client:      client,
		filters:     filters,
		book:        book,
		feed:        feed,
		breaker:     breaker,
		bus:         bus,
		alerter:     alerter,
		supervisors: make(map[string]*supervisor),
		logger:      logger.With().Str("component", "ExecutionGuardian").Logger(),
	}
}

// Guard starts supervision for a position. Idempotent per position ID.
// It also places the resting exchange stop order as the third safety
// net behind the stream and the poller.
func (c *Coordinator) Guard(ctx context.Context, positionID string) error {
	pos, err := c.book.Get(positionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if _, exists := c.supervisors[positionID]; exists {
		c.mu.Unlock()
		return nil
	}
	sup := newSupervisor(c, pos)
	c.supervisors[positionID] = sup
	c.mu.Unlock()

	c.feed.Subscribe(pos.Symbol)

	if err := c.placeRestingStop(ctx, pos); err != nil {
		// The local watchers still protect the position; log and move on
		c.logger.Warn().Str("position_id", positionID).Err(err).
			Msg("Failed to place resting stop order")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		sup.run(ctx)
	}()

	c.logger.Info().Str("position_id", positionID).Str("symbol", pos.Symbol).
		Msg("Position under guard")
	return nil
}

// Release stops supervising a position.
func (c *Coordinator) Release(positionID string) {
	c.mu.Lock()
	sup, ok := c.supervisors[positionID]
	if ok {
		delete(c.supervisors, positionID)
	}
	remaining := 0
	if ok {
		for _, s := range c.supervisors {
			if s.symbol == sup.symbol {
				remaining++
			}
		}
	}
	c.mu.Unlock()

	if !ok {
		return
	}
	sup.stop()
	if remaining == 0 {
		c.feed.Unsubscribe(sup.symbol)
	}
}

// OnPrice routes a stream tick to the supervisors watching the symbol.
func (c *Coordinator) OnPrice(update exchange.PriceUpdate) {
	c.mu.Lock()
	var targets []*supervisor
	for _, sup := range c.supervisors {
		if sup.symbol == update.Symbol {
			targets = append(targets, sup)
		}
	}
	c.mu.Unlock()

	for _, sup := range targets {
		sup.offerPrice(update.Price, "stream")
	}
}

// TriggerRung fires a rung from an external detection path (the
// adjustment loop's momentum/volume/time conditions, or emergency
// response). Dedup happens in the ledger.
func (c *Coordinator) TriggerRung(ctx context.Context, positionID, rungName, detectedBy string) error {
	c.mu.Lock()
	sup, ok := c.supervisors[positionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s is not guarded", positionID)
	}
	return sup.fireRung(ctx, rungName, detectedBy)
}

// ForceExit closes part or all of a position outside the rung ladder,
// used by the scalp monitor, rebalancing, and emergency response. A
// full close runs the whole execution ladder.
func (c *Coordinator) ForceExit(ctx context.Context, positionID, reason string, closePct float64) error {
	c.mu.Lock()
	sup, ok := c.supervisors[positionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("position %s is not guarded", positionID)
	}

	pos, err := c.book.Get(positionID)
	if err != nil {
		return err
	}
	if pos.Status == ledger.StatusClosed || pos.Status == ledger.StatusClosing {
		return nil
	}

	qty := pos.Quantity * closePct
	if closePct >= 1 || qty >= pos.RemainingQuantity {
		sup.setState(StateTriggered)
		c.bus.PublishRungTriggered(pos.ID, pos.Symbol, reason, "monitor", pos.MarkPrice)
		return c.executeExit(ctx, sup, pos, pos.RemainingQuantity, reason, false)
	}
	return c.executeTarget(ctx, sup, pos, qty, -1)
}

// ReplaceRestingStop moves the exchange-side stop order after a ladder
// adjustment.
func (c *Coordinator) ReplaceRestingStop(ctx context.Context, positionID string) error {
	pos, err := c.book.Get(positionID)
	if err != nil {
		return err
	}
	if pos.RestingOrderID != "" {
		if err := c.client.CancelOrder(ctx, pos.Symbol, pos.RestingOrderID); err != nil {
			c.logger.Warn().Str("position_id", positionID).Err(err).
				Msg("Failed to cancel old resting stop")
		}
	}
	return c.placeRestingStop(ctx, pos)
}

// placeRestingStop parks a reduce-only stop-market order at the primary
// stop price so the exchange itself is the last line of defense.
func (c *Coordinator) placeRestingStop(ctx context.Context, pos *ledger.Position) error {
	stop := pos.PrimaryStop()
	if stop == nil || pos.RemainingQuantity <= 0 {
		return nil
	}

	side := exchange.SideSell
	if !pos.IsLong() {
		side = exchange.SideBuy
	}
	qty := c.filters.RoundQty(pos.Symbol, pos.RemainingQuantity)
	if qty <= 0 {
		return nil
	}

	order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:       pos.Symbol,
		Side:         side,
		OrderType:    exchange.OrderTypeMarket,
		Quantity:     qty,
		ReduceOnly:   true,
		TriggerPrice: c.filters.RoundPrice(pos.Symbol, stop.Price),
		OrderLinkID:  fmt.Sprintf("guard-%s-%d", pos.ID, time.Now().UnixMilli()),
	})
	if err != nil {
		return err
	}
	return c.book.SetRestingOrder(pos.ID, order.OrderID)
}

// cancelRestingStop pulls the resting order before a local execution so
// the exchange cannot double-close.
func (c *Coordinator) cancelRestingStop(ctx context.Context, pos *ledger.Position) {
	if pos.RestingOrderID == "" {
		return
	}
	if err := c.client.CancelOrder(ctx, pos.Symbol, pos.RestingOrderID); err != nil {
		c.logger.Warn().Str("position_id", pos.ID).Err(err).
			Msg("Failed to cancel resting stop before execution")
	}
	c.book.SetRestingOrder(pos.ID, "")
}

// Tasks returns the active monitoring tasks across all supervisors.
func (c *Coordinator) Tasks() []MonitoringTask {
	c.mu.Lock()
	defer c.mu.Unlock()

	var tasks []MonitoringTask
	for _, sup := range c.supervisors {
		tasks = append(tasks, sup.tasks()...)
	}
	return tasks
}

// States returns the execution state per guarded position.
func (c *Coordinator) States() map[string]State {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]State, len(c.supervisors))
	for id, sup := range c.supervisors {
		out[id] = sup.state()
	}
	return out
}

// Guarded reports whether a position has a supervisor.
func (c *Coordinator) Guarded(positionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.supervisors[positionID]
	return ok
}

// Shutdown stops all supervisors and waits for them to drain.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	sups := make([]*supervisor, 0, len(c.supervisors))
	for _, sup := range c.supervisors {
		sups = append(sups, sup)
	}
	c.supervisors = make(map[string]*supervisor)
	c.mu.Unlock()

	for _, sup := range sups {
		sup.stop()
	}
	c.wg.Wait()
}
