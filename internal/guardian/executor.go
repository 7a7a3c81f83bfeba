package guardian

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
)

// exitSide returns the order side that reduces the position.
func exitSide(pos *ledger.Position) string {
	if pos.IsLong() {
		return exchange.SideSell
	}
	return exchange.SideBuy
}

// executeTarget closes a profit target slice with a reduce-only market
// order. Targets are not escalated: a missed partial is retried on the
// next tick and reconciliation cleans up any drift.
func (c *Coordinator) executeTarget(ctx context.Context, sup *supervisor, pos *ledger.Position, qty float64, level int) error {
	qty = c.filters.RoundQty(pos.Symbol, qty)
	if qty <= 0 {
		return nil
	}

	order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide(pos),
		OrderType:  exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	sup.recordAttempt(ExecutionAttempt{
		Method: "target_market", At: time.Now(), Success: err == nil,
		Error: errString(err),
	})
	if err != nil {
		return err
	}

	updated, err := c.book.ApplyPartialClose(pos.ID, order.FilledQty, level)
	if err != nil {
		return err
	}

	eventType := events.EventTargetFilled
	if level < 0 {
		eventType = events.EventPartialClose
	}
	c.bus.Publish(events.Event{
		Type: eventType,
		Data: map[string]interface{}{
			"position_id": pos.ID,
			"symbol":      pos.Symbol,
			"level":       level,
			"quantity":    order.FilledQty,
			"remaining":   updated.RemainingQuantity,
		},
	})

	if updated.Status == ledger.StatusClosed {
		sup.setState(StateFilled)
		c.bus.PublishPositionClosed(pos.ID, pos.Symbol, "profit_targets_complete", updated.MarkPrice, updated.CurrentProfitPct)
	} else {
		// Resting stop still covers the old size, re-park it
		c.ReplaceRestingStop(ctx, pos.ID)
	}
	return nil
}

// executeExit runs the escalation ladder for a fired stop rung. The
// first pass walks limit -> market -> split -> parallel emergency in
// order; retries run market and split concurrently, first fill wins.
// When everything fails a hedge freezes the exposure and a human is
// paged.
func (c *Coordinator) executeExit(ctx context.Context, sup *supervisor, pos *ledger.Position, qty float64, rung string, emergency bool) error {
	if err := c.breaker.Allow(emergency); err != nil {
		sup.recordAttempt(ExecutionAttempt{Method: "breaker", At: time.Now(), Error: err.Error()})
		// Hand the rung back so the next breach re-fires it once the
		// breaker recovers; the resting stop is still parked.
		if rerr := c.book.RearmRung(pos.ID, rung); rerr != nil && !errors.Is(rerr, ledger.ErrRungNotFound) {
			c.logger.Error().Str("position_id", pos.ID).Str("rung", rung).Err(rerr).
				Msg("Failed to re-arm rung after blocked execution")
		}
		sup.setState(StateArmed)
		c.alerter.Alert("Execution blocked",
			fmt.Sprintf("%s %s: %v", pos.Symbol, rung, err))
		return err
	}

	sup.setState(StateExecuting)
	c.cancelRestingStop(ctx, pos)

	qty = c.filters.RoundQty(pos.Symbol, qty)
	if qty <= 0 {
		sup.setState(StateFilled)
		return nil
	}

	strategies := []struct {
		name string
		fn   func(context.Context, *ledger.Position, float64) (float64, error)
	}{
		{"primary_limit", c.strategyLimitIOC},
		{"immediate_market", c.strategyMarket},
		{"split_execution", c.strategySplit},
		{"emergency_close", c.strategyEmergencyParallel},
	}
	gap := time.Duration(c.cfg.StrategyGapMs) * time.Millisecond
	retryDelay := time.Duration(c.cfg.RetryDelayMs) * time.Millisecond

	for retry := 0; retry <= c.cfg.MaxRetries; retry++ {
		if retry == 0 {
			for i, st := range strategies {
				if i > 0 {
					sup.setState(StateEscalating)
					if !sleepCtx(ctx, gap) {
						return ctx.Err()
					}
				}
				filled, err := st.fn(ctx, pos, qty)
				sup.recordAttempt(ExecutionAttempt{
					Method: st.name, At: time.Now(), Success: err == nil, Error: errString(err), Retry: retry,
				})
				if err == nil {
					return c.finishExit(sup, pos, filled, rung)
				}
				c.logger.Warn().Str("position_id", pos.ID).Str("strategy", st.name).
					Err(err).Msg("Exit strategy failed")
			}
		} else {
			filled, err := c.raceMarketAndSplit(ctx, sup, pos, qty, retry)
			if err == nil {
				return c.finishExit(sup, pos, filled, rung)
			}
		}

		c.breaker.RecordFailure()
		if retry < c.cfg.MaxRetries {
			if !sleepCtx(ctx, retryDelay) {
				return ctx.Err()
			}
		}
	}

	return c.exhausted(ctx, sup, pos, qty, rung)
}

// finishExit books the fill and settles state.
func (c *Coordinator) finishExit(sup *supervisor, pos *ledger.Position, filled float64, rung string) error {
	c.breaker.RecordSuccess()

	updated, err := c.book.ApplyPartialClose(pos.ID, filled, -1)
	if err != nil {
		return err
	}
	if updated.RemainingQuantity > 0 {
		// A split that cleared the success bar can leave a tail;
		// reconciliation trues it up against the exchange
		c.logger.Warn().Str("position_id", pos.ID).
			Float64("remaining", updated.RemainingQuantity).Msg("Exit left a tail")
		c.book.Close(pos.ID)
	}

	sup.setState(StateFilled)
	c.bus.PublishPositionClosed(pos.ID, pos.Symbol, rung, updated.MarkPrice, updated.CurrentProfitPct)
	return nil
}

// exhausted is the end of the road: hedge the exposure, arm failsafe
// rungs, page a human.
func (c *Coordinator) exhausted(ctx context.Context, sup *supervisor, pos *ledger.Position, qty float64, rung string) error {
	sup.setState(StateEscalating)

	filled, err := c.strategyHedge(ctx, pos, qty)
	sup.recordAttempt(ExecutionAttempt{
		Method: "fallback_hedge", At: time.Now(), Success: err == nil, Error: errString(err),
	})
	if err == nil && filled > 0 {
		c.book.SetHedged(pos.ID)
		sup.setState(StateFailed)
		c.bus.Publish(events.Event{
			Type: events.EventHedgePlaced,
			Data: map[string]interface{}{
				"position_id": pos.ID, "symbol": pos.Symbol, "quantity": filled,
			},
		})
		c.raiseManualAlert(pos, rung, "exit ladder exhausted, exposure frozen with a hedge")
		return fmt.Errorf("%w: hedged %s", ErrExecutionExhausted, pos.ID)
	}

	c.armFailsafes(pos)
	c.book.ResumeWatch(pos.ID)
	sup.setState(StateFailed)
	c.raiseManualAlert(pos, rung, "exit ladder exhausted, failsafe levels armed")
	return fmt.Errorf("%w: %s", ErrExecutionExhausted, pos.ID)
}

// armFailsafes adds progressively wider emergency rungs under the fired
// stop so the position is never left unwatched.
func (c *Coordinator) armFailsafes(pos *ledger.Position) {
	base := pos.MarkPrice
	if stop := pos.PrimaryStop(); stop != nil {
		base = stop.Price
	}

	stops := make([]ledger.StopLevel, 0, len(c.cfg.FailsafeLevels))
	for i, mult := range c.cfg.FailsafeLevels {
		price := base * mult
		if !pos.IsLong() {
			price = base * (2 - mult)
		}
		stops = append(stops, ledger.StopLevel{
			Name:     fmt.Sprintf("failsafe_%d", i+1),
			Price:    price,
			Kind:     ledger.TriggerEmergency,
			Priority: 10 + i,
			Active:   true,
		})
	}
	if err := c.book.AddStops(pos.ID, stops); err != nil {
		c.logger.Error().Str("position_id", pos.ID).Err(err).Msg("Failed to arm failsafes")
	}
}

func (c *Coordinator) raiseManualAlert(pos *ledger.Position, rung, reason string) {
	c.logger.Error().Str("position_id", pos.ID).Str("rung", rung).
		Str("reason", reason).Msg("MANUAL INTERVENTION REQUIRED")
	c.bus.PublishManualAlert(pos.ID, pos.Symbol, reason)
	c.alerter.Alert(
		fmt.Sprintf("Manual intervention: %s", pos.Symbol),
		fmt.Sprintf("position %s rung %s: %s", pos.ID, rung, reason),
	)
}

// ==================== STRATEGIES ====================

// strategyLimitIOC tries a price-improved IOC limit: fast when the book
// cooperates, cancels itself when it does not.
func (c *Coordinator) strategyLimitIOC(ctx context.Context, pos *ledger.Position, qty float64) (float64, error) {
	offset := 1 - c.cfg.LimitOffsetPct
	if !pos.IsLong() {
		offset = 1 + c.cfg.LimitOffsetPct
	}
	price := c.filters.RoundPrice(pos.Symbol, pos.MarkPrice*offset)

	order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:      pos.Symbol,
		Side:        exitSide(pos),
		OrderType:   exchange.OrderTypeLimit,
		Quantity:    qty,
		Price:       price,
		TimeInForce: exchange.TimeInForceIOC,
		ReduceOnly:  true,
	})
	if err != nil {
		return 0, err
	}

	deadline := time.Now().Add(time.Duration(c.cfg.LimitFillWaitSec) * time.Second)
	for time.Now().Before(deadline) {
		state, err := c.client.GetOrder(ctx, pos.Symbol, order.OrderID)
		if err == nil {
			if state.Filled() {
				return state.FilledQty, nil
			}
			if state.Status == exchange.OrderStatusCancelled || state.Status == exchange.OrderStatusRejected {
				break
			}
		}
		if !sleepCtx(ctx, 500*time.Millisecond) {
			return 0, ctx.Err()
		}
	}

	c.client.CancelOrder(ctx, pos.Symbol, order.OrderID)
	return 0, fmt.Errorf("limit order %s did not fill", order.OrderID)
}

// strategyMarket is the straightforward full-size market exit.
func (c *Coordinator) strategyMarket(ctx context.Context, pos *ledger.Position, qty float64) (float64, error) {
	order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       exitSide(pos),
		OrderType:  exchange.OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: true,
	})
	if err != nil {
		return 0, err
	}
	return order.FilledQty, nil
}

// strategySplit slices the exit into parts so a thin book can absorb
// it. Filling the success fraction counts as done.
func (c *Coordinator) strategySplit(ctx context.Context, pos *ledger.Position, qty float64) (float64, error) {
	parts := c.cfg.SplitParts
	if parts < 1 {
		parts = 1
	}
	slice := c.filters.RoundQty(pos.Symbol, qty/float64(parts))
	if slice <= 0 {
		return 0, fmt.Errorf("split slice below lot size")
	}
	delay := time.Duration(c.cfg.SplitDelayMs) * time.Millisecond

	filled := 0.0
	for i := 0; i < parts; i++ {
		order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
			Symbol:     pos.Symbol,
			Side:       exitSide(pos),
			OrderType:  exchange.OrderTypeMarket,
			Quantity:   slice,
			ReduceOnly: true,
		})
		if err != nil {
			c.logger.Warn().Str("position_id", pos.ID).Int("part", i+1).Err(err).
				Msg("Split slice failed")
		} else {
			filled += order.FilledQty
		}
		if i < parts-1 {
			if !sleepCtx(ctx, delay) {
				return filled, ctx.Err()
			}
		}
	}

	if filled >= qty*c.cfg.SplitSuccessPct {
		return filled, nil
	}
	return filled, fmt.Errorf("split filled only %.8f of %.8f", filled, qty)
}

// strategyEmergencyParallel fires several market orders at once and
// takes the first that lands. Duplicate fills are impossible with
// reduce-only orders.
func (c *Coordinator) strategyEmergencyParallel(ctx context.Context, pos *ledger.Position, qty float64) (float64, error) {
	n := c.cfg.EmergencyParallel
	if n < 1 {
		n = 1
	}

	type result struct {
		filled float64
		err    error
	}
	results := make(chan result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
				Symbol:     pos.Symbol,
				Side:       exitSide(pos),
				OrderType:  exchange.OrderTypeMarket,
				Quantity:   qty,
				ReduceOnly: true,
			})
			if err != nil {
				results <- result{err: err}
				return
			}
			results <- result{filled: order.FilledQty}
		}()
	}
	go func() { wg.Wait(); close(results) }()

	var lastErr error
	for r := range results {
		if r.err == nil {
			return r.filled, nil
		}
		lastErr = r.err
	}
	return 0, fmt.Errorf("all parallel emergency orders failed: %w", lastErr)
}

// strategyHedge opens the opposite side at full size, freezing the PnL
// where it stands. Deliberately not reduce-only: the point is a new
// offsetting position when reductions keep getting rejected.
func (c *Coordinator) strategyHedge(ctx context.Context, pos *ledger.Position, qty float64) (float64, error) {
	side := exchange.SideBuy
	if pos.IsLong() {
		side = exchange.SideSell
	}
	order, err := c.client.PlaceOrder(ctx, exchange.OrderRequest{
		Symbol:    pos.Symbol,
		Side:      side,
		OrderType: exchange.OrderTypeMarket,
		Quantity:  qty,
	})
	if err != nil {
		return 0, err
	}
	return order.FilledQty, nil
}

// raceMarketAndSplit runs both mid-ladder strategies concurrently on a
// retry pass; the first fill wins.
func (c *Coordinator) raceMarketAndSplit(ctx context.Context, sup *supervisor, pos *ledger.Position, qty float64, retry int) (float64, error) {
	type result struct {
		method string
		filled float64
		err    error
	}
	results := make(chan result, 2)

	go func() {
		filled, err := c.strategyMarket(ctx, pos, qty)
		results <- result{"immediate_market", filled, err}
	}()
	go func() {
		filled, err := c.strategySplit(ctx, pos, qty)
		results <- result{"split_execution", filled, err}
	}()

	var lastErr error
	for i := 0; i < 2; i++ {
		r := <-results
		sup.recordAttempt(ExecutionAttempt{
			Method: r.method, At: time.Now(), Success: r.err == nil, Error: errString(r.err), Retry: retry,
		})
		if r.err == nil {
			return r.filled, nil
		}
		lastErr = r.err
	}
	return 0, lastErr
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
