package guardian

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
)

type stubFeed struct {
	mu   sync.Mutex
	subs map[string]int
	last time.Time
}

func newStubFeed() *stubFeed {
	return &stubFeed{subs: make(map[string]int), last: time.Now()}
}

func (f *stubFeed) Subscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[symbol]++
}

func (f *stubFeed) Unsubscribe(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, symbol)
}

func (f *stubFeed) LastMessageAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}

func (f *stubFeed) setLast(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last = t
}

type stubAlerter struct {
	mu     sync.Mutex
	alerts []string
}

func (a *stubAlerter) Alert(title, message string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, title+": "+message)
}

func (a *stubAlerter) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.alerts)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.StrategyGapMs = 0
	cfg.RetryDelayMs = 0
	cfg.SplitDelayMs = 0
	cfg.LimitFillWaitSec = 1
	return cfg
}

func newTestGuardian(t *testing.T) (*Coordinator, *exchange.MockClient, *ledger.PositionLedger, *stubAlerter, *circuit.Breaker, *stubFeed) {
	t.Helper()
	logger := zerolog.Nop()
	mock := exchange.NewMockClient()
	mock.SetPrice("BTCUSDT", 100)
	book := ledger.NewPositionLedger(logger)
	breaker := circuit.NewBreaker(circuit.DefaultConfig())
	alerter := &stubAlerter{}
	feed := newStubFeed()
	c := NewCoordinator(testConfig(), mock, exchange.NewFilterTable(), book, feed, breaker, events.NewEventBus(), alerter, logger)
	return c, mock, book, alerter, breaker, feed
}

func guardedLong() *ledger.Position {
	return &ledger.Position{
		ID:         "pos-1",
		Symbol:     "BTCUSDT",
		Direction:  ledger.Long,
		Mode:       ledger.ModeConservative,
		EntryPrice: 100,
		Quantity:   1,
		Status:     ledger.StatusActive,
		OpenedAt:   time.Now(),
		MarkPrice:  100,
		Stops: []ledger.StopLevel{
			{Name: "initial_stop", Price: 97, Kind: ledger.TriggerPrice, Priority: 1, Active: true},
			{Name: "emergency_stop", Price: 95, Kind: ledger.TriggerEmergency, Priority: 9, Active: true},
		},
		Targets: []ledger.ProfitTarget{
			{Level: 1, Price: 102, ClosePct: 0.5, Priority: 1},
		},
	}
}

func TestStopBreachClosesPosition(t *testing.T) {
	c, mock, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	if err := book.Create(pos); err != nil {
		t.Fatalf("create: %v", err)
	}
	sup := newSupervisor(c, pos)

	mock.SetPrice("BTCUSDT", 96.5)
	sup.handlePrice(context.Background(), priceSignal{price: 96.5, source: "stream"})

	got, err := book.Get("pos-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != ledger.StatusClosed {
		t.Errorf("Should close position after stop breach, status %s", got.Status)
	}
	if sup.state() != StateFilled {
		t.Errorf("Should end in FILLED, got %s", sup.state())
	}

	attempts := sup.Attempts()
	if len(attempts) == 0 {
		t.Fatal("Should record execution attempts")
	}
	if attempts[0].Method != "primary_limit" || !attempts[0].Success {
		t.Errorf("Should fill on the primary limit first, got %+v", attempts[0])
	}
}

func TestRungFiresOnce(t *testing.T) {
	c, _, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	if err := sup.fireRung(context.Background(), "initial_stop", "stream"); err != nil {
		t.Fatalf("first fire: %v", err)
	}
	err := sup.fireRung(context.Background(), "initial_stop", "polling")
	if err == nil {
		t.Fatal("Should reject a second fire of the same rung")
	}
	if !errors.Is(err, ledger.ErrRungAlreadyFired) && !errors.Is(err, ledger.ErrPositionClosed) {
		t.Errorf("Should dedup in the ledger, got %v", err)
	}
}

func TestPollingBackupDetectsBreach(t *testing.T) {
	c, mock, book, _, _, feed := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// Stream went silent, only the REST poller is watching
	feed.setLast(time.Now().Add(-time.Minute))
	mock.SetPrice("BTCUSDT", 96)
	sup.pollPrice(context.Background())

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusClosed {
		t.Errorf("Backup poller should catch the breach, status %s", got.Status)
	}
}

func TestStreamHealthTightensPolling(t *testing.T) {
	c, _, book, _, _, feed := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	feed.setLast(time.Now().Add(-time.Minute))
	if !sup.checkStreamHealth() {
		t.Error("Should tighten polling when the stream is stale")
	}
	if sup.currentPollInterval() >= 5*time.Second {
		t.Errorf("Poll interval should shrink, got %v", sup.currentPollInterval())
	}

	// Keep halving down to the floor
	sup.checkStreamHealth()
	sup.checkStreamHealth()
	sup.checkStreamHealth()
	if sup.currentPollInterval() < time.Second {
		t.Errorf("Poll interval should floor at 1s, got %v", sup.currentPollInterval())
	}

	feed.setLast(time.Now())
	if !sup.checkStreamHealth() {
		t.Error("Should restore polling when the stream recovers")
	}
	if sup.currentPollInterval() != 5*time.Second {
		t.Errorf("Poll interval should restore to 5s, got %v", sup.currentPollInterval())
	}
}

func TestLadderEscalatesToMarket(t *testing.T) {
	c, mock, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// Limit orders never fill, the market fallback must take over
	mock.FillLimitAfter = -1
	c.cfg.LimitFillWaitSec = 0

	sup.handlePrice(context.Background(), priceSignal{price: 96.5, source: "stream"})

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusClosed {
		t.Fatalf("Should close via market fallback, status %s", got.Status)
	}

	var sawLimitFail, sawMarketOK bool
	for _, a := range sup.Attempts() {
		if a.Method == "primary_limit" && !a.Success {
			sawLimitFail = true
		}
		if a.Method == "immediate_market" && a.Success {
			sawMarketOK = true
		}
	}
	if !sawLimitFail || !sawMarketOK {
		t.Errorf("Should escalate limit->market, attempts %+v", sup.Attempts())
	}
}

func TestSplitPartialFillCountsAsSuccess(t *testing.T) {
	c, mock, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// Limit, market, and the first split slice fail; 4 of 5 slices fill,
	// which clears the 80% success bar
	mock.FailOrders = 3

	sup.handlePrice(context.Background(), priceSignal{price: 96.5, source: "stream"})

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusClosed {
		t.Fatalf("Should accept a split that fills the success fraction, status %s", got.Status)
	}

	var splitOK bool
	for _, a := range sup.Attempts() {
		if a.Method == "split_execution" && a.Success {
			splitOK = true
		}
	}
	if !splitOK {
		t.Errorf("Should record split success, attempts %+v", sup.Attempts())
	}
}

func TestBreakerBlocksNonEmergencyExit(t *testing.T) {
	c, _, book, alerter, breaker, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.GetState() != circuit.StateOpen {
		t.Fatalf("breaker should be open, got %s", breaker.GetState())
	}

	got, _ := book.Get("pos-1")
	err := c.executeExit(context.Background(), sup, got, got.RemainingQuantity, "initial_stop", false)
	if !errors.Is(err, circuit.ErrCircuitOpen) {
		t.Errorf("Should refuse normal exits while open, got %v", err)
	}
	if alerter.count() == 0 {
		t.Error("Should alert when the breaker blocks an exit")
	}

	// Emergency exits bypass the breaker
	if err := c.executeExit(context.Background(), sup, got, got.RemainingQuantity, "emergency_stop", true); err != nil {
		t.Errorf("Emergency exit should bypass the open breaker: %v", err)
	}
	closed, _ := book.Get("pos-1")
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Emergency exit should close the position, status %s", closed.Status)
	}
}

func TestBlockedExitRearmsRungForRetry(t *testing.T) {
	c, mock, book, alerter, breaker, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	breaker.RecordFailure()
	breaker.RecordFailure()
	breaker.RecordFailure()
	if breaker.GetState() != circuit.StateOpen {
		t.Fatalf("breaker should be open, got %s", breaker.GetState())
	}

	mock.SetPrice("BTCUSDT", 96.5)
	sup.handlePrice(context.Background(), priceSignal{price: 96.5, source: "stream"})

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusActive {
		t.Errorf("Blocked exit must leave the position watchable, status %s", got.Status)
	}
	rung := got.PrimaryStop()
	if rung == nil || !rung.Active {
		t.Fatal("Blocked exit must hand the rung back")
	}
	if sup.state() != StateArmed {
		t.Errorf("Supervisor should re-arm after a blocked exit, got %s", sup.state())
	}
	if len(mock.PlacedOrders) != 0 {
		t.Errorf("No orders should be placed while the breaker is open, got %d", len(mock.PlacedOrders))
	}
	if alerter.count() == 0 {
		t.Error("Blocked exit should raise an alert")
	}

	// Breaker recovers; the next breach must drive the exit to a fill
	breaker.ForceReset()
	sup.handlePrice(context.Background(), priceSignal{price: 96.5, source: "stream"})

	closed, _ := book.Get("pos-1")
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Exit should complete after breaker recovery, status %s", closed.Status)
	}
	if sup.state() != StateFilled {
		t.Errorf("Should end FILLED after the retried exit, got %s", sup.state())
	}
}

func TestTimeoutWithoutTimeRungBooksOnlyConfirmedFills(t *testing.T) {
	c, mock, book, _, breaker, _ := newTestGuardian(t)
	pos := guardedLong()
	pos.MaxHold = time.Millisecond
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// Whole ladder and the hedge fail: 28 exit orders plus the hedge
	mock.FailOrders = 29
	sup.handleTimeout(context.Background())

	got, _ := book.Get("pos-1")
	if got.Status == ledger.StatusClosed {
		t.Errorf("Ledger must not report closed without a confirmed fill, status %s", got.Status)
	}
	if got.RemainingQuantity != pos.Quantity {
		t.Errorf("Remaining size must be untouched after a failed exit, got %f", got.RemainingQuantity)
	}
	armed := 0
	for _, s := range got.Stops {
		if s.Active && s.Kind == ledger.TriggerEmergency {
			armed++
		}
	}
	if armed < len(testConfig().FailsafeLevels) {
		t.Errorf("Failed timeout exit should arm failsafes, active emergency rungs %d", armed)
	}

	// Guard retries once the breaker recovers and orders go through
	mock.FailOrders = 0
	breaker.ForceReset()
	sup.handleTimeout(context.Background())
	closed, _ := book.Get("pos-1")
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Retried timeout exit should close the position, status %s", closed.Status)
	}
	if sup.state() != StateFilled {
		t.Errorf("Should end FILLED after the confirmed fill, got %s", sup.state())
	}
}

func TestHedgeAfterLadderExhausted(t *testing.T) {
	c, mock, book, alerter, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// First pass (limit+market+split+parallel) is 10 orders, each of the
	// 3 retries (market+split races) is 6 more. The 29th order is the
	// hedge, which succeeds.
	mock.FailOrders = 28

	err := sup.fireRung(context.Background(), "initial_stop", "stream")
	if !errors.Is(err, ErrExecutionExhausted) {
		t.Fatalf("Should report exhaustion, got %v", err)
	}

	got, _ := book.Get("pos-1")
	if !got.Hedged {
		t.Error("Should hedge the exposure when the ladder is exhausted")
	}
	if sup.state() != StateFailed {
		t.Errorf("Should end FAILED, got %s", sup.state())
	}
	if alerter.count() == 0 {
		t.Error("Should page a human after exhaustion")
	}

	last := mock.PlacedOrders[len(mock.PlacedOrders)-1]
	if last.ReduceOnly {
		t.Error("Hedge order must not be reduce-only")
	}
	if last.Side != exchange.SideSell {
		t.Errorf("Hedge for a long should sell, got %s", last.Side)
	}
}

func TestFailsafesArmedWhenHedgeFails(t *testing.T) {
	c, mock, book, alerter, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	// Everything fails, including the hedge
	mock.FailOrders = 29

	err := sup.fireRung(context.Background(), "initial_stop", "stream")
	if !errors.Is(err, ErrExecutionExhausted) {
		t.Fatalf("Should report exhaustion, got %v", err)
	}

	got, _ := book.Get("pos-1")
	if got.Status == ledger.StatusClosing || got.Status == ledger.StatusClosed {
		t.Errorf("Position should return to a watchable status, got %s", got.Status)
	}
	failsafes := 0
	for _, s := range got.Stops {
		if s.Kind == ledger.TriggerEmergency && s.Active && s.Priority >= 10 {
			failsafes++
		}
	}
	if failsafes != 3 {
		t.Errorf("Should arm 3 failsafe rungs, got %d", failsafes)
	}
	if alerter.count() == 0 {
		t.Error("Should page a human when even the hedge fails")
	}

	// The exchange comes back; the next breach fires the emergency rung
	// despite the FAILED state
	sup.handlePrice(context.Background(), priceSignal{price: 94, source: "stream"})
	closed, _ := book.Get("pos-1")
	if closed.Status != ledger.StatusClosed {
		t.Errorf("Failsafe breach should still close the position, status %s", closed.Status)
	}
}

func TestTargetPartialClose(t *testing.T) {
	c, mock, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)
	sup := newSupervisor(c, pos)

	mock.SetPrice("BTCUSDT", 102.5)
	sup.handlePrice(context.Background(), priceSignal{price: 102.5, source: "stream"})

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusPartial {
		t.Fatalf("Should partially close at the target, status %s", got.Status)
	}
	if got.RemainingQuantity != 0.5 {
		t.Errorf("Should close half, remaining %.4f", got.RemainingQuantity)
	}
	if !got.Targets[0].Filled {
		t.Error("Target should be marked filled")
	}

	// Same tick again must not refill the target
	sup.handlePrice(context.Background(), priceSignal{price: 102.5, source: "stream"})
	got, _ = book.Get("pos-1")
	if got.RemainingQuantity != 0.5 {
		t.Errorf("Filled target should not fire twice, remaining %.4f", got.RemainingQuantity)
	}
}

func TestTimeoutGuardForcesExit(t *testing.T) {
	c, _, book, _, _, _ := newTestGuardian(t)
	pos := guardedLong()
	pos.MaxHold = time.Millisecond
	pos.Stops = append(pos.Stops, ledger.StopLevel{
		Name: "time_stop", Kind: ledger.TriggerTime, Priority: 3, Active: true,
	})
	book.Create(pos)
	sup := newSupervisor(c, pos)

	sup.handleTimeout(context.Background())

	got, _ := book.Get("pos-1")
	if got.Status != ledger.StatusClosed {
		t.Errorf("Timeout guard should close the position, status %s", got.Status)
	}
	if sup.state() != StateFilled {
		t.Errorf("Should end FILLED after timeout exit, got %s", sup.state())
	}
}

func TestGuardAndReleaseSubscriptions(t *testing.T) {
	c, _, book, _, _, feed := newTestGuardian(t)
	pos := guardedLong()
	book.Create(pos)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := c.Guard(ctx, "pos-1"); err != nil {
		t.Fatalf("guard: %v", err)
	}
	if !c.Guarded("pos-1") {
		t.Error("Position should be guarded")
	}
	if err := c.Guard(ctx, "pos-1"); err != nil {
		t.Errorf("Guard should be idempotent: %v", err)
	}

	feed.mu.Lock()
	subs := feed.subs["BTCUSDT"]
	feed.mu.Unlock()
	if subs != 1 {
		t.Errorf("Should subscribe the symbol once, got %d", subs)
	}

	c.Release("pos-1")
	if c.Guarded("pos-1") {
		t.Error("Release should drop the supervisor")
	}
	feed.mu.Lock()
	_, still := feed.subs["BTCUSDT"]
	feed.mu.Unlock()
	if still {
		t.Error("Release of the last position should unsubscribe the symbol")
	}
	c.Shutdown()
}
