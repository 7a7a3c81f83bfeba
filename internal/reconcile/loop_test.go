package reconcile

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/admission"
	"bybit-trading-engine/internal/circuit"
	"bybit-trading-engine/internal/events"
	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/guardian"
	"bybit-trading-engine/internal/ledger"
)

type nopFeed struct{}

func (nopFeed) Subscribe(string)          {}
func (nopFeed) Unsubscribe(string)        {}
func (nopFeed) LastMessageAt() time.Time  { return time.Now() }

type nopAlerter struct{}

func (nopAlerter) Alert(string, string) {}

func newTestLoop(t *testing.T) (*Loop, *exchange.MockClient, *ledger.PositionLedger, *guardian.Coordinator) {
	t.Helper()
	logger := zerolog.Nop()
	mock := exchange.NewMockClient()
	book := ledger.NewPositionLedger(logger)
	guard := guardian.NewCoordinator(
		guardian.DefaultConfig(), mock, exchange.NewFilterTable(), book,
		nopFeed{}, circuit.NewBreaker(circuit.DefaultConfig()),
		events.NewEventBus(), nopAlerter{}, logger,
	)
	adm := admission.NewController(
		admission.DefaultConservativeConfig(), admission.DefaultScalpingConfig(), logger,
	)
	loop := NewLoop(DefaultConfig(), mock, book, guard, adm, events.NewEventBus(), logger)
	return loop, mock, book, guard
}

func localLong(id, symbol string, qty, entry float64) *ledger.Position {
	return &ledger.Position{
		ID:         id,
		Symbol:     symbol,
		Direction:  ledger.Long,
		Mode:       ledger.ModeConservative,
		EntryPrice: entry,
		Quantity:   qty,
		Status:     ledger.StatusActive,
		OpenedAt:   time.Now(),
		MarkPrice:  entry,
		Stops: []ledger.StopLevel{
			{Name: "initial_stop", Price: entry * 0.97, Kind: ledger.TriggerPrice, Priority: 1, Active: true},
		},
	}
}

func TestRemovesPositionClosedOnExchange(t *testing.T) {
	loop, mock, book, guard := newTestLoop(t)
	book.Create(localLong("p1", "BTCUSDT", 1, 100))
	guard.Guard(context.Background(), "p1")
	mock.SetPositions(nil)

	if err := loop.Reconcile(context.Background()); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if book.Count() != 0 {
		t.Errorf("Should remove position closed remotely, count %d", book.Count())
	}
	if guard.Guarded("p1") {
		t.Error("Should release the guardian for the removed position")
	}
	guard.Shutdown()
}

func TestKeepsClosingPositions(t *testing.T) {
	loop, mock, book, _ := newTestLoop(t)
	pos := localLong("p1", "BTCUSDT", 1, 100)
	book.Create(pos)
	if _, err := book.FireRung("p1", "initial_stop"); err != nil {
		t.Fatalf("fire rung: %v", err)
	}
	mock.SetPositions(nil)

	loop.Reconcile(context.Background())
	if book.Count() != 1 {
		t.Error("Should not remove a position whose exit is still in flight")
	}
}

func TestCorrectsSizeDrift(t *testing.T) {
	loop, mock, book, _ := newTestLoop(t)
	book.Create(localLong("p1", "BTCUSDT", 1, 100))
	mock.SetPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 0.7, EntryPrice: 100},
	})

	loop.Reconcile(context.Background())

	got, _ := book.Get("p1")
	if got.RemainingQuantity != 0.7 {
		t.Errorf("Should adopt the exchange size, remaining %.4f", got.RemainingQuantity)
	}
}

func TestCorrectsEntryDrift(t *testing.T) {
	loop, mock, book, _ := newTestLoop(t)
	book.Create(localLong("p1", "BTCUSDT", 1, 100))
	mock.SetPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 1, EntryPrice: 100.5},
	})

	loop.Reconcile(context.Background())

	got, _ := book.Get("p1")
	if got.EntryPrice != 100.5 {
		t.Errorf("Should adopt the exchange entry price, got %.4f", got.EntryPrice)
	}
}

func TestIgnoresTinyDrift(t *testing.T) {
	loop, mock, book, _ := newTestLoop(t)
	book.Create(localLong("p1", "BTCUSDT", 1, 100))
	mock.SetPositions([]exchange.Position{
		{Symbol: "BTCUSDT", Side: exchange.SideBuy, Size: 1.00005, EntryPrice: 100.005},
	})

	loop.Reconcile(context.Background())

	got, _ := book.Get("p1")
	if got.RemainingQuantity != 1 || got.EntryPrice != 100 {
		t.Errorf("Sub-threshold drift should be ignored, size %.6f entry %.4f",
			got.RemainingQuantity, got.EntryPrice)
	}
}

func TestImportsExternalPosition(t *testing.T) {
	loop, mock, book, guard := newTestLoop(t)
	mock.SetPositions([]exchange.Position{
		{Symbol: "ETHUSDT", Side: exchange.SideBuy, Size: 2, EntryPrice: 2000, MarkPrice: 2005, Leverage: 5},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := loop.Reconcile(ctx); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	positions := book.BySymbol("ETHUSDT")
	if len(positions) != 1 {
		t.Fatalf("Should import the external position, found %d", len(positions))
	}
	pos := positions[0]
	if !strings.HasPrefix(pos.ID, "external_ETHUSDT_") {
		t.Errorf("Import ID should carry the external prefix, got %s", pos.ID)
	}
	if !pos.External {
		t.Error("Imported position should be flagged external")
	}
	if pos.Confidence != 0.5 {
		t.Errorf("Import confidence should be 0.5, got %.2f", pos.Confidence)
	}

	stop := pos.PrimaryStop()
	if stop == nil {
		t.Fatal("Import should carry a protective stop")
	}
	if stop.Price < 1995.9 || stop.Price > 1996.1 {
		t.Errorf("Stop should sit 0.2%% under entry, got %.2f", stop.Price)
	}
	if len(pos.Targets) != 3 {
		t.Fatalf("Import should carry 3 staged targets, got %d", len(pos.Targets))
	}
	if pos.Targets[0].ClosePct != 0.5 || pos.Targets[2].ClosePct != 0.2 {
		t.Errorf("Target close fractions should be 50/30/20, got %+v", pos.Targets)
	}

	if !guard.Guarded(pos.ID) {
		t.Error("Imported position should be put under guard")
	}
	guard.Shutdown()
}

func TestImportsShortWithInvertedLadder(t *testing.T) {
	loop, mock, book, guard := newTestLoop(t)
	mock.SetPositions([]exchange.Position{
		{Symbol: "SOLUSDT", Side: exchange.SideSell, Size: 10, EntryPrice: 100, MarkPrice: 99},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	loop.Reconcile(ctx)

	positions := book.BySymbol("SOLUSDT")
	if len(positions) != 1 {
		t.Fatalf("Should import the short, found %d", len(positions))
	}
	pos := positions[0]
	if pos.Direction != ledger.Short {
		t.Errorf("Should import as short, got %s", pos.Direction)
	}
	if stop := pos.PrimaryStop(); stop == nil || stop.Price <= 100 {
		t.Errorf("Short stop should sit above entry, got %+v", stop)
	}
	if pos.Targets[0].Price >= 100 {
		t.Errorf("Short targets should sit under entry, got %.2f", pos.Targets[0].Price)
	}
	guard.Shutdown()
}
