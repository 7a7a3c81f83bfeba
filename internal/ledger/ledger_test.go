package ledger

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func testLedger() *PositionLedger {
	return NewPositionLedger(zerolog.Nop())
}

func testPosition(id string) *Position {
	return &Position{
		ID:         id,
		Symbol:     "BTCUSDT",
		Direction:  Long,
		Mode:       ModeScalping,
		EntryPrice: 100.0,
		Quantity:   1.0,
		Confidence: 0.8,
		OpenedAt:   time.Now(),
		Stops: []StopLevel{
			{Name: "initial_stop", Price: 99.0, Kind: TriggerPrice, Priority: 1, Active: true},
			{Name: "emergency_stop", Price: 98.0, Kind: TriggerEmergency, Priority: 2, Active: true},
		},
		Targets: []ProfitTarget{
			{Level: 1, Price: 100.5, ClosePct: 0.4, Priority: 1},
			{Level: 2, Price: 101.0, ClosePct: 0.3, Priority: 2},
		},
	}
}

func TestCreateAndGet(t *testing.T) {
	l := testLedger()
	if err := l.Create(testPosition("pos-1")); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	p, err := l.Get("pos-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if p.RemainingQuantity != 1.0 {
		t.Errorf("Should initialize remaining quantity to full size, got %f", p.RemainingQuantity)
	}
	if p.Status != StatusActive {
		t.Errorf("Should start ACTIVE, got %s", p.Status)
	}

	// Mutating the copy must not touch the ledger
	p.Stops[0].Price = 1.0
	p2, _ := l.Get("pos-1")
	if p2.Stops[0].Price != 99.0 {
		t.Error("Should return deep copies from Get")
	}

	if err := l.Create(testPosition("pos-1")); err == nil {
		t.Error("Should reject duplicate position IDs")
	}
}

func TestPartialCloseTransitions(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	p, err := l.ApplyPartialClose("pos-1", 0.4, 1)
	if err != nil {
		t.Fatalf("Partial close failed: %v", err)
	}
	if p.Status != StatusPartial {
		t.Errorf("Should transition to PARTIAL, got %s", p.Status)
	}
	if !p.Targets[0].Filled {
		t.Error("Should mark target level 1 filled")
	}

	if _, err := l.ApplyPartialClose("pos-1", 0.7, -1); !errors.Is(err, ErrOverClose) {
		t.Errorf("Should reject over-close, got %v", err)
	}

	p, err = l.ApplyPartialClose("pos-1", 0.6, 2)
	if err != nil {
		t.Fatalf("Final close failed: %v", err)
	}
	if p.Status != StatusClosed {
		t.Errorf("Should transition to CLOSED at zero remaining, got %s", p.Status)
	}
	if p.RemainingQuantity != 0 {
		t.Errorf("Should have zero remaining, got %f", p.RemainingQuantity)
	}

	if _, err := l.ApplyPartialClose("pos-1", 0.1, -1); !errors.Is(err, ErrPositionClosed) {
		t.Errorf("Should reject close on closed position, got %v", err)
	}
}

func TestReplaceStopMonotonic(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	p, _ := l.Get("pos-1")
	if _, err := l.ReplaceStop("pos-1", "initial_stop", 99.5, p.StopVersion); err != nil {
		t.Fatalf("Tightening stop should succeed: %v", err)
	}

	p, _ = l.Get("pos-1")
	if _, err := l.ReplaceStop("pos-1", "initial_stop", 99.2, p.StopVersion); !errors.Is(err, ErrStopNotMonotonic) {
		t.Errorf("Should reject loosening a long stop, got %v", err)
	}

	// Stale version from before the first replacement
	if _, err := l.ReplaceStop("pos-1", "initial_stop", 99.8, 0); !errors.Is(err, ErrStaleStop) {
		t.Errorf("Should reject stale version, got %v", err)
	}
}

func TestReplaceStopShort(t *testing.T) {
	l := testLedger()
	p := testPosition("pos-s")
	p.Direction = Short
	p.Stops = []StopLevel{{Name: "initial_stop", Price: 101.0, Kind: TriggerPrice, Priority: 1, Active: true}}
	l.Create(p)

	cur, _ := l.Get("pos-s")
	if _, err := l.ReplaceStop("pos-s", "initial_stop", 100.5, cur.StopVersion); err != nil {
		t.Errorf("Short stop moving down should succeed: %v", err)
	}
	cur, _ = l.Get("pos-s")
	if _, err := l.ReplaceStop("pos-s", "initial_stop", 100.8, cur.StopVersion); !errors.Is(err, ErrStopNotMonotonic) {
		t.Errorf("Should reject moving a short stop up, got %v", err)
	}
}

func TestFireRungOnce(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	if _, err := l.FireRung("pos-1", "initial_stop"); err != nil {
		t.Fatalf("First fire failed: %v", err)
	}
	if _, err := l.FireRung("pos-1", "initial_stop"); !errors.Is(err, ErrRungAlreadyFired) {
		t.Errorf("Should reject second fire, got %v", err)
	}

	p, _ := l.Get("pos-1")
	if p.Status != StatusClosing {
		t.Errorf("Should be CLOSING after a rung fires, got %s", p.Status)
	}
}

func TestRearmRungRestoresWatch(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	if _, err := l.FireRung("pos-1", "initial_stop"); err != nil {
		t.Fatalf("fire: %v", err)
	}
	if err := l.RearmRung("pos-1", "initial_stop"); err != nil {
		t.Fatalf("rearm: %v", err)
	}

	p, _ := l.Get("pos-1")
	if p.Status != StatusActive {
		t.Errorf("Rearm should restore a watchable status, got %s", p.Status)
	}
	if !p.Stops[0].Active {
		t.Error("Rearmed rung should be active again")
	}
	if _, err := l.FireRung("pos-1", "initial_stop"); err != nil {
		t.Errorf("Rearmed rung should fire again: %v", err)
	}

	if err := l.RearmRung("pos-1", "no_such_rung"); !errors.Is(err, ErrRungNotFound) {
		t.Errorf("Unknown rung should be rejected, got %v", err)
	}
}

func TestFireRungConcurrent(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	const workers = 20
	var wins int
	var mu sync.Mutex
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if _, err := l.FireRung("pos-1", "initial_stop"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("Should allow exactly one concurrent fire, got %d", wins)
	}
}

func TestUpdateMarkTracksPeak(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	l.UpdateMark("pos-1", 102.0)
	l.UpdateMark("pos-1", 101.0)

	p, _ := l.Get("pos-1")
	if p.PeakProfitPct < 1.99 || p.PeakProfitPct > 2.01 {
		t.Errorf("Should track peak profit of 2%%, got %f", p.PeakProfitPct)
	}
	if p.CurrentProfitPct < 0.99 || p.CurrentProfitPct > 1.01 {
		t.Errorf("Should report current profit of 1%%, got %f", p.CurrentProfitPct)
	}
}

func TestMarkEmergency(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))

	p, err := l.MarkEmergency("pos-1")
	if err != nil {
		t.Fatalf("MarkEmergency failed: %v", err)
	}
	for _, s := range p.Stops {
		if s.Kind == TriggerEmergency && !s.Active {
			t.Error("Should keep emergency rungs armed")
		}
		if s.Kind != TriggerEmergency && s.Active {
			t.Error("Should deactivate non-emergency rungs")
		}
	}
}

func TestCorrectSizeKeepsClosedPortion(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))
	l.ApplyPartialClose("pos-1", 0.4, 1)

	// Exchange says 0.55 remaining, not our 0.6
	if err := l.CorrectSize("pos-1", 0.55); err != nil {
		t.Fatalf("CorrectSize failed: %v", err)
	}
	p, _ := l.Get("pos-1")
	if p.RemainingQuantity != 0.55 {
		t.Errorf("Should adopt exchange size, got %f", p.RemainingQuantity)
	}
	if p.Quantity < 0.949 || p.Quantity > 0.951 {
		t.Errorf("Should preserve closed portion in total, got %f", p.Quantity)
	}
}

func TestSweepRemovesClosed(t *testing.T) {
	l := testLedger()
	l.Create(testPosition("pos-1"))
	l.Create(testPosition("pos-2"))
	l.Close("pos-1")

	removed := l.Sweep()
	if len(removed) != 1 || removed[0] != "pos-1" {
		t.Errorf("Should sweep only closed positions, got %v", removed)
	}
	if l.Count() != 1 {
		t.Errorf("Should leave one open position, got %d", l.Count())
	}
}
