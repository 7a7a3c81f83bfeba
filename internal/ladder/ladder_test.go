package ladder

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/exchange"
	"bybit-trading-engine/internal/ledger"
	"bybit-trading-engine/internal/market"
)

func testEngine() *Engine {
	return NewEngine(DefaultConfig(), zerolog.Nop())
}

func flatKlines(n int, price float64) []exchange.Kline {
	klines := make([]exchange.Kline, n)
	for i := range klines {
		klines[i] = exchange.Kline{
			Open: price, High: price * 1.002, Low: price * 0.998, Close: price, Volume: 100,
		}
	}
	return klines
}

func testSnapshot(price float64) *market.Snapshot {
	k5 := flatKlines(300, price)
	k15 := flatKlines(100, price)
	k1h := flatKlines(100, price)
	return &market.Snapshot{
		Symbol:    "BTCUSDT",
		LastPrice: price,
		Klines5m:  k5,
		Klines15m: k15,
		Klines1h:  k1h,
		ATR5m:     market.CalculateATR(k5, 14),
		ATR15m:    market.CalculateATR(k15, 14),
		ATR1h:     market.CalculateATR(k1h, 14),
		Regime:    market.DetectRegime(k1h),
	}
}

func testLongPosition(entry, stop float64) *ledger.Position {
	return &ledger.Position{
		ID:         "pos-1",
		Symbol:     "BTCUSDT",
		Direction:  ledger.Long,
		Mode:       ledger.ModeConservative,
		EntryPrice: entry,
		Quantity:   1,
		Confidence: 0.8,
		Status:     ledger.StatusActive,
		MarkPrice:  entry,
		OpenedAt:   time.Now(),
		Stops: []ledger.StopLevel{
			{Name: "initial_stop", Price: stop, Kind: ledger.TriggerPrice, Priority: 1, Active: true},
		},
	}
}

// ==================== INITIAL STOPS ====================

func TestConservativeInitialStops(t *testing.T) {
	e := testEngine()
	stops := e.InitialStops(PlacementInput{
		Direction:  ledger.Long,
		Mode:       ledger.ModeConservative,
		EntryPrice: 100,
		Quantity:   10,
		Confidence: 0.8,
		Equity:     10000,
		Snap:       testSnapshot(100),
	})

	if len(stops) != 2 {
		t.Fatalf("Should place initial and emergency rungs, got %d", len(stops))
	}
	initial := stops[0]
	if initial.Price <= 0 || initial.Price >= 100 {
		t.Errorf("Long initial stop should sit below entry, got %f", initial.Price)
	}
	emergency := stops[1]
	if emergency.Kind != ledger.TriggerEmergency {
		t.Error("Second rung should be the emergency stop")
	}
	if emergency.Price != 95 {
		t.Errorf("Emergency rung should sit 5%% under entry, got %f", emergency.Price)
	}
	if emergency.Price >= initial.Price {
		t.Error("Emergency rung should be wider than the initial stop")
	}
}

func TestConservativeStopsShort(t *testing.T) {
	e := testEngine()
	stops := e.InitialStops(PlacementInput{
		Direction:  ledger.Short,
		Mode:       ledger.ModeConservative,
		EntryPrice: 100,
		Quantity:   10,
		Confidence: 0.8,
		Equity:     10000,
		Snap:       testSnapshot(100),
	})

	if stops[0].Price <= 100 {
		t.Errorf("Short initial stop should sit above entry, got %f", stops[0].Price)
	}
	if stops[1].Price != 105 {
		t.Errorf("Short emergency rung should sit 5%% above entry, got %f", stops[1].Price)
	}
}

func TestScalpingStopLadder(t *testing.T) {
	e := testEngine()
	stops := e.InitialStops(PlacementInput{
		Direction:  ledger.Long,
		Mode:       ledger.ModeScalping,
		EntryPrice: 100,
		Quantity:   10,
		Confidence: 0.8,
		Equity:     10000,
		Snap:       testSnapshot(100),
	})

	if len(stops) != 6 {
		t.Fatalf("Scalping ladder should have 6 rungs, got %d", len(stops))
	}

	byName := map[string]ledger.StopLevel{}
	for _, s := range stops {
		byName[s.Name] = s
	}
	if got := byName["initial_stop"].Price; got < 99.84 || got > 99.86 {
		t.Errorf("Initial rung should be 0.15%% under entry, got %f", got)
	}
	if got := byName["max_loss_stop"].Price; got != 99.75 {
		t.Errorf("Max loss rung should be 0.25%% under entry, got %f", got)
	}
	if got := byName["emergency_stop"].Price; got != 99.6 {
		t.Errorf("Emergency rung should be 0.4%% under entry, got %f", got)
	}
	if byName["time_stop"].Kind != ledger.TriggerTime {
		t.Error("Should include a time-kind rung")
	}
	if byName["momentum_stop"].Kind != ledger.TriggerMomentum {
		t.Error("Should include a momentum-kind rung")
	}
	if byName["volume_stop"].Kind != ledger.TriggerVolume {
		t.Error("Should include a volume-kind rung")
	}
}

func TestKellyFraction(t *testing.T) {
	// p=0.6, b=2: (0.6*2-0.4)/2 = 0.4 clamps to 0.25
	if got := kellyFraction(0.6, 0.04, 0.02); got != 0.25 {
		t.Errorf("Should clamp Kelly to 0.25, got %f", got)
	}
	// Negative edge clamps to 0
	if got := kellyFraction(0.3, 0.02, 0.02); got != 0 {
		t.Errorf("Should clamp negative Kelly to 0, got %f", got)
	}
}

// ==================== TARGETS ====================

func TestConservativeTargetsStaged(t *testing.T) {
	e := testEngine()
	targets := e.Targets(TargetInput{
		Direction:  ledger.Long,
		Mode:       ledger.ModeConservative,
		EntryPrice: 100,
		Confidence: 0.8,
		MaxHold:    24 * time.Hour,
		Snap:       testSnapshot(100),
	})

	if len(targets) < 4 {
		t.Fatalf("Should stage at least 4 targets, got %d", len(targets))
	}
	sum := 0.0
	for _, tg := range targets {
		if tg.AtAge == 0 {
			sum += tg.ClosePct
		}
	}
	if sum < 0.99 || sum > 1.01 {
		t.Errorf("Price target close fractions should sum to 1.0, got %f", sum)
	}
	if targets[0].ClosePct != 0.4 {
		t.Errorf("First target should close 40%%, got %f", targets[0].ClosePct)
	}
	for i := 1; i < 4; i++ {
		if targets[i].Price <= targets[i-1].Price {
			t.Error("Long targets should ascend")
		}
	}
}

func TestScalpingTargets(t *testing.T) {
	e := testEngine()
	targets := e.Targets(TargetInput{
		Direction:  ledger.Long,
		Mode:       ledger.ModeScalping,
		EntryPrice: 100,
		Confidence: 1.0,
		MaxHold:    10 * time.Minute,
		Snap:       testSnapshot(100),
	})

	if len(targets) != 4 {
		t.Fatalf("Should build 3 price targets plus the time target, got %d", len(targets))
	}
	// Full confidence, 10 min hold: 0.2% * 1.0 * 0.8 = 0.16%
	if targets[0].Price < 100.159 || targets[0].Price > 100.161 {
		t.Errorf("First scalp target should be 0.16%% over entry, got %f", targets[0].Price)
	}
	last := targets[len(targets)-1]
	if last.AtAge != 7*time.Minute {
		t.Errorf("Time target should fire at 70%% of max hold, got %v", last.AtAge)
	}
	if last.ClosePct != 0.8 {
		t.Errorf("Time target should close 80%%, got %f", last.ClosePct)
	}
	if last.Priority != 0 {
		t.Error("Time target should have top priority")
	}
}

// ==================== ADJUSTMENTS ====================

func TestBreakevenMigration(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 98)
	pos.MarkPrice = 101.5
	pos.CurrentProfitPct = 1.5
	pos.PeakProfitPct = 1.5

	adj := e.Adjust(pos, testSnapshot(101.5))
	if adj == nil {
		t.Fatal("Should propose the breakeven migration at +1.5%")
	}
	if !adj.Breakeven || adj.Method != "breakeven" {
		t.Errorf("Should pick breakeven, got %s", adj.Method)
	}
	if adj.NewPrice < 100.099 || adj.NewPrice > 100.101 {
		t.Errorf("Breakeven stop should be entry + 0.1%%, got %f", adj.NewPrice)
	}
}

func TestBreakevenOnlyOnce(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 100.1)
	pos.MarkPrice = 101.5
	pos.CurrentProfitPct = 1.5
	pos.BreakevenFired = true

	adj := e.Adjust(pos, testSnapshot(101.5))
	if adj != nil && adj.Breakeven {
		t.Error("Should not propose breakeven twice")
	}
}

func TestAdjustNeverLoosens(t *testing.T) {
	e := testEngine()
	// Stop already tight at 99.9; nothing should propose below it
	pos := testLongPosition(100, 99.9)
	pos.MarkPrice = 100.2
	pos.CurrentProfitPct = 0.2

	adj := e.Adjust(pos, testSnapshot(100.2))
	if adj != nil && adj.NewPrice <= 99.9 {
		t.Errorf("Should never loosen a long stop, proposed %f", adj.NewPrice)
	}
}

func TestTrailingAfterEstablishedMove(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 99)
	pos.BreakevenFired = true
	pos.MarkPrice = 103
	pos.CurrentProfitPct = 3
	pos.PeakProfitPct = 3

	snap := testSnapshot(103)
	adj := e.Adjust(pos, snap)
	if adj == nil {
		t.Fatal("Should trail after a 3% move")
	}
	if adj.Method != "trailing" {
		t.Errorf("Should pick trailing, got %s", adj.Method)
	}
	expected := 103 - snap.ATR15m*2.0
	if adj.NewPrice < expected-0.001 || adj.NewPrice > expected+0.001 {
		t.Errorf("Trail should sit 2x ATR under price, got %f want %f", adj.NewPrice, expected)
	}
}

func TestAdjustSkipsClosingPositions(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 99)
	pos.Status = ledger.StatusClosing

	if adj := e.Adjust(pos, testSnapshot(102)); adj != nil {
		t.Error("Should not adjust a position that is closing")
	}
}

// ==================== SCALP EXITS ====================

func TestScalpExitLossCut(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 99.85)
	pos.Mode = ledger.ModeScalping
	pos.OpenedAt = time.Now().Add(-3 * time.Minute)
	pos.CurrentProfitPct = -0.05

	sig := e.ScalpExit(pos, testSnapshot(99.95), time.Now())
	if sig == nil {
		t.Fatal("Should cut a stale loser")
	}
	if sig.Action != "full_close" {
		t.Errorf("Should fully close, got %s", sig.Action)
	}
}

func TestScalpExitProfitProtection(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 99.85)
	pos.Mode = ledger.ModeScalping
	pos.OpenedAt = time.Now().Add(-1 * time.Minute)
	pos.PeakProfitPct = 0.6
	pos.CurrentProfitPct = 0.1 // gave back below the 0.2 lock

	sig := e.ScalpExit(pos, testSnapshot(100.1), time.Now())
	if sig == nil {
		t.Fatal("Should protect profit after peak gave back past the lock")
	}
	if !strings.Contains(sig.Reason, "protection") {
		t.Errorf("Should cite profit protection, got %s", sig.Reason)
	}
}

func TestScalpExitHoldsWinners(t *testing.T) {
	e := testEngine()
	pos := testLongPosition(100, 99.85)
	pos.Mode = ledger.ModeScalping
	pos.OpenedAt = time.Now().Add(-30 * time.Second)
	pos.PeakProfitPct = 0.1
	pos.CurrentProfitPct = 0.1

	if sig := e.ScalpExit(pos, testSnapshot(100.1), time.Now()); sig != nil {
		t.Errorf("Should hold a fresh winner, got %s", sig.Reason)
	}
}

// ==================== BLACK SWAN ====================

func crashKlines() []exchange.Kline {
	klines := flatKlines(300, 100)
	// Last hour: violent drop with huge ranges, gaps and volume
	price := 100.0
	for i := len(klines) - 12; i < len(klines); i++ {
		next := price * 0.94 // 6% gap per bar
		klines[i] = exchange.Kline{
			Open: next, High: price, Low: next * 0.97, Close: next * 0.98, Volume: 5000,
		}
		price = next
	}
	return klines
}

func TestDetectBlackSwan(t *testing.T) {
	e := testEngine()
	result := e.DetectBlackSwan("BTCUSDT", crashKlines())

	if !result.Detected {
		t.Fatalf("Should detect the crash, signals: %v", result.Signals)
	}
	if result.Severity < 2 {
		t.Errorf("Severity should be at least 2, got %d", result.Severity)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Errorf("Confidence should be in (0,1], got %f", result.Confidence)
	}
}

func TestDetectBlackSwanQuietMarket(t *testing.T) {
	e := testEngine()
	result := e.DetectBlackSwan("BTCUSDT", flatKlines(300, 100))
	if result.Detected {
		t.Errorf("Quiet market should not trigger, signals: %v", result.Signals)
	}
}

func TestPlanEmergencyResponse(t *testing.T) {
	e := testEngine()
	winner := testLongPosition(100, 99)
	winner.ID = "winner"
	winner.CurrentProfitPct = 2
	loser := testLongPosition(100, 99)
	loser.ID = "loser"
	loser.CurrentProfitPct = -1
	worse := testLongPosition(100, 99)
	worse.ID = "worse"
	worse.CurrentProfitPct = -3
	positions := []*ledger.Position{winner, loser, worse}

	all := e.PlanEmergencyResponse(ResponseEmergency, positions)
	if len(all) != 3 {
		t.Errorf("Emergency should close everything, got %d", len(all))
	}

	critical := e.PlanEmergencyResponse(ResponseCritical, positions)
	if len(critical) != 2 {
		t.Fatalf("Critical should close only losers, got %d", len(critical))
	}
	if critical[0].PositionID != "worse" {
		t.Errorf("Should close the worst loser first, got %s", critical[0].PositionID)
	}

	if got := ResponseLevel(2); got != ResponseWarning {
		t.Errorf("Severity 2 should map to warning, got %s", got)
	}
	if got := ResponseLevel(4); got != ResponseEmergency {
		t.Errorf("Severity 4 should map to emergency, got %s", got)
	}
}
