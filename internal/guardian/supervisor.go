package guardian

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bybit-trading-engine/internal/ledger"
)

// supervisor watches one position. The stream feeds it prices, the
// poller backs the stream up, the timeout guard caps hold time, and the
// health check tightens polling when the stream goes quiet.
type supervisor struct {
	c          *Coordinator
	positionID string
	symbol     string
	maxHold    time.Duration
	openedAt   time.Time
	logger     zerolog.Logger

	priceCh chan priceSignal
	done    chan struct{}
	stopped sync.Once

	mu           sync.Mutex
	execState    State
	pollInterval time.Duration
	startedAt    time.Time
	attempts     []ExecutionAttempt
}

type priceSignal struct {
	price  float64
	source string
}

func newSupervisor(c *Coordinator, pos *ledger.Position) *supervisor {
	maxHold := pos.MaxHold
	if maxHold <= 0 {
		maxHold = time.Duration(c.cfg.DefaultMaxHoldSec) * time.Second
	}
	return &supervisor{
		c:            c,
		positionID:   pos.ID,
		symbol:       pos.Symbol,
		maxHold:      maxHold,
		openedAt:     pos.OpenedAt,
		logger:       c.logger.With().Str("position_id", pos.ID).Logger(),
		priceCh:      make(chan priceSignal, 16),
		done:         make(chan struct{}),
		execState:    StateArmed,
		pollInterval: time.Duration(c.cfg.PollIntervalSec) * time.Second,
		startedAt:    time.Now(),
	}
}

func (s *supervisor) stop() {
	s.stopped.Do(func() { close(s.done) })
}

func (s *supervisor) state() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execState
}

func (s *supervisor) setState(st State) {
	s.mu.Lock()
	s.execState = st
	s.mu.Unlock()
}

// offerPrice hands a tick to the run loop without ever blocking the
// caller; a full buffer drops the tick, the poller will catch up.
func (s *supervisor) offerPrice(price float64, source string) {
	select {
	case s.priceCh <- priceSignal{price: price, source: source}:
	default:
	}
}

func (s *supervisor) tasks() []MonitoringTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	active := s.execState != StateFilled && s.execState != StateFailed
	mk := func(kind string) MonitoringTask {
		return MonitoringTask{
			PositionID: s.positionID,
			Kind:       kind,
			StartedAt:  s.startedAt,
			Method:     string(s.execState),
			Active:     active,
		}
	}
	return []MonitoringTask{mk("stream"), mk("polling"), mk("timeout"), mk("health")}
}

// run is the supervisor main loop.
func (s *supervisor) run(ctx context.Context) {
	pollTicker := time.NewTicker(s.currentPollInterval())
	defer pollTicker.Stop()
	healthTicker := time.NewTicker(time.Duration(s.c.cfg.HealthCheckSec) * time.Second)
	defer healthTicker.Stop()

	holdLeft := s.maxHold - time.Since(s.openedAt)
	if holdLeft < 0 {
		holdLeft = time.Millisecond
	}
	timeoutGuard := time.NewTimer(holdLeft)
	defer timeoutGuard.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return

		case sig := <-s.priceCh:
			s.handlePrice(ctx, sig)

		case <-pollTicker.C:
			s.pollPrice(ctx)

		case <-healthTicker.C:
			if s.checkStreamHealth() {
				pollTicker.Reset(s.currentPollInterval())
			}

		case <-timeoutGuard.C:
			s.handleTimeout(ctx)
			// Retry until the position actually closes; a blocked or
			// failed exit must not strand the position
			timeoutGuard.Reset(time.Minute)
		}
	}
}

func (s *supervisor) currentPollInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pollInterval
}

// pollPrice is the REST backup detection path.
func (s *supervisor) pollPrice(ctx context.Context) {
	ticker, err := s.c.client.GetTicker(ctx, s.symbol)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Backup poll failed")
		return
	}
	s.handlePrice(ctx, priceSignal{price: ticker.LastPrice, source: "polling"})
}

// checkStreamHealth halves the poll interval while the stream is silent
// and restores it when the stream recovers. Returns true when the
// interval changed.
func (s *supervisor) checkStreamHealth() bool {
	last := s.c.feed.LastMessageAt()
	stale := last.IsZero() || time.Since(last) > time.Duration(s.c.cfg.StreamStaleSec)*time.Second

	s.mu.Lock()
	defer s.mu.Unlock()

	normal := time.Duration(s.c.cfg.PollIntervalSec) * time.Second
	minPoll := time.Duration(s.c.cfg.MinPollIntervalSec) * time.Second

	if stale {
		next := s.pollInterval / 2
		if next < minPoll {
			next = minPoll
		}
		if next != s.pollInterval {
			s.logger.Warn().Dur("poll_interval", next).
				Msg("Price stream degraded, tightening backup polling")
			s.pollInterval = next
			return true
		}
		return false
	}
	if s.pollInterval != normal {
		s.pollInterval = normal
		return true
	}
	return false
}

// handlePrice updates the mark, fills any hit profit targets, and fires
// breached stop rungs.
func (s *supervisor) handlePrice(ctx context.Context, sig priceSignal) {
	if s.state() == StateFilled {
		return
	}

	s.c.book.UpdateMark(s.positionID, sig.price)
	pos, err := s.c.book.Get(s.positionID)
	if err != nil {
		return
	}
	if pos.Status == ledger.StatusClosed {
		return
	}

	now := time.Now()
	for i := range pos.Targets {
		tg := &pos.Targets[i]
		if pos.TargetHit(tg, sig.price, now) {
			s.fillTarget(ctx, pos, tg)
			return
		}
	}

	if pos.Status == ledger.StatusClosing {
		return
	}
	for i := range pos.Stops {
		rung := &pos.Stops[i]
		if rung.Active && pos.StopBreached(rung, sig.price) {
			if err := s.fireRung(ctx, rung.Name, sig.source); err == nil {
				return
			}
		}
	}
}

// fillTarget executes a staged partial exit.
func (s *supervisor) fillTarget(ctx context.Context, pos *ledger.Position, tg *ledger.ProfitTarget) {
	qty := pos.Quantity * tg.ClosePct
	if qty > pos.RemainingQuantity {
		qty = pos.RemainingQuantity
	}
	if qty <= 0 {
		return
	}

	s.logger.Info().Int("level", tg.Level).Float64("qty", qty).
		Msg("Profit target hit")

	if err := s.c.executeTarget(ctx, s, pos, qty, tg.Level); err != nil {
		s.logger.Error().Err(err).Int("level", tg.Level).Msg("Target execution failed")
	}
}

// fireRung claims the rung in the ledger (the dedup point) and runs the
// execution ladder for the full remaining size.
func (s *supervisor) fireRung(ctx context.Context, rungName, detectedBy string) error {
	pos, err := s.c.book.FireRung(s.positionID, rungName)
	if err != nil {
		if !errors.Is(err, ledger.ErrRungAlreadyFired) {
			s.logger.Warn().Err(err).Str("rung", rungName).Msg("Rung fire rejected")
		}
		return err
	}

	s.setState(StateTriggered)
	s.c.bus.PublishRungTriggered(pos.ID, pos.Symbol, rungName, detectedBy, pos.MarkPrice)

	var firedKind ledger.TriggerKind
	for _, r := range pos.Stops {
		if r.Name == rungName {
			firedKind = r.Kind
			break
		}
	}
	emergency := firedKind == ledger.TriggerEmergency

	return s.c.executeExit(ctx, s, pos, pos.RemainingQuantity, rungName, emergency)
}

// handleTimeout closes the position when it outlives its hold budget.
// The ledger only records the close after a confirmed fill; a failed
// execution leaves the position watched and the guard retries.
func (s *supervisor) handleTimeout(ctx context.Context) {
	pos, err := s.c.book.Get(s.positionID)
	if err != nil || pos.Status == ledger.StatusClosed || pos.Status == ledger.StatusClosing {
		return
	}

	s.logger.Warn().Dur("max_hold", s.maxHold).Msg("Hold time exceeded, forcing exit")

	// A rung consumed by an earlier failed pass gets handed back; the
	// status check above keeps this from racing an execution in flight
	fire := func(name string) (*ledger.Position, error) {
		fired, err := s.c.book.FireRung(s.positionID, name)
		if errors.Is(err, ledger.ErrRungAlreadyFired) {
			if rerr := s.c.book.RearmRung(s.positionID, name); rerr == nil {
				fired, err = s.c.book.FireRung(s.positionID, name)
			}
		}
		return fired, err
	}

	rungName := "time_stop"
	fired, err := fire(rungName)
	if errors.Is(err, ledger.ErrRungNotFound) {
		// No time rung on this ladder; arm one so the exit settles
		// through the normal fire-and-fill path
		rungName = "max_hold_guard"
		fired, err = fire(rungName)
		if errors.Is(err, ledger.ErrRungNotFound) {
			s.c.book.AddStops(s.positionID, []ledger.StopLevel{
				{Name: rungName, Kind: ledger.TriggerTime, Priority: 8, Active: true},
			})
			fired, err = fire(rungName)
		}
	}
	if err != nil {
		return
	}

	s.setState(StateTriggered)
	s.c.bus.PublishRungTriggered(fired.ID, fired.Symbol, rungName, "timeout_guard", fired.MarkPrice)
	s.c.executeExit(ctx, s, fired, fired.RemainingQuantity, rungName, false)
}

func (s *supervisor) recordAttempt(a ExecutionAttempt) {
	s.mu.Lock()
	s.attempts = append(s.attempts, a)
	s.mu.Unlock()

	errMsg := a.Error
	s.c.bus.PublishExecutionAttempt(s.positionID, a.Method, a.Success, a.Retry, errMsg)
}

// Attempts returns a copy of the recorded execution attempts.
func (s *supervisor) Attempts() []ExecutionAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ExecutionAttempt, len(s.attempts))
	copy(out, s.attempts)
	return out
}
