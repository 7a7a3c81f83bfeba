package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrPositionNotFound is returned when a position ID is unknown.
	ErrPositionNotFound = errors.New("position not found")
	// ErrPositionClosed is returned for mutations on a closed position.
	ErrPositionClosed = errors.New("position already closed")
	// ErrStaleStop is returned when a stop replacement carries an old version.
	ErrStaleStop = errors.New("stop replacement is stale")
	// ErrStopNotMonotonic is returned when a replacement would move the
	// stop against the position.
	ErrStopNotMonotonic = errors.New("stop replacement would loosen protection")
	// ErrRungAlreadyFired is returned on a second fire of the same rung.
	ErrRungAlreadyFired = errors.New("stop rung already fired")
	// ErrRungNotFound is returned when a rung name is unknown.
	ErrRungNotFound = errors.New("stop rung not found")
	// ErrOverClose is returned when a partial close exceeds remaining size.
	ErrOverClose = errors.New("close quantity exceeds remaining quantity")
)

// PositionLedger holds all open positions. A single registry lock
// guards the map, a per-position lock serializes mutations so
// independent positions never contend.
type PositionLedger struct {
	mu        sync.RWMutex
	positions map[string]*entry
	logger    zerolog.Logger
}

type entry struct {
	mu  sync.Mutex
	pos *Position
}

// NewPositionLedger creates an empty ledger.
func NewPositionLedger(logger zerolog.Logger) *PositionLedger {
	return &PositionLedger{
		positions: make(map[string]*entry),
		logger:    logger.With().Str("component", "PositionLedger").Logger(),
	}
}

// Create registers a new position. The position must carry an ID,
// symbol and quantity; RemainingQuantity is initialized to Quantity.
func (l *PositionLedger) Create(p *Position) error {
	if p.ID == "" || p.Symbol == "" || p.Quantity <= 0 {
		return fmt.Errorf("invalid position: id=%q symbol=%q qty=%f", p.ID, p.Symbol, p.Quantity)
	}

	cp := p.clone()
	cp.RemainingQuantity = cp.Quantity
	if cp.Status == "" {
		cp.Status = StatusActive
	}
	if cp.OpenedAt.IsZero() {
		cp.OpenedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	sort.Slice(cp.Stops, func(i, j int) bool { return cp.Stops[i].Priority < cp.Stops[j].Priority })

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.positions[cp.ID]; exists {
		return fmt.Errorf("position %s already registered", cp.ID)
	}
	l.positions[cp.ID] = &entry{pos: cp}

	l.logger.Info().Str("position_id", cp.ID).Str("symbol", cp.Symbol).
		Str("direction", string(cp.Direction)).Str("mode", string(cp.Mode)).
		Float64("entry", cp.EntryPrice).Float64("qty", cp.Quantity).
		Msg("Position registered")
	return nil
}

func (l *PositionLedger) entryFor(id string) (*entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.positions[id]
	if !ok {
		return nil, ErrPositionNotFound
	}
	return e, nil
}

// Get returns a deep copy of a position.
func (l *PositionLedger) Get(id string) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pos.clone(), nil
}

// Snapshot returns deep copies of all open positions.
func (l *PositionLedger) Snapshot() []*Position {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.positions))
	for _, e := range l.positions {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]*Position, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.pos.clone())
		e.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out
}

// BySymbol returns copies of open positions for one symbol.
func (l *PositionLedger) BySymbol(symbol string) []*Position {
	var out []*Position
	for _, p := range l.Snapshot() {
		if p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

// Count returns the number of open positions.
func (l *PositionLedger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// CountByMode returns open position counts keyed by mode.
func (l *PositionLedger) CountByMode() map[Mode]int {
	counts := make(map[Mode]int)
	for _, p := range l.Snapshot() {
		counts[p.Mode]++
	}
	return counts
}

// UpdateMark records the latest mark price and refreshes profit stats.
func (l *PositionLedger) UpdateMark(id string, price float64) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	p.MarkPrice = price
	p.CurrentProfitPct = p.ProfitPct(price)
	if p.CurrentProfitPct > p.PeakProfitPct {
		p.PeakProfitPct = p.CurrentProfitPct
	}
	p.UpdatedAt = time.Now()
	return nil
}

// ApplyPartialClose reduces remaining quantity atomically and, when a
// target level is given (>= 0), marks that target filled. Status moves
// ACTIVE -> PARTIAL -> CLOSED as size drains.
func (l *PositionLedger) ApplyPartialClose(id string, qty float64, targetLevel int) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return nil, ErrPositionClosed
	}
	const eps = 1e-9
	if qty > p.RemainingQuantity+eps {
		return nil, fmt.Errorf("%w: close %.8f remaining %.8f", ErrOverClose, qty, p.RemainingQuantity)
	}

	p.RemainingQuantity -= qty
	if p.RemainingQuantity < eps {
		p.RemainingQuantity = 0
		p.Status = StatusClosed
	} else if p.RemainingQuantity < p.Quantity {
		p.Status = StatusPartial
	}

	if targetLevel >= 0 {
		for i := range p.Targets {
			if p.Targets[i].Level == targetLevel && !p.Targets[i].Filled {
				p.Targets[i].Filled = true
				p.Targets[i].FilledAt = time.Now()
				break
			}
		}
	}
	p.UpdatedAt = time.Now()

	l.logger.Info().Str("position_id", p.ID).Float64("closed_qty", qty).
		Float64("remaining", p.RemainingQuantity).Str("status", string(p.Status)).
		Msg("Partial close applied")
	return p.clone(), nil
}

// ReplaceStop replaces the price of a named rung. The caller passes the
// stop version it based the adjustment on; a mismatch means another
// writer got there first and returns ErrStaleStop. Long stops may only
// move up, short stops only down.
func (l *PositionLedger) ReplaceStop(id, rungName string, newPrice float64, basedOnVersion int) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return nil, ErrPositionClosed
	}
	if p.StopVersion != basedOnVersion {
		return nil, ErrStaleStop
	}

	for i := range p.Stops {
		s := &p.Stops[i]
		if s.Name != rungName {
			continue
		}
		if !s.Active {
			return nil, ErrRungAlreadyFired
		}
		if s.Price > 0 {
			if p.IsLong() && newPrice < s.Price {
				return nil, fmt.Errorf("%w: %.4f -> %.4f (long)", ErrStopNotMonotonic, s.Price, newPrice)
			}
			if !p.IsLong() && newPrice > s.Price {
				return nil, fmt.Errorf("%w: %.4f -> %.4f (short)", ErrStopNotMonotonic, s.Price, newPrice)
			}
		}
		old := s.Price
		s.Price = newPrice
		p.StopVersion++
		p.UpdatedAt = time.Now()

		l.logger.Info().Str("position_id", p.ID).Str("rung", rungName).
			Float64("old", old).Float64("new", newPrice).Int("version", p.StopVersion).
			Msg("Stop replaced")
		return p.clone(), nil
	}
	return nil, ErrRungNotFound
}

// FireRung marks a rung fired. It is the single arbiter for trigger
// dedup: whichever detection path calls first wins, every later caller
// gets ErrRungAlreadyFired.
func (l *PositionLedger) FireRung(id, rungName string) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return nil, ErrPositionClosed
	}

	for i := range p.Stops {
		s := &p.Stops[i]
		if s.Name != rungName {
			continue
		}
		if !s.Active {
			return nil, ErrRungAlreadyFired
		}
		s.Active = false
		s.FiredAt = time.Now()
		p.Status = StatusClosing
		p.UpdatedAt = time.Now()

		l.logger.Warn().Str("position_id", p.ID).Str("rung", rungName).
			Str("kind", string(s.Kind)).Msg("Stop rung fired")
		return p.clone(), nil
	}
	return nil, ErrRungNotFound
}

// RearmRung reactivates a fired rung whose execution never started and
// returns the position to a watchable status, so the trigger can fire
// again once whatever blocked it clears.
func (l *PositionLedger) RearmRung(id, rungName string) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return ErrPositionClosed
	}
	for i := range p.Stops {
		s := &p.Stops[i]
		if s.Name != rungName {
			continue
		}
		s.Active = true
		s.FiredAt = time.Time{}
		if p.Status == StatusClosing {
			if p.RemainingQuantity < p.Quantity {
				p.Status = StatusPartial
			} else {
				p.Status = StatusActive
			}
		}
		p.UpdatedAt = time.Now()

		l.logger.Warn().Str("position_id", p.ID).Str("rung", rungName).
			Msg("Stop rung re-armed")
		return nil
	}
	return ErrRungNotFound
}

// AddStops appends rungs to the ladder, used to arm failsafe levels
// after an execution failure.
func (l *PositionLedger) AddStops(id string, stops []StopLevel) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return ErrPositionClosed
	}
	p.Stops = append(p.Stops, stops...)
	sort.Slice(p.Stops, func(i, j int) bool { return p.Stops[i].Priority < p.Stops[j].Priority })
	p.UpdatedAt = time.Now()
	return nil
}

// ResumeWatch returns a CLOSING position to a watchable status after a
// failed execution, so the armed failsafe rungs keep being evaluated.
func (l *PositionLedger) ResumeWatch(id string) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status != StatusClosing {
		return nil
	}
	if p.RemainingQuantity < p.Quantity {
		p.Status = StatusPartial
	} else {
		p.Status = StatusActive
	}
	p.UpdatedAt = time.Now()
	return nil
}

// MarkEmergency flags the position for the emergency response ladder
// and deactivates all non-emergency rungs.
func (l *PositionLedger) MarkEmergency(id string) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	if p.Status == StatusClosed {
		return nil, ErrPositionClosed
	}
	for i := range p.Stops {
		if p.Stops[i].Kind != TriggerEmergency {
			p.Stops[i].Active = false
		}
	}
	p.Status = StatusClosing
	p.UpdatedAt = time.Now()
	return p.clone(), nil
}

// SetBreakevenFired records that the one-shot breakeven migration ran.
func (l *PositionLedger) SetBreakevenFired(id string) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos.BreakevenFired = true
	e.pos.UpdatedAt = time.Now()
	return nil
}

// SetHedged flags the position as exposure-frozen by a hedge order.
func (l *PositionLedger) SetHedged(id string) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos.Hedged = true
	e.pos.UpdatedAt = time.Now()
	return nil
}

// SetRestingOrder records the exchange-side stop order backing this position.
func (l *PositionLedger) SetRestingOrder(id, orderID string) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pos.RestingOrderID = orderID
	e.pos.UpdatedAt = time.Now()
	return nil
}

// CorrectSize overwrites quantity from the exchange during reconciliation.
func (l *PositionLedger) CorrectSize(id string, size float64) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	closed := p.Quantity - p.RemainingQuantity
	p.Quantity = size + closed
	p.RemainingQuantity = size
	p.UpdatedAt = time.Now()
	return nil
}

// CorrectEntry overwrites the entry price from the exchange.
func (l *PositionLedger) CorrectEntry(id string, entryPrice float64) error {
	e, err := l.entryFor(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	p.EntryPrice = entryPrice
	p.CurrentProfitPct = p.ProfitPct(p.MarkPrice)
	p.UpdatedAt = time.Now()
	return nil
}

// Close marks the position closed regardless of remaining quantity.
func (l *PositionLedger) Close(id string) (*Position, error) {
	e, err := l.entryFor(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.pos
	p.Status = StatusClosed
	p.RemainingQuantity = 0
	p.UpdatedAt = time.Now()
	return p.clone(), nil
}

// Remove deletes a position from the ledger entirely. Used by
// reconciliation when the exchange no longer knows the position.
func (l *PositionLedger) Remove(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.positions[id]; !ok {
		return ErrPositionNotFound
	}
	delete(l.positions, id)
	l.logger.Info().Str("position_id", id).Msg("Position removed from ledger")
	return nil
}

// Sweep removes closed positions and returns their IDs.
func (l *PositionLedger) Sweep() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var removed []string
	for id, e := range l.positions {
		e.mu.Lock()
		closed := e.pos.Status == StatusClosed
		e.mu.Unlock()
		if closed {
			delete(l.positions, id)
			removed = append(removed, id)
		}
	}
	return removed
}
