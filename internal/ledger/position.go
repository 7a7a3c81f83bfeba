// Package ledger is the authoritative in-process registry of open
// positions and their protective ladders. Every mutation goes through
// the PositionLedger so stop rungs fire exactly once and partial closes
// never oversell.
package ledger

import (
	"time"
)

// Direction of a position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Mode is the trading mode that opened the position.
type Mode string

const (
	ModeConservative Mode = "conservative"
	ModeScalping     Mode = "scalping"
)

// Status of a position in the ledger.
type Status string

const (
	StatusActive  Status = "ACTIVE"  // full size open
	StatusPartial Status = "PARTIAL" // some targets filled
	StatusClosing Status = "CLOSING" // exit execution in flight
	StatusClosed  Status = "CLOSED"  // fully exited
)

// TriggerKind classifies what condition arms a stop rung.
type TriggerKind string

const (
	TriggerPrice     TriggerKind = "price"
	TriggerTime      TriggerKind = "time"
	TriggerMomentum  TriggerKind = "momentum"
	TriggerVolume    TriggerKind = "volume"
	TriggerEmergency TriggerKind = "emergency"
)

// StopLevel is one rung of the protective stop ladder.
type StopLevel struct {
	Name       string      `json:"name"`
	Price      float64     `json:"price"` // 0 for pure time/momentum rungs
	Kind       TriggerKind `json:"kind"`
	Conditions []string    `json:"conditions,omitempty"`
	Priority   int         `json:"priority"` // lower fires first
	Active     bool        `json:"active"`
	FiredAt    time.Time   `json:"fired_at,omitempty"`
}

// ProfitTarget is one rung of the staged take-profit ladder. A target
// with AtAge set and zero price fires on position age instead of price.
type ProfitTarget struct {
	Level    int           `json:"level"`
	Price    float64       `json:"price"`
	ClosePct float64       `json:"close_pct"` // fraction of original size, capped at remaining on fill
	Priority int           `json:"priority"`
	AtAge    time.Duration `json:"at_age,omitempty"`
	Filled   bool          `json:"filled"`
	FilledAt time.Time     `json:"filled_at,omitempty"`
}

// TargetHit reports whether an unfilled target's condition is met.
func (p *Position) TargetHit(t *ProfitTarget, price float64, now time.Time) bool {
	if t.Filled {
		return false
	}
	if t.AtAge > 0 && t.Price == 0 {
		return p.Age(now) >= t.AtAge
	}
	if t.Price <= 0 {
		return false
	}
	if p.IsLong() {
		return price >= t.Price
	}
	return price <= t.Price
}

// Position is the ledger's view of one open position.
type Position struct {
	ID                string         `json:"id"`
	Symbol            string         `json:"symbol"`
	Direction         Direction      `json:"direction"`
	Mode              Mode           `json:"mode"`
	EntryPrice        float64        `json:"entry_price"`
	Quantity          float64        `json:"quantity"`
	RemainingQuantity float64        `json:"remaining_quantity"`
	Leverage          float64        `json:"leverage"`
	Confidence        float64        `json:"confidence"` // signal confidence [0,1]
	Status            Status         `json:"status"`
	OpenedAt          time.Time      `json:"opened_at"`
	MaxHold           time.Duration  `json:"max_hold"`
	MarkPrice         float64        `json:"mark_price"`
	CurrentProfitPct  float64        `json:"current_profit_pct"`
	PeakProfitPct     float64        `json:"peak_profit_pct"`
	Stops             []StopLevel    `json:"stops"`
	Targets           []ProfitTarget `json:"targets"`
	StopVersion       int            `json:"stop_version"` // bumped on every stop replacement
	BreakevenFired    bool           `json:"breakeven_fired"`
	Hedged            bool           `json:"hedged"`
	External          bool           `json:"external"` // imported from the exchange
	RestingOrderID    string         `json:"resting_order_id,omitempty"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// IsLong reports direction as a bool for arithmetic helpers.
func (p *Position) IsLong() bool { return p.Direction == Long }

// ProfitPct computes signed profit percent at the given price.
func (p *Position) ProfitPct(price float64) float64 {
	if p.EntryPrice == 0 {
		return 0
	}
	pct := (price - p.EntryPrice) / p.EntryPrice * 100
	if !p.IsLong() {
		pct = -pct
	}
	return pct
}

// PrimaryStop returns the active price-kind rung with the lowest
// priority number, nil when none is armed.
func (p *Position) PrimaryStop() *StopLevel {
	var best *StopLevel
	for i := range p.Stops {
		s := &p.Stops[i]
		if !s.Active || s.Kind == TriggerTime {
			continue
		}
		if s.Price <= 0 {
			continue
		}
		if best == nil || s.Priority < best.Priority {
			best = s
		}
	}
	return best
}

// StopBreached reports whether the given rung's price condition is met
// at price. Non-price rungs never breach on price alone.
func (p *Position) StopBreached(s *StopLevel, price float64) bool {
	if s.Price <= 0 {
		return false
	}
	if p.IsLong() {
		return price <= s.Price
	}
	return price >= s.Price
}

// Age returns how long the position has been open.
func (p *Position) Age(now time.Time) time.Duration {
	return now.Sub(p.OpenedAt)
}

// Expired reports whether the position exceeded its max hold time.
func (p *Position) Expired(now time.Time) bool {
	return p.MaxHold > 0 && p.Age(now) >= p.MaxHold
}

// clone returns a deep copy safe to hand outside the ledger.
func (p *Position) clone() *Position {
	cp := *p
	cp.Stops = make([]StopLevel, len(p.Stops))
	copy(cp.Stops, p.Stops)
	cp.Targets = make([]ProfitTarget, len(p.Targets))
	copy(cp.Targets, p.Targets)
	return &cp
}
