package model

import "time"

// Direction is the side of a position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Valid reports whether d is LONG or SHORT.
func (d Direction) Valid() bool { return d == Long || d == Short }

// Status is the aggregate lifecycle state of a position.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFullyEntered    Status = "FULLY_ENTERED"
	StatusExiting         Status = "EXITING"
	StatusClosed          Status = "CLOSED"
	StatusStopped         Status = "STOPPED"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusStopped }

// LevelStatus is the state of a single level. Transitions are one-way:
// PENDING -> FILLED or PENDING -> SKIPPED.
type LevelStatus string

const (
	LevelPending LevelStatus = "PENDING"
	LevelFilled  LevelStatus = "FILLED"
	LevelSkipped LevelStatus = "SKIPPED"
)

// LevelType selects the ladder a level belongs to.
type LevelType string

const (
	LevelEntry LevelType = "ENTRY"
	LevelExit  LevelType = "EXIT"
	LevelStop  LevelType = "STOP"
)

// StopLevelID is the reserved level id of the stop. Ladder ids start at 1.
const StopLevelID = 0

// StopKind distinguishes a fixed stop from one that follows price.
type StopKind string

const (
	StopFixed    StopKind = "FIXED"
	StopTrailing StopKind = "TRAILING"
)

// Level is one priced, percentage-sized instruction of a plan.
type Level struct {
	ID          int         `json:"id"`
	Type        LevelType   `json:"type"`
	TargetPrice float64     `json:"target_price"`
	Percentage  float64     `json:"percentage"`
	Description string      `json:"description,omitempty"`
	Trigger     string      `json:"trigger,omitempty"`
	Status      LevelStatus `json:"status"`
	FilledPrice float64     `json:"filled_price,omitempty"`
	FilledPct   float64     `json:"filled_pct,omitempty"`
	FilledAt    time.Time   `json:"filled_at,omitempty"`
	RiskReward  float64     `json:"risk_reward,omitempty"` // exits only
	SkipReason  string      `json:"skip_reason,omitempty"`
}

// IsExecuted is true only for FILLED levels.
func (l *Level) IsExecuted() bool { return l.Status == LevelFilled }

// IsPending is true while the level can still be acted upon.
func (l *Level) IsPending() bool { return l.Status == LevelPending }

// StopLevel is the single protective exit. Its percentage is always 100.
type StopLevel struct {
	Level
	Kind      StopKind `json:"kind"`
	TrailPct  float64  `json:"trail_pct,omitempty"`
	WaterMark float64  `json:"water_mark,omitempty"`
}

// Position is the aggregate root tracked by the ledger.
type Position struct {
	ID        string    `json:"id"`
	Symbol    string    `json:"symbol"`
	Direction Direction `json:"direction"`
	Strength  int       `json:"strength"`
	CreatedAt time.Time `json:"created_at"`

	Confidence   string `json:"confidence,omitempty"`
	EntryQuality string `json:"entry_quality,omitempty"`
	StrategyType string `json:"strategy_type,omitempty"`
	ExpectedHold string `json:"expected_hold,omitempty"`

	CurrentPrice   float64   `json:"current_price"`
	LastPriceCheck time.Time `json:"last_price_check,omitempty"`
	Status         Status    `json:"status"`
	Notes          []string  `json:"notes,omitempty"`

	MessagesSent   int       `json:"messages_sent"`
	UpdateCount    int       `json:"update_count"`
	LastNotifiedAt time.Time `json:"last_notified_at,omitempty"`

	FirstEntryAt time.Time `json:"first_entry_at,omitempty"`
	ClosedAt     time.Time `json:"closed_at,omitempty"`
	CloseReason  string    `json:"close_reason,omitempty"`

	Entries []Level   `json:"entries"`
	Exits   []Level   `json:"exits"`
	Stop    StopLevel `json:"stop"`

	// Derived on every mutation.
	TotalFilledPct float64 `json:"total_filled_pct"`
	AvgEntryPrice  float64 `json:"avg_entry_price"`
	UnrealizedPnL  float64 `json:"unrealized_pnl_pct"`
}

// Clone returns a deep copy. Ledger reads hand out clones so callers can
// never mutate ledger-owned state.
func (p *Position) Clone() Position {
	cp := *p
	cp.Entries = append([]Level(nil), p.Entries...)
	cp.Exits = append([]Level(nil), p.Exits...)
	cp.Notes = append([]string(nil), p.Notes...)
	return cp
}

// FindLevel returns a pointer into the position's ladders for (type, id).
func (p *Position) FindLevel(lt LevelType, id int) *Level {
	switch lt {
	case LevelEntry:
		for i := range p.Entries {
			if p.Entries[i].ID == id {
				return &p.Entries[i]
			}
		}
	case LevelExit:
		for i := range p.Exits {
			if p.Exits[i].ID == id {
				return &p.Exits[i]
			}
		}
	case LevelStop:
		if id == StopLevelID {
			return &p.Stop.Level
		}
	}
	return nil
}

// FilledEntries counts FILLED entry levels.
func (p *Position) FilledEntries() int { return countFilled(p.Entries) }

// FilledExits counts FILLED exit levels.
func (p *Position) FilledExits() int { return countFilled(p.Exits) }

func countFilled(levels []Level) int {
	n := 0
	for i := range levels {
		if levels[i].IsExecuted() {
			n++
		}
	}
	return n
}

// PendingEntries returns the entries still waiting for price.
func (p *Position) PendingEntries() []Level { return pending(p.Entries) }

// PendingExits returns the exits still waiting for price.
func (p *Position) PendingExits() []Level { return pending(p.Exits) }

func pending(levels []Level) []Level {
	var out []Level
	for _, l := range levels {
		if l.IsPending() {
			out = append(out, l)
		}
	}
	return out
}

// HasAvgEntry reports whether AvgEntryPrice is defined.
func (p *Position) HasAvgEntry() bool { return p.TotalFilledPct > 0 }

// DeriveStatus computes the aggregate status from level statuses alone.
// First match wins: stop filled, all exits filled, any exit filled,
// all entries filled, any entry filled, otherwise pending.
func DeriveStatus(p *Position) Status {
	switch {
	case p.Stop.IsExecuted():
		return StatusStopped
	case len(p.Exits) > 0 && p.FilledExits() == len(p.Exits):
		return StatusClosed
	case p.FilledExits() > 0:
		return StatusExiting
	case len(p.Entries) > 0 && p.FilledEntries() == len(p.Entries):
		return StatusFullyEntered
	case p.FilledEntries() > 0:
		return StatusPartiallyFilled
	default:
		return StatusPending
	}
}

// Metrics is the snapshot returned by a metric recomputation.
type Metrics struct {
	PositionID     string    `json:"position_id"`
	Symbol         string    `json:"symbol"`
	CurrentPrice   float64   `json:"current_price"`
	TotalFilledPct float64   `json:"total_filled_pct"`
	AvgEntryPrice  float64   `json:"avg_entry_price"`
	HasAvgEntry    bool      `json:"has_avg_entry"`
	UnrealizedPnL  float64   `json:"unrealized_pnl_pct"`
	FirstEntryAt   time.Time `json:"first_entry_at,omitempty"`
	Status         Status    `json:"status"`
}

// ApplyMetrics refreshes the derived fields of p against price.
// FirstEntryAt is set once from the earliest filled entry and never moved.
func ApplyMetrics(p *Position, price float64, now time.Time) Metrics {
	if price > 0 {
		p.CurrentPrice = price
		p.LastPriceCheck = now
	}

	var filledPct, weighted float64
	var first time.Time
	for _, e := range p.Entries {
		if !e.IsExecuted() {
			continue
		}
		pct := e.FilledPct
		if pct <= 0 {
			pct = e.Percentage
		}
		filledPct += pct
		weighted += e.FilledPrice * pct
		if first.IsZero() || (!e.FilledAt.IsZero() && e.FilledAt.Before(first)) {
			first = e.FilledAt
		}
	}

	p.TotalFilledPct = filledPct
	p.AvgEntryPrice = 0
	p.UnrealizedPnL = 0
	if filledPct > 0 {
		p.AvgEntryPrice = weighted / filledPct
		if p.CurrentPrice > 0 && p.AvgEntryPrice > 0 {
			move := (p.CurrentPrice - p.AvgEntryPrice) / p.AvgEntryPrice * 100
			if p.Direction == Short {
				move = -move
			}
			p.UnrealizedPnL = move
		}
		if p.FirstEntryAt.IsZero() {
			if first.IsZero() {
				first = now
			}
			p.FirstEntryAt = first
		}
	}

	return p.Metrics()
}

// Metrics returns the derived fields as a snapshot.
func (p *Position) Metrics() Metrics {
	return Metrics{
		PositionID:     p.ID,
		Symbol:         p.Symbol,
		CurrentPrice:   p.CurrentPrice,
		TotalFilledPct: p.TotalFilledPct,
		AvgEntryPrice:  p.AvgEntryPrice,
		HasAvgEntry:    p.TotalFilledPct > 0,
		UnrealizedPnL:  p.UnrealizedPnL,
		FirstEntryAt:   p.FirstEntryAt,
		Status:         p.Status,
	}
}
