package model

import "time"

// EventKind identifies what a reconciliation pass detected.
type EventKind string

const (
	EventEntryFilled     EventKind = "ENTRY_FILLED"
	EventExitFilled      EventKind = "EXIT_FILLED"
	EventStopHit         EventKind = "STOP_HIT"
	EventTrailingStopHit EventKind = "TRAILING_STOP_HIT"
)

// IsStop reports whether the event closed the position through its stop.
func (k EventKind) IsStop() bool { return k == EventStopHit || k == EventTrailingStopHit }

// LevelType returns the ladder the event refers to.
func (k EventKind) LevelType() LevelType {
	switch k {
	case EventEntryFilled:
		return LevelEntry
	case EventExitFilled:
		return LevelExit
	default:
		return LevelStop
	}
}

// ExecutionEvent is an immutable record of a detected level transition.
type ExecutionEvent struct {
	ID            string    `json:"id"`
	Kind          EventKind `json:"kind"`
	PositionID    string    `json:"position_id"`
	Symbol        string    `json:"symbol"`
	Direction     Direction `json:"direction"`
	LevelID       int       `json:"level_id"`
	TargetPrice   float64   `json:"target_price"`
	ExecutedPrice float64   `json:"executed_price"`
	Percentage    float64   `json:"percentage"`
	Timestamp     time.Time `json:"timestamp"`
	Reason        string    `json:"reason"`
	Slippage      float64   `json:"slippage_pct"`
}

// Slippage returns the fill slippage in percent of target, signed so that
// a fill worse than target is negative for either direction.
func Slippage(dir Direction, lt LevelType, target, executed float64) float64 {
	if target == 0 || executed == target {
		return 0
	}
	raw := (executed - target) / target * 100
	if isBuy(dir, lt) {
		return -raw
	}
	return raw
}

// isBuy reports whether filling lt on a dir position buys the instrument.
func isBuy(dir Direction, lt LevelType) bool {
	if lt == LevelEntry {
		return dir == Long
	}
	return dir == Short
}
