package model

import (
	"context"
	"errors"
	"time"
)

// ErrNoPrice is returned by a PriceSource that has nothing for a symbol.
// It is not a fault: the symbol is skipped for the cycle.
var ErrNoPrice = errors.New("no price available")

// ── Collaborator ports ──
// The core depends only on these; concrete adapters live under
// internal/store, internal/execution and internal/marketdata.

// PriceSource returns the latest quote for a symbol.
type PriceSource interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// PriceSourceFunc adapts a function to PriceSource.
type PriceSourceFunc func(ctx context.Context, symbol string) (Quote, error)

func (f PriceSourceFunc) Quote(ctx context.Context, symbol string) (Quote, error) {
	return f(ctx, symbol)
}

// ExecutionRecord is the persisted form of one level of a position.
type ExecutionRecord struct {
	Symbol         string      `json:"symbol"`
	PositionID     string      `json:"position_id"`
	LevelID        int         `json:"level_id"`
	LevelType      LevelType   `json:"level_type"`
	Status         LevelStatus `json:"status"`
	TargetPrice    float64     `json:"target_price"`
	ExecutedPrice  float64     `json:"executed_price"`
	Percentage     float64     `json:"percentage"`
	CreatedAt      time.Time   `json:"created_at"`
	ExecutedAt     time.Time   `json:"executed_at,omitempty"`
	Description    string      `json:"description,omitempty"`
	Trigger        string      `json:"trigger,omitempty"`
	SignalStrength int         `json:"signal_strength"`
	RiskReward     float64     `json:"risk_reward,omitempty"`
	SkipReason     string      `json:"skip_reason,omitempty"`
}

// RecordFor builds the execution record of level l in p.
func RecordFor(p *Position, l Level) ExecutionRecord {
	return ExecutionRecord{
		Symbol:         p.Symbol,
		PositionID:     p.ID,
		LevelID:        l.ID,
		LevelType:      l.Type,
		Status:         l.Status,
		TargetPrice:    l.TargetPrice,
		ExecutedPrice:  l.FilledPrice,
		Percentage:     l.Percentage,
		CreatedAt:      p.CreatedAt,
		ExecutedAt:     l.FilledAt,
		Description:    l.Description,
		Trigger:        l.Trigger,
		SignalStrength: p.Strength,
		RiskReward:     l.RiskReward,
		SkipReason:     l.SkipReason,
	}
}

// Records returns one execution record per level, stop last.
func Records(p *Position) []ExecutionRecord {
	out := make([]ExecutionRecord, 0, len(p.Entries)+len(p.Exits)+1)
	for _, l := range p.Entries {
		out = append(out, RecordFor(p, l))
	}
	for _, l := range p.Exits {
		out = append(out, RecordFor(p, l))
	}
	return append(out, RecordFor(p, p.Stop.Level))
}

// Persister is the optional durable sink behind the ledger.
type Persister interface {
	// SavePosition upserts the position header (status, metrics, counters).
	SavePosition(ctx context.Context, p Position) error

	// InsertExecution upserts one level row keyed by (position, type, level).
	InsertExecution(ctx context.Context, rec ExecutionRecord) error

	// GetActivePositions loads every non-terminal position with its levels.
	GetActivePositions(ctx context.Context) ([]Position, error)
}

// EventSink receives execution events after they are confirmed.
type EventSink interface {
	Publish(ctx context.Context, events []ExecutionEvent)
}
