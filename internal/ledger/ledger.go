// Package ledger is the single owner of active positions.
//
// It keeps symbol -> position in memory, serialises every
// check-then-transition per position, and writes through to an optional
// model.Persister. Reads hand out deep copies; all mutation goes through
// the methods below.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"position-tracker/internal/model"
)

var (
	// ErrPositionExists is returned when a symbol already has an active position.
	ErrPositionExists = errors.New("active position already exists")
	// ErrTooManyPositions is returned when the open-position limit is reached.
	ErrTooManyPositions = errors.New("max open positions reached")
)

const persistTimeout = 5 * time.Second

// Fill carries the optional fill fields of an UpdateLevel call.
type Fill struct {
	Price float64
	Pct   float64
	At    time.Time
}

// entry guards one position. removed is set once the symbol has been
// evicted so a mutation racing with Close cannot resurrect it.
type entry struct {
	mu      sync.Mutex
	pos     model.Position
	removed bool
}

// Ledger tracks all active positions.
type Ledger struct {
	mu       sync.RWMutex
	bySymbol map[string]*entry
	byID     map[string]*entry

	store     model.Persister
	log       *slog.Logger
	now       func() time.Time
	maxActive int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithPersister enables write-through to p.
func WithPersister(p model.Persister) Option { return func(l *Ledger) { l.store = p } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(l *Ledger) { l.log = lg } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithMaxActive caps the number of non-terminal positions. 0 = unlimited.
func WithMaxActive(n int) Option { return func(l *Ledger) { l.maxActive = n } }

// New creates an empty Ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		bySymbol: make(map[string]*entry),
		byID:     make(map[string]*entry),
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.log = l.log.With("component", "ledger")
	return l
}

// Register builds a position from sig and plan and stores it as PENDING.
// Input errors are returned to the caller; a persistence failure is logged
// and the position stays in memory.
func (l *Ledger) Register(ctx context.Context, sig model.Signal, plan model.Plan) (string, error) {
	if err := sig.Validate(); err != nil {
		return "", err
	}
	if err := plan.Validate(); err != nil {
		return "", fmt.Errorf("register %s: %w", sig.Symbol, err)
	}

	pos := build(sig, plan, l.now())

	l.mu.Lock()
	if cur, ok := l.bySymbol[sig.Symbol]; ok {
		cur.mu.Lock()
		terminal := cur.pos.Status.Terminal()
		if terminal {
			cur.removed = true
			delete(l.byID, cur.pos.ID)
		}
		cur.mu.Unlock()
		if !terminal {
			l.mu.Unlock()
			return "", fmt.Errorf("register %s: %w", sig.Symbol, ErrPositionExists)
		}
	}
	if l.maxActive > 0 && l.activeCountLocked() >= l.maxActive {
		l.mu.Unlock()
		return "", fmt.Errorf("register %s: %w", sig.Symbol, ErrTooManyPositions)
	}
	e := &entry{pos: pos}
	l.bySymbol[pos.Symbol] = e
	l.byID[pos.ID] = e
	l.mu.Unlock()

	if err := l.persistAll(ctx, &pos); err != nil {
		l.log.Warn("register write-through failed", "symbol", pos.Symbol, "position_id", pos.ID, "err", err)
	}

	l.log.Info("position registered",
		"symbol", pos.Symbol, "position_id", pos.ID, "direction", pos.Direction,
		"strength", pos.Strength, "entries", len(pos.Entries), "exits", len(pos.Exits),
		"stop", pos.Stop.TargetPrice)
	return pos.ID, nil
}

func build(sig model.Signal, plan model.Plan, now time.Time) model.Position {
	pos := model.Position{
		ID:           uuid.NewString(),
		Symbol:       sig.Symbol,
		Direction:    sig.Direction,
		Strength:     sig.Strength,
		CreatedAt:    now,
		Confidence:   sig.Confidence,
		EntryQuality: sig.EntryQuality,
		StrategyType: plan.StrategyType,
		ExpectedHold: plan.ExpectedHold,
		CurrentPrice: sig.Price,
		Status:       model.StatusPending,
	}
	for i, pl := range plan.Entries {
		pos.Entries = append(pos.Entries, levelFrom(model.LevelEntry, i+1, pl))
	}
	for i, pl := range plan.Exits {
		pos.Exits = append(pos.Exits, levelFrom(model.LevelExit, i+1, pl))
	}
	kind := plan.Stop.Kind
	if kind == "" {
		kind = model.StopFixed
	}
	pos.Stop = model.StopLevel{
		Level: model.Level{
			ID:          model.StopLevelID,
			Type:        model.LevelStop,
			TargetPrice: plan.Stop.Price,
			Percentage:  100,
			Description: plan.Stop.Description,
			Trigger:     plan.Stop.Trigger,
			Status:      model.LevelPending,
		},
		Kind:     kind,
		TrailPct: plan.Stop.TrailPct,
	}
	pos.Notes = append(pos.Notes, note(now, "position created from %s signal strength %d", sig.Direction, sig.Strength))
	return pos
}

func levelFrom(lt model.LevelType, id int, pl model.PlanLevel) model.Level {
	return model.Level{
		ID:          id,
		Type:        lt,
		TargetPrice: pl.Price,
		Percentage:  pl.Percentage,
		Description: pl.Description,
		Trigger:     pl.Trigger,
		Status:      model.LevelPending,
		RiskReward:  pl.RiskReward,
	}
}

func note(ts time.Time, format string, args ...any) string {
	return "[" + ts.Format("2006-01-02 15:04:05") + "] " + fmt.Sprintf(format, args...)
}

// ── Reads ──

// Get returns a snapshot of the position for symbol.
func (l *Ledger) Get(symbol string) (model.Position, bool) {
	l.mu.RLock()
	e, ok := l.bySymbol[symbol]
	l.mu.RUnlock()
	if !ok {
		return model.Position{}, false
	}
	return e.snapshot()
}

// GetByID returns a snapshot of the position with id.
func (l *Ledger) GetByID(id string) (model.Position, bool) {
	l.mu.RLock()
	e, ok := l.byID[id]
	l.mu.RUnlock()
	if !ok {
		return model.Position{}, false
	}
	return e.snapshot()
}

// HasActive reports whether symbol has a non-terminal position.
func (l *Ledger) HasActive(symbol string) bool {
	p, ok := l.Get(symbol)
	return ok && !p.Status.Terminal()
}

// ListActive returns snapshots of every non-terminal position, by symbol.
func (l *Ledger) ListActive() []model.Position {
	return l.filter(func(p *model.Position) bool { return !p.Status.Terminal() })
}

// ListByStatus returns snapshots of the tracked positions in status st.
func (l *Ledger) ListByStatus(st model.Status) []model.Position {
	return l.filter(func(p *model.Position) bool { return p.Status == st })
}

func (l *Ledger) filter(keep func(*model.Position) bool) []model.Position {
	l.mu.RLock()
	entries := make([]*entry, 0, len(l.bySymbol))
	for _, e := range l.bySymbol {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	out := make([]model.Position, 0, len(entries))
	for _, e := range entries {
		p, ok := e.snapshot()
		if ok && keep(&p) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Len returns the number of tracked positions, terminal ones included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.bySymbol)
}

func (l *Ledger) activeCountLocked() int {
	n := 0
	for _, e := range l.bySymbol {
		e.mu.Lock()
		if !e.pos.Status.Terminal() {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

func (e *entry) snapshot() (model.Position, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return model.Position{}, false
	}
	return e.pos.Clone(), true
}

func (l *Ledger) lookupID(id string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.byID[id]
}

func (l *Ledger) lookupSymbol(symbol string) *entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.bySymbol[symbol]
}
