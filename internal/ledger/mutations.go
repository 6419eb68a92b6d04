package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"position-tracker/internal/model"
)

// errRejected aborts a mutation without logging it as a failure.
var errRejected = errors.New("mutation rejected")

// mutate applies fn to a working copy of the position, re-derives status
// and metrics, writes through when strict, and commits only if all of that
// succeeded. touched lists the levels whose rows must be re-written.
func (l *Ledger) mutate(ctx context.Context, e *entry, strict bool, fn func(p *model.Position, now time.Time) ([]model.Level, error)) bool {
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return false
	}

	now := l.now()
	work := e.pos.Clone()
	touched, err := fn(&work, now)
	if err != nil {
		if !errors.Is(err, errRejected) {
			l.log.Warn("mutation failed", "symbol", work.Symbol, "position_id", work.ID, "err", err)
		}
		return false
	}

	prev := work.Status
	if !prev.Terminal() {
		work.Status = model.DeriveStatus(&work)
	}
	model.ApplyMetrics(&work, 0, now)
	if work.Status.Terminal() && !prev.Terminal() {
		work.ClosedAt = now
		if work.Status == model.StatusStopped {
			work.CloseReason = "stop hit"
		} else {
			work.CloseReason = "all targets filled"
		}
		work.Notes = append(work.Notes, note(now, "position %s (%s)", work.Status, work.CloseReason))
	}

	if err := l.persist(ctx, &work, touched); err != nil {
		if strict {
			l.log.Error("write-through failed, change not committed",
				"symbol", work.Symbol, "position_id", work.ID, "err", err)
			return false
		}
		l.log.Warn("write-through failed", "symbol", work.Symbol, "position_id", work.ID, "err", err)
	}

	if work.Status != prev {
		l.log.Info("position status changed", "symbol", work.Symbol, "position_id", work.ID,
			"from", prev, "to", work.Status)
	}
	e.pos = work
	return true
}

// UpdateLevel moves a PENDING level to FILLED or SKIPPED. It returns false
// when the position or level does not exist, when the transition is not
// allowed, or when the write-through fails.
func (l *Ledger) UpdateLevel(ctx context.Context, positionID string, levelID int, lt model.LevelType, st model.LevelStatus, fill Fill) bool {
	return l.updateLevel(ctx, l.lookupID(positionID), levelID, lt, st, fill, "")
}

func (l *Ledger) updateLevel(ctx context.Context, e *entry, levelID int, lt model.LevelType, st model.LevelStatus, fill Fill, reason string) bool {
	return l.mutate(ctx, e, true, func(p *model.Position, now time.Time) ([]model.Level, error) {
		lv := p.FindLevel(lt, levelID)
		if lv == nil || !lv.IsPending() {
			return nil, errRejected
		}
		switch st {
		case model.LevelFilled:
			at := fill.At
			if at.IsZero() {
				at = now
			}
			price := fill.Price
			if price <= 0 {
				price = lv.TargetPrice
			}
			pct := fill.Pct
			if pct <= 0 {
				pct = lv.Percentage
			}
			lv.Status = model.LevelFilled
			lv.FilledPrice = price
			lv.FilledPct = pct
			lv.FilledAt = at
			p.Notes = append(p.Notes, note(now, "%s %d filled @ %.4f (target %.4f)", lt, levelID, price, lv.TargetPrice))
		case model.LevelSkipped:
			if lt == model.LevelStop {
				return nil, errRejected
			}
			lv.Status = model.LevelSkipped
			lv.SkipReason = reason
			p.Notes = append(p.Notes, note(now, "%s %d skipped: %s", lt, levelID, reason))
		default:
			return nil, errRejected
		}
		return []model.Level{*lv}, nil
	})
}

// MarkFilled fills a level of the position for symbol. pct <= 0 fills the
// level's own percentage.
func (l *Ledger) MarkFilled(ctx context.Context, symbol string, levelID int, lt model.LevelType, price, pct float64) bool {
	return l.updateLevel(ctx, l.lookupSymbol(symbol), levelID, lt, model.LevelFilled, Fill{Price: price, Pct: pct}, "")
}

// Skip marks a PENDING level SKIPPED and records why in the notes.
func (l *Ledger) Skip(ctx context.Context, symbol string, levelID int, lt model.LevelType, reason string) bool {
	return l.updateLevel(ctx, l.lookupSymbol(symbol), levelID, lt, model.LevelSkipped, Fill{}, reason)
}

// SkipLevel is Skip addressed by position id.
func (l *Ledger) SkipLevel(ctx context.Context, positionID string, levelID int, lt model.LevelType, reason string) bool {
	return l.updateLevel(ctx, l.lookupID(positionID), levelID, lt, model.LevelSkipped, Fill{}, reason)
}

// RecomputeMetrics refreshes price-derived fields and returns the result.
// A write-through failure is logged but does not undo the refresh.
func (l *Ledger) RecomputeMetrics(ctx context.Context, positionID string, price float64) (model.Metrics, bool) {
	var m model.Metrics
	ok := l.mutate(ctx, l.lookupID(positionID), false, func(p *model.Position, now time.Time) ([]model.Level, error) {
		model.ApplyMetrics(p, price, now)
		return nil, nil
	})
	if !ok {
		return m, false
	}
	p, ok := l.GetByID(positionID)
	if !ok {
		return m, false
	}
	return p.Metrics(), true
}

// TrailStop ratchets a trailing stop behind the best price seen since the
// first fill. It only tightens. It returns the stop after the call.
func (l *Ledger) TrailStop(ctx context.Context, positionID string, price float64) (float64, bool) {
	var stop float64
	moved := false
	l.mutate(ctx, l.lookupID(positionID), true, func(p *model.Position, now time.Time) ([]model.Level, error) {
		s := &p.Stop
		stop = s.TargetPrice
		if s.Kind != model.StopTrailing || !s.IsPending() || p.FilledEntries() == 0 || price <= 0 {
			return nil, errRejected
		}
		mark, next := s.WaterMark, s.TargetPrice
		if p.Direction == model.Long {
			if price > mark {
				mark = price
			}
			if trail := mark * (1 - s.TrailPct/100); trail > next {
				next = trail
			}
		} else {
			if mark == 0 || price < mark {
				mark = price
			}
			if trail := mark * (1 + s.TrailPct/100); trail < next {
				next = trail
			}
		}
		if mark == s.WaterMark && next == s.TargetPrice {
			return nil, errRejected
		}
		s.WaterMark = mark
		if next != s.TargetPrice {
			p.Notes = append(p.Notes, note(now, "trailing stop %.4f -> %.4f", s.TargetPrice, next))
			s.TargetPrice = next
			moved = true
		}
		stop = next
		return []model.Level{s.Level}, nil
	})
	return stop, moved
}

// MarkNotified stamps a successful send on the position.
func (l *Ledger) MarkNotified(ctx context.Context, positionID string, at time.Time, isUpdate bool) bool {
	return l.mutate(ctx, l.lookupID(positionID), false, func(p *model.Position, _ time.Time) ([]model.Level, error) {
		p.LastNotifiedAt = at
		p.MessagesSent++
		if isUpdate {
			p.UpdateCount++
		}
		return nil, nil
	})
}

// AppendNote adds a timestamped free-text note.
func (l *Ledger) AppendNote(ctx context.Context, positionID, text string) bool {
	return l.mutate(ctx, l.lookupID(positionID), false, func(p *model.Position, now time.Time) ([]model.Level, error) {
		p.Notes = append(p.Notes, note(now, "%s", text))
		return nil, nil
	})
}

// Close marks the position for symbol CLOSED, persists it and removes it
// from the active set. A position already STOPPED keeps that status.
func (l *Ledger) Close(ctx context.Context, symbol, reason string, finalPrice float64) bool {
	e := l.lookupSymbol(symbol)
	if e == nil {
		return false
	}

	e.mu.Lock()
	if e.removed {
		e.mu.Unlock()
		return false
	}
	now := l.now()
	work := e.pos.Clone()
	model.ApplyMetrics(&work, finalPrice, now)
	if work.Status != model.StatusStopped {
		work.Status = model.StatusClosed
	}
	if work.ClosedAt.IsZero() {
		work.ClosedAt = now
	}
	work.CloseReason = reason
	work.Notes = append(work.Notes, note(now, "closed: %s", reason))
	if err := l.persist(ctx, &work, nil); err != nil {
		e.mu.Unlock()
		l.log.Error("close write-through failed", "symbol", symbol, "position_id", work.ID, "err", err)
		return false
	}
	e.pos = work
	e.removed = true
	e.mu.Unlock()

	l.drop(symbol, e)
	l.log.Info("position closed", "symbol", symbol, "position_id", work.ID, "status", work.Status, "reason", reason)
	return true
}

// Evict removes a terminal position from the map once its final events
// have been handled. Non-terminal positions are left alone.
func (l *Ledger) Evict(symbol string) bool {
	e := l.lookupSymbol(symbol)
	if e == nil {
		return false
	}
	e.mu.Lock()
	if e.removed || !e.pos.Status.Terminal() {
		e.mu.Unlock()
		return false
	}
	e.removed = true
	id := e.pos.ID
	e.mu.Unlock()

	l.drop(symbol, e)
	l.log.Debug("position evicted", "symbol", symbol, "position_id", id)
	return true
}

// EvictTerminal evicts every terminal position and returns how many.
// Positions for which busy reports true are kept; busy may be nil.
func (l *Ledger) EvictTerminal(busy func(positionID string) bool) int {
	n := 0
	for _, p := range l.filter(func(p *model.Position) bool { return p.Status.Terminal() }) {
		if busy != nil && busy(p.ID) {
			continue
		}
		if l.Evict(p.Symbol) {
			n++
		}
	}
	return n
}

func (l *Ledger) drop(symbol string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bySymbol[symbol] == e {
		delete(l.bySymbol, symbol)
	}
	for id, cur := range l.byID {
		if cur == e {
			delete(l.byID, id)
		}
	}
}

// Load restores non-terminal positions from the persister. Symbols that
// are already tracked are left untouched.
func (l *Ledger) Load(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	positions, err := l.store.GetActivePositions(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger load: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, p := range positions {
		if p.Status.Terminal() {
			continue
		}
		if _, ok := l.bySymbol[p.Symbol]; ok {
			continue
		}
		p.Status = model.DeriveStatus(&p)
		e := &entry{pos: p}
		l.bySymbol[p.Symbol] = e
		l.byID[p.ID] = e
		n++
	}
	l.log.Info("positions restored", "count", n)
	return n, nil
}

// ── Write-through ──

func (l *Ledger) persist(ctx context.Context, p *model.Position, touched []model.Level) error {
	if l.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := l.store.SavePosition(ctx, *p); err != nil {
		return err
	}
	for _, lv := range touched {
		if err := l.store.InsertExecution(ctx, model.RecordFor(p, lv)); err != nil {
			return err
		}
	}
	return nil
}

func (l *Ledger) persistAll(ctx context.Context, p *model.Position) error {
	if l.store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()
	if err := l.store.SavePosition(ctx, *p); err != nil {
		return err
	}
	for _, rec := range model.Records(p) {
		if err := l.store.InsertExecution(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
