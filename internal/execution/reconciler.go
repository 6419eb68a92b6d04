// Package execution detects level executions against observed prices.
//
// The Reconciler compares the latest quote of every active position with
// its pending entry, exit and stop levels, confirms each transition through
// the ledger and emits one ExecutionEvent per confirmed transition.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"position-tracker/internal/ledger"
	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
)

const (
	DefaultTolerancePct   = 0.1
	DefaultSkipForwardPct = 1.0
	DefaultCacheTTL       = 30 * time.Second
	defaultFetchTimeout   = 10 * time.Second
)

// Reconciler runs reconciliation passes over the ledger.
type Reconciler struct {
	book  *ledger.Ledger
	src   model.PriceSource
	cache *priceCache
	sink  model.EventSink
	m     *metrics.Metrics
	log   *slog.Logger
	now   func() time.Time

	tolerancePct float64
	skipPct      float64
	skipShort    bool
	fetchTimeout time.Duration
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithTolerance sets the touch tolerance in percent of the target.
func WithTolerance(pct float64) Option { return func(r *Reconciler) { r.tolerancePct = pct } }

// WithSkipForward sets how far past an untouched entry price must move
// before the entry is skipped. short enables the mirrored rule for SHORT
// positions, which is off by default.
func WithSkipForward(pct float64, short bool) Option {
	return func(r *Reconciler) {
		r.skipPct = pct
		r.skipShort = short
	}
}

// WithCacheTTL sets the quote cache lifetime. 0 disables the cache.
func WithCacheTTL(d time.Duration) Option { return func(r *Reconciler) { r.cache = newPriceCache(d) } }

// WithEventSink publishes confirmed events to s.
func WithEventSink(s model.EventSink) Option { return func(r *Reconciler) { r.sink = s } }

// WithMetrics records scan and price metrics.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Reconciler) { r.m = m } }

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) Option { return func(r *Reconciler) { r.log = lg } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(r *Reconciler) { r.now = now } }

// WithFetchTimeout bounds a single upstream quote request.
func WithFetchTimeout(d time.Duration) Option { return func(r *Reconciler) { r.fetchTimeout = d } }

// NewReconciler creates a Reconciler over book. src may be nil, in which
// case only forced quotes produce executions.
func NewReconciler(book *ledger.Ledger, src model.PriceSource, opts ...Option) *Reconciler {
	r := &Reconciler{
		book:         book,
		src:          src,
		cache:        newPriceCache(DefaultCacheTTL),
		log:          slog.Default(),
		now:          time.Now,
		tolerancePct: DefaultTolerancePct,
		skipPct:      DefaultSkipForwardPct,
		fetchTimeout: defaultFetchTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.With("component", "reconciler")
	return r
}

// CurrentPrice returns a recent quote for symbol, from the cache when it is
// fresh and from the price source otherwise. ok is false when no price is
// available; that is not an error.
func (r *Reconciler) CurrentPrice(ctx context.Context, symbol string) (model.Quote, bool) {
	now := r.now()
	if q, ok := r.cache.get(symbol, now); ok {
		r.countLookup("hit")
		return q, true
	}
	if r.src == nil {
		r.countLookup("none")
		return model.Quote{}, false
	}

	ctx, cancel := context.WithTimeout(ctx, r.fetchTimeout)
	defer cancel()
	start := time.Now()
	q, err := r.src.Quote(ctx, symbol)
	if r.m != nil {
		r.m.PriceFetchDur.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, model.ErrNoPrice) {
			r.countLookup("none")
		} else {
			r.countLookup("error")
			r.log.Warn("price fetch failed", "symbol", symbol, "err", err)
		}
		return model.Quote{}, false
	}

	q = q.Normalize()
	if !q.Valid() {
		r.countLookup("none")
		return model.Quote{}, false
	}
	q.Symbol = symbol
	if q.At.IsZero() {
		q.At = now
	}
	r.cache.put(symbol, q, now)
	r.countLookup("miss")
	return q, true
}

// ClearCache drops every cached quote.
func (r *Reconciler) ClearCache() { r.cache.clear() }

// Scan runs one reconciliation step for pos. A missing price yields no
// events; the position is retried on the next cycle.
func (r *Reconciler) Scan(ctx context.Context, pos model.Position) []model.ExecutionEvent {
	if pos.Status.Terminal() {
		return nil
	}
	q, ok := r.CurrentPrice(ctx, pos.Symbol)
	if !ok {
		r.log.Debug("no price, position skipped this cycle", "symbol", pos.Symbol)
		return nil
	}
	return r.scanWith(ctx, pos, q)
}

// ScanSymbol reconciles the position for symbol. A non-nil force replaces
// the price source for this call and seeds the cache.
func (r *Reconciler) ScanSymbol(ctx context.Context, symbol string, force *model.Quote) []model.ExecutionEvent {
	pos, ok := r.book.Get(symbol)
	if !ok || pos.Status.Terminal() {
		return nil
	}
	if force == nil {
		return r.Scan(ctx, pos)
	}
	q := force.Normalize()
	if !q.Valid() {
		return nil
	}
	now := r.now()
	q.Symbol = symbol
	if q.At.IsZero() {
		q.At = now
	}
	r.cache.put(symbol, q, now)
	return r.scanWith(ctx, pos, q)
}

// ScanAll reconciles every non-terminal position and returns the events
// keyed by position id. A panic in one position is logged and does not
// stop the others.
func (r *Reconciler) ScanAll(ctx context.Context) map[string][]model.ExecutionEvent {
	start := time.Now()
	active := r.book.ListActive()
	out := make(map[string][]model.ExecutionEvent)
	total := 0
	for _, p := range active {
		if ctx.Err() != nil {
			break
		}
		events := r.safeScan(ctx, p)
		if len(events) > 0 {
			out[p.ID] = events
			total += len(events)
		}
	}

	if r.m != nil {
		r.m.ScanCycles.Inc()
		r.m.ScanDuration.Observe(time.Since(start).Seconds())
	}
	if total > 0 {
		r.log.Info("reconcile cycle", "positions", len(active), "events", total,
			"duration", time.Since(start).Round(time.Millisecond))
	} else {
		r.log.Debug("reconcile cycle, no events", "positions", len(active))
	}
	return out
}

func (r *Reconciler) safeScan(ctx context.Context, p model.Position) (events []model.ExecutionEvent) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("scan panicked", "symbol", p.Symbol, "position_id", p.ID,
				"panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
			if r.m != nil {
				r.m.ScanPanics.Inc()
			}
			events = nil
		}
	}()
	return r.Scan(ctx, p)
}

// scanWith checks entries, then exits, then the stop of pos against q.
// Only levels PENDING in the snapshot are inspected, and each transition
// is emitted only after the ledger confirmed it.
func (r *Reconciler) scanWith(ctx context.Context, pos model.Position, q model.Quote) []model.ExecutionEvent {
	now := r.now()
	var events []model.ExecutionEvent
	filled := pos.FilledEntries()
	filledNow := make(map[int]bool)

	for _, lv := range pos.Entries {
		if !lv.IsPending() {
			continue
		}
		px, hit := r.entryTouch(pos.Direction, lv.TargetPrice, q)
		if !hit || !r.fill(ctx, pos.ID, lv, px, now) {
			continue
		}
		filled++
		filledNow[lv.ID] = true
		ev := r.event(model.EventEntryFilled, &pos, lv, px, q, now)
		events = append(events, ev)
		r.log.Info("entry filled", "symbol", pos.Symbol, "level", lv.ID,
			"target", lv.TargetPrice, "executed", px, "slippage_pct", ev.Slippage)
	}

	r.skipForward(ctx, &pos, q, filledNow, filled)

	if filled > 0 {
		for _, lv := range pos.Exits {
			if !lv.IsPending() {
				continue
			}
			px, hit := r.exitTouch(pos.Direction, lv.TargetPrice, q)
			if !hit || !r.fill(ctx, pos.ID, lv, px, now) {
				continue
			}
			ev := r.event(model.EventExitFilled, &pos, lv, px, q, now)
			events = append(events, ev)
			r.log.Info("exit filled", "symbol", pos.Symbol, "level", lv.ID,
				"target", lv.TargetPrice, "executed", px, "slippage_pct", ev.Slippage)
		}

		if stop := pos.Stop; stop.IsPending() {
			if px, hit := r.stopTouch(pos.Direction, stop.TargetPrice, q); hit && r.fill(ctx, pos.ID, stop.Level, px, now) {
				kind := model.EventStopHit
				if stop.Kind == model.StopTrailing {
					kind = model.EventTrailingStopHit
				}
				ev := r.event(kind, &pos, stop.Level, px, q, now)
				events = append(events, ev)
				r.log.Warn("stop hit", "symbol", pos.Symbol, "kind", kind, "stop", stop.TargetPrice,
					"executed", px, "low", q.Low, "high", q.High, "close", q.Close, "slippage_pct", ev.Slippage)
			} else if stop.Kind == model.StopTrailing {
				r.trail(ctx, &pos, q)
			}
		}
	}

	r.book.RecomputeMetrics(ctx, pos.ID, q.Close)

	if len(events) > 0 {
		if r.m != nil {
			for _, ev := range events {
				r.m.ExecutionEvents.WithLabelValues(string(ev.Kind)).Inc()
			}
		}
		if r.sink != nil {
			r.sink.Publish(ctx, events)
		}
	}
	return events
}

func (r *Reconciler) fill(ctx context.Context, positionID string, lv model.Level, px float64, now time.Time) bool {
	pct := lv.Percentage
	if lv.Type == model.LevelStop {
		pct = 100
	}
	return r.book.UpdateLevel(ctx, positionID, lv.ID, lv.Type, model.LevelFilled,
		ledger.Fill{Price: px, Pct: pct, At: now})
}

// skipForward marks pending entries SKIPPED once price has moved decisively
// past them without a fill. Entries filled earlier in this pass are left
// alone. A position that never entered and has no live entry left is closed.
func (r *Reconciler) skipForward(ctx context.Context, pos *model.Position, q model.Quote, filledNow map[int]bool, filled int) {
	if r.skipPct <= 0 {
		return
	}
	if pos.Direction == model.Short && !r.skipShort {
		return
	}
	var pending []model.Level
	for _, lv := range pos.PendingEntries() {
		if !filledNow[lv.ID] {
			pending = append(pending, lv)
		}
	}
	skipped := 0
	for _, lv := range pending {
		var past bool
		if pos.Direction == model.Long {
			past = q.Close > lv.TargetPrice*(1+r.skipPct/100)
		} else {
			past = q.Close < lv.TargetPrice*(1-r.skipPct/100)
		}
		if !past {
			continue
		}
		reason := fmt.Sprintf("price %.4f moved past entry %.4f without a fill", q.Close, lv.TargetPrice)
		if r.book.SkipLevel(ctx, pos.ID, lv.ID, model.LevelEntry, reason) {
			skipped++
			if r.m != nil {
				r.m.LevelsSkipped.Inc()
			}
			r.log.Info("entry skipped", "symbol", pos.Symbol, "level", lv.ID, "target", lv.TargetPrice, "close", q.Close)
		}
	}
	if filled == 0 && skipped > 0 && skipped == len(pending) {
		r.book.Close(ctx, pos.Symbol, "all entries skipped", q.Close)
	}
}

func (r *Reconciler) trail(ctx context.Context, pos *model.Position, q model.Quote) {
	mark := q.High
	if pos.Direction == model.Short {
		mark = q.Low
	}
	if stop, moved := r.book.TrailStop(ctx, pos.ID, mark); moved {
		r.log.Info("trailing stop moved", "symbol", pos.Symbol, "from", pos.Stop.TargetPrice, "to", stop)
	}
}

// Touch rules use the bar extreme on the side price must travel to reach
// the target. The executed price is the target unless the bar never got
// through it, in which case it is the nearest extreme.
func (r *Reconciler) entryTouch(dir model.Direction, target float64, q model.Quote) (float64, bool) {
	tol := target * r.tolerancePct / 100
	if dir == model.Long {
		return math.Max(q.Low, target), q.Low <= target+tol
	}
	return math.Min(q.High, target), q.High >= target-tol
}

func (r *Reconciler) exitTouch(dir model.Direction, target float64, q model.Quote) (float64, bool) {
	tol := target * r.tolerancePct / 100
	if dir == model.Long {
		return math.Min(q.High, target), q.High >= target-tol
	}
	return math.Max(q.Low, target), q.Low <= target+tol
}

// stopTouch fills a gap through the stop at the bar extreme.
func (r *Reconciler) stopTouch(dir model.Direction, target float64, q model.Quote) (float64, bool) {
	tol := target * r.tolerancePct / 100
	if dir == model.Long {
		return math.Min(q.Low, target), q.Low <= target+tol
	}
	return math.Max(q.High, target), q.High >= target-tol
}

func (r *Reconciler) event(kind model.EventKind, pos *model.Position, lv model.Level, px float64, q model.Quote, now time.Time) model.ExecutionEvent {
	pct := lv.Percentage
	if kind.IsStop() {
		pct = 100
	}
	return model.ExecutionEvent{
		ID:            uuid.NewString(),
		Kind:          kind,
		PositionID:    pos.ID,
		Symbol:        pos.Symbol,
		Direction:     pos.Direction,
		LevelID:       lv.ID,
		TargetPrice:   lv.TargetPrice,
		ExecutedPrice: px,
		Percentage:    pct,
		Timestamp:     now,
		Reason: fmt.Sprintf("%s %d touched %.4f (low %.4f high %.4f close %.4f)",
			lv.Type, lv.ID, lv.TargetPrice, q.Low, q.High, q.Close),
		Slippage: model.Slippage(pos.Direction, kind.LevelType(), lv.TargetPrice, px),
	}
}

func (r *Reconciler) countLookup(result string) {
	if r.m != nil {
		r.m.PriceLookups.WithLabelValues(result).Inc()
	}
}
