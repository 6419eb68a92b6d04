package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"position-tracker/internal/ledger"
	"position-tracker/internal/logger"
	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
)

// Stats are the coordinator's running counters.
type Stats struct {
	SignalsProcessed   int64   `json:"signals_processed"`
	PositionsCreated   int64   `json:"positions_created"`
	UpdatesSent        int64   `json:"updates_sent"`
	UpdatesSkipped     int64   `json:"updates_skipped"`
	SpamPrevented      int64   `json:"spam_prevented"`
	SendFailures       int64   `json:"send_failures"`
	ActivePositions    int     `json:"active_positions"`
	SpamPreventionRate float64 `json:"spam_prevention_rate"`
}

type counters struct {
	signals, created, sent, skipped, spam, failures atomic.Int64
}

// Coordinator turns signals and reconciliation events into messages.
type Coordinator struct {
	book     *ledger.Ledger
	notifier Notifier
	dispatch *Dispatcher
	gate     GateConfig
	m        *metrics.Metrics
	log      *slog.Logger
	now      func() time.Time

	stats counters

	mu       sync.Mutex
	inflight map[string]*inflight
}

// inflight tracks sends decided for a position but not yet settled. The
// gate sees them as already delivered so a queued message still throttles.
type inflight struct {
	at      time.Time
	sends   int
	updates int
	evict   string // symbol to evict once the last send settles
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithGate overrides the anti-spam thresholds.
func WithGate(g GateConfig) CoordinatorOption { return func(c *Coordinator) { c.gate = g } }

// WithDispatcher sends through d instead of inline.
func WithDispatcher(d *Dispatcher) CoordinatorOption { return func(c *Coordinator) { c.dispatch = d } }

// WithCoordinatorMetrics records notification outcomes.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.m = m }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(lg *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.log = lg }
}

// WithCoordinatorClock overrides time.Now, for tests.
func WithCoordinatorClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator. A nil notifier discards messages
// but still stamps positions, as if every send succeeded.
func NewCoordinator(book *ledger.Ledger, n Notifier, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		book:     book,
		notifier: n,
		gate:     DefaultGateConfig,
		log:      slog.Default(),
		now:      time.Now,
		inflight: make(map[string]*inflight),
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("component", "coordinator")
	return c
}

// AcceptSignal is the entry point for a fresh signal. A symbol without an
// active position gets one, announced unconditionally; otherwise the
// signal is evaluated as a possible update. plan is required only for the
// first case.
func (c *Coordinator) AcceptSignal(ctx context.Context, sig model.Signal, plan *model.Plan) bool {
	c.stats.signals.Add(1)
	if err := sig.Validate(); err != nil {
		c.log.Warn("signal rejected", "symbol", sig.Symbol, "err", err)
		return false
	}
	now := c.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(sig.Symbol, now))

	if pos, ok := c.book.Get(sig.Symbol); ok && !pos.Status.Terminal() {
		return c.evaluateSignal(ctx, pos, sig, now)
	}
	if plan == nil {
		c.log.Error("no plan for new signal", append(logger.LogWithTrace(ctx), "symbol", sig.Symbol)...)
		return false
	}

	id, err := c.book.Register(ctx, sig, *plan)
	if errors.Is(err, ledger.ErrPositionExists) {
		if pos, ok := c.book.Get(sig.Symbol); ok {
			return c.evaluateSignal(ctx, pos, sig, now)
		}
	}
	if err != nil {
		c.log.Error("register failed", append(logger.LogWithTrace(ctx), "symbol", sig.Symbol, "err", err)...)
		return false
	}
	c.stats.created.Add(1)
	if c.m != nil {
		c.m.PositionsRegistered.Inc()
	}

	alert := Alert{
		Level:      AlertInfo,
		Title:      fmt.Sprintf("New signal %s %s", sig.Symbol, sig.Direction),
		Message:    RenderNew(sig, *plan),
		Symbol:     sig.Symbol,
		PositionID: id,
	}
	c.deliver(ctx, id, alert, false)
	return true
}

func (c *Coordinator) evaluateSignal(ctx context.Context, pos model.Position, sig model.Signal, now time.Time) bool {
	v := decide(c.gate, c.withInFlight(pos), Trigger{Signal: &sig, Now: now})
	if !v.notify {
		c.suppressed(ctx, pos, v)
		return false
	}
	c.log.Info("update warranted", append(logger.LogWithTrace(ctx), "symbol", pos.Symbol, "reason", v.reason)...)
	alert := Alert{
		Level:      AlertInfo,
		Title:      fmt.Sprintf("Update %s", pos.Symbol),
		Message:    "Reason: " + v.reason + "\n\n" + RenderUpdate(pos, nil, now),
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
	}
	c.deliver(ctx, pos.ID, alert, true)
	return true
}

// ShouldNotify applies the anti-spam gate with the configured thresholds.
func (c *Coordinator) ShouldNotify(pos model.Position, trig Trigger) (bool, string) {
	if trig.Now.IsZero() {
		trig.Now = c.now()
	}
	return ShouldNotify(c.gate, pos, trig)
}

// HandleEvents evaluates one position's reconciliation events, sends an
// update when the gate allows it, and evicts the position from the ledger
// once it is terminal.
func (c *Coordinator) HandleEvents(ctx context.Context, positionID string, events []model.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	pos, ok := c.book.GetByID(positionID)
	if !ok {
		return
	}
	now := c.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID(pos.Symbol, now))
	defer func() {
		if pos.Status.Terminal() && !c.evictAfterSend(pos.ID, pos.Symbol) {
			c.book.Evict(pos.Symbol)
		}
	}()

	v := decide(c.gate, c.withInFlight(pos), Trigger{Events: events, Now: now})
	if !v.notify {
		c.suppressed(ctx, pos, v)
		return
	}

	alert := Alert{
		Level:      AlertInfo,
		Title:      fmt.Sprintf("Update %s", pos.Symbol),
		Message:    RenderUpdate(pos, events, now),
		Symbol:     pos.Symbol,
		PositionID: pos.ID,
	}
	for _, ev := range events {
		if ev.Kind.IsStop() {
			alert.Level = AlertCritical
			alert.Title = fmt.Sprintf("Stop hit %s", pos.Symbol)
			alert.Message = RenderExecution(pos, ev) + "\n\n" + alert.Message
			break
		}
	}
	c.log.Info("update warranted", append(logger.LogWithTrace(ctx), "symbol", pos.Symbol, "reason", v.reason, "events", len(events))...)
	c.deliver(ctx, pos.ID, alert, true)
}

// HandleCycle runs HandleEvents for every position of a reconciliation
// pass, in a stable order.
func (c *Coordinator) HandleCycle(ctx context.Context, byPosition map[string][]model.ExecutionEvent) {
	ids := make([]string, 0, len(byPosition))
	for id := range byPosition {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.HandleEvents(ctx, id, byPosition[id])
	}
}

func (c *Coordinator) suppressed(ctx context.Context, pos model.Position, v verdict) {
	c.stats.skipped.Add(1)
	outcome := "skipped"
	if v.throttled {
		c.stats.spam.Add(1)
		outcome = "suppressed"
	}
	if c.m != nil {
		c.m.Notifications.WithLabelValues(outcome).Inc()
	}
	c.log.Debug("update suppressed", append(logger.LogWithTrace(ctx), "symbol", pos.Symbol, "reason", v.reason)...)
}

// deliver sends alert off the caller's path when a dispatcher is set and
// stamps the position only after a successful send, with the time the
// send was decided. Until then the send counts as in flight.
func (c *Coordinator) deliver(ctx context.Context, positionID string, alert Alert, isUpdate bool) {
	trace := logger.TraceID(ctx)
	at := c.now()
	c.begin(positionID, at, isUpdate)
	send := func(sendCtx context.Context) {
		defer c.settle(positionID, isUpdate)
		if trace != "" {
			sendCtx = logger.WithTraceID(sendCtx, trace)
		}
		start := time.Now()
		var err error
		if c.notifier != nil {
			err = c.notifier.Send(sendCtx, alert)
		}
		if c.m != nil {
			c.m.NotifySendDur.Observe(time.Since(start).Seconds())
		}
		if err != nil {
			c.failed(sendCtx, alert, err)
			return
		}
		if isUpdate {
			c.stats.sent.Add(1)
		}
		if c.m != nil {
			c.m.Notifications.WithLabelValues("sent").Inc()
		}
		c.book.MarkNotified(sendCtx, positionID, at, isUpdate)
	}

	if c.dispatch == nil {
		send(ctx)
		return
	}
	if !c.dispatch.Submit(positionID, send) {
		c.settle(positionID, isUpdate)
		c.stats.failures.Add(1)
		if c.m != nil {
			c.m.Notifications.WithLabelValues("dropped").Inc()
		}
	}
}

func (c *Coordinator) begin(positionID string, at time.Time, isUpdate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.inflight[positionID]
	if f == nil {
		f = &inflight{}
		c.inflight[positionID] = f
	}
	f.sends++
	if isUpdate {
		f.updates++
	}
	if at.After(f.at) {
		f.at = at
	}
}

// settle closes one in-flight send. The last one evicts the position if
// HandleEvents deferred that.
func (c *Coordinator) settle(positionID string, isUpdate bool) {
	c.mu.Lock()
	f := c.inflight[positionID]
	if f == nil {
		c.mu.Unlock()
		return
	}
	f.sends--
	if isUpdate {
		f.updates--
	}
	var evict string
	if f.sends <= 0 {
		evict = f.evict
		delete(c.inflight, positionID)
	}
	c.mu.Unlock()

	if evict != "" {
		c.book.Evict(evict)
	}
}

// evictAfterSend hands eviction of symbol to the last pending send. It
// reports false when nothing is in flight.
func (c *Coordinator) evictAfterSend(positionID, symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.inflight[positionID]
	if f == nil {
		return false
	}
	f.evict = symbol
	return true
}

// withInFlight returns pos as the gate should see it, counting decided
// sends as delivered.
func (c *Coordinator) withInFlight(pos model.Position) model.Position {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f := c.inflight[pos.ID]; f != nil {
		if f.at.After(pos.LastNotifiedAt) {
			pos.LastNotifiedAt = f.at
		}
		pos.UpdateCount += f.updates
	}
	return pos
}

// InFlight reports whether a message for positionID is queued or being
// sent.
func (c *Coordinator) InFlight(positionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight[positionID] != nil
}

func (c *Coordinator) failed(ctx context.Context, alert Alert, err error) {
	c.stats.failures.Add(1)
	if c.m != nil {
		c.m.Notifications.WithLabelValues("failed").Inc()
	}
	c.log.Warn("alert not delivered", append(logger.LogWithTrace(ctx), "symbol", alert.Symbol, "title", alert.Title, "err", err)...)
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	s := Stats{
		SignalsProcessed: c.stats.signals.Load(),
		PositionsCreated: c.stats.created.Load(),
		UpdatesSent:      c.stats.sent.Load(),
		UpdatesSkipped:   c.stats.skipped.Load(),
		SpamPrevented:    c.stats.spam.Load(),
		SendFailures:     c.stats.failures.Load(),
		ActivePositions:  len(c.book.ListActive()),
	}
	s.SpamPreventionRate = float64(s.SpamPrevented) / float64(max64(s.SignalsProcessed, 1)) * 100
	return s
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
