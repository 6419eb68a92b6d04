// Package tracker ties the ledger, the reconciler and the coordinator into
// the running service: one reconcile cycle per scheduler tick, inbound
// signals from every adapter, and the housekeeping jobs.
package tracker

import (
	"context"
	"log/slog"
	"time"

	"position-tracker/internal/execution"
	"position-tracker/internal/ledger"
	"position-tracker/internal/logger"
	"position-tracker/internal/markethours"
	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
	"position-tracker/internal/scheduler"
)

// Pruner deletes closed positions from durable storage.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service runs the reconcile loop.
type Service struct {
	book  *ledger.Ledger
	rec   *execution.Reconciler
	coord *notification.Coordinator

	session   *markethours.Session
	hoursOnly bool
	pruner    Pruner
	retention time.Duration

	m      *metrics.Metrics
	health *metrics.HealthStatus
	log    *slog.Logger
	now    func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithSession attaches a market calendar. With hoursOnly, cycles outside
// the session are skipped.
func WithSession(s *markethours.Session, hoursOnly bool) Option {
	return func(svc *Service) { svc.session, svc.hoursOnly = s, hoursOnly }
}

// WithPruner enables the daily purge of positions closed longer than
// retention ago.
func WithPruner(p Pruner, retention time.Duration) Option {
	return func(svc *Service) { svc.pruner, svc.retention = p, retention }
}

func WithMetrics(m *metrics.Metrics) Option { return func(svc *Service) { svc.m = m } }

func WithHealth(h *metrics.HealthStatus) Option { return func(svc *Service) { svc.health = h } }

func WithLogger(lg *slog.Logger) Option { return func(svc *Service) { svc.log = lg } }

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option { return func(svc *Service) { svc.now = now } }

// New creates a Service.
func New(book *ledger.Ledger, rec *execution.Reconciler, coord *notification.Coordinator, opts ...Option) *Service {
	svc := &Service{
		book:  book,
		rec:   rec,
		coord: coord,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(svc)
	}
	svc.log = svc.log.With("component", "tracker")
	return svc
}

// CycleResult summarises one reconcile cycle.
type CycleResult struct {
	Skipped   bool
	Reason    string
	Positions int
	Events    int
	Evicted   int
	Duration  time.Duration
}

// Restore loads the positions that were active when the process last
// stopped.
func (svc *Service) Restore(ctx context.Context) (int, error) {
	n, err := svc.book.Load(ctx)
	svc.setActive()
	return n, err
}

// RunCycle scans every active position, hands the events to the
// coordinator and evicts what became terminal.
func (svc *Service) RunCycle(ctx context.Context) CycleResult {
	start := svc.now()
	ctx = logger.WithTraceID(ctx, logger.GenerateTraceID("cycle", start))

	if svc.session != nil {
		open := svc.session.IsOpen(start)
		if svc.m != nil {
			if open {
				svc.m.MarketState.Set(1)
			} else {
				svc.m.MarketState.Set(0)
			}
		}
		if svc.hoursOnly && !open {
			svc.log.Debug("cycle skipped", append(logger.LogWithTrace(ctx), "market", svc.session.Status(start))...)
			return CycleResult{Skipped: true, Reason: "market closed"}
		}
	}

	res := CycleResult{Positions: len(svc.book.ListActive())}
	if res.Positions == 0 {
		res.Reason = "no active positions"
		svc.finish(ctx, start, &res)
		return res
	}

	events := svc.rec.ScanAll(ctx)
	for _, evs := range events {
		res.Events += len(evs)
	}
	svc.coord.HandleCycle(ctx, events)

	// Positions closed without an event (all entries skipped) are not seen
	// by the coordinator. Those with a queued message are evicted by it.
	res.Evicted = svc.book.EvictTerminal(svc.coord.InFlight)
	svc.finish(ctx, start, &res)
	return res
}

func (svc *Service) finish(ctx context.Context, start time.Time, res *CycleResult) {
	res.Duration = svc.now().Sub(start)
	svc.setActive()
	if svc.health != nil {
		svc.health.SetLastCycle(svc.now())
	}
	if res.Events > 0 || res.Evicted > 0 {
		svc.log.Info("cycle complete", append(logger.LogWithTrace(ctx),
			"positions", res.Positions, "events", res.Events, "evicted", res.Evicted,
			"duration", res.Duration.Round(time.Millisecond))...)
	}
}

func (svc *Service) setActive() {
	if svc.m != nil {
		svc.m.ActivePositions.Set(float64(len(svc.book.ListActive())))
	}
}

// Submit hands one inbound envelope to the coordinator. source labels the
// adapter it came through ("api", "redis", "file").
func (svc *Service) Submit(ctx context.Context, source string, env model.SignalEnvelope) bool {
	if svc.m != nil {
		svc.m.SignalsReceived.WithLabelValues(source).Inc()
	}
	ok := svc.coord.AcceptSignal(ctx, env.Signal, env.Plan)
	svc.setActive()
	return ok
}

// AcceptSignal lets the HTTP gateway submit signals through the service.
func (svc *Service) AcceptSignal(ctx context.Context, sig model.Signal, plan *model.Plan) bool {
	return svc.Submit(ctx, "api", model.SignalEnvelope{Signal: sig, Plan: plan})
}

// HandleEnvelope is the Redis inbox handler.
func (svc *Service) HandleEnvelope(ctx context.Context, env model.SignalEnvelope) {
	svc.Submit(ctx, "redis", env)
}

// Stats returns the coordinator counters.
func (svc *Service) Stats() notification.Stats {
	return svc.coord.Stats()
}

// LogStats writes the statistics summary to the log.
func (svc *Service) LogStats(context.Context) {
	st := svc.coord.Stats()
	svc.log.Info("statistics",
		"signals_processed", st.SignalsProcessed,
		"positions_created", st.PositionsCreated,
		"updates_sent", st.UpdatesSent,
		"updates_skipped", st.UpdatesSkipped,
		"spam_prevented", st.SpamPrevented,
		"send_failures", st.SendFailures,
		"active_positions", st.ActivePositions,
		"spam_prevention_rate", st.SpamPreventionRate,
	)
}

// Prune removes positions closed before the retention window from storage.
func (svc *Service) Prune(ctx context.Context) {
	if svc.pruner == nil || svc.retention <= 0 {
		return
	}
	if _, err := svc.pruner.Prune(ctx, svc.now().Add(-svc.retention)); err != nil {
		svc.log.Warn("prune failed", "err", err)
	}
}

// Schedule registers the service jobs: the reconcile cycle on scanSpec,
// hourly statistics and, with a pruner, a nightly purge.
func (svc *Service) Schedule(s *scheduler.Scheduler, scanSpec string) error {
	if err := s.Add("reconcile", scanSpec, func(ctx context.Context) { svc.RunCycle(ctx) }); err != nil {
		return err
	}
	if err := s.Add("stats", "@hourly", svc.LogStats); err != nil {
		return err
	}
	if svc.pruner != nil {
		return s.Add("prune", "30 2 * * *", svc.Prune)
	}
	return nil
}

// ObserveQuotes wraps src so every successful quote stamps the health
// status, making a stalled feed visible on /healthz.
func ObserveQuotes(src model.PriceSource, h *metrics.HealthStatus) model.PriceSource {
	if h == nil {
		return src
	}
	return &observedSource{next: src, health: h}
}

type observedSource struct {
	next   model.PriceSource
	health *metrics.HealthStatus
}

func (o *observedSource) Quote(ctx context.Context, symbol string) (model.Quote, error) {
	q, err := o.next.Quote(ctx, symbol)
	if err == nil {
		o.health.SetLastQuote(time.Now())
	}
	return q, err
}
