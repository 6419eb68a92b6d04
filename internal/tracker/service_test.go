package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"position-tracker/internal/execution"
	"position-tracker/internal/ledger"
	"position-tracker/internal/markethours"
	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
	"position-tracker/internal/scheduler"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// Wednesday 10:00 IST, inside the NSE session.
var inSession = time.Date(2026, 3, 4, 4, 30, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (r *recorder) Send(_ context.Context, a notification.Alert) error {
	r.mu.Lock()
	r.alerts = append(r.alerts, a)
	r.mu.Unlock()
	return nil
}

func (r *recorder) last() notification.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.alerts) == 0 {
		return notification.Alert{}
	}
	return r.alerts[len(r.alerts)-1]
}

type fixture struct {
	svc  *Service
	book *ledger.Ledger
	feed *execution.ScriptedFeed
	out  *recorder
	m    *metrics.Metrics
	now  time.Time
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{now: inSession, out: &recorder{}, feed: execution.NewScriptedFeed()}
	clock := func() time.Time { return f.now }
	f.m = metrics.NewMetricsWith(prometheus.NewRegistry())
	f.book = ledger.New(ledger.WithClock(clock), ledger.WithLogger(quiet))
	rec := execution.NewReconciler(f.book, f.feed,
		execution.WithClock(clock), execution.WithCacheTTL(0), execution.WithLogger(quiet), execution.WithMetrics(f.m))
	coord := notification.NewCoordinator(f.book, f.out,
		notification.WithCoordinatorClock(clock), notification.WithCoordinatorLogger(quiet))
	opts = append([]Option{WithClock(clock), WithLogger(quiet), WithMetrics(f.m)}, opts...)
	f.svc = New(f.book, rec, coord, opts...)
	return f
}

func envelope(symbol string) model.SignalEnvelope {
	return model.SignalEnvelope{
		Signal: model.Signal{Symbol: symbol, Direction: model.Long, Strength: 70, Price: 100.5},
		Plan: &model.Plan{
			Entries: []model.PlanLevel{{Price: 100, Percentage: 50}, {Price: 99, Percentage: 50}},
			Exits:   []model.PlanLevel{{Price: 104, Percentage: 100}},
			Stop:    model.PlanStop{Price: 97},
		},
	}
}

func TestRunCycle_EntryThenStop(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if !f.svc.Submit(ctx, "file", envelope("AAPL")) {
		t.Fatal("signal not accepted")
	}
	if got := testutil.ToFloat64(f.m.SignalsReceived.WithLabelValues("file")); got != 1 {
		t.Errorf("signals_received{file} = %v", got)
	}
	if got := testutil.ToFloat64(f.m.ActivePositions); got != 1 {
		t.Errorf("active gauge after submit = %v", got)
	}

	f.feed.PushPrices("AAPL", 99, 96)

	res := f.svc.RunCycle(ctx)
	if res.Skipped || res.Positions != 1 || res.Events != 2 {
		t.Fatalf("first cycle = %+v", res)
	}
	pos, _ := f.book.Get("AAPL")
	if pos.Status != model.StatusFullyEntered {
		t.Fatalf("status = %s", pos.Status)
	}

	f.now = f.now.Add(5 * time.Minute)
	res = f.svc.RunCycle(ctx)
	if res.Events != 1 {
		t.Fatalf("second cycle = %+v", res)
	}
	if f.book.Len() != 0 {
		t.Errorf("stopped position still in the ledger")
	}
	if a := f.out.last(); a.Level != notification.AlertCritical || !strings.HasPrefix(a.Title, "Stop hit") {
		t.Errorf("last alert = %+v", a)
	}
	if got := testutil.ToFloat64(f.m.ActivePositions); got != 0 {
		t.Errorf("active gauge = %v", got)
	}
	if got := testutil.ToFloat64(f.m.ScanCycles); got != 2 {
		t.Errorf("scan cycles = %v", got)
	}
}

func TestRunCycle_EvictsPositionClosedBySkips(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.svc.Submit(ctx, "api", envelope("INFY"))
	f.feed.PushPrices("INFY", 105)

	res := f.svc.RunCycle(ctx)
	if res.Evicted != 1 || f.book.Len() != 0 {
		t.Errorf("cycle = %+v, ledger len %d", res, f.book.Len())
	}
}

func TestRunCycle_NoPositions(t *testing.T) {
	health := metrics.NewHealthStatus()
	f := newFixture(t, WithHealth(health))

	res := f.svc.RunCycle(context.Background())
	if res.Skipped || res.Reason != "no active positions" {
		t.Errorf("result = %+v", res)
	}
	if !health.LastCycleAt.Equal(inSession) {
		t.Errorf("last cycle = %v", health.LastCycleAt)
	}
}

func TestRunCycle_MarketHours(t *testing.T) {
	f := newFixture(t, WithSession(markethours.NSE(), true))
	ctx := context.Background()
	f.svc.Submit(ctx, "api", envelope("TCS"))
	f.feed.PushPrices("TCS", 99)

	f.now = time.Date(2026, 3, 7, 5, 0, 0, 0, time.UTC) // Saturday
	res := f.svc.RunCycle(ctx)
	if !res.Skipped {
		t.Fatalf("cycle ran on a Saturday: %+v", res)
	}
	if got := testutil.ToFloat64(f.m.MarketState); got != 0 {
		t.Errorf("market state = %v", got)
	}
	if pos, _ := f.book.Get("TCS"); pos.FilledEntries() != 0 {
		t.Error("position scanned while the market was closed")
	}

	f.now = inSession
	if res = f.svc.RunCycle(ctx); res.Skipped || res.Events == 0 {
		t.Errorf("in-session cycle = %+v", res)
	}
	if got := testutil.ToFloat64(f.m.MarketState); got != 1 {
		t.Errorf("market state = %v", got)
	}
}

func TestMarketHoursIgnoredWhenNotRequired(t *testing.T) {
	f := newFixture(t, WithSession(markethours.NSE(), false))
	f.now = time.Date(2026, 3, 7, 5, 0, 0, 0, time.UTC)
	if res := f.svc.RunCycle(context.Background()); res.Skipped {
		t.Errorf("cycle skipped without MARKET_HOURS_ONLY: %+v", res)
	}
}

func TestAcceptSignal_CountsAsAPI(t *testing.T) {
	f := newFixture(t)
	if !f.svc.AcceptSignal(context.Background(), envelope("WIPRO").Signal, envelope("WIPRO").Plan) {
		t.Fatal("not accepted")
	}
	f.svc.HandleEnvelope(context.Background(), envelope("WIPRO"))

	if got := testutil.ToFloat64(f.m.SignalsReceived.WithLabelValues("api")); got != 1 {
		t.Errorf("api = %v", got)
	}
	if got := testutil.ToFloat64(f.m.SignalsReceived.WithLabelValues("redis")); got != 1 {
		t.Errorf("redis = %v", got)
	}
	if st := f.svc.Stats(); st.SignalsProcessed != 2 || st.PositionsCreated != 1 {
		t.Errorf("stats = %+v", st)
	}
}

type stubPruner struct {
	cutoff time.Time
	err    error
}

func (p *stubPruner) Prune(_ context.Context, cutoff time.Time) (int64, error) {
	p.cutoff = cutoff
	return 0, p.err
}

func TestPrune(t *testing.T) {
	p := &stubPruner{err: errors.New("locked")}
	f := newFixture(t, WithPruner(p, 30*24*time.Hour))
	f.svc.Prune(context.Background())
	if want := inSession.Add(-30 * 24 * time.Hour); !p.cutoff.Equal(want) {
		t.Errorf("cutoff = %v, want %v", p.cutoff, want)
	}
}

func TestSchedule(t *testing.T) {
	f := newFixture(t, WithPruner(&stubPruner{}, time.Hour))
	s := scheduler.New(quiet, time.UTC)
	if err := f.svc.Schedule(s, "not a spec"); err == nil {
		t.Fatal("invalid scan spec accepted")
	}

	s = scheduler.New(quiet, time.UTC)
	if err := f.svc.Schedule(s, "@every 5m"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	deadline := time.After(2 * time.Second)
	for len(s.Next()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("jobs = %v", s.Next())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestObserveQuotes(t *testing.T) {
	feed := execution.NewScriptedFeed()
	feed.PushPrices("TCS", 100)
	health := metrics.NewHealthStatus()
	src := ObserveQuotes(feed, health)

	if _, err := src.Quote(context.Background(), "INFY"); !errors.Is(err, model.ErrNoPrice) {
		t.Fatalf("err = %v", err)
	}
	if !health.LastQuoteAt.IsZero() {
		t.Error("failed quote stamped the health status")
	}
	if _, err := src.Quote(context.Background(), "TCS"); err != nil {
		t.Fatal(err)
	}
	if health.LastQuoteAt.IsZero() {
		t.Error("quote not recorded")
	}
	if ObserveQuotes(feed, nil) != model.PriceSource(feed) {
		t.Error("nil health should return the source unchanged")
	}
}
