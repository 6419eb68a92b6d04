package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"position-tracker/config"
	"position-tracker/internal/bus"
	"position-tracker/internal/execution"
	"position-tracker/internal/gateway"
	"position-tracker/internal/ledger"
	"position-tracker/internal/logger"
	"position-tracker/internal/marketdata/angel"
	"position-tracker/internal/markethours"
	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
	"position-tracker/internal/scheduler"
	redisstore "position-tracker/internal/store/redis"
	sqlitestore "position-tracker/internal/store/sqlite"
	"position-tracker/internal/tracker"
)

func main() {
	once := flag.Bool("once", false, "run a single reconcile cycle and exit")
	signalFile := flag.String("signal", "", "submit the signal envelope in this JSON file at start")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	log := logger.Init("position-tracker", cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, *once, *signalFile); err != nil {
		log.Error("tracker stopped", "err", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, log *slog.Logger, once bool, signalFile string) error {
	start := time.Now()
	m := metrics.NewMetrics()
	health := metrics.NewHealthStatus()

	session, err := markethours.NewSession(cfg.MarketTZ, cfg.MarketOpen, cfg.MarketClose, cfg.MarketHolidays)
	if err != nil {
		return err
	}

	// ---- SQLite: positions and the execution journal ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}
	store, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, log)
	if err != nil {
		return err
	}
	defer store.Close()
	store.WithMetrics(m)

	journal, err := execution.NewJournal(cfg.SQLitePath, log)
	if err != nil {
		return err
	}
	defer journal.Close()

	book := ledger.New(
		ledger.WithPersister(store),
		ledger.WithMaxActive(cfg.MaxActive),
		ledger.WithLogger(log),
	)

	// ---- Redis (optional) ----
	var rc *redisstore.Client
	if cfg.RedisAddr != "" {
		rc, err = redisstore.Connect(ctx, redisstore.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, log)
		if err != nil {
			return err
		}
		defer rc.Close()
		rc.Instrument(m)
	}

	// ---- Price source ----
	src, closeSrc, err := priceSource(ctx, cfg, book, log)
	if err != nil {
		return err
	}
	defer closeSrc()
	if rc != nil {
		src = redisstore.NewQuoteCache(rc, src, cfg.PriceCacheTTL)
	}
	src = tracker.ObserveQuotes(src, health)

	// ---- Event fan-out ----
	fan := bus.New(256, log)
	fan.OnDrop = func(name string) { m.FanoutDropsTotal.WithLabelValues(name).Inc() }
	sinks := eventSinks{journal}
	var pub *redisstore.EventPublisher
	if rc != nil {
		pub = redisstore.NewEventPublisher(rc, cfg.EventChannel, cfg.EventBufferMax)
		pub.OnBuffer = m.RedisBufferedWrites.Inc
		sinks = append(sinks, pub)
	}
	// A single cycle publishes synchronously; the fan-out needs its loop.
	var sink model.EventSink = fan
	if once {
		sink = sinks
	}

	rec := execution.NewReconciler(book, src,
		execution.WithTolerance(cfg.TolerancePct),
		execution.WithSkipForward(cfg.SkipForwardPct, cfg.SkipForwardShort),
		execution.WithCacheTTL(cfg.PriceCacheTTL),
		execution.WithEventSink(sink),
		execution.WithMetrics(m),
		execution.WithLogger(log),
	)

	// ---- Notifications ----
	dispatcher := notification.NewDispatcher(notification.DispatcherConfig{
		Shards:      cfg.DispatchShards,
		QueuePerKey: cfg.DispatchQueue,
	}, log)
	defer dispatcher.Stop()

	coord := notification.NewCoordinator(book, notifier(cfg, log),
		notification.WithGate(notification.GateConfig{
			MinInterval:      cfg.MinUpdateInterval,
			MinStrengthDelta: cfg.MinStrengthDelta,
			FreshWindow:      cfg.FreshExecutionWindow,
		}),
		notification.WithDispatcher(dispatcher),
		notification.WithCoordinatorMetrics(m),
		notification.WithCoordinatorLogger(log),
	)

	svc := tracker.New(book, rec, coord,
		tracker.WithSession(session, cfg.MarketHoursOnly),
		tracker.WithPruner(store, cfg.SQLiteRetain),
		tracker.WithMetrics(m),
		tracker.WithHealth(health),
		tracker.WithLogger(log),
	)

	if n, err := svc.Restore(ctx); err != nil {
		log.Warn("restore failed, starting empty", "err", err)
	} else if n > 0 {
		log.Info("resumed tracking", "positions", n)
	}
	if signalFile != "" {
		if err := submitFile(ctx, svc, signalFile); err != nil {
			return err
		}
	}

	if once {
		res := svc.RunCycle(ctx)
		log.Info("single cycle done", "positions", res.Positions, "events", res.Events,
			"skipped", res.Skipped, "reason", res.Reason, "duration", res.Duration)
		svc.LogStats(ctx)
		return nil
	}

	sched := scheduler.New(log, session.Location())
	if err := svc.Schedule(sched, cfg.ScanSchedule); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	journalCh := fan.Subscribe("journal")
	g.Go(func() error {
		bus.Drain(gctx, journalCh, journal)
		return nil
	})
	if rc != nil {
		redisCh := fan.Subscribe("redis")
		g.Go(func() error {
			bus.Drain(gctx, redisCh, pub)
			return nil
		})
		inbox := redisstore.NewSignalInbox(rc, cfg.SignalChannel)
		g.Go(func() error { return inbox.Run(gctx, svc.HandleEnvelope) })
	}

	// ---- HTTP gateway ----
	if cfg.APIAddr != "" {
		hub := gateway.NewHub(session, log)
		hubCh := fan.Subscribe("ws")
		g.Go(func() error {
			hub.Run(gctx, hubCh)
			return nil
		})
		g.Go(func() error {
			hub.StartMetricsBroadcast(gctx, start, 5*time.Second)
			return nil
		})

		mux := http.NewServeMux()
		gateway.RegisterRoutes(mux, gateway.Deps{
			Positions: book,
			Signals:   svc,
			History:   journal,
			Hub:       hub,
			Session:   session,
			Start:     start,
			Log:       log,
		})
		g.Go(func() error { return serve(gctx, cfg.APIAddr, mux, log) })
	}

	g.Go(func() error {
		fan.Run(gctx)
		return nil
	})

	// ---- Metrics and health ----
	sqlDB := store.DB()
	if rc != nil {
		health.StartLivenessChecker(gctx, rc.Redis(), sqlDB, 15*time.Second)
	} else {
		health.StartLivenessChecker(gctx, nil, sqlDB, 15*time.Second)
	}
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, log)
	g.Go(func() error { return metricsSrv.Run(gctx) })

	// ---- Scheduler ----
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		svc.RunCycle(gctx)
		return nil
	})

	log.Info("position tracker running",
		"price_source", cfg.PriceSource,
		"schedule", cfg.ScanSchedule,
		"redis", rc != nil,
		"api", cfg.APIAddr,
		"market", session.Status(time.Now()),
	)
	return g.Wait()
}

// priceSource builds the configured quote source and its cleanup.
func priceSource(ctx context.Context, cfg *config.Config, book *ledger.Ledger, log *slog.Logger) (model.PriceSource, func(), error) {
	switch cfg.PriceSource {
	case "angel":
		symbols, err := angel.ParseSymbols(cfg.AngelSymbols)
		if err != nil {
			return nil, nil, err
		}
		src, err := angel.New(angel.Config{
			APIKey:     cfg.AngelAPIKey,
			ClientCode: cfg.AngelClientCode,
			PIN:        cfg.AngelPIN,
			TOTPSecret: cfg.AngelTOTPSecret,
			RootURL:    cfg.AngelRootURL,
			Symbols:    symbols,
			Rate:       cfg.AngelRate,
		}, log)
		if err != nil {
			return nil, nil, err
		}
		if err := src.Login(ctx); err != nil {
			log.Warn("angel login failed, will retry on first quote", "err", err)
		}
		return src, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := src.Close(closeCtx); err != nil {
				log.Warn("angel logout", "err", err)
			}
		}, nil
	default:
		log.Info("using simulated prices", "seed", cfg.PaperSeed)
		return execution.NewPaperFeed(book, cfg.PaperSeed), func() {}, nil
	}
}

// notifier assembles the sinks: the log always, Telegram and the webhook
// when configured, each behind a retry policy.
func notifier(cfg *config.Config, log *slog.Logger) notification.Notifier {
	retry := notification.RetryConfig{MaxRetries: cfg.NotifyRetries}
	sinks := []notification.Notifier{notification.NewLogNotifier(log)}
	if cfg.TelegramToken != "" {
		tg := notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID, log)
		sinks = append(sinks, notification.NewResilientNotifier(tg, retry, log))
	}
	if cfg.WebhookURL != "" {
		wh := notification.NewWebhookNotifier(cfg.WebhookURL, log)
		sinks = append(sinks, notification.NewResilientNotifier(wh, retry, log))
	}
	if len(sinks) == 1 {
		return sinks[0]
	}
	return notification.NewMultiNotifier(log, sinks...)
}

func submitFile(ctx context.Context, svc *tracker.Service, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("signal file: %w", err)
	}
	env, err := redisstore.DecodeEnvelope(raw)
	if err != nil {
		return fmt.Errorf("signal file %s: %w", path, err)
	}
	svc.Submit(ctx, "file", env)
	return nil
}

// eventSinks publishes to every sink in order.
type eventSinks []model.EventSink

func (s eventSinks) Publish(ctx context.Context, events []model.ExecutionEvent) {
	for _, sink := range s {
		sink.Publish(ctx, events)
	}
}

// serve runs the HTTP gateway until ctx is cancelled.
func serve(ctx context.Context, addr string, h http.Handler, log *slog.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("gateway listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	}
}
