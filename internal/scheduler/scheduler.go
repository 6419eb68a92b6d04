// Package scheduler runs named periodic jobs on cron schedules. Runs of the
// same job never overlap: a tick that arrives while the previous run is
// still going is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Job is one unit of scheduled work. ctx is cancelled on shutdown.
type Job func(ctx context.Context)

// Scheduler wraps a cron runner with context-aware jobs and slog logging.
type Scheduler struct {
	cron *cron.Cron
	log  *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	names   map[cron.EntryID]string
}

// New creates a scheduler evaluating specs in loc (nil means local time).
// Specs are standard five-field cron lines or descriptors such as
// "@every 5m" and "@hourly".
func New(log *slog.Logger, loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.Local
	}
	log = log.With("component", "scheduler")
	cl := cronLogger{log}
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		log:     log,
		baseCtx: context.Background(),
		names:   make(map[cron.EntryID]string),
	}
}

// Add registers job under name.
func (s *Scheduler) Add(name, spec string, job Job) error {
	id, err := s.cron.AddFunc(spec, func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		start := time.Now()
		job(ctx)
		s.log.Debug("job done", "job", name, "took", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("scheduler: job %s spec %q: %w", name, spec, err)
	}
	s.mu.Lock()
	s.names[id] = name
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Next returns the next activation time of every job, by name.
func (s *Scheduler) Next() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.names))
	for _, e := range s.cron.Entries() {
		out[s.names[e.ID]] = e.Next
	}
	return out
}

// Run starts the scheduler and blocks until ctx is cancelled, then waits
// for running jobs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()

	s.cron.Start()
	for name, next := range s.Next() {
		s.log.Info("job scheduled", "job", name, "next", next.Format(time.RFC3339))
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
	return nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ log *slog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "err", err)...)
}
