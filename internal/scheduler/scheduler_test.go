package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestAdd_InvalidSpec(t *testing.T) {
	s := New(quiet, time.UTC)
	if err := s.Add("bad", "every five minutes", func(context.Context) {}); err == nil {
		t.Fatal("expected error for an invalid spec")
	}
	if err := s.Add("scan", "@every 5m", func(context.Context) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("stats", "0 * * * *", func(context.Context) {}); err != nil {
		t.Fatalf("Add: %v", err)
	}
}

func TestRun_FiresJobsAndStops(t *testing.T) {
	s := New(quiet, time.UTC)
	var runs atomic.Int32
	fired := make(chan struct{}, 4)
	if err := s.Add("tick", "@every 1s", func(ctx context.Context) {
		if ctx.Err() != nil {
			t.Error("job got a cancelled context")
		}
		runs.Add(1)
		fired <- struct{}{}
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("job never fired")
	}

	if next := s.Next(); next["tick"].IsZero() {
		t.Errorf("Next() = %v", next)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if runs.Load() < 1 {
		t.Error("no runs recorded")
	}
}

func TestRun_SkipsOverlappingRuns(t *testing.T) {
	s := New(quiet, time.UTC)
	var running, maxRunning atomic.Int32
	release := make(chan struct{})
	if err := s.Add("slow", "@every 1s", func(ctx context.Context) {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Long enough for at least two ticks while the first run is blocked.
	time.Sleep(2500 * time.Millisecond)
	close(release)
	cancel()
	<-done

	if got := maxRunning.Load(); got != 1 {
		t.Errorf("max concurrent runs = %d, want 1", got)
	}
}
