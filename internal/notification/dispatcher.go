package notification

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alitto/pond"
)

// DispatcherConfig sizes the Dispatcher.
type DispatcherConfig struct {
	Shards      int
	QueuePerKey int
	IdleTimeout time.Duration
}

// Dispatcher runs notification sends off the reconciliation path. Each key
// (a position id) maps to one single-worker shard, so sends for the same
// position stay in order while different positions proceed in parallel.
// Submission never blocks; a full shard drops the task.
type Dispatcher struct {
	shards  []*pond.WorkerPool
	log     *slog.Logger
	dropped atomic.Int64
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewDispatcher starts the shard pools.
func NewDispatcher(cfg DispatcherConfig, log *slog.Logger) *Dispatcher {
	if cfg.Shards <= 0 {
		cfg.Shards = 4
	}
	if cfg.QueuePerKey <= 0 {
		cfg.QueuePerKey = 64
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	log = log.With("component", "dispatcher")

	d := &Dispatcher{log: log}
	d.ctx, d.cancel = context.WithCancel(context.Background())
	for i := 0; i < cfg.Shards; i++ {
		shard := i
		d.shards = append(d.shards, pond.New(
			1,
			cfg.QueuePerKey,
			pond.MinWorkers(1),
			pond.IdleTimeout(cfg.IdleTimeout),
			pond.Strategy(pond.Balanced()),
			pond.PanicHandler(func(p interface{}) {
				log.Error("send task panicked", "shard", shard, "panic", p)
			}),
		))
	}
	return d
}

// Submit queues task under key. It returns false when the shard is full or
// the dispatcher is stopped.
func (d *Dispatcher) Submit(key string, task func(ctx context.Context)) bool {
	p := d.shards[d.shardFor(key)]
	ok := p.TrySubmit(func() { task(d.ctx) })
	if !ok {
		d.dropped.Add(1)
		d.log.Warn("send queue full, alert dropped", "key", key)
	}
	return ok
}

// Dropped returns how many tasks were rejected.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

// Pending returns the number of queued tasks across shards.
func (d *Dispatcher) Pending() uint64 {
	var n uint64
	for _, p := range d.shards {
		n += p.WaitingTasks()
	}
	return n
}

// Stop drains queued sends and waits for them to finish.
func (d *Dispatcher) Stop() {
	for _, p := range d.shards {
		p.StopAndWait()
	}
	d.cancel()
}

func (d *Dispatcher) shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(d.shards)))
}
