// Package bus fans confirmed execution events out to in-process consumers
// (journal, Redis publisher, WebSocket hub) without letting a slow consumer
// hold up reconciliation.
package bus

import (
	"context"
	"log/slog"
	"sync"

	"position-tracker/internal/model"
)

// Batch is the events one scan produced for one position.
type Batch []model.ExecutionEvent

// FanOut broadcasts event batches from a single input channel to every
// subscriber. If a subscriber's channel is full the batch is dropped for
// that subscriber only.
type FanOut struct {
	mu      sync.RWMutex
	outputs []subscriber
	input   chan Batch
	bufSize int
	log     *slog.Logger

	// OnDrop is called when a batch is dropped for a subscriber.
	OnDrop func(name string)
}

type subscriber struct {
	name string
	ch   chan Batch
}

// New creates a FanOut with the given buffer size for the input and each
// output channel.
func New(bufferSize int, log *slog.Logger) *FanOut {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	return &FanOut{
		input:   make(chan Batch, bufferSize),
		bufSize: bufferSize,
		log:     log.With("component", "bus"),
	}
}

// Subscribe creates and returns a new named output channel. Subscribe
// before Run.
func (f *FanOut) Subscribe(name string) <-chan Batch {
	ch := make(chan Batch, f.bufSize)
	f.mu.Lock()
	f.outputs = append(f.outputs, subscriber{name: name, ch: ch})
	f.mu.Unlock()
	return ch
}

// Publish implements model.EventSink. It never blocks: when the input is
// full the batch is dropped and reported under the name "input".
func (f *FanOut) Publish(_ context.Context, events []model.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	batch := append(Batch(nil), events...)
	select {
	case f.input <- batch:
	default:
		f.dropped("input", batch)
	}
}

// Run reads from the input channel and fans out to all subscribers.
// Blocks until ctx is cancelled; subscriber channels are closed on return.
func (f *FanOut) Run(ctx context.Context) {
	defer func() {
		f.mu.RLock()
		for _, s := range f.outputs {
			close(s.ch)
		}
		f.mu.RUnlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-f.input:
			f.mu.RLock()
			for _, s := range f.outputs {
				select {
				case s.ch <- batch:
				default:
					f.dropped(s.name, batch)
				}
			}
			f.mu.RUnlock()
		}
	}
}

func (f *FanOut) dropped(name string, batch Batch) {
	if f.OnDrop != nil {
		f.OnDrop(name)
		return
	}
	f.log.Warn("channel full, dropping events", "subscriber", name, "events", len(batch))
}

// ChannelStat is the (length, capacity) of a subscriber channel.
type ChannelStat struct {
	Name string
	Len  int
	Cap  int
}

// ChannelStats reports subscriber channel saturation.
func (f *FanOut) ChannelStats() []ChannelStat {
	f.mu.RLock()
	defer f.mu.RUnlock()
	stats := make([]ChannelStat, len(f.outputs))
	for i, s := range f.outputs {
		stats[i] = ChannelStat{Name: s.name, Len: len(s.ch), Cap: cap(s.ch)}
	}
	return stats
}

// Drain calls sink for every batch on ch until ch is closed. It is the
// usual consumer loop for a subscription.
func Drain(ctx context.Context, ch <-chan Batch, sink model.EventSink) {
	for batch := range ch {
		sink.Publish(ctx, batch)
	}
}
