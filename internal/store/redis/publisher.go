package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"position-tracker/internal/model"
)

const lastEventKeyPrefix = "tracker:last_event:"

// EventPublisher is a model.EventSink that publishes execution events on a
// Redis channel and keeps the latest event per symbol under a key. While
// the breaker is open, batches are buffered locally and replayed once it
// closes again.
type EventPublisher struct {
	c       *Client
	channel string

	mu     sync.Mutex
	buffer [][]byte
	maxBuf int

	// OnBuffer is called when a batch is buffered (for metrics).
	OnBuffer func()
}

// NewEventPublisher creates a publisher for channel. maxBuffer bounds the
// local buffer; the oldest batch is dropped when it is full.
func NewEventPublisher(c *Client, channel string, maxBuffer int) *EventPublisher {
	if maxBuffer <= 0 {
		maxBuffer = 10000
	}
	p := &EventPublisher{c: c, channel: channel, maxBuf: maxBuffer}

	prev := c.cb.OnStateChange
	c.cb.OnStateChange = func(from, to State) {
		if prev != nil {
			prev(from, to)
		}
		if to == StateClosed {
			go p.flush(context.Background())
		}
	}
	return p
}

// Publish implements model.EventSink.
func (p *EventPublisher) Publish(ctx context.Context, events []model.ExecutionEvent) {
	if len(events) == 0 {
		return
	}
	payload, err := encodeEvents(events)
	if err != nil {
		p.c.log.Warn("event marshal failed", "err", err)
		return
	}
	err = p.send(ctx, payload, events)
	if errors.Is(err, ErrCircuitOpen) {
		p.bufferBatch(payload)
		return
	}
	if err != nil {
		p.c.log.Warn("event publish failed", "events", len(events), "err", err)
	}
}

func (p *EventPublisher) send(ctx context.Context, payload []byte, events []model.ExecutionEvent) error {
	return p.c.cb.Execute(ctx, func(ctx context.Context) error {
		pipe := p.c.rdb.Pipeline()
		pipe.Publish(ctx, p.channel, payload)
		for _, ev := range events {
			if raw, err := json.Marshal(ev); err == nil {
				pipe.Set(ctx, lastEventKeyPrefix+ev.Symbol, raw, 0)
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	})
}

func (p *EventPublisher) bufferBatch(payload []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= p.maxBuf {
		p.buffer = p.buffer[1:]
	}
	p.buffer = append(p.buffer, payload)
	if p.OnBuffer != nil {
		p.OnBuffer()
	}
}

// flush replays buffered batches in order. A batch that fails again goes
// back to the front of the buffer together with the rest.
func (p *EventPublisher) flush(ctx context.Context) {
	p.mu.Lock()
	pending := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for i, payload := range pending {
		events, err := decodeEvents(payload)
		if err != nil {
			continue
		}
		if err := p.send(ctx, payload, events); err != nil {
			p.mu.Lock()
			p.buffer = append(append([][]byte(nil), pending[i:]...), p.buffer...)
			p.mu.Unlock()
			p.c.log.Warn("event flush interrupted", "flushed", i, "remaining", len(pending)-i, "err", err)
			return
		}
	}
	if len(pending) > 0 {
		p.c.log.Info("flushed buffered events", "batches", len(pending))
	}
}

// PendingCount returns the number of buffered batches.
func (p *EventPublisher) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}

func encodeEvents(events []model.ExecutionEvent) ([]byte, error) {
	return json.Marshal(events)
}

func decodeEvents(raw []byte) ([]model.ExecutionEvent, error) {
	var events []model.ExecutionEvent
	err := json.Unmarshal(raw, &events)
	return events, err
}
