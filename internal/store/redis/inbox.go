package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"position-tracker/internal/model"
)

// SignalHandler consumes one decoded signal envelope.
type SignalHandler func(ctx context.Context, env model.SignalEnvelope)

// SignalInbox receives signal envelopes published on a Redis channel by
// upstream signal generators.
type SignalInbox struct {
	c       *Client
	channel string
}

// NewSignalInbox creates an inbox for channel.
func NewSignalInbox(c *Client, channel string) *SignalInbox {
	return &SignalInbox{c: c, channel: channel}
}

// Run subscribes and calls handle for every well-formed message until ctx
// is cancelled. Malformed messages are logged and dropped.
func (in *SignalInbox) Run(ctx context.Context, handle SignalHandler) error {
	pubsub := in.c.rdb.Subscribe(ctx, in.channel)
	defer pubsub.Close()

	// Wait for confirmation that subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", in.channel, err)
	}
	in.c.log.Info("signal inbox subscribed", "channel", in.channel)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			env, err := DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				in.c.log.Warn("dropping malformed signal", "channel", msg.Channel, "err", err)
				continue
			}
			handle(ctx, env)
		}
	}
}

// DecodeEnvelope parses a signal envelope. A bare signal object without the
// envelope wrapper is accepted too.
func DecodeEnvelope(raw []byte) (model.SignalEnvelope, error) {
	var env model.SignalEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return env, fmt.Errorf("redis decode signal: %w", err)
	}
	if env.Signal.Symbol == "" {
		var bare model.Signal
		if err := json.Unmarshal(raw, &bare); err == nil && bare.Symbol != "" {
			env.Signal = bare
		}
	}
	if err := env.Signal.Validate(); err != nil {
		return env, fmt.Errorf("redis decode signal: %w", err)
	}
	return env, nil
}
