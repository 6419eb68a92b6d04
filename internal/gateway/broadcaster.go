package gateway

import (
	"strconv"
	"time"
)

// Broadcaster wraps event payloads in envelopes and sends them to the
// clients subscribed to the channel.
type Broadcaster struct {
	hub *Hub
}

// NewBroadcaster creates a Broadcaster backed by the given Hub.
func NewBroadcaster(hub *Hub) *Broadcaster {
	return &Broadcaster{hub: hub}
}

// Broadcast sends data on a channel to all subscribed clients. srcTS is the
// time the payload was observed upstream; when set, now-srcTS is recorded
// as latency.
func (b *Broadcaster) Broadcast(channel string, data []byte, srcTS time.Time) {
	h := b.hub
	now := h.now().UTC()

	if !srcTS.IsZero() {
		h.Latency.Record(now.Sub(srcTS))
	}

	h.mu.Lock()
	h.channelSeqs[channel]++
	channelSeq := h.channelSeqs[channel]
	h.latest[channel] = latestEntry{Data: data, TS: now, Seq: channelSeq}
	h.seq++
	seq := h.seq
	rb, exists := h.replayBufs[channel]
	if !exists {
		rb = NewReplayBuffer(h.replaySize)
		h.replayBufs[channel] = rb
	}
	h.mu.Unlock()

	buf := buildEnvelope(channel, data, now, seq, channelSeq)
	rb.Push(channelSeq, buf)

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.matchesChannel(channel) {
			continue
		}
		select {
		case client.send <- buf:
		default:
		}
	}
}

// buildEnvelope hand-crafts {"channel":..,"data":..,"ts":..,"seq":..,
// "channel_seq":..}. data must already be valid JSON.
func buildEnvelope(channel string, data []byte, now time.Time, seq, channelSeq int64) []byte {
	buf := make([]byte, 0, len(channel)+len(data)+160)
	buf = append(buf, `{"channel":"`...)
	buf = append(buf, channel...)
	buf = append(buf, `","data":`...)
	buf = append(buf, data...)
	buf = append(buf, `,"ts":"`...)
	buf = now.AppendFormat(buf, time.RFC3339Nano)
	buf = append(buf, `","seq":`...)
	buf = strconv.AppendInt(buf, seq, 10)
	buf = append(buf, `,"channel_seq":`...)
	buf = strconv.AppendInt(buf, channelSeq, 10)
	buf = append(buf, '}')
	return buf
}
