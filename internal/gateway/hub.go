// Package gateway is the read/write HTTP surface of the tracker: REST
// endpoints over the ledger, journal and coordinator, and a WebSocket feed
// of execution events.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"position-tracker/internal/bus"
	"position-tracker/internal/markethours"
)

// channelPrefix namespaces per-symbol event channels: "exec:TCS".
const channelPrefix = "exec:"

// Hub manages WebSocket clients and fans execution events out to them.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]bool
	latest  map[string]latestEntry
	seq     int64

	// Per-channel monotonic sequence numbers for gap detection
	channelSeqs map[string]int64

	// Per-channel replay buffers for gap backfill
	replayBufs map[string]*ReplayBuffer
	replaySize int

	// Detection-to-broadcast latency
	Latency *LatencyTracker

	Broadcaster *Broadcaster

	session *markethours.Session
	log     *slog.Logger
	now     func() time.Time
}

type latestEntry struct {
	Data json.RawMessage
	TS   time.Time
	Seq  int64 // per-channel seq for gap detection
}

// NewHub creates a Hub. session may be nil, in which case the metrics
// broadcast omits market status.
func NewHub(session *markethours.Session, log *slog.Logger) *Hub {
	h := &Hub{
		clients:     make(map[*Client]bool),
		latest:      make(map[string]latestEntry),
		channelSeqs: make(map[string]int64),
		replayBufs:  make(map[string]*ReplayBuffer),
		replaySize:  500,
		Latency:     NewLatencyTracker(10000),
		session:     session,
		log:         log.With("component", "gateway"),
		now:         time.Now,
	}
	h.Broadcaster = NewBroadcaster(h)
	return h
}

// ChannelFor returns the channel name events of symbol are broadcast on.
func ChannelFor(symbol string) string { return channelPrefix + strings.ToUpper(symbol) }

// Run broadcasts every batch from in until in is closed or ctx is done.
func (h *Hub) Run(ctx context.Context, in <-chan bus.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-in:
			if !ok {
				return
			}
			for _, ev := range batch {
				data, err := json.Marshal(ev)
				if err != nil {
					h.log.Error("encode event", "id", ev.ID, "err", err)
					continue
				}
				h.Broadcaster.Broadcast(ChannelFor(ev.Symbol), data, ev.Timestamp)
			}
		}
	}
}

// HandleWSRequest registers an upgraded connection. Channels updated after
// lastTS are replayed from the latest cache; empty lastTS replays them all.
func (h *Hub) HandleWSRequest(conn *websocket.Conn, lastTS string) {
	client := &Client{
		conn:    conn,
		send:    make(chan []byte, 256),
		hub:     h,
		symbols: make(map[string]bool),
	}

	conn.EnableWriteCompression(true)

	h.mu.Lock()
	h.clients[client] = true
	count := len(h.clients)
	h.mu.Unlock()

	h.log.Info("ws client connected", "clients", count)

	go client.sendInitialState(lastTS)
	go client.writePump()
	go client.readPump()
}

// RemoveClient removes a client from the hub.
func (h *Hub) RemoveClient(c *Client) {
	h.mu.Lock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// GetLatestAll returns a snapshot of the latest event per channel.
func (h *Hub) GetLatestAll() map[string]json.RawMessage {
	h.mu.RLock()
	defer h.mu.RUnlock()
	cp := make(map[string]json.RawMessage, len(h.latest))
	for k, v := range h.latest {
		cp[k] = v.Data
	}
	return cp
}

// GetReplayRange returns buffered envelopes for a channel in [fromSeq, toSeq]
// and the oldest seq still buffered. Used by /api/missed for gap backfill.
func (h *Hub) GetReplayRange(channel string, fromSeq, toSeq int64) ([][]byte, int64) {
	h.mu.RLock()
	rb, exists := h.replayBufs[channel]
	h.mu.RUnlock()
	if !exists {
		return nil, 0
	}
	entries := rb.Range(fromSeq, toSeq)
	result := make([][]byte, len(entries))
	for i, e := range entries {
		result[i] = e.Data
	}
	return result, rb.Oldest()
}

// GetChannelSeq returns the current sequence number for a channel.
func (h *Hub) GetChannelSeq(channel string) int64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.channelSeqs[channel]
}

// ClientCount returns the number of connected WS clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// StartMetricsBroadcast sends process metrics and market status to all WS
// clients every interval.
func (h *Hub) StartMetricsBroadcast(ctx context.Context, start time.Time, interval time.Duration) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendToAll(h.metricsEnvelope(start))
		}
	}
}

func (h *Hub) metricsEnvelope(start time.Time) []byte {
	now := h.now()
	msg := map[string]any{
		"type":    "metrics",
		"metrics": h.SystemMetrics(start),
	}
	if h.session != nil {
		msg["marketOpen"] = h.session.IsOpen(now)
		msg["marketStatus"] = h.session.Status(now)
	}
	envelope, _ := json.Marshal(msg)
	return envelope
}

// SystemMetrics is CollectMetrics plus the hub's delivery latency and
// client count.
func (h *Hub) SystemMetrics(start time.Time) SystemMetrics {
	m := CollectMetrics(start)
	m.LatencyP50, m.LatencyP95, m.LatencyP99 = h.Latency.Percentiles()
	m.WSClients = h.ClientCount()
	return m
}

func (h *Hub) sendToAll(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		select {
		case client.send <- msg:
		default:
		}
	}
}
