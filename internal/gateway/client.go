package gateway

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Client represents a single WebSocket peer.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	hub  *Hub

	// Subscribed symbols; empty means every symbol.
	subMu   sync.RWMutex
	symbols map[string]bool
}

// SubscribeMsg is sent by a client to narrow (or widen) its feed.
//
//	{"type":"SUBSCRIBE","req_id":"1","symbols":["TCS","INFY"]}
type SubscribeMsg struct {
	Type    string   `json:"type"`
	ReqID   string   `json:"req_id,omitempty"`
	Symbols []string `json:"symbols"`
}

func (c *Client) sendInitialState(lastTS string) {
	var cutoff time.Time
	if lastTS != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, lastTS); err == nil {
			cutoff = parsed
		}
	}

	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	for channel, entry := range c.hub.latest {
		if !cutoff.IsZero() && !entry.TS.After(cutoff) {
			continue
		}
		if !c.matchesChannel(channel) {
			continue
		}
		envelope, _ := json.Marshal(map[string]any{
			"channel":     channel,
			"data":        entry.Data,
			"ts":          entry.TS.Format(time.RFC3339Nano),
			"channel_seq": entry.Seq,
			"initial":     true,
		})
		select {
		case c.send <- envelope:
		default:
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))

			// Coalesce queued messages into one frame, newline separated.
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(msg)
			n := len(c.send)
			for i := 0; i < n; i++ {
				next, ok := <-c.send
				if !ok {
					break
				}
				w.Write([]byte{'\n'})
				w.Write(next)
			}
			if err := w.Close(); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.RemoveClient(c)
		c.conn.Close()
		c.hub.log.Info("ws client disconnected")
	}()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			break
		}

		var base struct {
			Type string `json:"type"`
			Ping int64  `json:"ping"`
		}
		if json.Unmarshal(msg, &base) != nil {
			continue
		}

		switch base.Type {
		case "SUBSCRIBE", "UNSUBSCRIBE":
			var sub SubscribeMsg
			if err := json.Unmarshal(msg, &sub); err != nil {
				c.sendJSON(map[string]any{"type": "error", "error": "invalid " + base.Type})
				continue
			}
			c.apply(sub)
			c.sendJSON(map[string]any{"type": "subscribed", "req_id": sub.ReqID, "symbols": c.subscribed()})
		default:
			if base.Ping > 0 {
				c.sendJSON(map[string]any{
					"type":      "pong",
					"ping":      base.Ping,
					"server_ts": time.Now().UnixMilli(),
				})
			}
		}
	}
}

// apply adds or removes symbols. SUBSCRIBE with no symbols resets the
// client to the full feed.
func (c *Client) apply(msg SubscribeMsg) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if msg.Type == "SUBSCRIBE" && len(msg.Symbols) == 0 {
		c.symbols = make(map[string]bool)
		return
	}
	for _, s := range msg.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if msg.Type == "SUBSCRIBE" {
			c.symbols[s] = true
		} else {
			delete(c.symbols, s)
		}
	}
}

func (c *Client) subscribed() []string {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	out := make([]string, 0, len(c.symbols))
	for s := range c.symbols {
		out = append(out, s)
	}
	return out
}

// matchesChannel reports whether the client should receive a message on
// channel. Non-event channels always match.
func (c *Client) matchesChannel(channel string) bool {
	symbol, ok := strings.CutPrefix(channel, channelPrefix)
	if !ok {
		return true
	}
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[symbol]
}

func (c *Client) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}
