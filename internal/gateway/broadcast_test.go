package gateway

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"position-tracker/internal/bus"
	"position-tracker/internal/model"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// envelope is the parsed WS message structure.
type envelope struct {
	Channel    string          `json:"channel"`
	Data       json.RawMessage `json:"data"`
	TS         string          `json:"ts"`
	Seq        int64           `json:"seq"`
	ChannelSeq int64           `json:"channel_seq"`
	Initial    bool            `json:"initial"`
}

var fixedNow = time.Date(2026, 3, 4, 10, 0, 1, 0, time.UTC)

func newTestHub() *Hub {
	h := NewHub(nil, quiet)
	h.now = func() time.Time { return fixedNow }
	return h
}

// attach registers a connection-less client; enough for fan-out tests.
func attach(h *Hub, symbols ...string) *Client {
	c := &Client{send: make(chan []byte, 16), hub: h, symbols: make(map[string]bool)}
	for _, s := range symbols {
		c.symbols[s] = true
	}
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func drain(t *testing.T, c *Client) []envelope {
	t.Helper()
	var out []envelope
	for {
		select {
		case raw := <-c.send:
			var env envelope
			if err := json.Unmarshal(raw, &env); err != nil {
				t.Fatalf("invalid envelope: %v\nraw: %s", err, raw)
			}
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestBuildEnvelope(t *testing.T) {
	data := []byte(`{"kind":"ENTRY_FILLED","symbol":"TCS","nested":{"a":[1,2]}}`)
	buf := buildEnvelope("exec:TCS", data, fixedNow, 42, 7)

	var env envelope
	if err := json.Unmarshal(buf, &env); err != nil {
		t.Fatalf("envelope is not valid JSON: %v\nraw: %s", err, buf)
	}
	if env.Channel != "exec:TCS" || env.Seq != 42 || env.ChannelSeq != 7 {
		t.Errorf("envelope = %+v", env)
	}
	if string(env.Data) != string(data) {
		t.Errorf("data = %s", env.Data)
	}
	if ts, err := time.Parse(time.RFC3339Nano, env.TS); err != nil || !ts.Equal(fixedNow) {
		t.Errorf("ts = %q (%v)", env.TS, err)
	}
}

func TestBroadcaster_PerChannelSeqAndFilter(t *testing.T) {
	h := newTestHub()
	all := attach(h)
	infyOnly := attach(h, "INFY")

	h.Broadcaster.Broadcast(ChannelFor("tcs"), []byte(`{}`), time.Time{})
	h.Broadcaster.Broadcast(ChannelFor("INFY"), []byte(`{}`), time.Time{})
	h.Broadcaster.Broadcast(ChannelFor("TCS"), []byte(`{}`), time.Time{})

	got := drain(t, all)
	want := []struct {
		channel         string
		seq, channelSeq int64
	}{
		{"exec:TCS", 1, 1},
		{"exec:INFY", 2, 1},
		{"exec:TCS", 3, 2},
	}
	if len(got) != len(want) {
		t.Fatalf("unfiltered client got %d envelopes, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Channel != w.channel || got[i].Seq != w.seq || got[i].ChannelSeq != w.channelSeq {
			t.Errorf("envelope %d = %+v, want %+v", i, got[i], w)
		}
	}

	filtered := drain(t, infyOnly)
	if len(filtered) != 1 || filtered[0].Channel != "exec:INFY" {
		t.Errorf("INFY-only client got %+v", filtered)
	}
	if h.GetChannelSeq("exec:TCS") != 2 {
		t.Errorf("GetChannelSeq = %d", h.GetChannelSeq("exec:TCS"))
	}
}

func TestBroadcaster_RecordsLatency(t *testing.T) {
	h := newTestHub()
	h.Broadcaster.Broadcast("exec:TCS", []byte(`{}`), fixedNow.Add(-40*time.Millisecond))
	h.Broadcaster.Broadcast("exec:TCS", []byte(`{}`), time.Time{})

	if h.Latency.Count() != 1 {
		t.Fatalf("latency samples = %d, want 1", h.Latency.Count())
	}
	if p50, _, _ := h.Latency.Percentiles(); p50 != 40 {
		t.Errorf("p50 = %f, want 40", p50)
	}
}

func TestHub_RunBroadcastsBatches(t *testing.T) {
	h := newTestHub()
	c := attach(h)
	in := make(chan bus.Batch, 1)
	in <- bus.Batch{
		{ID: "e1", Symbol: "TCS", Kind: model.EventEntryFilled, LevelID: 1},
		{ID: "e2", Symbol: "INFY", Kind: model.EventStopHit},
	}
	close(in)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after input closed")
	}

	got := drain(t, c)
	if len(got) != 2 {
		t.Fatalf("got %d envelopes, want 2", len(got))
	}
	var ev model.ExecutionEvent
	if err := json.Unmarshal(got[0].Data, &ev); err != nil || ev.ID != "e1" || ev.Kind != model.EventEntryFilled {
		t.Errorf("first event = %+v (%v)", ev, err)
	}

	latest := h.GetLatestAll()
	if len(latest) != 2 || latest["exec:INFY"] == nil {
		t.Errorf("latest = %v", latest)
	}
	entries, oldest := h.GetReplayRange("exec:TCS", 1, 1)
	if len(entries) != 1 || oldest != 1 {
		t.Errorf("replay = %d entries, oldest %d", len(entries), oldest)
	}
}

func TestClient_InitialStateRespectsCutoffAndFilter(t *testing.T) {
	h := newTestHub()
	h.Broadcaster.Broadcast("exec:TCS", []byte(`{"n":1}`), time.Time{})
	h.now = func() time.Time { return fixedNow.Add(time.Minute) }
	h.Broadcaster.Broadcast("exec:INFY", []byte(`{"n":2}`), time.Time{})
	h.Broadcaster.Broadcast("exec:WIPRO", []byte(`{"n":3}`), time.Time{})

	c := attach(h, "INFY", "TCS")
	c.sendInitialState(fixedNow.Format(time.RFC3339Nano))

	got := drain(t, c)
	if len(got) != 1 || got[0].Channel != "exec:INFY" || !got[0].Initial {
		t.Errorf("initial state = %+v, want only exec:INFY", got)
	}
}

func TestClient_Apply(t *testing.T) {
	c := &Client{symbols: make(map[string]bool)}

	c.apply(SubscribeMsg{Type: "SUBSCRIBE", Symbols: []string{" tcs", "INFY", ""}})
	if !c.matchesChannel("exec:TCS") || !c.matchesChannel("exec:INFY") || c.matchesChannel("exec:WIPRO") {
		t.Errorf("after SUBSCRIBE: %v", c.subscribed())
	}
	if !c.matchesChannel("metrics") {
		t.Error("non-event channels must always match")
	}

	c.apply(SubscribeMsg{Type: "UNSUBSCRIBE", Symbols: []string{"TCS"}})
	if c.matchesChannel("exec:TCS") {
		t.Error("TCS still matched after UNSUBSCRIBE")
	}

	c.apply(SubscribeMsg{Type: "SUBSCRIBE"})
	if !c.matchesChannel("exec:WIPRO") {
		t.Error("empty SUBSCRIBE should restore the full feed")
	}
}
