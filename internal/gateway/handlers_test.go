package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"position-tracker/internal/ledger"
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
)

type fakeHistory struct {
	symbol string
	limit  int
	events []model.ExecutionEvent
}

func (f *fakeHistory) Events(_ context.Context, symbol string, limit int) ([]model.ExecutionEvent, error) {
	f.symbol, f.limit = symbol, limit
	return f.events, nil
}

type apiHarness struct {
	srv     *httptest.Server
	hub     *Hub
	book    *ledger.Ledger
	history *fakeHistory
}

func newAPI(t *testing.T) *apiHarness {
	t.Helper()
	book := ledger.New(ledger.WithLogger(quiet))
	coord := notification.NewCoordinator(book, notification.NewLogNotifier(quiet),
		notification.WithCoordinatorLogger(quiet))
	h := &apiHarness{hub: newTestHub(), book: book, history: &fakeHistory{}}

	mux := http.NewServeMux()
	RegisterRoutes(mux, Deps{
		Positions: book,
		Signals:   coord,
		History:   h.history,
		Hub:       h.hub,
		Start:     time.Now(),
		Log:       quiet,
	})
	h.srv = httptest.NewServer(mux)
	t.Cleanup(h.srv.Close)
	return h
}

func (h *apiHarness) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, h.srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	return resp, buf.Bytes()
}

const tcsSignal = `{
  "signal": {"symbol": "tcs", "direction": "LONG", "strength": 8, "current_price": 100.5},
  "plan": {
    "entries": [{"price": 100, "percentage": 50}, {"price": 99, "percentage": 50}],
    "exits":   [{"price": 104, "percentage": 100, "risk_reward": 2}],
    "stop":    {"price": 97}
  }
}`

func TestSignals_CreateThenUpdate(t *testing.T) {
	h := newAPI(t)

	resp, body := h.do(t, http.MethodPost, "/api/signals", tcsSignal)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %s", resp.StatusCode, body)
	}
	var created signalResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatal(err)
	}
	if !created.Created || !created.Notified || created.Position == nil {
		t.Fatalf("response = %s", body)
	}
	if created.Position.Symbol != "TCS" || created.Position.PendingEntries != 2 || created.Position.Status != model.StatusPending {
		t.Errorf("position = %+v", created.Position)
	}

	// A repeat signal without a plan is an update candidate.
	resp, body = h.do(t, http.MethodPost, "/api/signals",
		`{"signal":{"symbol":"TCS","direction":"LONG","strength":8,"current_price":100.4}}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat status = %d, body %s", resp.StatusCode, body)
	}
	var repeat signalResponse
	json.Unmarshal(body, &repeat)
	if repeat.Created || repeat.Position == nil || repeat.Position.ID != created.Position.ID {
		t.Errorf("repeat = %s", body)
	}

	resp, body = h.do(t, http.MethodGet, "/api/stats", "")
	var stats statsResponse
	if err := json.Unmarshal(body, &stats); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("stats: %d %s", resp.StatusCode, body)
	}
	if stats.SignalsProcessed != 2 || stats.PositionsCreated != 1 || stats.ActivePositions != 1 {
		t.Errorf("stats = %+v", stats.Stats)
	}
}

func TestSignals_Rejections(t *testing.T) {
	h := newAPI(t)
	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{"signal":`, http.StatusBadRequest},
		{"no symbol", `{"signal":{"direction":"LONG","current_price":1}}`, http.StatusBadRequest},
		{"bad direction", `{"signal":{"symbol":"X","direction":"UP","current_price":1}}`, http.StatusBadRequest},
		{"no plan", `{"signal":{"symbol":"X","direction":"LONG","current_price":1}}`, http.StatusUnprocessableEntity},
		{"plan not 100", `{"signal":{"symbol":"X","direction":"LONG","current_price":1},
			"plan":{"entries":[{"price":1,"percentage":60}],"stop":{"price":0.9}}}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if resp, body := h.do(t, http.MethodPost, "/api/signals", tt.body); resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d (%s)", resp.StatusCode, tt.want, body)
			}
		})
	}
	if h.book.Len() != 0 {
		t.Errorf("ledger has %d positions after rejections", h.book.Len())
	}
}

func TestPositions_ListAndGet(t *testing.T) {
	h := newAPI(t)
	h.do(t, http.MethodPost, "/api/signals", tcsSignal)

	resp, body := h.do(t, http.MethodGet, "/api/positions", "")
	var list []PositionView
	if err := json.Unmarshal(body, &list); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", resp.StatusCode, body)
	}
	if len(list) != 1 || list[0].Symbol != "TCS" {
		t.Errorf("list = %s", body)
	}

	if resp, _ := h.do(t, http.MethodGet, "/api/positions/tcs", ""); resp.StatusCode != http.StatusOK {
		t.Errorf("GET tcs status = %d", resp.StatusCode)
	}
	if resp, _ := h.do(t, http.MethodGet, "/api/positions/WIPRO", ""); resp.StatusCode != http.StatusNotFound {
		t.Errorf("GET WIPRO status = %d", resp.StatusCode)
	}

	_, body = h.do(t, http.MethodGet, "/api/positions?status=closed", "")
	if strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("closed list = %s", body)
	}
}

func TestExecutions(t *testing.T) {
	h := newAPI(t)
	h.history.events = []model.ExecutionEvent{{ID: "e1", Symbol: "TCS", Kind: model.EventEntryFilled}}

	resp, body := h.do(t, http.MethodGet, "/api/executions?symbol=tcs&limit=5", "")
	var events []model.ExecutionEvent
	if err := json.Unmarshal(body, &events); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("executions: %d %s", resp.StatusCode, body)
	}
	if len(events) != 1 || events[0].ID != "e1" {
		t.Errorf("events = %s", body)
	}
	if h.history.symbol != "TCS" || h.history.limit != 5 {
		t.Errorf("journal queried with (%q, %d)", h.history.symbol, h.history.limit)
	}

	h.history.events = nil
	h.do(t, http.MethodGet, "/api/executions?limit=99999", "")
	if h.history.symbol != "" || h.history.limit != 100 {
		t.Errorf("defaults: journal queried with (%q, %d)", h.history.symbol, h.history.limit)
	}
}

func TestMissed(t *testing.T) {
	h := newAPI(t)
	for i := 0; i < 3; i++ {
		h.hub.Broadcaster.Broadcast("exec:TCS", []byte(`{}`), time.Time{})
	}

	if resp, _ := h.do(t, http.MethodGet, "/api/missed?channel=exec:TCS&from=3&to=1", ""); resp.StatusCode != http.StatusBadRequest {
		t.Errorf("inverted range status = %d", resp.StatusCode)
	}

	_, body := h.do(t, http.MethodGet, "/api/missed?channel=exec:TCS&from=2&to=3", "")
	var got struct {
		Seq       int64             `json:"seq"`
		Truncated bool              `json:"truncated"`
		Entries   []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Seq != 3 || got.Truncated || len(got.Entries) != 2 {
		t.Errorf("missed = %s", body)
	}
}

func TestWebSocket_StreamsSubscribedSymbols(t *testing.T) {
	h := newAPI(t)
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))

	if err := conn.WriteJSON(SubscribeMsg{Type: "SUBSCRIBE", ReqID: "r1", Symbols: []string{"TCS"}}); err != nil {
		t.Fatal(err)
	}
	var ack struct {
		Type    string   `json:"type"`
		ReqID   string   `json:"req_id"`
		Symbols []string `json:"symbols"`
	}
	if err := conn.ReadJSON(&ack); err != nil {
		t.Fatalf("read ack: %v", err)
	}
	if ack.Type != "subscribed" || ack.ReqID != "r1" || len(ack.Symbols) != 1 {
		t.Fatalf("ack = %+v", ack)
	}

	h.hub.Broadcaster.Broadcast(ChannelFor("INFY"), []byte(`{"id":"skip"}`), time.Time{})
	h.hub.Broadcaster.Broadcast(ChannelFor("TCS"), []byte(`{"id":"keep"}`), time.Time{})

	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	// Frames may coalesce several envelopes, newline separated.
	for _, line := range bytes.Split(frame, []byte{'\n'}) {
		var env envelope
		if err := json.Unmarshal(line, &env); err != nil {
			t.Fatalf("bad envelope %s: %v", line, err)
		}
		if env.Channel != "exec:TCS" {
			t.Errorf("received %s on a TCS-only subscription", env.Channel)
		}
	}
	if h.hub.ClientCount() != 1 {
		t.Errorf("ClientCount = %d", h.hub.ClientCount())
	}
}
