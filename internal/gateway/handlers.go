package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"position-tracker/internal/markethours"
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// PositionReader is the read side of the ledger.
type PositionReader interface {
	Get(symbol string) (model.Position, bool)
	ListActive() []model.Position
	ListByStatus(st model.Status) []model.Position
}

// SignalAcceptor takes inbound signals; implemented by the coordinator.
type SignalAcceptor interface {
	AcceptSignal(ctx context.Context, sig model.Signal, plan *model.Plan) bool
	Stats() notification.Stats
}

// EventHistory is the execution journal.
type EventHistory interface {
	Events(ctx context.Context, symbol string, limit int) ([]model.ExecutionEvent, error)
}

// Deps are the collaborators behind the routes. History and Session are
// optional.
type Deps struct {
	Positions PositionReader
	Signals   SignalAcceptor
	History   EventHistory
	Hub       *Hub
	Session   *markethours.Session
	Start     time.Time
	Log       *slog.Logger
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	SetCORS(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// RegisterRoutes registers all HTTP routes on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	log := d.Log.With("component", "gateway")

	mux.HandleFunc("GET /ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn("ws upgrade", "err", err)
			return
		}
		d.Hub.HandleWSRequest(conn, r.URL.Query().Get("last_ts"))
	})

	mux.HandleFunc("OPTIONS /api/", func(w http.ResponseWriter, r *http.Request) {
		SetCORS(w)
		w.WriteHeader(http.StatusNoContent)
	})

	// ?status=CLOSED lists by status, default is every non-terminal position.
	mux.HandleFunc("GET /api/positions", func(w http.ResponseWriter, r *http.Request) {
		var list []model.Position
		if st := r.URL.Query().Get("status"); st != "" {
			list = d.Positions.ListByStatus(model.Status(strings.ToUpper(st)))
		} else {
			list = d.Positions.ListActive()
		}
		sort.Slice(list, func(i, j int) bool { return list[i].Symbol < list[j].Symbol })
		writeJSON(w, http.StatusOK, positionViews(list))
	})

	mux.HandleFunc("GET /api/positions/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		pos, ok := d.Positions.Get(strings.ToUpper(r.PathValue("symbol")))
		if !ok {
			writeError(w, http.StatusNotFound, "no position for symbol")
			return
		}
		writeJSON(w, http.StatusOK, newPositionView(pos))
	})

	mux.HandleFunc("POST /api/signals", func(w http.ResponseWriter, r *http.Request) {
		var env model.SignalEnvelope
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
		if err := dec.Decode(&env); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
		if err := env.Signal.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		existing, ok := d.Positions.Get(env.Signal.Symbol)
		isNew := !ok || existing.Status.Terminal()
		if isNew {
			if env.Plan == nil {
				writeError(w, http.StatusUnprocessableEntity, "plan required for a new position")
				return
			}
			if err := env.Plan.Validate(); err != nil {
				writeError(w, http.StatusUnprocessableEntity, err.Error())
				return
			}
		}

		notified := d.Signals.AcceptSignal(r.Context(), env.Signal, env.Plan)
		resp := signalResponse{Notified: notified}
		if pos, ok := d.Positions.Get(env.Signal.Symbol); ok && !pos.Status.Terminal() {
			v := newPositionView(pos)
			resp.Position = &v
			resp.Created = isNew
		}
		code := http.StatusOK
		if resp.Created {
			code = http.StatusCreated
		} else if isNew {
			// New symbol but nothing was registered (limit reached, store down).
			code = http.StatusConflict
		}
		writeJSON(w, code, resp)
	})

	mux.HandleFunc("GET /api/stats", func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{
			Stats:     d.Signals.Stats(),
			WSClients: d.Hub.ClientCount(),
			UptimeSec: int64(time.Since(d.Start).Seconds()),
		}
		if d.Session != nil {
			now := time.Now()
			resp.MarketOpen = d.Session.IsOpen(now)
			resp.MarketStatus = d.Session.Status(now)
		}
		writeJSON(w, http.StatusOK, resp)
	})

	mux.HandleFunc("GET /api/executions", func(w http.ResponseWriter, r *http.Request) {
		if d.History == nil {
			writeError(w, http.StatusServiceUnavailable, "journal disabled")
			return
		}
		limit := 100
		if l, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
		symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
		events, err := d.History.Events(r.Context(), symbol, limit)
		if err != nil {
			log.Error("journal read", "err", err)
			writeError(w, http.StatusInternalServerError, "journal read failed")
			return
		}
		if events == nil {
			events = []model.ExecutionEvent{}
		}
		writeJSON(w, http.StatusOK, events)
	})

	// Gap backfill: /api/missed?channel=exec:TCS&from=5&to=9
	mux.HandleFunc("GET /api/missed", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		channel := q.Get("channel")
		from, err1 := strconv.ParseInt(q.Get("from"), 10, 64)
		to, err2 := strconv.ParseInt(q.Get("to"), 10, 64)
		if channel == "" || errors.Join(err1, err2) != nil || from > to {
			writeError(w, http.StatusBadRequest, "channel, from and to are required")
			return
		}
		entries, oldest := d.Hub.GetReplayRange(channel, from, to)
		out := make([]json.RawMessage, len(entries))
		for i, e := range entries {
			out[i] = e
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"channel":   channel,
			"seq":       d.Hub.GetChannelSeq(channel),
			"oldest":    oldest,
			"truncated": oldest > from,
			"entries":   out,
		})
	})

	mux.HandleFunc("GET /api/metrics", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, d.Hub.SystemMetrics(d.Start))
	})
}
