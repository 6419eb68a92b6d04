package gateway

import (
	"position-tracker/internal/model"
	"position-tracker/internal/notification"
)

// PositionView is the REST shape of a position: the full aggregate plus
// the ladder progress counters a dashboard needs.
type PositionView struct {
	model.Position
	FilledEntries  int  `json:"filled_entries"`
	PendingEntries int  `json:"pending_entries"`
	FilledExits    int  `json:"filled_exits"`
	PendingExits   int  `json:"pending_exits"`
	HasAvgEntry    bool `json:"has_avg_entry"`
}

func newPositionView(p model.Position) PositionView {
	return PositionView{
		Position:       p,
		FilledEntries:  p.FilledEntries(),
		PendingEntries: len(p.PendingEntries()),
		FilledExits:    p.FilledExits(),
		PendingExits:   len(p.PendingExits()),
		HasAvgEntry:    p.HasAvgEntry(),
	}
}

func positionViews(list []model.Position) []PositionView {
	out := make([]PositionView, len(list))
	for i, p := range list {
		out[i] = newPositionView(p)
	}
	return out
}

type signalResponse struct {
	Created  bool          `json:"created"`
	Notified bool          `json:"notified"`
	Position *PositionView `json:"position,omitempty"`
}

type statsResponse struct {
	notification.Stats
	WSClients    int    `json:"ws_clients"`
	UptimeSec    int64  `json:"uptime_sec"`
	MarketOpen   bool   `json:"market_open"`
	MarketStatus string `json:"market_status,omitempty"`
}
