package notification

import (
	"strings"
	"testing"
	"time"

	"position-tracker/internal/model"
)

func pendingLevels(lt model.LevelType, prices ...float64) []model.Level {
	out := make([]model.Level, len(prices))
	for i, p := range prices {
		out[i] = model.Level{ID: i + 1, Type: lt, TargetPrice: p, Percentage: 100 / float64(len(prices)), Status: model.LevelPending, RiskReward: float64(i + 1)}
	}
	return out
}

func TestRenderNew(t *testing.T) {
	sig := model.Signal{Symbol: "TCS", Direction: model.Long, Strength: 78, Price: 3500, Confidence: "HIGH"}
	plan := model.Plan{
		Entries: []model.PlanLevel{{Price: 3500, Percentage: 60}, {Price: 3480, Percentage: 40}},
		Exits:   []model.PlanLevel{{Price: 3550, Percentage: 100, RiskReward: 1.5}},
		Stop:    model.PlanStop{Price: 3440, Kind: model.StopTrailing, TrailPct: 2},
	}
	msg := RenderNew(sig, plan)

	for _, want := range []string{
		"NEW SIGNAL TCS LONG",
		"Strength: 78/100",
		"Confidence: HIGH",
		"1. 3500.00 - 60%",
		"2. 3480.00 - 40%",
		"(R:R 1:1.5)",
		"Stop: 3440.00 (trailing 2.0%)",
		"Strategy: N/A",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRenderUpdate_CapsPendingLevels(t *testing.T) {
	pos := model.Position{
		Symbol:    "INFY",
		Direction: model.Long,
		Status:    model.StatusPending,
		Entries:   pendingLevels(model.LevelEntry, 100, 99, 98, 97, 96),
		Exits:     pendingLevels(model.LevelExit, 105, 106, 107, 108),
		Stop:      model.StopLevel{Level: model.Level{TargetPrice: 94, Status: model.LevelPending}},
	}
	msg := RenderUpdate(pos, nil, now)

	if strings.Count(msg, "Entry #") != 3 {
		t.Errorf("expected 3 listed entries:\n%s", msg)
	}
	if !strings.Contains(msg, "... and 2 more\n") {
		t.Errorf("missing entries overflow line:\n%s", msg)
	}
	if strings.Count(msg, "TP") != 2 {
		t.Errorf("expected 2 listed targets:\n%s", msg)
	}
	if !strings.Contains(msg, "... and 2 more targets") {
		t.Errorf("missing targets overflow line:\n%s", msg)
	}
	if !strings.Contains(msg, "TP1: 105.00 (R:R 1.0)") {
		t.Errorf("missing target R:R:\n%s", msg)
	}
	if strings.Contains(msg, "Avg entry") {
		t.Errorf("avg entry shown with nothing filled:\n%s", msg)
	}
	if !strings.HasSuffix(msg, "Stop: 94.00") {
		t.Errorf("expected stop last:\n%s", msg)
	}
}

func TestRenderUpdate_Terminal(t *testing.T) {
	created := now.Add(-2 * time.Hour)
	pos := model.Position{
		Symbol:         "SBIN",
		Direction:      model.Short,
		Status:         model.StatusStopped,
		CreatedAt:      created,
		ClosedAt:       now,
		TotalFilledPct: 100,
		AvgEntryPrice:  600,
		UnrealizedPnL:  -1.5,
		CurrentPrice:   609,
		Entries:        pendingLevels(model.LevelEntry, 601),
	}
	events := []model.ExecutionEvent{{Kind: model.EventStopHit, ExecutedPrice: 609, Slippage: -0.25}}
	msg := RenderUpdate(pos, events, now)

	for _, want := range []string{
		"▼ UPDATE SBIN SHORT",
		"Stop loss: 609.00 (-0.25% slippage)",
		"Avg entry: 600.00",
		"P&L: -1.50%",
		"Position closed",
		"Duration: 2.0h",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "Pending entries") {
		t.Errorf("terminal message lists pending levels:\n%s", msg)
	}
}

func TestRenderExecution(t *testing.T) {
	ev := model.ExecutionEvent{
		Kind:          model.EventTrailingStopHit,
		TargetPrice:   107.8,
		ExecutedPrice: 107,
		Slippage:      -0.742,
		Percentage:    100,
		Timestamp:     now,
	}
	msg := RenderExecution(model.Position{Symbol: "HDFC"}, ev)
	for _, want := range []string{"TRAILING STOP HDFC", "Price: 107.00", "Target: 107.80", "Slippage: -0.742%", "Time: 15:00:00"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRenderExecution_ExactFill(t *testing.T) {
	ev := model.ExecutionEvent{
		Kind:          model.EventEntryFilled,
		Direction:     model.Long,
		TargetPrice:   100,
		ExecutedPrice: 100,
		Slippage:      model.Slippage(model.Long, model.LevelEntry, 100, 100),
		Percentage:    50,
		Timestamp:     now,
	}
	msg := RenderExecution(model.Position{Symbol: "INFY"}, ev)
	if !strings.Contains(msg, "Slippage: +0.000%") {
		t.Errorf("exact fill slippage:\n%s", msg)
	}
}
