package execution

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"position-tracker/internal/model"
)

func TestJournal_RecordAndQuery(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "journal.db"), slog.Default())
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()

	base := time.Date(2024, 3, 4, 14, 30, 0, 0, time.UTC)
	events := []model.ExecutionEvent{
		{ID: "e1", Kind: model.EventEntryFilled, PositionID: "p1", Symbol: "AAPL", Direction: model.Long,
			LevelID: 1, TargetPrice: 100, ExecutedPrice: 100.1, Percentage: 50, Timestamp: base, Slippage: -0.1},
		{ID: "e2", Kind: model.EventStopHit, PositionID: "p2", Symbol: "MSFT", Direction: model.Short,
			LevelID: model.StopLevelID, TargetPrice: 50, ExecutedPrice: 50.5, Percentage: 100, Timestamp: base.Add(time.Minute), Slippage: -1},
	}
	ctx := context.Background()
	j.Publish(ctx, events)
	j.Publish(ctx, events[:1]) // duplicate id is ignored

	all, err := j.Events(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 events, got %d", len(all))
	}
	if all[0].ID != "e2" || all[1].ID != "e1" {
		t.Errorf("expected newest first, got %s, %s", all[0].ID, all[1].ID)
	}
	if all[0].Kind != model.EventStopHit || all[0].Direction != model.Short || !all[0].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("round trip mismatch: %+v", all[0])
	}

	only, err := j.Events(ctx, "AAPL", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(only) != 1 || only[0].ExecutedPrice != 100.1 || only[0].Slippage != -0.1 {
		t.Errorf("unexpected filtered result %+v", only)
	}
}
