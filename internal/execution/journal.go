package execution

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"position-tracker/internal/model"
)

// tsLayout is fixed-width so ts sorts lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Journal persists execution events to SQLite for analysis and audit.
// It is an EventSink; Publish never fails the caller.
type Journal struct {
	mu  sync.Mutex
	db  *sql.DB
	log *slog.Logger
}

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string, log *slog.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("journal open: %w", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS execution_events (
		id             TEXT PRIMARY KEY,
		kind           TEXT NOT NULL,
		position_id    TEXT NOT NULL,
		symbol         TEXT NOT NULL,
		direction      TEXT NOT NULL,
		level_id       INTEGER NOT NULL,
		target_price   REAL NOT NULL,
		executed_price REAL NOT NULL,
		percentage     REAL NOT NULL,
		slippage_pct   REAL NOT NULL DEFAULT 0,
		reason         TEXT,
		ts             TEXT NOT NULL,
		created_at     DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_events_symbol ON execution_events(symbol);
	CREATE INDEX IF NOT EXISTS idx_events_position ON execution_events(position_id);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON execution_events(ts);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}

	log = log.With("component", "journal")
	log.Info("opened execution journal", "path", dbPath)
	return &Journal{db: db, log: log}, nil
}

// RecordEvent persists one event. Re-recording the same event id is a no-op.
func (j *Journal) RecordEvent(ctx context.Context, ev model.ExecutionEvent) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO execution_events
		 (id, kind, position_id, symbol, direction, level_id, target_price, executed_price, percentage, slippage_pct, reason, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		string(ev.Kind),
		ev.PositionID,
		ev.Symbol,
		string(ev.Direction),
		ev.LevelID,
		ev.TargetPrice,
		ev.ExecutedPrice,
		ev.Percentage,
		ev.Slippage,
		ev.Reason,
		ev.Timestamp.UTC().Format(tsLayout),
	)
	if err != nil {
		return fmt.Errorf("journal insert %s: %w", ev.ID, err)
	}
	return nil
}

// Publish implements model.EventSink.
func (j *Journal) Publish(ctx context.Context, events []model.ExecutionEvent) {
	for _, ev := range events {
		if err := j.RecordEvent(ctx, ev); err != nil {
			j.log.Warn("journal write failed", "symbol", ev.Symbol, "event_id", ev.ID, "err", err)
		}
	}
}

// Events returns the last limit events, newest first. An empty symbol
// matches every symbol.
func (j *Journal) Events(ctx context.Context, symbol string, limit int) ([]model.ExecutionEvent, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, kind, position_id, symbol, direction, level_id, target_price, executed_price,
		        percentage, slippage_pct, COALESCE(reason, ''), ts
		 FROM execution_events
		 WHERE (? = '' OR symbol = ?)
		 ORDER BY ts DESC, rowid DESC LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("journal query: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionEvent
	for rows.Next() {
		var (
			ev        model.ExecutionEvent
			kind, dir string
			ts        string
		)
		if err := rows.Scan(&ev.ID, &kind, &ev.PositionID, &ev.Symbol, &dir, &ev.LevelID,
			&ev.TargetPrice, &ev.ExecutedPrice, &ev.Percentage, &ev.Slippage, &ev.Reason, &ts); err != nil {
			return nil, fmt.Errorf("journal scan: %w", err)
		}
		ev.Kind = model.EventKind(kind)
		ev.Direction = model.Direction(dir)
		ev.Timestamp, _ = time.Parse(tsLayout, ts)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Close closes the journal database.
func (j *Journal) Close() error {
	return j.db.Close()
}
