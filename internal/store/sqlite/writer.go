// Package sqlite is the durable persistence sink behind the ledger: a
// positions header table plus one row per level in position_executions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"position-tracker/internal/metrics"
	"position-tracker/internal/model"
)

const defaultWriteTimeout = 5 * time.Second

// Config configures the SQLite store.
type Config struct {
	DBPath       string // path to SQLite database file, e.g. "data/positions.db"
	WriteTimeout time.Duration
}

// Store is a model.Persister backed by SQLite. All writes go through a
// single connection.
type Store struct {
	db      *sql.DB
	timeout time.Duration
	m       *metrics.Metrics
	log     *slog.Logger
}

// DB returns the underlying sql.DB for health checks.
func (s *Store) DB() *sql.DB { return s.db }

// WithMetrics records write latency on m.
func (s *Store) WithMetrics(m *metrics.Metrics) *Store {
	s.m = m
	return s
}

// New opens the database with WAL mode and creates the schema.
func New(cfg Config, log *slog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", cfg.DBPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}

	// Set connection pool for single-writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}

	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	log = log.With("component", "sqlite")
	log.Info("opened database", "path", cfg.DBPath)
	return &Store{db: db, timeout: cfg.WriteTimeout, log: log}, nil
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS positions (
			id               TEXT PRIMARY KEY,
			symbol           TEXT    NOT NULL,
			direction        TEXT    NOT NULL,
			strength         INTEGER NOT NULL,
			status           TEXT    NOT NULL,
			created_at       TEXT    NOT NULL,
			closed_at        TEXT    NOT NULL DEFAULT '',
			close_reason     TEXT    NOT NULL DEFAULT '',
			current_price    REAL    NOT NULL DEFAULT 0,
			last_price_check TEXT    NOT NULL DEFAULT '',
			total_filled_pct REAL    NOT NULL DEFAULT 0,
			avg_entry_price  REAL    NOT NULL DEFAULT 0,
			unrealized_pnl   REAL    NOT NULL DEFAULT 0,
			first_entry_at   TEXT    NOT NULL DEFAULT '',
			messages_sent    INTEGER NOT NULL DEFAULT 0,
			update_count     INTEGER NOT NULL DEFAULT 0,
			last_notified_at TEXT    NOT NULL DEFAULT '',
			stop_kind        TEXT    NOT NULL DEFAULT 'FIXED',
			trail_pct        REAL    NOT NULL DEFAULT 0,
			water_mark       REAL    NOT NULL DEFAULT 0,
			meta             TEXT    NOT NULL DEFAULT '{}',
			updated_at       DATETIME DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);
		CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);

		CREATE TABLE IF NOT EXISTS position_executions (
			position_id     TEXT    NOT NULL,
			level_type      TEXT    NOT NULL,
			level_id        INTEGER NOT NULL,
			symbol          TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			target_price    REAL    NOT NULL,
			executed_price  REAL    NOT NULL DEFAULT 0,
			percentage      REAL    NOT NULL,
			created_at      TEXT    NOT NULL,
			executed_at     TEXT    NOT NULL DEFAULT '',
			description     TEXT    NOT NULL DEFAULT '',
			trigger_text    TEXT    NOT NULL DEFAULT '',
			signal_strength INTEGER NOT NULL DEFAULT 0,
			risk_reward     REAL    NOT NULL DEFAULT 0,
			skip_reason     TEXT    NOT NULL DEFAULT '',
			PRIMARY KEY (position_id, level_type, level_id)
		);
		CREATE INDEX IF NOT EXISTS idx_executions_symbol ON position_executions(symbol);
	`)
	return err
}

// positionMeta carries the descriptive fields that are never queried.
type positionMeta struct {
	Confidence   string   `json:"confidence,omitempty"`
	EntryQuality string   `json:"entry_quality,omitempty"`
	StrategyType string   `json:"strategy_type,omitempty"`
	ExpectedHold string   `json:"expected_hold,omitempty"`
	Notes        []string `json:"notes,omitempty"`
}

// SavePosition upserts the position header.
func (s *Store) SavePosition(ctx context.Context, p model.Position) error {
	meta, err := json.Marshal(positionMeta{
		Confidence:   p.Confidence,
		EntryQuality: p.EntryQuality,
		StrategyType: p.StrategyType,
		ExpectedHold: p.ExpectedHold,
		Notes:        p.Notes,
	})
	if err != nil {
		return fmt.Errorf("sqlite marshal meta: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer s.observe(time.Now())

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO positions
		(id, symbol, direction, strength, status, created_at, closed_at, close_reason,
		 current_price, last_price_check, total_filled_pct, avg_entry_price, unrealized_pnl,
		 first_entry_at, messages_sent, update_count, last_notified_at,
		 stop_kind, trail_pct, water_mark, meta, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)`,
		p.ID, p.Symbol, string(p.Direction), p.Strength, string(p.Status),
		formatTS(p.CreatedAt), formatTS(p.ClosedAt), p.CloseReason,
		p.CurrentPrice, formatTS(p.LastPriceCheck), p.TotalFilledPct, p.AvgEntryPrice, p.UnrealizedPnL,
		formatTS(p.FirstEntryAt), p.MessagesSent, p.UpdateCount, formatTS(p.LastNotifiedAt),
		string(p.Stop.Kind), p.Stop.TrailPct, p.Stop.WaterMark, string(meta),
	)
	if err != nil {
		return fmt.Errorf("sqlite save position %s: %w", p.ID, err)
	}
	return nil
}

// InsertExecution upserts one level row.
func (s *Store) InsertExecution(ctx context.Context, rec model.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	defer s.observe(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO position_executions
		(position_id, level_type, level_id, symbol, status, target_price, executed_price, percentage,
		 created_at, executed_at, description, trigger_text, signal_strength, risk_reward, skip_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.PositionID, string(rec.LevelType), rec.LevelID, rec.Symbol, string(rec.Status),
		rec.TargetPrice, rec.ExecutedPrice, rec.Percentage,
		formatTS(rec.CreatedAt), formatTS(rec.ExecutedAt), rec.Description, rec.Trigger,
		rec.SignalStrength, rec.RiskReward, rec.SkipReason,
	)
	if err != nil {
		return fmt.Errorf("sqlite insert execution %s/%s/%d: %w", rec.PositionID, rec.LevelType, rec.LevelID, err)
	}
	return nil
}

// Prune deletes terminal positions closed before cutoff, with their level
// rows, and returns how many positions were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("sqlite prune: %w", err)
	}
	defer tx.Rollback()

	const terminal = `status IN ('CLOSED', 'STOPPED') AND closed_at != '' AND closed_at < ?`
	ts := formatTS(cutoff)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM position_executions WHERE position_id IN (SELECT id FROM positions WHERE `+terminal+`)`, ts); err != nil {
		return 0, fmt.Errorf("sqlite prune executions: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM positions WHERE `+terminal, ts)
	if err != nil {
		return 0, fmt.Errorf("sqlite prune positions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("sqlite prune commit: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info("pruned closed positions", "count", n, "before", ts)
	}
	return n, nil
}

func (s *Store) observe(start time.Time) {
	if s.m != nil {
		s.m.SQLiteWriteDur.Observe(time.Since(start).Seconds())
	}
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// tsLayout is fixed-width so stored timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTS renders t in UTC; the zero time is the empty string.
func formatTS(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

func parseTS(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(tsLayout, s)
}
