package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"position-tracker/internal/model"
)

const positionColumns = `id, symbol, direction, strength, status, created_at, closed_at, close_reason,
	current_price, last_price_check, total_filled_pct, avg_entry_price, unrealized_pnl,
	first_entry_at, messages_sent, update_count, last_notified_at,
	stop_kind, trail_pct, water_mark, meta`

const executionColumns = `position_id, level_type, level_id, symbol, status, target_price, executed_price,
	percentage, created_at, executed_at, description, trigger_text, signal_strength, risk_reward, skip_reason`

// GetActivePositions loads every non-terminal position with its levels.
func (s *Store) GetActivePositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE status NOT IN ('CLOSED', 'STOPPED') ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("sqlite query positions: %w", err)
	}
	var out []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Levels are read after the header cursor is closed: the store has a
	// single connection.
	for i := range out {
		if err := s.attachLevels(ctx, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Position loads one position by id, terminal or not.
func (s *Store) Position(ctx context.Context, id string) (model.Position, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Position{}, false, nil
	}
	if err != nil {
		return model.Position{}, false, err
	}
	if err := s.attachLevels(ctx, &p); err != nil {
		return model.Position{}, false, err
	}
	return p, true, nil
}

// ExecutionHistory returns the level rows of symbol, most recent position
// first. An empty symbol returns every row.
func (s *Store) ExecutionHistory(ctx context.Context, symbol string, limit int) ([]model.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM position_executions
		WHERE (? = '' OR symbol = ?)
		ORDER BY created_at DESC, position_id, level_type, level_id
		LIMIT ?`, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite query executions: %w", err)
	}
	defer rows.Close()

	var out []model.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) attachLevels(ctx context.Context, p *model.Position) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM position_executions WHERE position_id = ? ORDER BY level_type, level_id`, p.ID)
	if err != nil {
		return fmt.Errorf("sqlite query levels %s: %w", p.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return err
		}
		lv := model.Level{
			ID:          rec.LevelID,
			Type:        rec.LevelType,
			TargetPrice: rec.TargetPrice,
			Percentage:  rec.Percentage,
			Description: rec.Description,
			Trigger:     rec.Trigger,
			Status:      rec.Status,
			FilledPrice: rec.ExecutedPrice,
			FilledAt:    rec.ExecutedAt,
			RiskReward:  rec.RiskReward,
			SkipReason:  rec.SkipReason,
		}
		if lv.Status == model.LevelFilled {
			lv.FilledPct = lv.Percentage
		}
		switch rec.LevelType {
		case model.LevelEntry:
			p.Entries = append(p.Entries, lv)
		case model.LevelExit:
			p.Exits = append(p.Exits, lv)
		case model.LevelStop:
			p.Stop.Level = lv
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (model.Position, error) {
	var (
		p                                    model.Position
		dir, status, kind, meta              string
		created, closed, checked, first, ntf string
	)
	err := row.Scan(&p.ID, &p.Symbol, &dir, &p.Strength, &status, &created, &closed, &p.CloseReason,
		&p.CurrentPrice, &checked, &p.TotalFilledPct, &p.AvgEntryPrice, &p.UnrealizedPnL,
		&first, &p.MessagesSent, &p.UpdateCount, &ntf,
		&kind, &p.Stop.TrailPct, &p.Stop.WaterMark, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return p, err
	}
	if err != nil {
		return p, fmt.Errorf("sqlite scan position: %w", err)
	}
	p.Direction = model.Direction(dir)
	p.Status = model.Status(status)
	p.Stop.Kind = model.StopKind(kind)

	for dst, src := range map[*time.Time]string{
		&p.CreatedAt:      created,
		&p.ClosedAt:       closed,
		&p.LastPriceCheck: checked,
		&p.FirstEntryAt:   first,
		&p.LastNotifiedAt: ntf,
	} {
		t, err := parseTS(src)
		if err != nil {
			return p, fmt.Errorf("sqlite scan position %s: %w", p.ID, err)
		}
		*dst = t
	}

	var pm positionMeta
	if err := json.Unmarshal([]byte(meta), &pm); err != nil {
		return p, fmt.Errorf("sqlite unmarshal meta %s: %w", p.ID, err)
	}
	p.Confidence = pm.Confidence
	p.EntryQuality = pm.EntryQuality
	p.StrategyType = pm.StrategyType
	p.ExpectedHold = pm.ExpectedHold
	p.Notes = pm.Notes
	return p, nil
}

func scanExecution(row scanner) (model.ExecutionRecord, error) {
	var (
		rec             model.ExecutionRecord
		lt, status      string
		created, execAt string
	)
	if err := row.Scan(&rec.PositionID, &lt, &rec.LevelID, &rec.Symbol, &status, &rec.TargetPrice, &rec.ExecutedPrice,
		&rec.Percentage, &created, &execAt, &rec.Description, &rec.Trigger, &rec.SignalStrength, &rec.RiskReward, &rec.SkipReason); err != nil {
		return rec, fmt.Errorf("sqlite scan execution: %w", err)
	}
	rec.LevelType = model.LevelType(lt)
	rec.Status = model.LevelStatus(status)
	var err error
	if rec.CreatedAt, err = parseTS(created); err != nil {
		return rec, fmt.Errorf("sqlite scan execution: %w", err)
	}
	if rec.ExecutedAt, err = parseTS(execAt); err != nil {
		return rec, fmt.Errorf("sqlite scan execution: %w", err)
	}
	return rec, nil
}
