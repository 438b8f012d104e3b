package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ai_strategy/internal/domain"
)

// ==================== 持仓 ====================

// SavePosition 插入或更新持仓（按 id）
func (r *SQLiteRepository) SavePosition(ctx context.Context, p domain.Position) error {
	var entryTime any
	if !p.EntryTime.IsZero() {
		entryTime = p.EntryTime.UTC()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO positions (id, decision_id, strategy_id, symbol, mode, direction, entry_price, entry_time, quantity,
			entry_order, trailing_stop_percent, trailing_stop, take_profit, high_water, status, exit_price, exit_time,
			exit_reason, exit_attempts, needs_manual, failure_reason, realized_pnl, unrealized_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			entry_price    = excluded.entry_price,
			entry_time     = excluded.entry_time,
			quantity       = excluded.quantity,
			entry_order    = excluded.entry_order,
			trailing_stop  = excluded.trailing_stop,
			take_profit    = excluded.take_profit,
			high_water     = excluded.high_water,
			status         = excluded.status,
			exit_price     = excluded.exit_price,
			exit_time      = excluded.exit_time,
			exit_reason    = excluded.exit_reason,
			exit_attempts  = excluded.exit_attempts,
			needs_manual   = excluded.needs_manual,
			failure_reason = excluded.failure_reason,
			realized_pnl   = excluded.realized_pnl,
			unrealized_pnl = excluded.unrealized_pnl,
			updated_at     = excluded.updated_at
	`,
		p.ID, p.DecisionID, p.StrategyID, p.Symbol, string(p.Mode), string(p.Direction), p.EntryPrice, entryTime, p.Quantity,
		nullableString(p.EntryOrder), p.TrailingStopPercent, p.TrailingStop, p.TakeProfit, p.HighWater, string(p.Status),
		nullableFloat(p.ExitPrice), nullableTime(p.ExitTime), nullableString(string(p.ExitReason)), p.ExitAttempts,
		boolToInt(p.NeedsManual), nullableString(p.FailureReason), p.RealizedPnL, p.UnrealizedPnL, p.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save position: %w", err)
	}
	return nil
}

const positionColumns = `id, decision_id, strategy_id, symbol, mode, direction, entry_price, entry_time, quantity,
	entry_order, trailing_stop_percent, trailing_stop, take_profit, high_water, status, exit_price, exit_time,
	exit_reason, exit_attempts, needs_manual, failure_reason, realized_pnl, unrealized_pnl, updated_at`

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var mode, direction, status string
	var entryTime, exitTime sql.NullTime
	var entryOrder, exitReason, failureReason sql.NullString
	var exitPrice sql.NullFloat64
	var needsManual int
	if err := row.Scan(&p.ID, &p.DecisionID, &p.StrategyID, &p.Symbol, &mode, &direction, &p.EntryPrice, &entryTime,
		&p.Quantity, &entryOrder, &p.TrailingStopPercent, &p.TrailingStop, &p.TakeProfit, &p.HighWater, &status,
		&exitPrice, &exitTime, &exitReason, &p.ExitAttempts, &needsManual, &failureReason, &p.RealizedPnL,
		&p.UnrealizedPnL, &p.UpdatedAt); err != nil {
		return p, err
	}
	p.Mode = domain.Mode(mode)
	p.Direction = domain.Direction(direction)
	p.Status = domain.PositionStatus(status)
	if entryTime.Valid {
		p.EntryTime = entryTime.Time
	}
	if exitTime.Valid {
		t := exitTime.Time
		p.ExitTime = &t
	}
	p.EntryOrder = entryOrder.String
	p.ExitReason = domain.ExitReason(exitReason.String)
	p.FailureReason = failureReason.String
	p.ExitPrice = exitPrice.Float64
	p.NeedsManual = needsManual == 1
	return p, nil
}

func (r *SQLiteRepository) GetPosition(ctx context.Context, id string) (domain.Position, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ?`, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return p, fmt.Errorf("position %s: %w", id, domain.ErrPositionNotFound)
	}
	if err != nil {
		return p, fmt.Errorf("get position: %w", err)
	}
	return p, nil
}

// ListPositions 按更新时间倒序列出持仓，status 为空表示全部
func (r *SQLiteRepository) ListPositions(ctx context.Context, status domain.PositionStatus, limit int) ([]domain.Position, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + positionColumns + ` FROM positions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)
	return r.queryPositions(ctx, query, args...)
}

// ListActivePositions 列出尚未结束的持仓（建仓中、持有、平仓中）
func (r *SQLiteRepository) ListActivePositions(ctx context.Context) ([]domain.Position, error) {
	return r.queryPositions(ctx, `SELECT `+positionColumns+` FROM positions WHERE status IN (?, ?, ?) ORDER BY updated_at`,
		string(domain.PositionOpening), string(domain.PositionOpen), string(domain.PositionClosing))
}

func (r *SQLiteRepository) queryPositions(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询持仓: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
