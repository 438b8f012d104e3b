package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"ai_strategy/internal/domain"
)

// ==================== 绩效 ====================

// ApplyClosure 在同一事务中登记平仓 ID 并写入最新绩效；已登记过返回 false
func (r *SQLiteRepository) ApplyClosure(ctx context.Context, positionID string, rec domain.PerformanceRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO processed_closures (position_id, processed_at) VALUES (?, ?) ON CONFLICT(position_id) DO NOTHING`,
		positionID, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("mark closure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO performance (strategy_id, mode, trade_count, win_count, total_pnl, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(strategy_id, mode) DO UPDATE SET
			trade_count = excluded.trade_count,
			win_count   = excluded.win_count,
			total_pnl   = excluded.total_pnl,
			updated_at  = excluded.updated_at
	`, rec.StrategyID, string(rec.Mode), rec.TradeCount, rec.WinCount, rec.TotalPnL.String(), rec.UpdatedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("upsert performance: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit closure: %w", err)
	}
	return true, nil
}

func (r *SQLiteRepository) LoadPerformance(ctx context.Context) ([]domain.PerformanceRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT strategy_id, mode, trade_count, win_count, total_pnl, updated_at FROM performance ORDER BY strategy_id, mode`)
	if err != nil {
		return nil, fmt.Errorf("load performance: %w", err)
	}
	defer rows.Close()

	var out []domain.PerformanceRecord
	for rows.Next() {
		var rec domain.PerformanceRecord
		var mode, pnl string
		if err := rows.Scan(&rec.StrategyID, &mode, &rec.TradeCount, &rec.WinCount, &pnl, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan performance: %w", err)
		}
		rec.Mode = domain.Mode(mode)
		if rec.TotalPnL, err = decimal.NewFromString(pnl); err != nil {
			return nil, fmt.Errorf("parse total_pnl %q: %w", pnl, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
