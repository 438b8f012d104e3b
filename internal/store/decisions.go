package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"ai_strategy/internal/domain"
)

// ==================== 决策审计 ====================

func (r *SQLiteRepository) InsertDecision(ctx context.Context, d domain.TradeDecision) error {
	warnings, err := json.Marshal(d.AIWarnings)
	if err != nil {
		return fmt.Errorf("序列化 AI 警告: %w", err)
	}
	checks, err := json.Marshal(d.FailedChecks)
	if err != nil {
		return fmt.Errorf("序列化校验项: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO decisions (id, opportunity_id, strategy_id, symbol, mode, direction, local_confidence, confidence,
			ai_influenced, ai_unconfirmed, ai_warnings, failed_checks, size, approved, reason, reservation_id, position_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.OpportunityID, d.StrategyID, d.Symbol, string(d.Mode), string(d.Direction), d.LocalConfidence, d.Confidence,
		boolToInt(d.AIInfluenced), boolToInt(d.AIUnconfirmed), string(warnings), string(checks), d.Size,
		boolToInt(d.Approved), nullableString(d.Reason), nullableString(d.ReservationID), nullableString(d.PositionID),
		d.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

// ListDecisions 按时间倒序列出决策，opportunityID 为空表示全部
func (r *SQLiteRepository) ListDecisions(ctx context.Context, opportunityID string, limit int) ([]domain.TradeDecision, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, opportunity_id, strategy_id, symbol, mode, direction, local_confidence, confidence,
		ai_influenced, ai_unconfirmed, ai_warnings, failed_checks, size, approved, reason, reservation_id, position_id, created_at
		FROM decisions`
	args := []any{}
	if opportunityID != "" {
		query += ` WHERE opportunity_id = ?`
		args = append(args, opportunityID)
	}
	query += ` ORDER BY created_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var out []domain.TradeDecision
	for rows.Next() {
		var d domain.TradeDecision
		var mode, direction string
		var influenced, unconfirmed, approved int
		var warnings, checks, reason, reservation, position sql.NullString
		if err := rows.Scan(&d.ID, &d.OpportunityID, &d.StrategyID, &d.Symbol, &mode, &direction, &d.LocalConfidence,
			&d.Confidence, &influenced, &unconfirmed, &warnings, &checks, &d.Size, &approved, &reason, &reservation,
			&position, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		d.Mode = domain.Mode(mode)
		d.Direction = domain.Direction(direction)
		d.AIInfluenced = influenced == 1
		d.AIUnconfirmed = unconfirmed == 1
		d.Approved = approved == 1
		d.Reason = reason.String
		d.ReservationID = reservation.String
		d.PositionID = position.String
		if warnings.Valid && warnings.String != "" {
			_ = json.Unmarshal([]byte(warnings.String), &d.AIWarnings)
		}
		if checks.Valid && checks.String != "" {
			_ = json.Unmarshal([]byte(checks.String), &d.FailedChecks)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
