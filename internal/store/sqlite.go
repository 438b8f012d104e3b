package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"ai_strategy/internal/domain"

	_ "modernc.org/sqlite"
)

type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dsn string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS strategies (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			params TEXT NOT NULL,
			uses_ai INTEGER NOT NULL DEFAULT 0,
			symbols TEXT NOT NULL DEFAULT '[]',
			timeframe TEXT NOT NULL DEFAULT '',
			active_paper INTEGER NOT NULL DEFAULT 0,
			active_real INTEGER NOT NULL DEFAULT 0,
			trailing_stop_percent REAL NOT NULL,
			take_profit_percent REAL NOT NULL,
			size_fraction REAL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS capital_state (
			mode TEXT PRIMARY KEY,
			total_capital REAL NOT NULL,
			committed_today REAL NOT NULL,
			quota_remaining INTEGER NOT NULL,
			quota_ceiling INTEGER NOT NULL,
			last_reset TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			decision_id TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			mode TEXT NOT NULL,
			direction TEXT NOT NULL,
			entry_price REAL NOT NULL DEFAULT 0,
			entry_time TIMESTAMP,
			quantity REAL NOT NULL DEFAULT 0,
			entry_order TEXT,
			trailing_stop_percent REAL NOT NULL DEFAULT 0,
			trailing_stop REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			high_water REAL NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			exit_price REAL,
			exit_time TIMESTAMP,
			exit_reason TEXT,
			exit_attempts INTEGER NOT NULL DEFAULT 0,
			needs_manual INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT,
			realized_pnl REAL NOT NULL DEFAULT 0,
			unrealized_pnl REAL NOT NULL DEFAULT 0,
			updated_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS performance (
			strategy_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			trade_count INTEGER NOT NULL,
			win_count INTEGER NOT NULL,
			total_pnl TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			PRIMARY KEY (strategy_id, mode)
		);`,
		`CREATE TABLE IF NOT EXISTS processed_closures (
			position_id TEXT PRIMARY KEY,
			processed_at TIMESTAMP NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS decisions (
			id TEXT PRIMARY KEY,
			opportunity_id TEXT NOT NULL,
			strategy_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			mode TEXT NOT NULL,
			direction TEXT NOT NULL,
			local_confidence REAL NOT NULL,
			confidence REAL NOT NULL,
			ai_influenced INTEGER NOT NULL DEFAULT 0,
			ai_unconfirmed INTEGER NOT NULL DEFAULT 0,
			ai_warnings TEXT,
			failed_checks TEXT,
			size REAL NOT NULL DEFAULT 0,
			approved INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			position_id TEXT,
			created_at TIMESTAMP NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_status ON positions(status);`,
		`CREATE INDEX IF NOT EXISTS idx_decisions_opportunity ON decisions(opportunity_id);`,
		// 兼容旧库：添加预留 ID 列
		`ALTER TABLE decisions ADD COLUMN reservation_id TEXT;`,
	}

	for _, stmt := range stmts {
		_, err := r.db.ExecContext(ctx, stmt)
		if err != nil {
			// ALTER TABLE ADD COLUMN 在列已存在时会报错，忽略此类错误
			if isAlterTableDuplicate(err) {
				continue
			}
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}

	return nil
}

// ==================== 策略配置 ====================

// SaveStrategy 插入或更新策略配置（按 id）
func (r *SQLiteRepository) SaveStrategy(ctx context.Context, cfg domain.StrategyConfig) error {
	params, err := json.Marshal(cfg.Params)
	if err != nil {
		return fmt.Errorf("序列化策略参数: %w", err)
	}
	symbols, err := json.Marshal(cfg.Symbols)
	if err != nil {
		return fmt.Errorf("序列化币对列表: %w", err)
	}
	var sizeFraction any
	if cfg.SizeFraction != nil {
		sizeFraction = *cfg.SizeFraction
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, type, params, uses_ai, symbols, timeframe, active_paper, active_real,
			trailing_stop_percent, take_profit_percent, size_fraction, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name                  = excluded.name,
			type                  = excluded.type,
			params                = excluded.params,
			uses_ai               = excluded.uses_ai,
			symbols               = excluded.symbols,
			timeframe             = excluded.timeframe,
			active_paper          = excluded.active_paper,
			active_real           = excluded.active_real,
			trailing_stop_percent = excluded.trailing_stop_percent,
			take_profit_percent   = excluded.take_profit_percent,
			size_fraction         = excluded.size_fraction,
			updated_at            = excluded.updated_at
	`,
		cfg.ID, cfg.Name, string(cfg.Type), string(params), boolToInt(cfg.UsesAI), string(symbols), cfg.Timeframe,
		boolToInt(cfg.ActivePaper), boolToInt(cfg.ActiveReal), cfg.TrailingStopPercent, cfg.TakeProfitPercent,
		sizeFraction, cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert strategy: %w", err)
	}
	return nil
}

const strategyColumns = `id, name, type, params, uses_ai, symbols, timeframe, active_paper, active_real,
	trailing_stop_percent, take_profit_percent, size_fraction, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (domain.StrategyConfig, error) {
	var cfg domain.StrategyConfig
	var typ, params, symbols string
	var usesAI, activePaper, activeReal int
	var sizeFraction sql.NullFloat64
	if err := row.Scan(&cfg.ID, &cfg.Name, &typ, &params, &usesAI, &symbols, &cfg.Timeframe, &activePaper, &activeReal,
		&cfg.TrailingStopPercent, &cfg.TakeProfitPercent, &sizeFraction, &cfg.CreatedAt, &cfg.UpdatedAt); err != nil {
		return cfg, err
	}
	cfg.Type = domain.StrategyType(typ)
	cfg.UsesAI = usesAI == 1
	cfg.ActivePaper = activePaper == 1
	cfg.ActiveReal = activeReal == 1
	if sizeFraction.Valid {
		v := sizeFraction.Float64
		cfg.SizeFraction = &v
	}
	if err := json.Unmarshal([]byte(params), &cfg.Params); err != nil {
		return cfg, fmt.Errorf("解析策略参数 %s: %w", cfg.ID, err)
	}
	if err := json.Unmarshal([]byte(symbols), &cfg.Symbols); err != nil {
		return cfg, fmt.Errorf("解析币对列表 %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

func (r *SQLiteRepository) GetStrategy(ctx context.Context, id string) (domain.StrategyConfig, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+strategyColumns+` FROM strategies WHERE id = ?`, id)
	cfg, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return cfg, fmt.Errorf("strategy %s: %w", id, domain.ErrStrategyNotFound)
	}
	if err != nil {
		return cfg, fmt.Errorf("get strategy: %w", err)
	}
	return cfg, nil
}

func (r *SQLiteRepository) ListStrategies(ctx context.Context) ([]domain.StrategyConfig, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+strategyColumns+` FROM strategies ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.StrategyConfig
	for rows.Next() {
		cfg, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) DeleteStrategy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy %s: %w", id, domain.ErrStrategyNotFound)
	}
	return nil
}

// ==================== 资金状态 ====================

func (r *SQLiteRepository) LoadCapitalState(ctx context.Context, mode domain.Mode) (domain.CapitalState, bool, error) {
	st := domain.CapitalState{Mode: mode}
	err := r.db.QueryRowContext(ctx, `
		SELECT total_capital, committed_today, quota_remaining, quota_ceiling, last_reset
		FROM capital_state WHERE mode = ?
	`, string(mode)).Scan(&st.TotalCapital, &st.CommittedToday, &st.QuotaRemaining, &st.QuotaCeiling, &st.LastReset)
	if errors.Is(err, sql.ErrNoRows) {
		return st, false, nil
	}
	if err != nil {
		return st, false, fmt.Errorf("load capital state: %w", err)
	}
	return st, true, nil
}

func (r *SQLiteRepository) SaveCapitalState(ctx context.Context, st domain.CapitalState) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO capital_state (mode, total_capital, committed_today, quota_remaining, quota_ceiling, last_reset)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(mode) DO UPDATE SET
			total_capital   = excluded.total_capital,
			committed_today = excluded.committed_today,
			quota_remaining = excluded.quota_remaining,
			quota_ceiling   = excluded.quota_ceiling,
			last_reset      = excluded.last_reset
	`, string(st.Mode), st.TotalCapital, st.CommittedToday, st.QuotaRemaining, st.QuotaCeiling, st.LastReset.UTC())
	if err != nil {
		return fmt.Errorf("save capital state: %w", err)
	}
	return nil
}

// ResetAllData 清空所有业务数据（保留表结构）
func (r *SQLiteRepository) ResetAllData(ctx context.Context) error {
	tables := []string{"decisions", "processed_closures", "performance", "positions", "capital_state", "strategies"}
	for _, t := range tables {
		if _, err := r.db.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("清空表 %s 失败: %w", t, err)
		}
	}
	return nil
}

// isAlterTableDuplicate 检查是否为 ALTER TABLE ADD COLUMN 列已存在的错误
func isAlterTableDuplicate(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate column") || strings.Contains(msg, "already exists")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC()
}
