package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/quantbot/goquant/internal/domain"
)

// ErrPositionNotFound 表示账本中没有该标的的仓位
var ErrPositionNotFound = errors.New("ledger: position not found")

// Ledger 仓位/权益账本（sqlite）。
//
// 风控的回撤与相关性检查都来自这里的真实历史序列：
//   - equity_history: 每日组合权益，滚动峰谷回撤的数据源
//   - symbol_returns: 每日标的收益率，60 日相关性检查的数据源
//
// 常量或零值的替身会悄悄废掉熔断，所以这两张表是风控正确性的一部分。
type Ledger struct {
	db *sql.DB
}

// EquityPoint 单日权益点
type EquityPoint struct {
	Day    string // YYYY-MM-DD
	Equity float64
	Cash   float64
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS positions (
	symbol      TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	sector      TEXT NOT NULL DEFAULT '',
	quantity    TEXT NOT NULL,
	avg_price   TEXT NOT NULL,
	cost_basis  TEXT NOT NULL,
	direction   TEXT NOT NULL,
	opened_at   INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS equity_history (
	day    TEXT PRIMARY KEY,
	equity REAL NOT NULL,
	cash   REAL NOT NULL
);
CREATE TABLE IF NOT EXISTS symbol_returns (
	symbol TEXT NOT NULL,
	day    TEXT NOT NULL,
	ret    REAL NOT NULL,
	PRIMARY KEY (symbol, day)
);
CREATE INDEX IF NOT EXISTS idx_symbol_returns_day ON symbol_returns(day);
CREATE TABLE IF NOT EXISTS strategy_equity (
	strategy_id TEXT NOT NULL,
	day         TEXT NOT NULL,
	equity      REAL NOT NULL,
	PRIMARY KEY (strategy_id, day)
);
`

// OpenLedger 打开（或创建）账本
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	// sqlite 单写者，限制连接数避免 SQLITE_BUSY
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: init schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close 关闭账本
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// UpsertPosition 写入/更新仓位。数量为零的仓位直接删除。
func (l *Ledger) UpsertPosition(ctx context.Context, p domain.Position) error {
	if p.Symbol == "" {
		return fmt.Errorf("ledger: position missing symbol")
	}
	if p.Quantity.IsZero() {
		_, err := l.db.ExecContext(ctx, `DELETE FROM positions WHERE symbol = ?`, p.Symbol)
		return err
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO positions (symbol, strategy_id, sector, quantity, avg_price, cost_basis, direction, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			strategy_id = excluded.strategy_id,
			sector      = excluded.sector,
			quantity    = excluded.quantity,
			avg_price   = excluded.avg_price,
			cost_basis  = excluded.cost_basis,
			direction   = excluded.direction,
			updated_at  = excluded.updated_at`,
		p.Symbol, p.StrategyID, p.Sector,
		p.Quantity.String(), p.AvgPrice.String(), p.CostBasis.String(),
		string(p.Direction), p.OpenedAt.Unix(), time.Now().Unix())
	return err
}

// GetPosition 查询单个仓位
func (l *Ledger) GetPosition(ctx context.Context, symbol string) (domain.Position, error) {
	row := l.db.QueryRowContext(ctx, `
		SELECT symbol, strategy_id, sector, quantity, avg_price, cost_basis, direction, opened_at, updated_at
		FROM positions WHERE symbol = ?`, symbol)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, ErrPositionNotFound
	}
	return p, err
}

// Positions 返回全部仓位（symbol -> Position）
func (l *Ledger) Positions(ctx context.Context) (map[string]domain.Position, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT symbol, strategy_id, sector, quantity, avg_price, cost_basis, direction, opened_at, updated_at
		FROM positions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.Position)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out[p.Symbol] = p
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		p                        domain.Position
		qty, avgPrice, costBasis string
		direction                string
		openedAt, updatedAt      int64
	)
	if err := row.Scan(&p.Symbol, &p.StrategyID, &p.Sector, &qty, &avgPrice, &costBasis, &direction, &openedAt, &updatedAt); err != nil {
		return domain.Position{}, err
	}
	var err error
	if p.Quantity, err = decimal.NewFromString(qty); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: bad quantity %q: %w", qty, err)
	}
	if p.AvgPrice, err = decimal.NewFromString(avgPrice); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: bad avg_price %q: %w", avgPrice, err)
	}
	if p.CostBasis, err = decimal.NewFromString(costBasis); err != nil {
		return domain.Position{}, fmt.Errorf("ledger: bad cost_basis %q: %w", costBasis, err)
	}
	p.Direction = domain.Direction(direction)
	p.OpenedAt = time.Unix(openedAt, 0)
	p.UpdatedAt = time.Unix(updatedAt, 0)
	return p, nil
}

// AppendEquityPoint 记录某日的组合权益（同一天重复写入则覆盖）
func (l *Ledger) AppendEquityPoint(ctx context.Context, day string, equity, cash float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO equity_history (day, equity, cash) VALUES (?, ?, ?)
		ON CONFLICT(day) DO UPDATE SET equity = excluded.equity, cash = excluded.cash`,
		day, equity, cash)
	return err
}

// EquityHistory 返回最近 windowDays 个权益点，按日期升序
func (l *Ledger) EquityHistory(ctx context.Context, windowDays int) ([]EquityPoint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT day, equity, cash FROM (
			SELECT day, equity, cash FROM equity_history ORDER BY day DESC LIMIT ?
		) ORDER BY day ASC`, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.Day, &p.Equity, &p.Cash); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// RecordReturn 记录标的某日收益率
func (l *Ledger) RecordReturn(ctx context.Context, symbol, day string, ret float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO symbol_returns (symbol, day, ret) VALUES (?, ?, ?)
		ON CONFLICT(symbol, day) DO UPDATE SET ret = excluded.ret`,
		symbol, day, ret)
	return err
}

// ReturnsSeries 返回标的最近 windowDays 的日收益率（day -> ret）
func (l *Ledger) ReturnsSeries(ctx context.Context, symbol string, windowDays int) (map[string]float64, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT day, ret FROM symbol_returns
		WHERE symbol = ? ORDER BY day DESC LIMIT ?`, symbol, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var day string
		var ret float64
		if err := rows.Scan(&day, &ret); err != nil {
			return nil, err
		}
		out[day] = ret
	}
	return out, rows.Err()
}

// AppendStrategyEquity 记录某策略某日的权益
func (l *Ledger) AppendStrategyEquity(ctx context.Context, strategyID, day string, equity float64) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO strategy_equity (strategy_id, day, equity) VALUES (?, ?, ?)
		ON CONFLICT(strategy_id, day) DO UPDATE SET equity = excluded.equity`,
		strategyID, day, equity)
	return err
}

// StrategyEquityHistory 返回策略最近 windowDays 的权益序列，按日期升序。
// 资金分配器用它计算 sharpe_3m 和当前回撤。
func (l *Ledger) StrategyEquityHistory(ctx context.Context, strategyID string, windowDays int) ([]EquityPoint, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT day, equity FROM (
			SELECT day, equity FROM strategy_equity WHERE strategy_id = ? ORDER BY day DESC LIMIT ?
		) ORDER BY day ASC`, strategyID, windowDays)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		if err := rows.Scan(&p.Day, &p.Equity); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// OpenPosition 实现去重器需要的持仓只读视图
func (l *Ledger) OpenPosition(ctx context.Context, symbol string) (domain.Position, bool) {
	p, err := l.GetPosition(ctx, symbol)
	if err != nil {
		return domain.Position{}, false
	}
	return p, !p.Quantity.IsZero()
}

// Snapshot 组装当前组合快照（风控请求携带的只读引用）。
// equity/cash 取最近一个权益点；没有历史时退化为零值快照。
func (l *Ledger) Snapshot(ctx context.Context) (*domain.PortfolioSnapshot, error) {
	positions, err := l.Positions(ctx)
	if err != nil {
		return nil, err
	}
	snap := &domain.PortfolioSnapshot{
		Positions: positions,
		TakenAt:   time.Now(),
	}
	row := l.db.QueryRowContext(ctx, `SELECT equity, cash FROM equity_history ORDER BY day DESC LIMIT 1`)
	var equity, cash float64
	switch err := row.Scan(&equity, &cash); {
	case err == nil:
		snap.Equity = decimal.NewFromFloat(equity)
		snap.Cash = decimal.NewFromFloat(cash)
	case errors.Is(err, sql.ErrNoRows):
		// 账本里还没有权益历史，快照保持零值
	default:
		return nil, err
	}
	return snap, nil
}
