package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/position"
)

// PositionRepository 把持仓快照写入 SQLite，供重启后恢复。
// 价格与数量以 TEXT 保存，避免浮点误差。
type PositionRepository struct {
	db *sql.DB
}

// NewPositionRepository 创建持仓检查点仓库并初始化表结构。
func NewPositionRepository(s *Store) (*PositionRepository, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store: 数据库实例不能为空")
	}
	repo := &PositionRepository{db: s.db}
	if err := repo.initSchema(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *PositionRepository) initSchema() error {
	stmt := `
CREATE TABLE IF NOT EXISTS positions (
	id TEXT PRIMARY KEY,
	symbol TEXT NOT NULL,
	side TEXT NOT NULL,
	entry_price TEXT NOT NULL,
	quantity TEXT NOT NULL,
	stop_loss_price TEXT NOT NULL,
	trail_trigger_price TEXT NOT NULL,
	trail_gap TEXT NOT NULL,
	trail_active INTEGER NOT NULL DEFAULT 0,
	peak_price TEXT NOT NULL,
	trail_stop_price TEXT NOT NULL,
	state TEXT NOT NULL,
	entry_order_id TEXT NOT NULL DEFAULT '',
	opened_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol);
`
	if _, err := r.db.Exec(stmt); err != nil {
		return fmt.Errorf("store: 初始化持仓表失败: %w", err)
	}
	return nil
}

// Save 写入或覆盖持仓快照。
func (r *PositionRepository) Save(ctx context.Context, p position.Position) error {
	trailActive := 0
	if p.TrailActive {
		trailActive = 1
	}

	_, err := r.db.ExecContext(ctx, `
INSERT INTO positions (
	id, symbol, side, entry_price, quantity, stop_loss_price, trail_trigger_price, trail_gap,
	trail_active, peak_price, trail_stop_price, state, entry_order_id, opened_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	trail_active = excluded.trail_active,
	peak_price = excluded.peak_price,
	trail_stop_price = excluded.trail_stop_price,
	state = excluded.state,
	updated_at = excluded.updated_at`,
		p.ID, p.Symbol, string(p.Side),
		p.EntryPrice.String(), p.Quantity.String(),
		p.StopLossPrice.String(), p.TrailTriggerPrice.String(), p.TrailGap.String(),
		trailActive, p.PeakPrice.String(), p.TrailStopPrice.String(),
		string(p.State), p.EntryOrderID,
		formatTime(p.OpenedAt), formatTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("store: 保存持仓 %s 失败: %w", p.ID, err)
	}
	return nil
}

// Delete 删除持仓快照，记录不存在时不报错。
func (r *PositionRepository) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM positions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("store: 删除持仓 %s 失败: %w", id, err)
	}
	return nil
}

// LoadAll 读取全部持仓快照，按开仓时间排序。
func (r *PositionRepository) LoadAll(ctx context.Context) ([]position.Position, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, symbol, side, entry_price, quantity, stop_loss_price, trail_trigger_price, trail_gap,
	trail_active, peak_price, trail_stop_price, state, entry_order_id, opened_at, updated_at
FROM positions ORDER BY opened_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store: 查询持仓失败: %w", err)
	}
	defer rows.Close()

	var out []position.Position
	for rows.Next() {
		var (
			p                                               position.Position
			side, state                                     string
			entry, qty, stopLoss, trigger, gap, peak, trail string
			trailActive                                     int
			openedAt, updatedAt                             string
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &side, &entry, &qty, &stopLoss, &trigger, &gap,
			&trailActive, &peak, &trail, &state, &p.EntryOrderID, &openedAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("store: 解析持仓失败: %w", err)
		}

		p.Side = position.Side(side)
		p.State = position.State(state)
		p.TrailActive = trailActive == 1

		fields := []struct {
			raw string
			dst *decimal.Decimal
		}{
			{entry, &p.EntryPrice},
			{qty, &p.Quantity},
			{stopLoss, &p.StopLossPrice},
			{trigger, &p.TrailTriggerPrice},
			{gap, &p.TrailGap},
			{peak, &p.PeakPrice},
			{trail, &p.TrailStopPrice},
		}
		for _, f := range fields {
			v, parseErr := decimal.NewFromString(f.raw)
			if parseErr != nil {
				return nil, fmt.Errorf("store: 持仓 %s 数值 %q 无效: %w", p.ID, f.raw, parseErr)
			}
			*f.dst = v
		}

		if p.OpenedAt, err = parseTime(openedAt); err != nil {
			return nil, fmt.Errorf("store: 持仓 %s 开仓时间无效: %w", p.ID, err)
		}
		if p.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("store: 持仓 %s 更新时间无效: %w", p.ID, err)
		}

		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: 读取持仓失败: %w", err)
	}
	return out, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
