package position

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示持仓方向，目前只开多头仓位。
type Side string

const (
	SideLong Side = "LONG"
)

// State 表示持仓生命周期。
type State string

const (
	StateOpen    State = "OPEN"
	StateClosing State = "CLOSING"
	StateClosed  State = "CLOSED"
)

// Position 是一笔受风控保护的持仓，也是持久化的最小单元。
type Position struct {
	ID                string          `json:"id"`
	Symbol            string          `json:"symbol"`
	Side              Side            `json:"side"`
	EntryPrice        decimal.Decimal `json:"entry_price"`
	Quantity          decimal.Decimal `json:"quantity"`
	StopLossPrice     decimal.Decimal `json:"stop_loss_price"`
	TrailTriggerPrice decimal.Decimal `json:"trail_trigger_price"`
	TrailGap          decimal.Decimal `json:"trail_gap"`
	TrailActive       bool            `json:"trail_active"`
	PeakPrice         decimal.Decimal `json:"peak_price"`
	TrailStopPrice    decimal.Decimal `json:"trail_stop_price"`
	State             State           `json:"state"`
	EntryOrderID      string          `json:"entry_order_id,omitempty"`
	OpenedAt          time.Time       `json:"opened_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Params 为开仓时计算保护价所需的比例参数。
type Params struct {
	StopLossPercent decimal.Decimal
	TrailStart      decimal.Decimal
	TrailGap        decimal.Decimal
}

// New 根据成交价与数量构造 OPEN 状态的持仓，止损与移动止盈触发价在此一次性确定。
func New(id, symbol string, entryPrice, quantity decimal.Decimal, params Params, now time.Time) Position {
	one := decimal.NewFromInt(1)
	return Position{
		ID:                id,
		Symbol:            symbol,
		Side:              SideLong,
		EntryPrice:        entryPrice,
		Quantity:          quantity,
		StopLossPrice:     entryPrice.Mul(one.Sub(params.StopLossPercent)),
		TrailTriggerPrice: entryPrice.Mul(one.Add(params.TrailStart)),
		TrailGap:          params.TrailGap,
		State:             StateOpen,
		OpenedAt:          now,
		UpdatedAt:         now,
	}
}

// TrailStopFor 返回给定峰值下的移动止盈价。
func (p Position) TrailStopFor(peak decimal.Decimal) decimal.Decimal {
	return peak.Mul(decimal.NewFromInt(1).Sub(p.TrailGap))
}

// Base 返回交易对的 base 资产，如 "BTC/EUR" 返回 "BTC"。
func (p Position) Base() string {
	base, _, _ := strings.Cut(p.Symbol, "/")
	return base
}
