package execution

import (
	"context"

	"github.com/shopspring/decimal"

	"signal-trader/internal/exchange"
)

// Trader 抽象下单网关，方便切换真实或模拟下单。
type Trader interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity decimal.Decimal) (Fill, error)
	Reconcile(ctx context.Context, symbol string, side exchange.Side, clientOrderID string) (Fill, error)
}

var _ Trader = (*Gateway)(nil)
