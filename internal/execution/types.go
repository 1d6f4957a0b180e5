package execution

import (
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/exchange"
)

// Fill 是一笔已确认成交的市价单。
// Quantity 为实际成交数量，可能因部分成交或精度截断小于请求数量。
type Fill struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          exchange.Side
	Price         decimal.Decimal
	Quantity      decimal.Decimal
	Time          time.Time
}

// Options 控制下单参数。
type Options struct {
	Timeout           time.Duration
	QuantityPrecision int32
}
