package exchange

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side 表示下单方向，取值与 ccxt 一致。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Ticker 为单个交易对的最新成交价。
type Ticker struct {
	Symbol string
	Last   decimal.Decimal
	Time   time.Time
}

// SplitSymbol 将统一格式的交易对 "BTC/EUR" 拆成 base 与 quote。
func SplitSymbol(symbol string) (base, quote string, ok bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// StreamName 返回 Binance 行情流使用的小写无分隔交易对，如 "btceur"。
func StreamName(symbol string) string {
	return strings.ToLower(strings.ReplaceAll(symbol, "/", ""))
}
