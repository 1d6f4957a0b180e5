package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/exchange"
)

// ErrInvalidQuantity 表示按精度截断后的下单数量不为正。
var ErrInvalidQuantity = errors.New("execution: 下单数量无效")

type orderClient interface {
	CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error)
	FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error)
}

// Gateway 是唯一会改变交易所状态的组件：提交市价单并确认成交。
// 每次调用都有超时，超时或响应不明确时先按客户端订单号查询，查清之前不会重下。
type Gateway struct {
	client orderClient
	logger *zap.Logger
	opts   Options
	newID  func() string
}

// NewGateway 创建下单网关。
func NewGateway(client orderClient, opts Options, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Gateway{
		client: client,
		logger: logger.Named("gateway"),
		opts:   opts,
		newID:  newClientOrderID,
	}
}

// PlaceMarketOrder 提交市价单并返回实际成交。
// 错误统一为 *exchange.OrderError，调用方按 Kind 区分重试、放弃或对账。
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity decimal.Decimal) (Fill, error) {
	amount := quantity.Truncate(g.opts.QuantityPrecision)
	if !amount.IsPositive() {
		return Fill{}, &exchange.OrderError{
			Kind:   exchange.KindRejected,
			Symbol: symbol,
			Err:    fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity),
		}
	}

	if err := ctx.Err(); err != nil {
		// 尚未发单，可安全重试
		return Fill{}, &exchange.OrderError{Kind: exchange.KindTransient, Symbol: symbol, Err: err}
	}

	clientID := g.newID()
	params := map[string]interface{}{
		"newClientOrderId": clientID,
	}

	start := time.Now()
	order, err := callWithTimeout(ctx, g.opts.Timeout, func() (ccxt.Order, error) {
		return g.client.CreateMarketOrder(symbol, string(side), amount.InexactFloat64(), ccxt.WithCreateMarketOrderParams(params))
	})
	latency := time.Since(start)

	if err != nil {
		kind := exchange.ClassifyOrderError(err)
		g.logger.Warn("市价单提交失败",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("client_order_id", clientID),
			zap.Stringer("kind", kind),
			zap.Duration("latency", latency),
			zap.Error(err),
		)
		if kind != exchange.KindUnknown {
			return Fill{}, &exchange.OrderError{Kind: kind, Symbol: symbol, ClientOrderID: clientID, Err: err}
		}
		// 订单可能已送达交易所，对账不受调用方取消影响
		return g.Reconcile(context.WithoutCancel(ctx), symbol, side, clientID)
	}

	fill, executed := toFill(order, symbol, side, clientID)
	if executed {
		g.logger.Info("市价单已成交",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.String("order_id", fill.OrderID),
			zap.Stringer("price", fill.Price),
			zap.Stringer("quantity", fill.Quantity),
			zap.Duration("latency", latency),
		)
		return fill, nil
	}

	if isFinalStatus(order.Status) {
		return Fill{}, &exchange.OrderError{
			Kind:          exchange.KindTransient,
			Symbol:        symbol,
			ClientOrderID: clientID,
			Err:           fmt.Errorf("execution: 订单状态 %s 且无成交", deref(order.Status)),
		}
	}

	// 交易所已受理但回报中还没有成交信息
	return g.Reconcile(context.WithoutCancel(ctx), symbol, side, clientID)
}

// Reconcile 按客户端订单号查询订单状态以消除不确定性。
// 已成交返回 Fill；确认未成交返回 KindTransient，可以安全重下；仍无法确定时返回 KindUnknown。
func (g *Gateway) Reconcile(ctx context.Context, symbol string, side exchange.Side, clientOrderID string) (Fill, error) {
	order, err := callWithTimeout(ctx, g.opts.Timeout, func() (ccxt.Order, error) {
		return g.client.FetchOrder("",
			ccxt.WithFetchOrderSymbol(symbol),
			ccxt.WithFetchOrderParams(map[string]interface{}{"origClientOrderId": clientOrderID}),
		)
	})
	if err != nil {
		if exchange.IsOrderNotFound(err) {
			g.logger.Info("对账确认订单不存在",
				zap.String("symbol", symbol),
				zap.String("client_order_id", clientOrderID),
			)
			return Fill{}, &exchange.OrderError{
				Kind:          exchange.KindTransient,
				Symbol:        symbol,
				ClientOrderID: clientOrderID,
				Err:           exchange.ErrOrderNotFound,
			}
		}
		g.logger.Warn("订单对账失败", zap.String("client_order_id", clientOrderID), zap.Error(err))
		return Fill{}, &exchange.OrderError{Kind: exchange.KindUnknown, Symbol: symbol, ClientOrderID: clientOrderID, Err: err}
	}

	fill, executed := toFill(order, symbol, side, clientOrderID)
	if executed {
		g.logger.Info("对账确认订单已成交",
			zap.String("client_order_id", clientOrderID),
			zap.Stringer("price", fill.Price),
			zap.Stringer("quantity", fill.Quantity),
		)
		return fill, nil
	}
	if isFinalStatus(order.Status) {
		return Fill{}, &exchange.OrderError{
			Kind:          exchange.KindTransient,
			Symbol:        symbol,
			ClientOrderID: clientOrderID,
			Err:           fmt.Errorf("execution: 订单状态 %s 且无成交", deref(order.Status)),
		}
	}

	return Fill{}, &exchange.OrderError{
		Kind:          exchange.KindUnknown,
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		Err:           fmt.Errorf("execution: 订单仍处于 %s", deref(order.Status)),
	}
}

// callWithTimeout 为不支持 context 的 ccxt 调用加上超时，超时返回 context.DeadlineExceeded。
func callWithTimeout(ctx context.Context, timeout time.Duration, fn func() (ccxt.Order, error)) (ccxt.Order, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		order ccxt.Order
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("execution: ccxt panic: %v", r)}
			}
		}()
		order, err := fn()
		done <- result{order: order, err: err}
	}()

	select {
	case res := <-done:
		return res.order, res.err
	case <-callCtx.Done():
		return ccxt.Order{}, callCtx.Err()
	}
}

func toFill(order ccxt.Order, symbol string, side exchange.Side, clientID string) (Fill, bool) {
	filled := exactField(order.Info, "executedQty", order.Filled)
	if !filled.IsPositive() {
		return Fill{}, false
	}

	price := decimal.Zero
	if quote := exactField(order.Info, "cummulativeQuoteQty", order.Cost); quote.IsPositive() {
		price = quote.DivRound(filled, 8)
	}
	if !price.IsPositive() {
		price = exactField(nil, "", order.Average)
	}
	if !price.IsPositive() {
		price = exactField(nil, "", order.Price)
	}

	ts := time.Now().UTC()
	if order.Timestamp != nil && *order.Timestamp > 0 {
		ts = time.UnixMilli(*order.Timestamp).UTC()
	}

	return Fill{
		OrderID:       deref(order.Id),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      filled,
		Time:          ts,
	}, true
}

func exactField(info map[string]interface{}, key string, fallback *float64) decimal.Decimal {
	if info != nil {
		if s, ok := info[key].(string); ok {
			if v, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
				return v
			}
		}
	}
	if fallback != nil {
		return decimal.NewFromFloat(*fallback)
	}
	return decimal.Zero
}

func isFinalStatus(status *string) bool {
	switch strings.ToLower(deref(status)) {
	case "canceled", "cancelled", "expired", "rejected":
		return true
	default:
		return false
	}
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func newClientOrderID() string {
	return "st" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
