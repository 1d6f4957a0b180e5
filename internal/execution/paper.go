package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/exchange"
)

// ErrInsufficientBalance 表示模拟账户余额不足。
var ErrInsufficientBalance = errors.New("execution: 模拟账户余额不足")

// defaultFillHistory 是模拟网关保留用于对账的最近成交数。
const defaultFillHistory = 1024

type quoteSource interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// PaperOptions 控制模拟账户。
type PaperOptions struct {
	Quote   string
	Balance decimal.Decimal
	// FeeRate 按成交数量从买入的 base 资产中扣除，与现货默认扣费方式一致
	FeeRate decimal.Decimal
}

// PaperGateway 以最新成交价即时撮合市价单，不向交易所发送任何订单。
// 同时充当余额来源，平仓数量校正在模拟模式下同样生效。
type PaperGateway struct {
	quotes quoteSource
	opts   Options
	paper  PaperOptions
	logger *zap.Logger
	newID  func() string
	now    func() time.Time

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	fills     map[string]Fill
	fillOrder []string
	maxFills  int
	seq       int
}

var _ Trader = (*PaperGateway)(nil)

// NewPaperGateway 创建模拟下单网关，初始只持有 Balance 数量的计价币。
func NewPaperGateway(quotes quoteSource, opts Options, paper PaperOptions, logger *zap.Logger) *PaperGateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	paper.Quote = strings.ToUpper(paper.Quote)
	return &PaperGateway{
		quotes:   quotes,
		opts:     opts,
		paper:    paper,
		logger:   logger.Named("paper"),
		newID:    newClientOrderID,
		now:      func() time.Time { return time.Now().UTC() },
		balances: map[string]decimal.Decimal{paper.Quote: paper.Balance},
		fills:    make(map[string]Fill),
		maxFills: defaultFillHistory,
	}
}

// PlaceMarketOrder 实现 Trader。
func (g *PaperGateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity decimal.Decimal) (Fill, error) {
	amount := quantity.Truncate(g.opts.QuantityPrecision)
	if !amount.IsPositive() {
		return Fill{}, &exchange.OrderError{
			Kind:   exchange.KindRejected,
			Symbol: symbol,
			Err:    fmt.Errorf("%w: %s", ErrInvalidQuantity, quantity),
		}
	}
	base, quote, ok := exchange.SplitSymbol(symbol)
	if !ok {
		return Fill{}, &exchange.OrderError{Kind: exchange.KindRejected, Symbol: symbol, Err: fmt.Errorf("execution: 交易对格式错误 %q", symbol)}
	}

	ticker, err := g.quotes.FetchTicker(ctx, symbol)
	if err != nil {
		// 尚未撮合，行情失败都可以安全重试
		kind := exchange.KindTransient
		if exchange.ClassifyOrderError(err) == exchange.KindRejected {
			kind = exchange.KindRejected
		}
		return Fill{}, &exchange.OrderError{Kind: kind, Symbol: symbol, Err: err}
	}
	price := ticker.Last
	if !price.IsPositive() {
		return Fill{}, &exchange.OrderError{Kind: exchange.KindTransient, Symbol: symbol, Err: fmt.Errorf("execution: %s 无有效价格", symbol)}
	}

	clientID := g.newID()
	cost := amount.Mul(price)

	g.mu.Lock()
	defer g.mu.Unlock()

	switch side {
	case exchange.SideBuy:
		if g.balances[quote].LessThan(cost) {
			return Fill{}, g.rejectLocked(symbol, clientID, quote, cost)
		}
		fee := amount.Mul(g.paper.FeeRate)
		g.balances[quote] = g.balances[quote].Sub(cost)
		g.balances[base] = g.balances[base].Add(amount.Sub(fee))
	case exchange.SideSell:
		if g.balances[base].LessThan(amount) {
			return Fill{}, g.rejectLocked(symbol, clientID, base, amount)
		}
		g.balances[base] = g.balances[base].Sub(amount)
		g.balances[quote] = g.balances[quote].Add(cost)
	default:
		return Fill{}, &exchange.OrderError{Kind: exchange.KindRejected, Symbol: symbol, Err: fmt.Errorf("execution: 不支持的方向 %q", side)}
	}

	g.seq++
	fill := Fill{
		OrderID:       fmt.Sprintf("paper-%d", g.seq),
		ClientOrderID: clientID,
		Symbol:        symbol,
		Side:          side,
		Price:         price,
		Quantity:      amount,
		Time:          g.now(),
	}
	g.rememberLocked(fill)

	g.logger.Info("模拟成交",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Stringer("price", price),
		zap.Stringer("quantity", amount),
		zap.Stringer(quote, g.balances[quote]),
	)
	return fill, nil
}

// rememberLocked 记录成交供对账，超出上限时丢弃最早的记录。
func (g *PaperGateway) rememberLocked(fill Fill) {
	g.fills[fill.ClientOrderID] = fill
	g.fillOrder = append(g.fillOrder, fill.ClientOrderID)
	for len(g.fillOrder) > g.maxFills {
		delete(g.fills, g.fillOrder[0])
		g.fillOrder = g.fillOrder[1:]
	}
}

func (g *PaperGateway) rejectLocked(symbol, clientID, asset string, need decimal.Decimal) error {
	return &exchange.OrderError{
		Kind:          exchange.KindRejected,
		Symbol:        symbol,
		ClientOrderID: clientID,
		Err:           fmt.Errorf("%w: %s 需要 %s，可用 %s", ErrInsufficientBalance, asset, need, g.balances[asset]),
	}
}

// Reconcile 实现 Trader。模拟撮合没有不确定状态，只查询已记录的成交。
func (g *PaperGateway) Reconcile(_ context.Context, symbol string, _ exchange.Side, clientOrderID string) (Fill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if fill, ok := g.fills[clientOrderID]; ok {
		return fill, nil
	}
	return Fill{}, &exchange.OrderError{
		Kind:          exchange.KindTransient,
		Symbol:        symbol,
		ClientOrderID: clientOrderID,
		Err:           exchange.ErrOrderNotFound,
	}
}

// FreeBalance 返回模拟账户中资产的可用余额。
func (g *PaperGateway) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.balances[strings.ToUpper(asset)], nil
}
