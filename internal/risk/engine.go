package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"signal-trader/internal/alert"
	"signal-trader/internal/exchange"
	"signal-trader/internal/execution"
	"signal-trader/internal/feed"
	"signal-trader/internal/position"
)

// PriceFeed 提供订阅与新鲜度查询。
type PriceFeed interface {
	Subscribe(ctx context.Context, symbol string) <-chan feed.Tick
	GetLatest(symbol string) (feed.Tick, error)
	Staleness() time.Duration
}

// Quoter 在行情中枢尚无该交易对时提供开仓参考价。
type Quoter interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// BalanceSource 查询可用余额，用于平仓数量校正。
type BalanceSource interface {
	FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error)
}

// Checkpoint 持久化持仓快照。
type Checkpoint interface {
	Save(ctx context.Context, p position.Position) error
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context) ([]position.Position, error)
}

// Journal 记录持仓生命周期事件。
type Journal interface {
	RecordPosition(ctx context.Context, action string, pos position.Position, note string)
}

// Metrics 接收引擎指标。
type Metrics interface {
	PositionOpened(symbol string)
	PositionClosed(symbol, reason string)
	ExitAttempt(symbol, outcome string)
	StaleTick(symbol string)
	OpenPositions(n int)
}

// Deps 是显式构造并向下传递的依赖集合，Gateway、Feed、Quotes 必填。
type Deps struct {
	Gateway  execution.Trader
	Feed     PriceFeed
	Quotes   Quoter
	Balances BalanceSource
	Tracker  *position.Tracker
	Notifier alert.Notifier
	Store    Checkpoint
	Journal  Journal
	Metrics  Metrics
}

// Engine 是持仓风控引擎：开仓、为每笔持仓运行监控器、按止损与移动止盈平仓。
type Engine struct {
	deps   Deps
	opts   Options
	logger *zap.Logger

	tracker   *position.Tracker
	whitelist map[string]struct{}
	newID     func() string
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	monitors map[string]*Monitor
	// busy 中的持仓正在平仓或取消，同一时间只允许一个流程
	busy   map[string]struct{}
	closed bool
}

// NewEngine 创建风控引擎。
func NewEngine(deps Deps, opts Options, logger *zap.Logger) (*Engine, error) {
	if deps.Gateway == nil {
		return nil, errors.New("risk: gateway 不能为空")
	}
	if deps.Feed == nil {
		return nil, errors.New("risk: feed 不能为空")
	}
	if deps.Quotes == nil {
		return nil, errors.New("risk: quotes 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Tracker == nil {
		deps.Tracker = position.NewTracker()
	}
	if deps.Notifier == nil {
		deps.Notifier = alert.Nop{}
	}
	if deps.Journal == nil {
		deps.Journal = nopJournal{}
	}
	if deps.Metrics == nil {
		deps.Metrics = nopMetrics{}
	}
	if opts.Exit.MaxAttempts <= 0 {
		opts.Exit.MaxAttempts = 1
	}
	if opts.Exit.MinDelay <= 0 {
		opts.Exit.MinDelay = time.Second
	}
	if opts.Exit.MaxDelay < opts.Exit.MinDelay {
		opts.Exit.MaxDelay = opts.Exit.MinDelay
	}

	whitelist := make(map[string]struct{}, len(opts.Whitelist))
	for _, coin := range opts.Whitelist {
		whitelist[strings.ToUpper(coin)] = struct{}{}
	}
	opts.Quote = strings.ToUpper(opts.Quote)

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		deps:      deps,
		opts:      opts,
		logger:    logger.Named("risk"),
		tracker:   deps.Tracker,
		whitelist: whitelist,
		newID:     uuid.NewString,
		now:       func() time.Time { return time.Now().UTC() },
		ctx:       ctx,
		cancel:    cancel,
		monitors:  make(map[string]*Monitor),
		busy:      make(map[string]struct{}),
	}, nil
}

// OpenPosition 以名义金额市价买入并托管新持仓。
// 任何失败都不会留下持仓；只有确认成交后才登记并启动监控。
func (e *Engine) OpenPosition(ctx context.Context, symbol string, notional decimal.Decimal) (string, error) {
	if e.isClosed() {
		return "", ErrClosed
	}
	if err := e.validateSymbol(symbol); err != nil {
		return "", err
	}
	if !notional.IsPositive() {
		return "", fmt.Errorf("%w: notional %s", ErrInvalidInput, notional)
	}

	// 买单一旦发出，对账、告警与检查点都不能随请求方断开而中止
	ctx = context.WithoutCancel(ctx)

	price, err := e.referencePrice(ctx, symbol)
	if err != nil {
		return "", err
	}

	quantity := notional.Div(price).Truncate(e.opts.QuantityPrecision)
	if !quantity.IsPositive() {
		return "", fmt.Errorf("%w: notional %s too small at price %s", ErrInvalidInput, notional, price)
	}

	fill, err := e.deps.Gateway.PlaceMarketOrder(ctx, symbol, exchange.SideBuy, quantity)
	if err != nil {
		return "", e.entryError(ctx, symbol, quantity, err)
	}

	pos := position.New(e.newID(), symbol, fill.Price, fill.Quantity, e.opts.Params, e.now())
	pos.EntryOrderID = fill.OrderID

	if err := e.tracker.Add(pos); err != nil {
		// 订单已成交但无法托管，只能交给人工
		e.raise(ctx, alert.Alert{
			Level:      alert.LevelCritical,
			Title:      "开仓已成交但未能托管",
			Message:    err.Error(),
			PositionID: pos.ID,
			Symbol:     symbol,
			Fields:     map[string]string{"order_id": fill.OrderID, "quantity": fill.Quantity.String()},
		})
		return "", fmt.Errorf("risk: 登记持仓失败: %w", err)
	}

	e.checkpoint(ctx, pos)
	e.deps.Journal.RecordPosition(ctx, "opened", pos, "")
	e.deps.Metrics.PositionOpened(symbol)
	e.deps.Metrics.OpenPositions(len(e.tracker.ListOpen()))

	e.logger.Info("开仓成功",
		zap.String("position_id", pos.ID),
		zap.String("symbol", symbol),
		zap.Stringer("entry_price", pos.EntryPrice),
		zap.Stringer("quantity", pos.Quantity),
		zap.Stringer("stop_loss", pos.StopLossPrice),
		zap.Stringer("trail_trigger", pos.TrailTriggerPrice),
	)

	if err := e.startMonitor(pos); err != nil {
		// 引擎在开仓途中被关闭，持仓已落盘，重启后由 Recover 接管
		e.logger.Warn("引擎已关闭，持仓未启动监控", zap.String("position_id", pos.ID))
	}
	return pos.ID, nil
}

// ClosePosition 处理外部卖出信号：平掉该交易对全部 OPEN 持仓。
func (e *Engine) ClosePosition(ctx context.Context, symbol string) error {
	open := e.tracker.FindBySymbol(symbol)
	if len(open) == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	var result error
	for _, p := range open {
		err := e.LiquidatePosition(ctx, p.ID)
		if errors.Is(err, ErrExitInProgress) || errors.Is(err, ErrNotFound) {
			// 监控器已先一步触发平仓
			continue
		}
		result = multierr.Append(result, err)
	}
	return result
}

// LiquidatePosition 强制市价平仓。对于重试耗尽后停留在 CLOSING 的持仓，可再次调用以人工重试。
func (e *Engine) LiquidatePosition(ctx context.Context, id string) error {
	if err := e.claimExit(id, true); err != nil {
		return err
	}
	return e.runExit(context.WithoutCancel(ctx), id, ReasonManual)
}

// CancelPosition 停止托管但不平仓，持仓从登记表与检查点中移除。
func (e *Engine) CancelPosition(ctx context.Context, id string) error {
	e.mu.Lock()
	if _, busy := e.busy[id]; busy {
		e.mu.Unlock()
		return ErrExitInProgress
	}
	if _, err := e.tracker.Get(id); err != nil {
		e.mu.Unlock()
		return err
	}
	e.tracker.MarkClosing(id)
	e.busy[id] = struct{}{}
	m := e.monitors[id]
	e.mu.Unlock()
	defer e.release(id)

	if m != nil {
		m.stop()
	}

	final, err := e.tracker.Remove(id)
	if err != nil {
		return err
	}
	e.forget(ctx, final)
	e.deps.Journal.RecordPosition(ctx, "cancelled", final, "")
	e.deps.Metrics.PositionClosed(final.Symbol, string(ReasonCancelled))
	e.deps.Metrics.OpenPositions(len(e.tracker.ListOpen()))

	e.logger.Info("已取消托管，持仓未平仓",
		zap.String("position_id", id),
		zap.String("symbol", final.Symbol),
		zap.Stringer("quantity", final.Quantity),
	)
	return nil
}

// ListOpen 返回 OPEN 与 CLOSING 持仓快照。
func (e *Engine) ListOpen() []position.Position {
	return e.tracker.ListOpen()
}

// MonitorState 返回持仓监控器的当前状态，没有运行中的监控器时返回 false。
func (e *Engine) MonitorState(id string) (MonitorState, bool) {
	e.mu.Lock()
	m, ok := e.monitors[id]
	e.mu.Unlock()
	if !ok {
		return "", false
	}
	return m.State(), true
}

// Recover 从检查点恢复持仓：OPEN 重新启动监控，CLOSING 保留并告警等待人工处理。
func (e *Engine) Recover(ctx context.Context) error {
	if e.deps.Store == nil {
		return nil
	}
	saved, err := e.deps.Store.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("risk: 读取持仓检查点失败: %w", err)
	}

	var restored, stuck int
	for _, p := range saved {
		state := p.State
		p.State = position.StateOpen

		switch state {
		case position.StateOpen:
			if err := e.tracker.Add(p); err != nil {
				e.logger.Warn("恢复持仓失败", zap.String("position_id", p.ID), zap.Error(err))
				continue
			}
			if err := e.startMonitor(p); err != nil {
				return err
			}
			restored++
		case position.StateClosing:
			if err := e.tracker.Add(p); err != nil {
				e.logger.Warn("恢复持仓失败", zap.String("position_id", p.ID), zap.Error(err))
				continue
			}
			e.tracker.MarkClosing(p.ID)
			stuck++
			e.raise(ctx, alert.Alert{
				Level:      alert.LevelCritical,
				Title:      "重启前平仓未完成",
				Message:    "持仓停留在 CLOSING，请核对交易所成交后手动平仓或取消托管",
				PositionID: p.ID,
				Symbol:     p.Symbol,
				Fields:     map[string]string{"quantity": p.Quantity.String()},
			})
		default:
			if err := e.deps.Store.Delete(ctx, p.ID); err != nil {
				e.logger.Warn("清理已关闭持仓失败", zap.String("position_id", p.ID), zap.Error(err))
			}
		}
	}

	e.deps.Metrics.OpenPositions(len(e.tracker.ListOpen()))
	e.logger.Info("持仓恢复完成", zap.Int("monitored", restored), zap.Int("closing", stuck))
	return nil
}

// Shutdown 停止全部监控器并等待进行中的平仓结束，持仓保留在检查点中。
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info("风控引擎已停止", zap.Int("positions", len(e.tracker.ListOpen())))
}

func (e *Engine) validateSymbol(symbol string) error {
	base, quote, ok := exchange.SplitSymbol(symbol)
	if !ok {
		return fmt.Errorf("%w: %q", ErrInvalidSymbol, symbol)
	}
	if quote != e.opts.Quote {
		return fmt.Errorf("%w: %q quote must be %s", ErrInvalidSymbol, symbol, e.opts.Quote)
	}
	if _, ok := e.whitelist[base]; !ok {
		return fmt.Errorf("%w: %q not whitelisted", ErrInvalidSymbol, symbol)
	}
	return nil
}

func (e *Engine) referencePrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if tick, err := e.deps.Feed.GetLatest(symbol); err == nil {
		return tick.Price, nil
	}

	ticker, err := e.deps.Quotes.FetchTicker(ctx, symbol)
	if err != nil {
		if exchange.ClassifyOrderError(err) == exchange.KindRejected {
			return decimal.Zero, fmt.Errorf("%w: %w", ErrInvalidSymbol, err)
		}
		return decimal.Zero, fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
	if !ticker.Last.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrExchangeUnavailable, symbol)
	}
	return ticker.Last, nil
}

func (e *Engine) entryError(ctx context.Context, symbol string, quantity decimal.Decimal, err error) error {
	switch exchange.KindOf(err) {
	case exchange.KindRejected:
		if errors.Is(err, execution.ErrInvalidQuantity) {
			return fmt.Errorf("%w: %w", ErrInvalidInput, err)
		}
		return fmt.Errorf("%w: %w", ErrOrderRejected, err)
	case exchange.KindTransient:
		return fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	default:
		var clientID string
		var orderErr *exchange.OrderError
		if errors.As(err, &orderErr) {
			clientID = orderErr.ClientOrderID
		}
		e.raise(ctx, alert.Alert{
			Level:   alert.LevelCritical,
			Title:   "开仓结果未知",
			Message: "买单可能已成交但未能确认，未创建持仓，请核对交易所",
			Symbol:  symbol,
			Fields: map[string]string{
				"client_order_id": clientID,
				"quantity":        quantity.String(),
				"error":           err.Error(),
			},
		})
		return fmt.Errorf("%w: %w", ErrExchangeUnavailable, err)
	}
}

func (e *Engine) startMonitor(pos position.Position) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}

	ctx, cancel := context.WithCancel(e.ctx)
	m := newMonitor(e, pos, cancel)
	e.monitors[pos.ID] = m
	ticks := e.deps.Feed.Subscribe(ctx, pos.Symbol)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		defer e.detach(pos.ID, m)
		m.run(ctx, ticks)
	}()
	return nil
}

func (e *Engine) detach(id string, m *Monitor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitors[id] == m {
		delete(e.monitors, id)
	}
}

// claimExit 在引擎锁内完成 OPEN→CLOSING 切换并占用平仓权。
// manual 为 true 时允许对没有进行中流程的 CLOSING 持仓再次平仓，并接管其监控器。
func (e *Engine) claimExit(id string, manual bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.busy[id]; busy {
		return ErrExitInProgress
	}
	pos, err := e.tracker.Get(id)
	if err != nil {
		return err
	}
	if !e.tracker.MarkClosing(id) {
		if !manual || pos.State != position.StateClosing {
			return ErrExitInProgress
		}
	}
	e.busy[id] = struct{}{}

	if manual {
		if m, ok := e.monitors[id]; ok {
			m.cancel()
		}
	}
	return nil
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.busy, id)
	e.mu.Unlock()
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func (e *Engine) checkpoint(ctx context.Context, pos position.Position) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.Save(ctx, pos); err != nil {
		e.logger.Warn("保存持仓检查点失败", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func (e *Engine) forget(ctx context.Context, pos position.Position) {
	if e.deps.Store == nil {
		return
	}
	if err := e.deps.Store.Delete(ctx, pos.ID); err != nil {
		e.logger.Warn("删除持仓检查点失败", zap.String("position_id", pos.ID), zap.Error(err))
	}
}

func (e *Engine) raise(ctx context.Context, a alert.Alert) {
	if a.Time.IsZero() {
		a.Time = e.now()
	}
	if err := e.deps.Notifier.Notify(ctx, a); err != nil {
		e.logger.Error("发送告警失败", zap.String("title", a.Title), zap.Error(err))
	}
}

type nopJournal struct{}

func (nopJournal) RecordPosition(context.Context, string, position.Position, string) {}

type nopMetrics struct{}

func (nopMetrics) PositionOpened(string)         {}
func (nopMetrics) PositionClosed(string, string) {}
func (nopMetrics) ExitAttempt(string, string)    {}
func (nopMetrics) StaleTick(string)              {}
func (nopMetrics) OpenPositions(int)             {}
