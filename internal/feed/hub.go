package feed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrStale 表示在新鲜度窗口内没有收到行情，调用方应跳过本轮而不是沿用旧价。
var ErrStale = errors.New("feed: price is stale")

// Tick 是一次价格观察。
type Tick struct {
	Symbol     string
	Price      decimal.Decimal
	Time       time.Time
	ReceivedAt time.Time
}

// Source 为单个交易对产生行情，断线或出错时返回，由 Hub 负责重启。
type Source interface {
	Run(ctx context.Context, symbol string, emit func(Tick)) error
}

// HubOptions 控制新鲜度与重启退避。
type HubOptions struct {
	Staleness       time.Duration
	RestartMinDelay time.Duration
	RestartMaxDelay time.Duration
}

// Hub 每个被订阅的交易对运行一个 goroutine，把行情扇出给所有订阅者。
// 订阅者通道只保留最新一笔，消费慢时旧行情被覆盖。
type Hub struct {
	source Source
	opts   HubOptions
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolFeed
	nextID  int
	closed  bool
}

type symbolFeed struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	latest Tick
	subs   map[int]chan Tick
}

// NewHub 创建行情中枢。
func NewHub(source Source, opts HubOptions, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Staleness <= 0 {
		opts.Staleness = 15 * time.Second
	}
	if opts.RestartMinDelay <= 0 {
		opts.RestartMinDelay = time.Second
	}
	if opts.RestartMaxDelay < opts.RestartMinDelay {
		opts.RestartMaxDelay = opts.RestartMinDelay
	}
	return &Hub{
		source:  source,
		opts:    opts,
		logger:  logger.Named("feed"),
		now:     func() time.Time { return time.Now().UTC() },
		symbols: make(map[string]*symbolFeed),
	}
}

// Staleness 返回新鲜度阈值。
func (h *Hub) Staleness() time.Duration {
	return h.opts.Staleness
}

// Subscribe 返回交易对的行情通道，ctx 结束时自动退订并关闭通道。
// 第一个订阅者启动该交易对的行情源，最后一个退订时停止。
func (h *Hub) Subscribe(ctx context.Context, symbol string) <-chan Tick {
	ch := make(chan Tick, 1)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch
	}
	sf, ok := h.symbols[symbol]
	if !ok {
		sf = h.startLocked(symbol)
	}
	h.nextID++
	id := h.nextID
	sf.mu.Lock()
	sf.subs[id] = ch
	sf.mu.Unlock()
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.unsubscribe(symbol, id)
	}()

	return ch
}

// GetLatest 返回最新行情，窗口内没有新行情时返回 ErrStale。
func (h *Hub) GetLatest(symbol string) (Tick, error) {
	h.mu.Lock()
	sf, ok := h.symbols[symbol]
	h.mu.Unlock()
	if !ok {
		return Tick{}, ErrStale
	}

	sf.mu.Lock()
	latest := sf.latest
	sf.mu.Unlock()

	if latest.ReceivedAt.IsZero() || h.now().Sub(latest.ReceivedAt) > h.opts.Staleness {
		return Tick{}, ErrStale
	}
	return latest, nil
}

// Close 停止所有行情源并关闭全部订阅通道。
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	feeds := make([]*symbolFeed, 0, len(h.symbols))
	for symbol, sf := range h.symbols {
		feeds = append(feeds, sf)
		delete(h.symbols, symbol)
	}
	h.mu.Unlock()

	for _, sf := range feeds {
		sf.stop()
	}
}

func (h *Hub) startLocked(symbol string) *symbolFeed {
	ctx, cancel := context.WithCancel(context.Background())
	sf := &symbolFeed{
		cancel: cancel,
		done:   make(chan struct{}),
		subs:   make(map[int]chan Tick),
	}
	h.symbols[symbol] = sf

	go h.run(ctx, symbol, sf)

	h.logger.Info("开始订阅行情", zap.String("symbol", symbol))
	return sf
}

func (h *Hub) unsubscribe(symbol string, id int) {
	h.mu.Lock()
	sf, ok := h.symbols[symbol]
	if !ok {
		h.mu.Unlock()
		return
	}

	sf.mu.Lock()
	if ch, found := sf.subs[id]; found {
		delete(sf.subs, id)
		close(ch)
	}
	empty := len(sf.subs) == 0
	sf.mu.Unlock()

	if empty {
		delete(h.symbols, symbol)
	}
	h.mu.Unlock()

	if empty {
		sf.stop()
		h.logger.Info("停止订阅行情", zap.String("symbol", symbol))
	}
}

func (h *Hub) run(ctx context.Context, symbol string, sf *symbolFeed) {
	defer close(sf.done)

	delay := h.opts.RestartMinDelay
	for {
		var received atomic.Bool
		err := h.source.Run(ctx, symbol, func(t Tick) {
			received.Store(true)
			h.publish(sf, symbol, t)
		})
		if ctx.Err() != nil {
			return
		}

		if received.Load() {
			delay = h.opts.RestartMinDelay
		}
		h.logger.Warn("行情源中断，准备重连",
			zap.String("symbol", symbol),
			zap.Duration("wait", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > h.opts.RestartMaxDelay {
			delay = h.opts.RestartMaxDelay
		}
	}
}

func (h *Hub) publish(sf *symbolFeed, symbol string, t Tick) {
	if !t.Price.IsPositive() {
		return
	}
	t.Symbol = symbol
	if t.ReceivedAt.IsZero() {
		t.ReceivedAt = h.now()
	}
	if t.Time.IsZero() {
		t.Time = t.ReceivedAt
	}

	sf.mu.Lock()
	defer sf.mu.Unlock()

	sf.latest = t
	for _, ch := range sf.subs {
		offer(ch, t)
	}
}

// offer 非阻塞投递，通道已满时丢弃旧值换成最新值。
func offer(ch chan Tick, t Tick) {
	select {
	case ch <- t:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- t:
	default:
	}
}

func (sf *symbolFeed) stop() {
	sf.cancel()
	<-sf.done

	sf.mu.Lock()
	for id, ch := range sf.subs {
		delete(sf.subs, id)
		close(ch)
	}
	sf.mu.Unlock()
}
