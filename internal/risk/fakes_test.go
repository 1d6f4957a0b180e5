package risk

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/alert"
	"signal-trader/internal/exchange"
	"signal-trader/internal/execution"
	"signal-trader/internal/feed"
	"signal-trader/internal/position"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type orderResult struct {
	qty   string
	price string
	err   error
}

func transientErr() error {
	return &exchange.OrderError{Kind: exchange.KindTransient, Symbol: "BTC/EUR", Err: errors.New("rate limited")}
}

func rejectedErr() error {
	return &exchange.OrderError{Kind: exchange.KindRejected, Symbol: "BTC/EUR", Err: errors.New("insufficient balance")}
}

func unknownErr(cid string) error {
	return &exchange.OrderError{Kind: exchange.KindUnknown, Symbol: "BTC/EUR", ClientOrderID: cid, Err: context.DeadlineExceeded}
}

type fakeGateway struct {
	mu sync.Mutex

	buyFill   execution.Fill
	buyErr    error
	onBuy     func()
	buys      []decimal.Decimal
	buyCtxErr error

	sellScript      []orderResult
	reconcileScript []orderResult
	sellDelay       time.Duration
	exitPrice       string

	sells      []decimal.Decimal
	reconciles []string
}

func (g *fakeGateway) PlaceMarketOrder(ctx context.Context, symbol string, side exchange.Side, quantity decimal.Decimal) (execution.Fill, error) {
	g.mu.Lock()
	if side == exchange.SideBuy {
		g.buys = append(g.buys, quantity)
		fill, err, hook := g.buyFill, g.buyErr, g.onBuy
		g.mu.Unlock()
		if hook != nil {
			hook()
		}
		g.mu.Lock()
		g.buyCtxErr = ctx.Err()
		g.mu.Unlock()
		if err != nil {
			return execution.Fill{}, err
		}
		if fill.Quantity.IsZero() {
			fill.Quantity = quantity
		}
		fill.Symbol = symbol
		fill.Side = side
		return fill, nil
	}

	g.sells = append(g.sells, quantity)
	var res orderResult
	if len(g.sellScript) > 0 {
		res = g.sellScript[0]
		g.sellScript = g.sellScript[1:]
	}
	delay := g.sellDelay
	g.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return g.resolve(symbol, quantity, res)
}

func (g *fakeGateway) Reconcile(_ context.Context, symbol string, _ exchange.Side, clientOrderID string) (execution.Fill, error) {
	g.mu.Lock()
	g.reconciles = append(g.reconciles, clientOrderID)
	if len(g.reconcileScript) == 0 {
		g.mu.Unlock()
		return execution.Fill{}, &exchange.OrderError{Kind: exchange.KindTransient, ClientOrderID: clientOrderID, Err: exchange.ErrOrderNotFound}
	}
	res := g.reconcileScript[0]
	g.reconcileScript = g.reconcileScript[1:]
	g.mu.Unlock()
	return g.resolve(symbol, decimal.Zero, res)
}

func (g *fakeGateway) resolve(symbol string, requested decimal.Decimal, res orderResult) (execution.Fill, error) {
	if res.err != nil {
		return execution.Fill{}, res.err
	}
	qty := requested
	if res.qty != "" {
		qty = dec(res.qty)
	}
	price := res.price
	if price == "" {
		price = g.exitPrice
	}
	if price == "" {
		price = "100"
	}
	return execution.Fill{
		OrderID:  "sell",
		Symbol:   symbol,
		Side:     exchange.SideSell,
		Price:    dec(price),
		Quantity: qty,
		Time:     time.Now().UTC(),
	}, nil
}

func (g *fakeGateway) sellQuantities() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, 0, len(g.sells))
	for _, q := range g.sells {
		out = append(out, q.String())
	}
	return out
}

func (g *fakeGateway) buyCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buys)
}

func (g *fakeGateway) reconciled() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.reconciles...)
}

type fakeSub struct {
	ctx context.Context
	ch  chan feed.Tick
}

type fakeFeed struct {
	mu        sync.Mutex
	subs      map[string][]*fakeSub
	latest    map[string]feed.Tick
	staleness time.Duration
}

func newFakeFeed() *fakeFeed {
	return &fakeFeed{
		subs:      make(map[string][]*fakeSub),
		latest:    make(map[string]feed.Tick),
		staleness: 15 * time.Second,
	}
}

func (f *fakeFeed) Subscribe(ctx context.Context, symbol string) <-chan feed.Tick {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub := &fakeSub{ctx: ctx, ch: make(chan feed.Tick)}
	f.subs[symbol] = append(f.subs[symbol], sub)
	return sub.ch
}

func (f *fakeFeed) GetLatest(symbol string) (feed.Tick, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.latest[symbol]
	if !ok {
		return feed.Tick{}, feed.ErrStale
	}
	return t, nil
}

func (f *fakeFeed) Staleness() time.Duration {
	return f.staleness
}

func (f *fakeFeed) active(symbol string) []*fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*fakeSub
	for _, s := range f.subs[symbol] {
		if s.ctx.Err() == nil {
			out = append(out, s)
		}
	}
	return out
}

// push 把行情送给该交易对所有仍在订阅的监控器，返回是否至少有一个监控器收到。
func (f *fakeFeed) push(t *testing.T, symbol string, tick feed.Tick) bool {
	t.Helper()
	delivered := false
	for _, sub := range f.active(symbol) {
		select {
		case sub.ch <- tick:
			delivered = true
		case <-sub.ctx.Done():
		case <-time.After(2 * time.Second):
			t.Fatalf("monitor for %s did not consume tick %s", symbol, tick.Price)
		}
	}
	return delivered
}

type fakeQuoter struct {
	mu    sync.Mutex
	price decimal.Decimal
	err   error
}

func (q *fakeQuoter) FetchTicker(_ context.Context, symbol string) (exchange.Ticker, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return exchange.Ticker{}, q.err
	}
	return exchange.Ticker{Symbol: symbol, Last: q.price, Time: time.Now().UTC()}, nil
}

type fakeBalances struct {
	free map[string]decimal.Decimal
}

func (b *fakeBalances) FreeBalance(_ context.Context, asset string) (decimal.Decimal, error) {
	v, ok := b.free[asset]
	if !ok {
		return decimal.Zero, fmt.Errorf("no balance for %s", asset)
	}
	return v, nil
}

type fakeStore struct {
	mu   sync.Mutex
	rows map[string]position.Position
	// deadSaves 统计在已取消 ctx 上的写入，真实数据库会拒绝这些写入
	deadSaves int
}

func newFakeStore(rows ...position.Position) *fakeStore {
	s := &fakeStore{rows: make(map[string]position.Position)}
	for _, p := range rows {
		s.rows[p.ID] = p
	}
	return s
}

func (s *fakeStore) Save(ctx context.Context, p position.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ctx.Err() != nil {
		s.deadSaves++
	}
	s.rows[p.ID] = p
	return nil
}

func (s *fakeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, id)
	return nil
}

func (s *fakeStore) LoadAll(context.Context) ([]position.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]position.Position, 0, len(s.rows))
	for _, p := range s.rows {
		out = append(out, p)
	}
	return out, nil
}

func (s *fakeStore) get(id string) (position.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[id]
	return p, ok
}

type fakeJournal struct {
	mu      sync.Mutex
	actions []string
}

func (j *fakeJournal) RecordPosition(_ context.Context, action string, pos position.Position, _ string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.actions = append(j.actions, pos.ID+":"+action)
}

func (j *fakeJournal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.actions...)
}

type fakeMetrics struct {
	mu     sync.Mutex
	stale  int
	opened int
	closed map[string]int
	open   int
}

func (m *fakeMetrics) PositionOpened(string) {
	m.mu.Lock()
	m.opened++
	m.mu.Unlock()
}

func (m *fakeMetrics) PositionClosed(_ string, reason string) {
	m.mu.Lock()
	if m.closed == nil {
		m.closed = make(map[string]int)
	}
	m.closed[reason]++
	m.mu.Unlock()
}

func (m *fakeMetrics) ExitAttempt(string, string) {}

func (m *fakeMetrics) StaleTick(string) {
	m.mu.Lock()
	m.stale++
	m.mu.Unlock()
}

func (m *fakeMetrics) OpenPositions(n int) {
	m.mu.Lock()
	m.open = n
	m.mu.Unlock()
}

func (m *fakeMetrics) closedBy(reason string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed[reason]
}

func (m *fakeMetrics) staleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale
}

type alertRecorder struct {
	mu         sync.Mutex
	alerts     []alert.Alert
	deadNotify int
}

func (r *alertRecorder) Notify(ctx context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ctx.Err() != nil {
		r.deadNotify++
	}
	r.alerts = append(r.alerts, a)
	return nil
}

func (r *alertRecorder) titles() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Title)
	}
	return out
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type harness struct {
	engine   *Engine
	gateway  *fakeGateway
	feed     *fakeFeed
	quotes   *fakeQuoter
	store    *fakeStore
	journal  *fakeJournal
	metrics  *fakeMetrics
	alerts   *alertRecorder
	clock    *testClock
	balances *fakeBalances
}

type harnessOption func(*Deps, *Options)

func withBalances(b *fakeBalances) harnessOption {
	return func(d *Deps, _ *Options) { d.Balances = b }
}

func withStore(s *fakeStore) harnessOption {
	return func(d *Deps, _ *Options) { d.Store = s }
}

func withMaxAttempts(n int) harnessOption {
	return func(_ *Deps, o *Options) { o.Exit.MaxAttempts = n }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		gateway: &fakeGateway{buyFill: execution.Fill{OrderID: "buy-1", Price: dec("100")}},
		feed:    newFakeFeed(),
		quotes:  &fakeQuoter{price: dec("100")},
		store:   newFakeStore(),
		journal: &fakeJournal{},
		metrics: &fakeMetrics{},
		alerts:  &alertRecorder{},
		clock:   &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
	}

	deps := Deps{
		Gateway:  h.gateway,
		Feed:     h.feed,
		Quotes:   h.quotes,
		Notifier: h.alerts,
		Store:    h.store,
		Journal:  h.journal,
		Metrics:  h.metrics,
	}
	options := Options{
		Quote:     "EUR",
		Whitelist: []string{"BTC", "ETH"},
		Params: position.Params{
			StopLossPercent: dec("0.02"),
			TrailStart:      dec("0.03"),
			TrailGap:        dec("0.015"),
		},
		QuantityPrecision: 6,
		Exit: RetryPolicy{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    4 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&deps, &options)
	}
	if s, ok := deps.Store.(*fakeStore); ok {
		h.store = s
	}
	if b, ok := deps.Balances.(*fakeBalances); ok {
		h.balances = b
	}

	engine, err := NewEngine(deps, options, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	var seq atomic.Int64
	engine.newID = func() string { return fmt.Sprintf("pos-%d", seq.Add(1)) }
	engine.now = h.clock.Now
	h.engine = engine
	t.Cleanup(engine.Shutdown)
	return h
}

func (h *harness) tick(price string) feed.Tick {
	return feed.Tick{Price: dec(price), ReceivedAt: h.clock.Now()}
}

func (h *harness) open(t *testing.T, symbol, entry, quantity string) string {
	t.Helper()
	h.gateway.mu.Lock()
	h.gateway.buyFill = execution.Fill{OrderID: "buy-1", Price: dec(entry), Quantity: dec(quantity)}
	h.gateway.mu.Unlock()

	id, err := h.engine.OpenPosition(context.Background(), symbol, dec("100"))
	if err != nil {
		t.Fatalf("open position: %v", err)
	}
	return id
}

func (h *harness) removed(id string) bool {
	_, err := h.engine.tracker.Get(id)
	return errors.Is(err, ErrNotFound)
}

func (h *harness) monitorRunning(id string) bool {
	_, ok := h.engine.MonitorState(id)
	return ok
}
