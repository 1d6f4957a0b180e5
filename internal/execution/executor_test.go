package execution

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/exchange"
)

type mockOrderClient struct {
	mu sync.Mutex

	createOrder ccxt.Order
	createErr   error
	createDelay time.Duration
	fetchOrder  ccxt.Order
	fetchErr    error

	calls   []string
	amounts []float64
}

func (m *mockOrderClient) CreateMarketOrder(symbol string, side string, amount float64, options ...ccxt.CreateMarketOrderOptions) (ccxt.Order, error) {
	m.mu.Lock()
	m.calls = append(m.calls, "CreateMarketOrder")
	m.amounts = append(m.amounts, amount)
	delay := m.createDelay
	m.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	return m.createOrder, m.createErr
}

func (m *mockOrderClient) FetchOrder(id string, options ...ccxt.FetchOrderOptions) (ccxt.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, "FetchOrder")
	return m.fetchOrder, m.fetchErr
}

func (m *mockOrderClient) callLog() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func strPtr(s string) *string { return &s }

func filledOrder(executed, quote string) ccxt.Order {
	return ccxt.Order{
		Id:     strPtr("12345"),
		Status: strPtr("closed"),
		Info: map[string]interface{}{
			"executedQty":         executed,
			"cummulativeQuoteQty": quote,
		},
	}
}

func newTestGateway(client orderClient) *Gateway {
	g := NewGateway(client, Options{Timeout: 50 * time.Millisecond, QuantityPrecision: 6}, nil)
	g.newID = func() string { return "cid-1" }
	return g
}

func TestPlaceMarketOrder_UsesExecutedQuantity(t *testing.T) {
	client := &mockOrderClient{createOrder: filledOrder("0.009990", "999.000")}
	g := newTestGateway(client)

	fill, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideBuy, decimal.RequireFromString("0.0100004"))
	require.NoError(t, err)

	assert.True(t, fill.Quantity.Equal(decimal.RequireFromString("0.00999")), fill.Quantity.String())
	assert.True(t, fill.Price.Equal(decimal.RequireFromString("100000")), fill.Price.String())
	assert.Equal(t, "12345", fill.OrderID)
	assert.Equal(t, "cid-1", fill.ClientOrderID)
	assert.Equal(t, []float64{0.01}, client.amounts, "quantity truncated to precision")
	assert.Equal(t, []string{"CreateMarketOrder"}, client.callLog())
}

func TestPlaceMarketOrder_RejectsZeroQuantity(t *testing.T) {
	client := &mockOrderClient{}
	g := newTestGateway(client)

	_, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideBuy, decimal.RequireFromString("0.0000001"))
	require.Error(t, err)
	assert.Equal(t, exchange.KindRejected, exchange.KindOf(err))
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	assert.Empty(t, client.callLog())
}

func TestPlaceMarketOrder_RejectedIsNotReconciled(t *testing.T) {
	client := &mockOrderClient{createErr: &ccxt.Error{Type: ccxt.InsufficientFundsErrType, Message: "balance"}}
	g := newTestGateway(client)

	_, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideSell, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, exchange.KindRejected, exchange.KindOf(err))
	assert.Equal(t, []string{"CreateMarketOrder"}, client.callLog())
}

func TestPlaceMarketOrder_TransientIsNotReconciled(t *testing.T) {
	client := &mockOrderClient{createErr: &ccxt.Error{Type: ccxt.RateLimitExceededErrType}}
	g := newTestGateway(client)

	_, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideSell, decimal.NewFromInt(1))
	assert.Equal(t, exchange.KindTransient, exchange.KindOf(err))
	assert.Equal(t, []string{"CreateMarketOrder"}, client.callLog())
}

func TestPlaceMarketOrder_TimeoutReconcilesToFill(t *testing.T) {
	client := &mockOrderClient{
		createDelay: 200 * time.Millisecond,
		createOrder: filledOrder("1", "100"),
		fetchOrder:  filledOrder("1", "101"),
	}
	g := newTestGateway(client)

	fill, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideSell, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.True(t, fill.Price.Equal(decimal.NewFromInt(101)))
	assert.Equal(t, []string{"CreateMarketOrder", "FetchOrder"}, client.callLog())
}

func TestPlaceMarketOrder_CallerCancelStillReconciles(t *testing.T) {
	client := &mockOrderClient{
		createDelay: 200 * time.Millisecond,
		createOrder: filledOrder("1", "100"),
		fetchOrder:  filledOrder("1", "100"),
	}
	g := newTestGateway(client)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	fill, err := g.PlaceMarketOrder(ctx, "BTC/EUR", exchange.SideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "cid-1", fill.ClientOrderID)
	assert.True(t, fill.Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, []string{"CreateMarketOrder", "FetchOrder"}, client.callLog())
}

func TestPlaceMarketOrder_CancelledBeforeSubmitSendsNothing(t *testing.T) {
	client := &mockOrderClient{createOrder: filledOrder("1", "100")}
	g := newTestGateway(client)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := g.PlaceMarketOrder(ctx, "BTC/EUR", exchange.SideBuy, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, exchange.KindTransient, exchange.KindOf(err))
	assert.Empty(t, client.callLog())
}

func TestPlaceMarketOrder_AmbiguousNotFoundIsTransient(t *testing.T) {
	client := &mockOrderClient{
		createErr: &ccxt.Error{Type: ccxt.RequestTimeoutErrType},
		fetchErr:  &ccxt.Error{Type: ccxt.OrderNotFoundErrType},
	}
	g := newTestGateway(client)

	_, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideSell, decimal.NewFromInt(1))
	require.Error(t, err)
	assert.Equal(t, exchange.KindTransient, exchange.KindOf(err))
	assert.True(t, errors.Is(err, exchange.ErrOrderNotFound))
}

func TestPlaceMarketOrder_AmbiguousStaysUnknownWhenQueryFails(t *testing.T) {
	client := &mockOrderClient{
		createErr: &ccxt.Error{Type: ccxt.NetworkErrorErrType},
		fetchErr:  &ccxt.Error{Type: ccxt.NetworkErrorErrType},
	}
	g := newTestGateway(client)

	_, err := g.PlaceMarketOrder(context.Background(), "BTC/EUR", exchange.SideSell, decimal.NewFromInt(1))
	require.Error(t, err)

	var orderErr *exchange.OrderError
	require.ErrorAs(t, err, &orderErr)
	assert.Equal(t, exchange.KindUnknown, orderErr.Kind)
	assert.Equal(t, "cid-1", orderErr.ClientOrderID)
}

func TestReconcile_ExpiredWithoutFillIsTransient(t *testing.T) {
	client := &mockOrderClient{fetchOrder: ccxt.Order{Status: strPtr("expired"), Info: map[string]interface{}{"executedQty": "0"}}}
	g := newTestGateway(client)

	_, err := g.Reconcile(context.Background(), "BTC/EUR", exchange.SideSell, "cid-9")
	assert.Equal(t, exchange.KindTransient, exchange.KindOf(err))
}
