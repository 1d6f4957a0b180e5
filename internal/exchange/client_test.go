package exchange

import (
	"context"
	"errors"
	"testing"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signal-trader/internal/config"
)

type fakeMarketClient struct {
	tickers  []ccxt.Ticker
	errs     []error
	calls    int
	balances ccxt.Balances
}

func (f *fakeMarketClient) FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error) {
	idx := f.calls
	f.calls++
	if idx < len(f.errs) && f.errs[idx] != nil {
		return ccxt.Ticker{}, f.errs[idx]
	}
	return f.tickers[len(f.tickers)-1], nil
}

func (f *fakeMarketClient) FetchBalance(params ...interface{}) (ccxt.Balances, error) {
	return f.balances, nil
}

func testRetryConfig() config.ExchangeConfig {
	return config.ExchangeConfig{
		Name: "binance",
		Retry: config.RetryConfig{
			MaxAttempts: 3,
			MinDelay:    time.Millisecond,
			MaxDelay:    2 * time.Millisecond,
		},
	}
}

func TestFetchTicker_PrefersRawPriceString(t *testing.T) {
	last := 98.01000000001
	ts := int64(1700000000000)
	fake := &fakeMarketClient{tickers: []ccxt.Ticker{{
		Last:      &last,
		Timestamp: &ts,
		Info:      map[string]interface{}{"lastPrice": "98.01000000"},
	}}}
	client := newClient(testRetryConfig(), fake, nil)

	ticker, err := client.FetchTicker(context.Background(), "BTC/EUR")
	require.NoError(t, err)
	assert.True(t, ticker.Last.Equal(decimal.RequireFromString("98.01")), ticker.Last.String())
	assert.Equal(t, time.UnixMilli(ts).UTC(), ticker.Time)
}

func TestFetchTicker_RetriesNetworkErrors(t *testing.T) {
	last := 100.5
	fake := &fakeMarketClient{
		tickers: []ccxt.Ticker{{Last: &last}},
		errs: []error{
			&ccxt.Error{Type: ccxt.NetworkErrorErrType, Message: "connection reset"},
			&ccxt.Error{Type: ccxt.RateLimitExceededErrType, Message: "slow down"},
		},
	}
	client := newClient(testRetryConfig(), fake, nil)

	ticker, err := client.FetchTicker(context.Background(), "ETH/EUR")
	require.NoError(t, err)
	assert.Equal(t, 3, fake.calls)
	assert.True(t, ticker.Last.Equal(decimal.RequireFromString("100.5")))
}

func TestFetchTicker_DoesNotRetryBadSymbol(t *testing.T) {
	fake := &fakeMarketClient{
		errs: []error{&ccxt.Error{Type: ccxt.BadSymbolErrType, Message: "no such market"}},
	}
	client := newClient(testRetryConfig(), fake, nil)

	_, err := client.FetchTicker(context.Background(), "FOO/EUR")
	require.Error(t, err)
	assert.Equal(t, 1, fake.calls)
}

func TestFetchTicker_MaintenanceIsSurfaced(t *testing.T) {
	fake := &fakeMarketClient{
		errs: []error{&ccxt.Error{Type: ccxt.OnMaintenanceErrType}},
	}
	client := newClient(testRetryConfig(), fake, nil)

	_, err := client.FetchTicker(context.Background(), "BTC/EUR")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMaintenance))
}

func TestFreeBalance(t *testing.T) {
	btc := 0.0015
	fake := &fakeMarketClient{balances: ccxt.Balances{Free: map[string]*float64{"BTC": &btc}}}
	client := newClient(testRetryConfig(), fake, nil)

	free, err := client.FreeBalance(context.Background(), "btc")
	require.NoError(t, err)
	assert.True(t, free.Equal(decimal.RequireFromString("0.0015")))

	none, err := client.FreeBalance(context.Background(), "ETH")
	require.NoError(t, err)
	assert.True(t, none.IsZero())
}

func TestClassifyOrderError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"insufficient funds", &ccxt.Error{Type: ccxt.InsufficientFundsErrType}, KindRejected},
		{"invalid lot size", &ccxt.Error{Type: ccxt.InvalidOrderErrType}, KindRejected},
		{"rate limited", &ccxt.Error{Type: ccxt.RateLimitExceededErrType}, KindTransient},
		{"exchange down", &ccxt.Error{Type: ccxt.ExchangeNotAvailableErrType}, KindTransient},
		{"request timeout", &ccxt.Error{Type: ccxt.RequestTimeoutErrType}, KindUnknown},
		{"deadline", context.DeadlineExceeded, KindUnknown},
		{"opaque", errors.New("boom"), KindUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyOrderError(tc.err))
		})
	}
}

func TestSplitSymbol(t *testing.T) {
	base, quote, ok := SplitSymbol(" btc/eur ")
	require.True(t, ok)
	assert.Equal(t, "BTC", base)
	assert.Equal(t, "EUR", quote)

	_, _, ok = SplitSymbol("BTCEUR")
	assert.False(t, ok)

	assert.Equal(t, "btceur", StreamName("BTC/EUR"))
}
