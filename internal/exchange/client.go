package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/config"
)

// marketClient 是 Client 用到的 ccxt 只读接口，*ccxt.Binance 满足该接口。
type marketClient interface {
	FetchTicker(symbol string, options ...ccxt.FetchTickerOptions) (ccxt.Ticker, error)
	FetchBalance(params ...interface{}) (ccxt.Balances, error)
}

// Client 负责与交易所的只读交互并实现重试机制。
type Client struct {
	cfg    config.ExchangeConfig
	logger *zap.Logger
	api    marketClient
	raw    *ccxt.Binance

	loadMarkets func() error

	marketsMu     sync.Mutex
	marketsLoaded bool
}

// NewClient 构造 Binance 现货客户端。
func NewClient(cfg config.ExchangeConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !strings.EqualFold(cfg.Name, "binance") {
		return nil, fmt.Errorf("exchange: 暂不支持交易所 %q", cfg.Name)
	}

	userConfig := map[string]interface{}{
		"enableRateLimit": true,
		"options": map[string]interface{}{
			"adjustForTimeDifference": true,
			"defaultType":             "spot",
		},
	}

	if cfg.APIKey != "" {
		userConfig["apiKey"] = cfg.APIKey
	}
	if cfg.APISecret != "" {
		userConfig["secret"] = cfg.APISecret
	}

	ex := ccxt.NewBinance(userConfig)
	if cfg.UseSandbox {
		ex.SetSandboxMode(true)
	}

	c := newClient(cfg, ex, logger)
	c.raw = ex
	c.loadMarkets = func() error {
		_, err := ex.LoadMarkets()
		return err
	}
	return c, nil
}

func newClient(cfg config.ExchangeConfig, api marketClient, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		logger: logger.Named("exchange"),
		api:    api,
	}
}

// Raw 返回底层 ccxt 客户端，供下单网关使用。
func (c *Client) Raw() *ccxt.Binance {
	return c.raw
}

// FetchTicker 获取交易对的最新成交价。
func (c *Client) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	var raw ccxt.Ticker

	err := c.callWithRetry(ctx, "fetch_ticker", func() error {
		if err := c.ensureMarketsLoaded(ctx); err != nil {
			return err
		}

		result, err := c.api.FetchTicker(symbol)
		if err != nil {
			return err
		}

		raw = result
		return nil
	})
	if err != nil {
		return Ticker{}, err
	}

	last := preciseNumber(raw.Info, "lastPrice", raw.Last)
	if !last.IsPositive() {
		return Ticker{}, fmt.Errorf("exchange: %s 最新价无效", symbol)
	}

	ts := time.Now().UTC()
	if raw.Timestamp != nil && *raw.Timestamp > 0 {
		ts = time.UnixMilli(*raw.Timestamp).UTC()
	}

	return Ticker{
		Symbol: symbol,
		Last:   last,
		Time:   ts,
	}, nil
}

// FreeBalance 返回资产的可用余额，资产不存在时返回 0。
func (c *Client) FreeBalance(ctx context.Context, asset string) (decimal.Decimal, error) {
	var balances ccxt.Balances

	err := c.callWithRetry(ctx, "fetch_balance", func() error {
		result, err := c.api.FetchBalance()
		if err != nil {
			return err
		}
		balances = result
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if balances.Free == nil {
		return decimal.Zero, nil
	}
	free, ok := balances.Free[strings.ToUpper(asset)]
	if !ok || free == nil {
		return decimal.Zero, nil
	}
	return decimal.NewFromFloat(*free), nil
}

func (c *Client) ensureMarketsLoaded(ctx context.Context) error {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if c.marketsLoaded {
		return nil
	}

	if c.loadMarkets != nil {
		if err := c.loadMarkets(); err != nil {
			return err
		}
	}

	c.marketsLoaded = true
	c.logger.Info("已完成市场元数据加载")
	return nil
}

func (c *Client) callWithRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	delay := c.cfg.Retry.MinDelay
	if delay <= 0 {
		delay = 500 * time.Millisecond
	}
	maxDelay := c.cfg.Retry.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	maxAttempts := c.cfg.Retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		attempt++
		start := time.Now()
		err := fn()
		duration := time.Since(start)
		if err == nil {
			if attempt > 1 {
				c.logger.Info("交易所调用重试后成功",
					zap.String("operation", operation),
					zap.Int("attempts", attempt),
					zap.Duration("latency", duration),
				)
			}
			return nil
		}

		normalizedErr, retry := c.classifyError(err)

		if errors.Is(normalizedErr, ErrMaintenance) {
			c.logger.Warn("交易所维护中",
				zap.String("operation", operation),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		if !retry || attempt >= maxAttempts {
			c.logger.Error("交易所调用失败",
				zap.String("operation", operation),
				zap.Int("attempts", attempt),
				zap.Duration("latency", duration),
				zap.Error(normalizedErr),
			)
			return normalizedErr
		}

		wait := delay
		if wait > maxDelay {
			wait = maxDelay
		}

		c.logger.Warn("交易所调用失败，等待重试",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(normalizedErr),
		)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if delay > maxDelay {
			delay = maxDelay
		}
	}
}

func (c *Client) classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OnMaintenanceErrType {
		message := strings.TrimSpace(ccxtErr.Message)
		if message == "" {
			message = "exchange under maintenance"
		}
		return fmt.Errorf("%w: %s", ErrMaintenance, message), false
	}

	return err, IsRetryable(err)
}

// preciseNumber 优先使用交易所原始字符串，避免 float64 带来的尾差。
func preciseNumber(info map[string]interface{}, key string, fallback *float64) decimal.Decimal {
	if info != nil {
		if s, ok := info[key].(string); ok {
			if d, err := decimal.NewFromString(strings.TrimSpace(s)); err == nil {
				return d
			}
		}
	}
	if fallback != nil {
		return decimal.NewFromFloat(*fallback)
	}
	return decimal.Zero
}
