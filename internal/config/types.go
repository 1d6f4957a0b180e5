package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
)

const (
	// FeedModePoll 通过 REST 轮询最新成交价。
	FeedModePoll = "poll"
	// FeedModeStream 通过 websocket 订阅逐笔成交。
	FeedModeStream = "stream"
)

// Config 聚合了系统运行所需的全部配置项。
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Trade     TradeConfig     `mapstructure:"trade"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Server    ServerConfig    `mapstructure:"server"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig 控制应用级参数。
type AppConfig struct {
	Environment string `mapstructure:"environment"`
}

// ExchangeConfig 描述交易所连接信息。
type ExchangeConfig struct {
	Name       string      `mapstructure:"name"`
	APIKey     string      `mapstructure:"api_key"`
	APISecret  string      `mapstructure:"api_secret"`
	UseSandbox bool        `mapstructure:"use_sandbox"`
	Retry      RetryConfig `mapstructure:"retry"`
}

// RetryConfig 统一控制重试机制。
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	MinDelay    time.Duration `mapstructure:"min_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// TradeConfig 描述每个信号的下单规模与可交易币种。
type TradeConfig struct {
	Notional          decimal.Decimal `mapstructure:"notional"`
	Quote             string          `mapstructure:"quote"`
	Whitelist         []string        `mapstructure:"whitelist"`
	QuantityPrecision int32           `mapstructure:"quantity_precision"`
}

// RiskConfig 管理止损与移动止盈参数，均为比例值。
type RiskConfig struct {
	StopLossPercent decimal.Decimal `mapstructure:"stop_loss_percent"`
	TrailStart      decimal.Decimal `mapstructure:"trail_start"`
	TrailGap        decimal.Decimal `mapstructure:"trail_gap"`
}

// FeedConfig 控制行情来源。
type FeedConfig struct {
	Mode              string        `mapstructure:"mode"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Staleness         time.Duration `mapstructure:"staleness"`
	StreamURL         string        `mapstructure:"stream_url"`
	ReconnectMinDelay time.Duration `mapstructure:"reconnect_min_delay"`
	ReconnectMaxDelay time.Duration `mapstructure:"reconnect_max_delay"`
}

// ExecutionConfig 控制下单超时与平仓重试。simulation 为 true 时使用模拟撮合，不向交易所下单。
type ExecutionConfig struct {
	OrderTimeout time.Duration   `mapstructure:"order_timeout"`
	MaxAttempts  int             `mapstructure:"max_attempts"`
	MinDelay     time.Duration   `mapstructure:"min_delay"`
	MaxDelay     time.Duration   `mapstructure:"max_delay"`
	Simulation   bool            `mapstructure:"simulation"`
	PaperBalance decimal.Decimal `mapstructure:"paper_balance"`
	PaperFeeRate decimal.Decimal `mapstructure:"paper_fee_rate"`
}

// ServerConfig 描述 webhook 与管理接口。
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	Passphrase      string        `mapstructure:"passphrase"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AlertConfig 描述告警通道，redis_addr 为空时只写日志与事件表。
type AlertConfig struct {
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	Channel       string `mapstructure:"channel"`
	Stream        string `mapstructure:"stream"`
}

// DatabaseConfig 管理数据库连接。
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	InMemory        bool          `mapstructure:"in_memory"`
}

// LoggingConfig 控制日志输出。
type LoggingConfig struct {
	Level            string   `mapstructure:"level"`
	Encoding         string   `mapstructure:"encoding"`
	Development      bool     `mapstructure:"development"`
	OutputPaths      []string `mapstructure:"output_paths"`
	ErrorOutputPaths []string `mapstructure:"error_output_paths"`
}

func (c *Config) normalize() {
	c.Trade.Quote = strings.ToUpper(strings.TrimSpace(c.Trade.Quote))
	whitelist := make([]string, 0, len(c.Trade.Whitelist))
	for _, coin := range c.Trade.Whitelist {
		coin = strings.ToUpper(strings.TrimSpace(coin))
		if coin != "" {
			whitelist = append(whitelist, coin)
		}
	}
	c.Trade.Whitelist = whitelist
	c.Feed.Mode = strings.ToLower(strings.TrimSpace(c.Feed.Mode))
}

// Validate 对配置进行基本校验。
func (c *Config) Validate() error {
	var err error

	one := decimal.NewFromInt(1)

	if c.App.Environment == "" {
		err = multierr.Append(err, errors.New("app.environment 不能为空"))
	}
	if c.Exchange.Name == "" {
		err = multierr.Append(err, errors.New("exchange.name 不能为空"))
	}
	if c.Exchange.Retry.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.max_attempts 必须大于0"))
	}
	if c.Exchange.Retry.MinDelay <= 0 || c.Exchange.Retry.MaxDelay <= 0 {
		err = multierr.Append(err, errors.New("exchange.retry.delay 必须为正"))
	}
	if c.Exchange.Retry.MinDelay > c.Exchange.Retry.MaxDelay {
		err = multierr.Append(err, errors.New("exchange.retry.min_delay 不能大于 max_delay"))
	}
	if !c.Trade.Notional.IsPositive() {
		err = multierr.Append(err, errors.New("trade.notional 必须大于0"))
	}
	if c.Trade.Quote == "" {
		err = multierr.Append(err, errors.New("trade.quote 不能为空"))
	}
	if len(c.Trade.Whitelist) == 0 {
		err = multierr.Append(err, errors.New("trade.whitelist 至少包含一个币种"))
	}
	if c.Trade.QuantityPrecision < 0 || c.Trade.QuantityPrecision > 18 {
		err = multierr.Append(err, errors.New("trade.quantity_precision 必须位于[0,18]"))
	}
	if !c.Risk.StopLossPercent.IsPositive() || c.Risk.StopLossPercent.GreaterThanOrEqual(one) {
		err = multierr.Append(err, errors.New("risk.stop_loss_percent 必须位于(0,1)"))
	}
	if !c.Risk.TrailStart.IsPositive() {
		err = multierr.Append(err, errors.New("risk.trail_start 必须大于0"))
	}
	if !c.Risk.TrailGap.IsPositive() || c.Risk.TrailGap.GreaterThanOrEqual(one) {
		err = multierr.Append(err, errors.New("risk.trail_gap 必须位于(0,1)"))
	}
	switch c.Feed.Mode {
	case FeedModePoll:
		if c.Feed.PollInterval <= 0 {
			err = multierr.Append(err, errors.New("feed.poll_interval 必须大于0"))
		}
	case FeedModeStream:
		if c.Feed.StreamURL == "" {
			err = multierr.Append(err, errors.New("feed.stream_url 不能为空"))
		}
		if c.Feed.ReconnectMinDelay <= 0 || c.Feed.ReconnectMinDelay > c.Feed.ReconnectMaxDelay {
			err = multierr.Append(err, errors.New("feed.reconnect_min_delay 必须为正且不大于 reconnect_max_delay"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("feed.mode 不支持 %q", c.Feed.Mode))
	}
	if c.Feed.Staleness <= 0 {
		err = multierr.Append(err, errors.New("feed.staleness 必须大于0"))
	}
	if c.Execution.OrderTimeout <= 0 {
		err = multierr.Append(err, errors.New("execution.order_timeout 必须大于0"))
	}
	if c.Execution.MaxAttempts <= 0 {
		err = multierr.Append(err, errors.New("execution.max_attempts 必须大于0"))
	}
	if c.Execution.MinDelay <= 0 || c.Execution.MinDelay > c.Execution.MaxDelay {
		err = multierr.Append(err, errors.New("execution.min_delay 必须为正且不大于 max_delay"))
	}
	if c.Execution.Simulation {
		if !c.Execution.PaperBalance.IsPositive() {
			err = multierr.Append(err, errors.New("execution.paper_balance 必须大于0"))
		}
		if c.Execution.PaperFeeRate.IsNegative() || c.Execution.PaperFeeRate.GreaterThanOrEqual(one) {
			err = multierr.Append(err, errors.New("execution.paper_fee_rate 必须位于[0,1)"))
		}
	}
	if c.Server.Addr == "" {
		err = multierr.Append(err, errors.New("server.addr 不能为空"))
	}
	if c.Server.Passphrase == "" {
		err = multierr.Append(err, errors.New("server.passphrase 不能为空"))
	}
	if c.Alert.RedisAddr != "" && c.Alert.Channel == "" && c.Alert.Stream == "" {
		err = multierr.Append(err, errors.New("alert 需要配置 channel 或 stream"))
	}
	if c.Database.Path == "" && !c.Database.InMemory {
		err = multierr.Append(err, errors.New("database.path 不能为空"))
	}
	if c.Database.MaxOpenConns <= 0 {
		err = multierr.Append(err, errors.New("database.max_open_conns 必须大于0"))
	}
	if c.Database.MaxIdleConns < 0 {
		err = multierr.Append(err, errors.New("database.max_idle_conns 不能为负"))
	}
	if c.Database.ConnMaxLifetime < 0 {
		err = multierr.Append(err, errors.New("database.conn_max_lifetime 不能为负"))
	}
	if c.Logging.Level == "" {
		err = multierr.Append(err, errors.New("logging.level 不能为空"))
	}
	if c.Logging.Encoding == "" {
		err = multierr.Append(err, errors.New("logging.encoding 不能为空"))
	}
	if len(c.Logging.OutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.output_paths 至少包含一个输出目标"))
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		err = multierr.Append(err, errors.New("logging.error_output_paths 至少包含一个输出目标"))
	}

	if err != nil {
		return fmt.Errorf("配置校验失败: %w", err)
	}

	return nil
}
