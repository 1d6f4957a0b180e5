package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	defaultConfigPath = "configs/config.yaml"
	envPrefix         = "signal"
)

// Load 读取配置文件并结合 .env 与环境变量返回 Config。
func Load(path string) (*Config, error) {
	// .env 只用于补充凭证，缺失不是错误
	_ = godotenv.Load()

	v := viper.New()

	if path == "" {
		path = defaultConfigPath
	}

	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	replacer := strings.NewReplacer(".", "_")
	v.SetEnvKeyReplacer(replacer)
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, fmt.Errorf("未找到配置文件 %q: %w", path, err)
		}
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.environment", "development")

	v.SetDefault("exchange.name", "binance")
	v.SetDefault("exchange.api_key", "")
	v.SetDefault("exchange.api_secret", "")
	v.SetDefault("exchange.use_sandbox", false)
	v.SetDefault("exchange.retry.max_attempts", 5)
	v.SetDefault("exchange.retry.min_delay", "500ms")
	v.SetDefault("exchange.retry.max_delay", "5s")

	v.SetDefault("trade.notional", "100")
	v.SetDefault("trade.quote", "EUR")
	v.SetDefault("trade.whitelist", []string{"BTC", "ETH", "BNB", "ADA", "DOT", "LTC", "SOL", "TRX", "XRP", "AVAX"})
	v.SetDefault("trade.quantity_precision", 6)

	v.SetDefault("risk.stop_loss_percent", "0.02")
	v.SetDefault("risk.trail_start", "0.03")
	v.SetDefault("risk.trail_gap", "0.015")

	v.SetDefault("feed.mode", FeedModePoll)
	v.SetDefault("feed.poll_interval", "2s")
	v.SetDefault("feed.staleness", "15s")
	v.SetDefault("feed.stream_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feed.reconnect_min_delay", "1s")
	v.SetDefault("feed.reconnect_max_delay", "16s")

	v.SetDefault("execution.order_timeout", "10s")
	v.SetDefault("execution.max_attempts", 6)
	v.SetDefault("execution.min_delay", "500ms")
	v.SetDefault("execution.max_delay", "30s")
	v.SetDefault("execution.simulation", false)
	v.SetDefault("execution.paper_balance", "1000")
	v.SetDefault("execution.paper_fee_rate", "0.001")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.passphrase", "")
	v.SetDefault("server.shutdown_timeout", "5s")

	v.SetDefault("alert.redis_addr", "")
	v.SetDefault("alert.redis_password", "")
	v.SetDefault("alert.redis_db", 0)
	v.SetDefault("alert.channel", "signal-trader:alerts")
	v.SetDefault("alert.stream", "signal-trader:alerts:log")

	v.SetDefault("database.path", "data/signal_trader.db")
	v.SetDefault("database.max_open_conns", 4)
	v.SetDefault("database.max_idle_conns", 4)
	v.SetDefault("database.conn_max_lifetime", "1h")
	v.SetDefault("database.in_memory", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "console")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.error_output_paths", []string{"stderr"})
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			stringToDecimalHookFunc(),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc 将字符串或数字转换为 decimal.Decimal，避免比例参数经过 float64。
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			d, err := decimal.NewFromString(strings.TrimSpace(v))
			if err != nil {
				return nil, fmt.Errorf("无法解析数值 %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		default:
			return data, nil
		}
	}
}
