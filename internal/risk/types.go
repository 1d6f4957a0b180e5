package risk

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"signal-trader/internal/config"
	"signal-trader/internal/position"
)

var (
	// ErrInvalidInput 表示请求在修改任何状态之前就被拒绝。
	ErrInvalidInput = errors.New("risk: invalid input")
	// ErrInvalidSymbol 表示交易对格式错误、计价币不符或不在白名单内。
	ErrInvalidSymbol = fmt.Errorf("%w: unsupported symbol", ErrInvalidInput)
	// ErrExchangeUnavailable 表示交易所暂时不可用或开仓结果无法确认，未创建持仓。
	ErrExchangeUnavailable = errors.New("risk: exchange unavailable")
	// ErrOrderRejected 表示交易所明确拒绝了订单。
	ErrOrderRejected = errors.New("risk: order rejected")
	// ErrNotFound 表示没有对应的托管持仓。
	ErrNotFound = position.ErrNotFound
	// ErrExitInProgress 表示该持仓已有平仓或取消流程在执行。
	ErrExitInProgress = errors.New("risk: exit already in progress")
	// ErrExitFailed 表示平仓未能完成，持仓保持 CLOSING 等待人工处理。
	ErrExitFailed = errors.New("risk: exit failed")
	// ErrClosed 表示引擎已关闭。
	ErrClosed = errors.New("risk: engine closed")
)

// Reason 描述平仓原因。
type Reason string

const (
	ReasonStopLoss     Reason = "stop_loss"
	ReasonTrailingStop Reason = "trailing_stop"
	ReasonManual       Reason = "manual"
	ReasonCancelled    Reason = "cancelled"
)

// MonitorState 是单个持仓监控器的状态机。
type MonitorState string

const (
	StateWatchingFixed MonitorState = "WATCHING_FIXED"
	StateWatchingTrail MonitorState = "WATCHING_TRAIL"
	StateTriggered     MonitorState = "TRIGGERED"
	StateClosed        MonitorState = "CLOSED"
)

// RetryPolicy 控制平仓单的有界指数退避。
type RetryPolicy struct {
	MaxAttempts int
	MinDelay    time.Duration
	MaxDelay    time.Duration
}

func (p RetryPolicy) next(delay time.Duration) time.Duration {
	delay *= 2
	if delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	return delay
}

// Options 是引擎消费的外部配置。
type Options struct {
	Quote             string
	Whitelist         []string
	Params            position.Params
	QuantityPrecision int32
	Exit              RetryPolicy
}

// OptionsFromConfig 从全局配置提取引擎参数。
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Quote:     cfg.Trade.Quote,
		Whitelist: cfg.Trade.Whitelist,
		Params: position.Params{
			StopLossPercent: cfg.Risk.StopLossPercent,
			TrailStart:      cfg.Risk.TrailStart,
			TrailGap:        cfg.Risk.TrailGap,
		},
		QuantityPrecision: cfg.Trade.QuantityPrecision,
		Exit: RetryPolicy{
			MaxAttempts: cfg.Execution.MaxAttempts,
			MinDelay:    cfg.Execution.MinDelay,
			MaxDelay:    cfg.Execution.MaxDelay,
		},
	}
}

type decision int

const (
	decisionHold decision = iota
	decisionActivateTrail
	decisionRaisePeak
	decisionStopLoss
	decisionTrailExit
)

func (d decision) String() string {
	switch d {
	case decisionActivateTrail:
		return "activate_trail"
	case decisionRaisePeak:
		return "raise_peak"
	case decisionStopLoss:
		return "stop_loss"
	case decisionTrailExit:
		return "trail_exit"
	default:
		return "hold"
	}
}

// evaluate 对一次价格观察给出决策。止损永远先于移动止盈判断。
func evaluate(p position.Position, price decimal.Decimal) decision {
	if price.LessThanOrEqual(p.StopLossPrice) {
		return decisionStopLoss
	}
	if !p.TrailActive {
		if price.GreaterThanOrEqual(p.TrailTriggerPrice) {
			return decisionActivateTrail
		}
		return decisionHold
	}
	if price.GreaterThan(p.PeakPrice) {
		return decisionRaisePeak
	}
	if price.LessThanOrEqual(p.TrailStopPrice) {
		return decisionTrailExit
	}
	return decisionHold
}
