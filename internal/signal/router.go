package signal

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrUnauthorized 表示口令不匹配。
	ErrUnauthorized = errors.New("signal: invalid passphrase")
	// ErrInvalidPayload 表示请求体无法解析或字段不合法。
	ErrInvalidPayload = errors.New("signal: invalid payload")
	// ErrUnsupportedSymbol 表示币种不在白名单或计价币不符。
	ErrUnsupportedSymbol = errors.New("signal: coin not supported")
)

// Action 是信号方向。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Signal 是通过校验的交易信号，Symbol 已规范化为大写 "BASE/QUOTE"。
type Signal struct {
	Symbol string
	Base   string
	Quote  string
	Action Action
}

type payload struct {
	Passphrase string `json:"passphrase"`
	Symbol     string `json:"symbol"`
	Action     string `json:"action"`
}

// Executor 是信号最终落地的风控引擎。
type Executor interface {
	OpenPosition(ctx context.Context, symbol string, notional decimal.Decimal) (string, error)
	ClosePosition(ctx context.Context, symbol string) error
}

type signalRecorder interface {
	RecordSignal(ctx context.Context, symbol, action, outcome, detail string)
}

type signalCounter interface {
	SignalHandled(action, outcome string)
}

// Options 描述信号校验与下单规模。
type Options struct {
	Passphrase string
	Quote      string
	Whitelist  []string
	Notional   decimal.Decimal
}

// Router 校验 webhook 信号并转交引擎执行。
type Router struct {
	passphrase []byte
	quote      string
	whitelist  map[string]struct{}
	notional   decimal.Decimal

	executor Executor
	recorder signalRecorder
	counter  signalCounter
	logger   *zap.Logger
}

// NewRouter 创建信号路由。recorder 与 counter 可为 nil。
func NewRouter(opts Options, executor Executor, recorder signalRecorder, counter signalCounter, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	whitelist := make(map[string]struct{}, len(opts.Whitelist))
	for _, coin := range opts.Whitelist {
		whitelist[strings.ToUpper(strings.TrimSpace(coin))] = struct{}{}
	}
	return &Router{
		passphrase: []byte(opts.Passphrase),
		quote:      strings.ToUpper(strings.TrimSpace(opts.Quote)),
		whitelist:  whitelist,
		notional:   opts.Notional,
		executor:   executor,
		recorder:   recorder,
		counter:    counter,
		logger:     logger.Named("signal"),
	}
}

// Parse 解析并校验请求体。口令错误优先于其他任何校验返回。
func (r *Router) Parse(body []byte) (Signal, error) {
	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Signal{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(r.passphrase) == 0 || subtle.ConstantTimeCompare([]byte(p.Passphrase), r.passphrase) != 1 {
		return Signal{}, ErrUnauthorized
	}

	symbol := strings.ToUpper(strings.TrimSpace(p.Symbol))
	action := Action(strings.ToLower(strings.TrimSpace(p.Action)))
	if action != ActionBuy && action != ActionSell {
		return Signal{}, fmt.Errorf("%w: action %q", ErrInvalidPayload, p.Action)
	}

	base, quote, ok := strings.Cut(symbol, "/")
	if !ok || base == "" || quote == "" || strings.Contains(quote, "/") {
		return Signal{}, fmt.Errorf("%w: symbol %q", ErrInvalidPayload, p.Symbol)
	}
	if quote != r.quote {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}
	if _, ok := r.whitelist[base]; !ok {
		return Signal{}, fmt.Errorf("%w: %s", ErrUnsupportedSymbol, symbol)
	}

	return Signal{Symbol: symbol, Base: base, Quote: quote, Action: action}, nil
}

// Result 描述信号执行结果。
type Result struct {
	Action     Action `json:"action"`
	Symbol     string `json:"symbol"`
	PositionID string `json:"position_id,omitempty"`
}

// Dispatch 执行信号：buy 以固定名义金额开仓，sell 平掉该交易对全部持仓。
func (r *Router) Dispatch(ctx context.Context, sig Signal) (Result, error) {
	res := Result{Action: sig.Action, Symbol: sig.Symbol}

	var err error
	switch sig.Action {
	case ActionBuy:
		res.PositionID, err = r.executor.OpenPosition(ctx, sig.Symbol, r.notional)
	case ActionSell:
		err = r.executor.ClosePosition(ctx, sig.Symbol)
	default:
		err = fmt.Errorf("%w: action %q", ErrInvalidPayload, sig.Action)
	}

	outcome, detail := "ok", res.PositionID
	if err != nil {
		outcome, detail = "error", err.Error()
		r.logger.Warn("信号执行失败",
			zap.String("symbol", sig.Symbol),
			zap.String("action", string(sig.Action)),
			zap.Error(err),
		)
	} else {
		r.logger.Info("信号已执行",
			zap.String("symbol", sig.Symbol),
			zap.String("action", string(sig.Action)),
			zap.String("position_id", res.PositionID),
		)
	}
	r.record(ctx, sig, outcome, detail)
	return res, err
}

// Reject 记录未通过校验的信号。
func (r *Router) Reject(ctx context.Context, err error) {
	outcome := "invalid"
	if errors.Is(err, ErrUnauthorized) {
		outcome = "unauthorized"
	}
	r.logger.Warn("拒绝信号", zap.String("outcome", outcome), zap.Error(err))
	r.record(ctx, Signal{Action: Action("unknown")}, outcome, err.Error())
}

func (r *Router) record(ctx context.Context, sig Signal, outcome, detail string) {
	if r.recorder != nil {
		r.recorder.RecordSignal(ctx, sig.Symbol, string(sig.Action), outcome, detail)
	}
	if r.counter != nil {
		r.counter.SignalHandled(string(sig.Action), outcome)
	}
}
