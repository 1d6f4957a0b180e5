package feed

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"signal-trader/internal/exchange"
)

const (
	handshakeTimeout = 10 * time.Second
	// Binance 每 3 分钟发送一次 ping，超过该时间没有任何帧视为连接失效
	readTimeout = 4 * time.Minute
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// tradeEvent 是 Binance <symbol>@trade 流的消息体。
type tradeEvent struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	TradeTime int64  `json:"T"`
}

// StreamSource 通过 websocket 订阅 Binance 逐笔成交。
type StreamSource struct {
	baseURL string
	dialer  websocket.Dialer
	logger  *zap.Logger
}

// NewStreamSource 创建 websocket 行情源，baseURL 形如 wss://stream.binance.com:9443/ws。
func NewStreamSource(baseURL string, logger *zap.Logger) *StreamSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		dialer: websocket.Dialer{
			HandshakeTimeout:  handshakeTimeout,
			EnableCompression: false,
		},
		logger: logger.Named("stream"),
	}
}

// Run 建立连接并持续读取成交，连接断开时返回错误，由 Hub 重连。
func (s *StreamSource) Run(ctx context.Context, symbol string, emit func(Tick)) error {
	url := fmt.Sprintf("%s/%s@trade", s.baseURL, exchange.StreamName(symbol))

	conn, _, err := s.dialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("feed: 连接行情流失败: %w", err)
	}
	defer conn.Close()

	s.logger.Info("行情流已连接", zap.String("symbol", symbol), zap.String("url", url))

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
		case <-stop:
		}
	}()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPingHandler(func(msg string) error {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(msg), time.Now().Add(handshakeTimeout))
		if err != nil {
			s.logger.Warn("回复 pong 失败", zap.Error(err))
		}
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("feed: 读取行情流失败: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		tick, ok, parseErr := parseTrade(data)
		if parseErr != nil {
			s.logger.Warn("解析成交消息失败", zap.String("symbol", symbol), zap.Error(parseErr))
			continue
		}
		if !ok {
			continue
		}
		emit(tick)
	}
}

func parseTrade(data []byte) (Tick, bool, error) {
	var ev tradeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return Tick{}, false, err
	}
	if ev.EventType != "trade" {
		return Tick{}, false, nil
	}
	price, err := decimal.NewFromString(ev.Price)
	if err != nil {
		return Tick{}, false, fmt.Errorf("feed: 成交价格式错误 %q: %w", ev.Price, err)
	}

	var ts time.Time
	if ev.TradeTime > 0 {
		ts = time.UnixMilli(ev.TradeTime).UTC()
	}
	return Tick{Price: price, Time: ts}, true, nil
}
