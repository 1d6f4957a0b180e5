package monitor

import (
	"time"

	"signal-trader/internal/position"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventSignal   EventType = "signal"
	EventPosition EventType = "position"
	EventAlert    EventType = "alert"
	EventError    EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// SignalPayload 记录一次 webhook 信号及其处理结果。
type SignalPayload struct {
	Symbol  string `json:"symbol"`
	Action  string `json:"action"`
	Outcome string `json:"outcome"`
	Detail  string `json:"detail,omitempty"`
}

// PositionPayload 记录持仓生命周期中的一次变化。
type PositionPayload struct {
	Action   string            `json:"action"`
	Position position.Position `json:"position"`
	Note     string            `json:"note,omitempty"`
}

// AlertPayload 记录需要人工介入的告警。
type AlertPayload struct {
	Level      string            `json:"level"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	PositionID string            `json:"position_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}
