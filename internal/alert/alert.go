package alert

import (
	"context"
	"time"

	"go.uber.org/multierr"
)

// Level 表示告警严重程度。
type Level string

const (
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Alert 是一条需要人工关注的事件，例如平仓重试耗尽或开仓结果无法确认。
type Alert struct {
	Level      Level             `json:"level"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	PositionID string            `json:"position_id,omitempty"`
	Symbol     string            `json:"symbol,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
	Time       time.Time         `json:"time"`
}

// Notifier 把告警送到外部通道。
type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Multi 把告警依次送到每个通道，单个通道失败不影响其余通道。
type Multi []Notifier

// Notify 实现 Notifier。
func (m Multi) Notify(ctx context.Context, a Alert) error {
	if a.Time.IsZero() {
		a.Time = time.Now().UTC()
	}
	var err error
	for _, n := range m {
		if n == nil {
			continue
		}
		err = multierr.Append(err, n.Notify(ctx, a))
	}
	return err
}

// Nop 丢弃所有告警。
type Nop struct{}

// Notify 实现 Notifier。
func (Nop) Notify(context.Context, Alert) error { return nil }
