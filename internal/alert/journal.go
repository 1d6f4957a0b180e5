package alert

import (
	"context"

	"signal-trader/internal/monitor"
)

type eventRecorder interface {
	Record(ctx context.Context, event monitor.Event) error
}

type alertCounter interface {
	AlertRaised(level string)
}

// JournalNotifier 把告警写入事件表并计数，可通过 /events?type=alert 查询。
type JournalNotifier struct {
	recorder eventRecorder
	counter  alertCounter
}

// NewJournalNotifier 创建事件表告警通道，counter 可以为 nil。
func NewJournalNotifier(recorder eventRecorder, counter alertCounter) *JournalNotifier {
	return &JournalNotifier{recorder: recorder, counter: counter}
}

// Notify 实现 Notifier。
func (n *JournalNotifier) Notify(ctx context.Context, a Alert) error {
	if n.counter != nil {
		n.counter.AlertRaised(string(a.Level))
	}
	return n.recorder.Record(ctx, monitor.Event{
		Type:      monitor.EventAlert,
		Timestamp: a.Time,
		Payload: monitor.AlertPayload{
			Level:      string(a.Level),
			Title:      a.Title,
			Message:    a.Message,
			PositionID: a.PositionID,
			Symbol:     a.Symbol,
			Fields:     a.Fields,
		},
	})
}
