package alert

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogNotifier 把告警写入日志。
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier 创建日志告警通道。
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alert")}
}

// Notify 实现 Notifier。
func (n *LogNotifier) Notify(_ context.Context, a Alert) error {
	level := zapcore.WarnLevel
	if a.Level == LevelCritical {
		level = zapcore.ErrorLevel
	}

	fields := make([]zap.Field, 0, 4+len(a.Fields))
	fields = append(fields,
		zap.String("title", a.Title),
		zap.String("level", string(a.Level)),
	)
	if a.PositionID != "" {
		fields = append(fields, zap.String("position_id", a.PositionID))
	}
	if a.Symbol != "" {
		fields = append(fields, zap.String("symbol", a.Symbol))
	}
	for k, v := range a.Fields {
		fields = append(fields, zap.String(k, v))
	}

	n.logger.Log(level, a.Message, fields...)
	return nil
}
