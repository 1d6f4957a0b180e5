package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/exchange"
)

type tickerFetcher interface {
	FetchTicker(ctx context.Context, symbol string) (exchange.Ticker, error)
}

// PollSource 按固定间隔通过 REST 拉取最新成交价。
type PollSource struct {
	client   tickerFetcher
	interval time.Duration
	logger   *zap.Logger
}

// NewPollSource 创建轮询行情源。
func NewPollSource(client tickerFetcher, interval time.Duration, logger *zap.Logger) *PollSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PollSource{
		client:   client,
		interval: interval,
		logger:   logger.Named("poll"),
	}
}

// Run 持续轮询直到 ctx 结束。单次拉取失败只记录日志，由新鲜度检查兜底。
func (s *PollSource) Run(ctx context.Context, symbol string, emit func(Tick)) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.pollOnce(ctx, symbol, emit)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *PollSource) pollOnce(ctx context.Context, symbol string, emit func(Tick)) {
	t, err := s.client.FetchTicker(ctx, symbol)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("拉取最新价失败", zap.String("symbol", symbol), zap.Error(err))
		}
		return
	}
	emit(Tick{Symbol: symbol, Price: t.Last, Time: t.Time})
}
