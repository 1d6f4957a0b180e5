package risk

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-trader/internal/feed"
	"signal-trader/internal/position"
)

// Monitor 监控单笔持仓，整个 OPEN 生命周期内独占一个 goroutine。
// 持仓的可变字段只通过 Tracker 修改，监控器本身不保存副本。
type Monitor struct {
	id     string
	symbol string
	engine *Engine
	logger *zap.Logger
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state MonitorState
	stale bool
}

func newMonitor(e *Engine, pos position.Position, cancel context.CancelFunc) *Monitor {
	state := StateWatchingFixed
	if pos.TrailActive {
		state = StateWatchingTrail
	}
	return &Monitor{
		id:     pos.ID,
		symbol: pos.Symbol,
		engine: e,
		logger: e.logger.With(zap.String("position_id", pos.ID), zap.String("symbol", pos.Symbol)),
		cancel: cancel,
		done:   make(chan struct{}),
		state:  state,
	}
}

// State 返回监控器状态。
func (m *Monitor) State() MonitorState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s MonitorState) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Monitor) stop() {
	m.cancel()
	<-m.done
}

func (m *Monitor) run(ctx context.Context, ticks <-chan feed.Tick) {
	defer close(m.done)

	staleness := m.engine.deps.Feed.Staleness()
	if staleness <= 0 {
		staleness = 15 * time.Second
	}
	watchdog := time.NewTicker(staleness)
	defer watchdog.Stop()

	m.logger.Info("开始监控持仓", zap.String("state", string(m.State())))

	for {
		select {
		case <-ctx.Done():
			m.logger.Debug("停止监控持仓")
			return
		case tick, ok := <-ticks:
			if !ok {
				m.logger.Warn("行情订阅已关闭，停止监控")
				return
			}
			if m.onTick(ctx, tick) {
				return
			}
		case <-watchdog.C:
			m.checkFeed()
		}
	}
}

// onTick 执行一轮评估，返回 true 表示监控结束。
func (m *Monitor) onTick(ctx context.Context, tick feed.Tick) bool {
	e := m.engine
	staleness := e.deps.Feed.Staleness()

	if age := e.now().Sub(tick.ReceivedAt); age > staleness {
		e.deps.Metrics.StaleTick(m.symbol)
		m.logger.Debug("行情已过期，跳过本轮", zap.Duration("age", age))
		return false
	}
	m.markFresh()

	pos, err := e.tracker.Get(m.id)
	if err != nil {
		return true
	}
	if pos.State != position.StateOpen {
		// 手动平仓或取消已接管
		return true
	}

	switch d := evaluate(pos, tick.Price); d {
	case decisionStopLoss:
		return m.trigger(ctx, tick, ReasonStopLoss)
	case decisionTrailExit:
		return m.trigger(ctx, tick, ReasonTrailingStop)
	case decisionActivateTrail, decisionRaisePeak:
		updated, err := e.tracker.UpdatePeak(m.id, tick.Price)
		if err != nil {
			return true
		}
		if d == decisionActivateTrail && updated.TrailActive {
			m.setState(StateWatchingTrail)
			m.logger.Info("移动止盈已激活",
				zap.Stringer("price", tick.Price),
				zap.Stringer("trail_stop", updated.TrailStopPrice),
			)
			e.deps.Journal.RecordPosition(ctx, "trailing", updated, "")
		} else {
			m.logger.Debug("峰值上移",
				zap.Stringer("peak", updated.PeakPrice),
				zap.Stringer("trail_stop", updated.TrailStopPrice),
			)
		}
		e.checkpoint(ctx, updated)
	}
	return false
}

func (m *Monitor) trigger(ctx context.Context, tick feed.Tick, reason Reason) bool {
	e := m.engine
	if err := e.claimExit(m.id, false); err != nil {
		// 其他流程已在平仓，不重复下单
		m.logger.Debug("平仓已由其他流程接管", zap.Error(err))
		return true
	}

	m.setState(StateTriggered)
	m.logger.Info("触发平仓", zap.String("reason", string(reason)), zap.Stringer("price", tick.Price))

	if err := e.runExit(context.WithoutCancel(ctx), m.id, reason); err != nil {
		if !errors.Is(err, ErrExitFailed) {
			m.logger.Warn("平仓流程中止", zap.Error(err))
		}
		return true
	}
	m.setState(StateClosed)
	return true
}

// checkFeed 在长时间没有新行情时记录一次告警日志，行情恢复后重新计时。
func (m *Monitor) checkFeed() {
	if _, err := m.engine.deps.Feed.GetLatest(m.symbol); !errors.Is(err, feed.ErrStale) {
		return
	}
	m.mu.Lock()
	already := m.stale
	m.stale = true
	m.mu.Unlock()
	if !already {
		m.engine.deps.Metrics.StaleTick(m.symbol)
		m.logger.Warn("行情超过新鲜度窗口未更新，暂停评估", zap.Duration("staleness", m.engine.deps.Feed.Staleness()))
	}
}

func (m *Monitor) markFresh() {
	m.mu.Lock()
	recovered := m.stale
	m.stale = false
	m.mu.Unlock()
	if recovered {
		m.logger.Info("行情恢复，继续评估")
	}
}
