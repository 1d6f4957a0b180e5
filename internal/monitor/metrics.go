package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "signal_trader"

// Metrics 汇总持仓与风控相关的 Prometheus 指标。
type Metrics struct {
	positionsOpen   prometheus.Gauge
	positionsOpened *prometheus.CounterVec
	positionsClosed *prometheus.CounterVec
	exitAttempts    *prometheus.CounterVec
	staleTicks      *prometheus.CounterVec
	alerts          *prometheus.CounterVec
	signals         *prometheus.CounterVec
}

// NewMetrics 在给定 registerer 上注册全部指标，reg 为 nil 时使用默认注册表。
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		positionsOpen: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "open",
			Help:      "Positions currently tracked (OPEN or CLOSING)",
		}),
		positionsOpened: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "opened_total",
			Help:      "Positions opened after a confirmed entry fill",
		}, []string{"symbol"}),
		positionsClosed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "closed_total",
			Help:      "Positions closed or cancelled, by reason",
		}, []string{"symbol", "reason"}),
		exitAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "exit_attempts_total",
			Help:      "Exit order attempts, by outcome",
		}, []string{"symbol", "outcome"}),
		staleTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "risk",
			Name:      "stale_ticks_total",
			Help:      "Evaluation cycles skipped because the price was stale",
		}, []string{"symbol"}),
		alerts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "raised_total",
			Help:      "Alerts raised, by level",
		}, []string{"level"}),
		signals: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "signals_total",
			Help:      "Webhook signals, by action and outcome",
		}, []string{"action", "outcome"}),
	}
}

// PositionOpened 记录一次开仓。
func (m *Metrics) PositionOpened(symbol string) {
	m.positionsOpened.WithLabelValues(symbol).Inc()
}

// PositionClosed 记录一次平仓或取消。
func (m *Metrics) PositionClosed(symbol, reason string) {
	m.positionsClosed.WithLabelValues(symbol, reason).Inc()
}

// ExitAttempt 记录一次平仓下单尝试。
func (m *Metrics) ExitAttempt(symbol, outcome string) {
	m.exitAttempts.WithLabelValues(symbol, outcome).Inc()
}

// StaleTick 记录一次因行情过期而跳过的评估。
func (m *Metrics) StaleTick(symbol string) {
	m.staleTicks.WithLabelValues(symbol).Inc()
}

// OpenPositions 设置当前持仓数量。
func (m *Metrics) OpenPositions(n int) {
	m.positionsOpen.Set(float64(n))
}

// AlertRaised 记录一次告警。
func (m *Metrics) AlertRaised(level string) {
	m.alerts.WithLabelValues(level).Inc()
}

// SignalHandled 记录一次 webhook 信号。
func (m *Metrics) SignalHandled(action, outcome string) {
	m.signals.WithLabelValues(action, outcome).Inc()
}
