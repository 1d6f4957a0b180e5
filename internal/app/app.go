package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"signal-trader/internal/alert"
	"signal-trader/internal/config"
	"signal-trader/internal/exchange"
	"signal-trader/internal/execution"
	"signal-trader/internal/feed"
	"signal-trader/internal/monitor"
	"signal-trader/internal/position"
	"signal-trader/internal/risk"
	"signal-trader/internal/signal"
	"signal-trader/internal/store"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// components 是一次运行所需的全部组件，按依赖顺序显式构造。
type components struct {
	hub     *feed.Hub
	engine  *risk.Engine
	journal *monitor.Service
	server  *Server
	closers []func() error
}

func (a *App) build(ctx context.Context) (*components, error) {
	cfg := a.cfg
	c := &components{}

	client, err := exchange.NewClient(cfg.Exchange, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化交易所客户端失败: %w", err)
	}
	execOpts := execution.Options{
		Timeout:           cfg.Execution.OrderTimeout,
		QuantityPrecision: cfg.Trade.QuantityPrecision,
	}
	var (
		gateway  execution.Trader
		balances risk.BalanceSource = client
	)
	if cfg.Execution.Simulation {
		paper := execution.NewPaperGateway(client, execOpts, execution.PaperOptions{
			Quote:   cfg.Trade.Quote,
			Balance: cfg.Execution.PaperBalance,
			FeeRate: cfg.Execution.PaperFeeRate,
		}, a.logger)
		a.logger.Info("执行器处于模拟模式", zap.Stringer("paper_balance", cfg.Execution.PaperBalance))
		gateway, balances = paper, paper
	} else {
		gateway = execution.NewGateway(client.Raw(), execOpts, a.logger)
	}

	var source feed.Source
	switch cfg.Feed.Mode {
	case config.FeedModeStream:
		source = feed.NewStreamSource(cfg.Feed.StreamURL, a.logger)
	default:
		source = feed.NewPollSource(client, cfg.Feed.PollInterval, a.logger)
	}
	c.hub = feed.NewHub(source, feed.HubOptions{
		Staleness:       cfg.Feed.Staleness,
		RestartMinDelay: cfg.Feed.ReconnectMinDelay,
		RestartMaxDelay: cfg.Feed.ReconnectMaxDelay,
	}, a.logger)

	repo, err := store.NewPositionRepository(a.store)
	if err != nil {
		return nil, err
	}
	c.journal, err = monitor.NewService(a.store, a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := monitor.NewMetrics(registry)

	notifiers := alert.Multi{
		alert.NewLogNotifier(a.logger),
		alert.NewJournalNotifier(c.journal, metrics),
	}
	if cfg.Alert.RedisAddr != "" {
		redisNotifier, err := alert.NewRedisNotifier(ctx, cfg.Alert)
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, redisNotifier)
		c.closers = append(c.closers, redisNotifier.Close)
	}

	c.engine, err = risk.NewEngine(risk.Deps{
		Gateway:  gateway,
		Feed:     c.hub,
		Quotes:   client,
		Balances: balances,
		Tracker:  position.NewTracker(),
		Notifier: notifiers,
		Store:    repo,
		Journal:  c.journal,
		Metrics:  metrics,
	}, risk.OptionsFromConfig(cfg), a.logger)
	if err != nil {
		return nil, fmt.Errorf("初始化风控引擎失败: %w", err)
	}

	router := signal.NewRouter(signal.Options{
		Passphrase: cfg.Server.Passphrase,
		Quote:      cfg.Trade.Quote,
		Whitelist:  cfg.Trade.Whitelist,
		Notional:   cfg.Trade.Notional,
	}, c.engine, c.journal, metrics, a.logger)

	c.server = NewServer(router, c.engine, c.journal, registry, a.logger)
	return c, nil
}

// Run 构造全部组件，恢复持仓后对外提供 webhook，直到 ctx 结束。
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("交易系统启动",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("exchange", a.cfg.Exchange.Name),
		zap.String("quote", a.cfg.Trade.Quote),
		zap.Strings("whitelist", a.cfg.Trade.Whitelist),
		zap.String("feed_mode", a.cfg.Feed.Mode),
	)

	c, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, closeFn := range c.closers {
			if err := closeFn(); err != nil {
				a.logger.Warn("关闭组件失败", zap.Error(err))
			}
		}
	}()

	if err := c.engine.Recover(ctx); err != nil {
		c.engine.Shutdown()
		c.hub.Close()
		return err
	}

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           c.server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("webhook 服务已启动", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.journal.RecordError(context.Background(), "webhook 服务异常", err, map[string]interface{}{"addr": srv.Addr})
			return fmt.Errorf("webhook 服务异常: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("系统收到退出信号，正在停止")

		timeout := a.cfg.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("关闭 webhook 服务失败", zap.Error(err))
		}

		// 先停止接收信号，再等待进行中的平仓结束
		c.engine.Shutdown()
		c.hub.Close()
		return nil
	})

	return g.Wait()
}
