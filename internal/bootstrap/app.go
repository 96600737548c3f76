// Package bootstrap assembles the application: configuration, logging, the
// SQLite store, the broker client, and every long-running component, run
// under one errgroup with signal-driven shutdown.
package bootstrap

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"batch_trader/internal/broker"
	"batch_trader/internal/clock"
	"batch_trader/internal/core"
	"batch_trader/internal/engine"
	"batch_trader/internal/eod"
	"batch_trader/internal/logging"
	"batch_trader/internal/metrics"
	"batch_trader/internal/mock"
	"batch_trader/internal/oco"
	"batch_trader/internal/ratelimit"
	"batch_trader/internal/scheduler"
	"batch_trader/internal/store"
	"batch_trader/internal/supervisor"
	"batch_trader/internal/watcher"
	"batch_trader/pkg/retry"
)

const (
	entrySubmitWorkers = 8
	eodCheckInterval   = 5 * time.Second
	authTimeout        = 10 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// App holds the assembled dependency graph.
type App struct {
	Cfg    *Config
	Logger *logging.Logger

	Store   *store.Store
	Broker  core.IBroker
	Limiter *ratelimit.Limiter
	Clock   core.IClock
	Retry   retry.Policy

	Metrics       *metrics.Metrics
	MetricsServer *metrics.Server

	Engine     *engine.Engine
	Oco        *oco.Manager
	Watcher    *watcher.Watcher
	Scheduler  *scheduler.Scheduler
	Closer     *eod.Closer
	Supervisor *supervisor.Supervisor
}

// NewApp loads configuration and constructs every component. Nothing is
// started; Run does that.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logger, err := newLogger(cfg.System)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	clk, err := clock.NewSystemClock(cfg.System.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clock: %w", err)
	}

	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	brk, err := newBroker(cfg, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("broker: %w", err)
	}

	limiter := ratelimit.NewLimiter(cfg.Rate.OrderPerSec, cfg.Rate.InfoPerSec)
	m := metrics.New()
	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: retry.DefaultPolicy.InitialBackoff,
		MaxBackoff:     retry.DefaultPolicy.MaxBackoff,
	}

	eng := engine.New(st, brk, limiter, logger, m, entrySubmitWorkers)
	ocoMgr := oco.New(st, brk, limiter, clk, logger, m,
		core.OcoMode(cfg.Oco.Mode),
		time.Duration(cfg.Oco.HoldIDWaitMs)*time.Millisecond)
	wtch := watcher.New(st, brk, limiter, ocoMgr, logger, m,
		time.Duration(cfg.Poll.OrdersIntervalMs)*time.Millisecond,
		time.Duration(cfg.Poll.PositionsIntervalMs)*time.Millisecond)
	sched := scheduler.New(st, clk, eng, logger, m,
		time.Duration(cfg.Scheduler.TickMs)*time.Millisecond,
		time.Duration(cfg.Scheduler.MissGraceSec)*time.Second)
	closer := eod.New(st, brk, limiter, clk, logger, m, eodCheckInterval,
		time.Duration(cfg.Cancel.WaitMs)*time.Millisecond)
	sup := supervisor.New(st, brk, clk, eng, closer, logger, m, policy)
	wtch.SetInvariantHandler(sup.HaltIntake)

	app := &App{
		Cfg:        cfg,
		Logger:     logger,
		Store:      st,
		Broker:     brk,
		Limiter:    limiter,
		Clock:      clk,
		Retry:      policy,
		Metrics:    m,
		Engine:     eng,
		Oco:        ocoMgr,
		Watcher:    wtch,
		Scheduler:  sched,
		Closer:     closer,
		Supervisor: sup,
	}
	if cfg.Telemetry.EnableMetrics {
		app.MetricsServer = metrics.NewServer(cfg.Telemetry.MetricsPort, m, logger)
	}
	return app, nil
}

// newBroker picks the broker implementation. The literal base URL "mock"
// selects the in-process simulator, used for dry runs.
func newBroker(cfg *Config, logger core.ILogger) (core.IBroker, error) {
	if cfg.Broker.BaseURL == "mock" {
		logger.Warn("Using in-process mock broker; no real orders will be placed")
		return mock.NewMockBroker(), nil
	}
	return broker.NewClient(broker.Config{
		BaseURL:     cfg.Broker.BaseURL,
		APIPassword: cfg.Broker.APIPassword.Reveal(),
		MarketCodes: cfg.Broker.MarketCodes,
		Timeout:     time.Duration(cfg.Broker.TimeoutMs) * time.Millisecond,
	}, logger)
}

// Runner is a component the app runs until shutdown.
type Runner interface {
	Run(ctx context.Context) error
}

// component is the Start/Stop shape every long-running piece exposes.
type component interface {
	Start(ctx context.Context) error
	Stop() error
}

type componentRunner struct {
	name string
	c    component
}

// Run starts the component, waits for cancellation, then stops it.
func (r componentRunner) Run(ctx context.Context) error {
	if err := r.c.Start(ctx); err != nil {
		return fmt.Errorf("start %s: %w", r.name, err)
	}
	<-ctx.Done()
	if err := r.c.Stop(); err != nil {
		return fmt.Errorf("stop %s: %w", r.name, err)
	}
	return nil
}

// Run authenticates against the broker, starts every component, and blocks
// until a termination signal or a component failure.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.Store.Close()

	// The broker endpoint may still be coming up; token fetch retries with
	// backoff before the app gives up.
	err := retry.Do(ctx, a.Retry, func(error) bool { return true }, func() error {
		authCtx, cancel := context.WithTimeout(ctx, authTimeout)
		defer cancel()
		return a.Broker.Authenticate(authCtx)
	})
	if err != nil {
		return fmt.Errorf("broker authentication: %w", err)
	}
	a.Metrics.BrokerReauths.Inc()

	if a.MetricsServer != nil {
		a.MetricsServer.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.MetricsServer.Stop(shutdownCtx); err != nil {
				a.Logger.Warn("Metrics server shutdown failed", "error", err.Error())
			}
		}()
	}

	runners := []componentRunner{
		{"engine", a.Engine},
		{"oco_manager", a.Oco},
		{"watcher", a.Watcher},
		{"scheduler", a.Scheduler},
		{"supervisor", a.Supervisor},
	}
	if a.Cfg.Eod.Enabled {
		runners = append(runners, componentRunner{"eod_closer", a.Closer})
	}

	g, ctx := errgroup.WithContext(ctx)
	a.Logger.Info("Starting application", "components", len(runners))
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}

	if err := g.Wait(); err != nil && err != context.Canceled {
		a.Logger.Error("Application stopped with error", "error", err.Error())
		return err
	}
	a.Logger.Info("Application shut down")
	return nil
}
