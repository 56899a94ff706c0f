// Package engine runs the trading loop: risk exits, per-instrument RSI
// decisions, order submission and trade logging, one cycle at a time.
package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"mstock-trader/internal/analysis/indicators"
	"mstock-trader/internal/broker"
	"mstock-trader/internal/config"
	"mstock-trader/internal/metrics"
	"mstock-trader/internal/models"
	"mstock-trader/internal/notify"
	"mstock-trader/internal/state"
	"mstock-trader/internal/store"
)

const (
	defaultHeartbeat   = 2 * time.Second
	defaultClosedPoll  = 30 * time.Second
	errorBackoff       = 5 * time.Second
	stopPollInterval   = time.Second
	heartbeatNotifyGap = 30 * time.Minute
	prefetchWorkers    = 4
)

// Settings is the part of the settings provider the engine reads.
type Settings interface {
	Snapshot() *config.Settings
	StockConfigs() []models.StockConfig
	ManagedConfig(key models.Key) models.StockConfig
	WatchedManualKeys() []models.Key
}

// Login refreshes the broker session.
type Login interface {
	Refresh(ctx context.Context) (bool, error)
}

// Config wires the engine's collaborators.
type Config struct {
	Gateway      broker.Gateway
	Connectivity *broker.Connectivity
	Settings     Settings
	Trades       store.TradeStore
	State        *state.Store
	Notifier     notify.Notifier
	Metrics      *metrics.Recorder
	// Login is optional; without it the session is never refreshed at start.
	Login  Login
	Logger zerolog.Logger
	Now    func() time.Time
}

// Engine is the cycle driver. Only Run's goroutine mutates it; RequestStop
// may be called from anywhere.
type Engine struct {
	gateway    broker.Gateway
	quotes     *broker.QuoteCache
	conn       *broker.Connectivity
	settings   Settings
	trades     store.TradeStore
	state      *state.Store
	notifier   notify.Notifier
	metrics    *metrics.Recorder
	login      Login
	indicators *indicators.Engine
	guard      *Guard
	logger     zerolog.Logger
	now        func() time.Time

	stop       atomic.Bool
	wake       chan struct{}
	cycle      uint64
	startedAt  time.Time
	lastNotify time.Time
}

// New creates an engine.
func New(cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.NewNoOpNotifier()
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = broker.NewConnectivity(cfg.Logger)
	}
	logger := cfg.Logger.With().Str("component", "engine").Logger()
	quotes := broker.NewQuoteCache(cfg.Gateway)

	e := &Engine{
		gateway:  cfg.Gateway,
		quotes:   quotes,
		conn:     cfg.Connectivity,
		settings: cfg.Settings,
		trades:   cfg.Trades,
		state:    cfg.State,
		notifier: cfg.Notifier,
		metrics:  cfg.Metrics,
		login:    cfg.Login,
		indicators: indicators.NewEngine(cfg.Gateway,
			indicators.WithLogger(logger.With().Str("component", "indicators").Logger())),
		guard:  NewGuard(),
		logger: logger,
		now:    cfg.Now,
		wake:   make(chan struct{}, 1),
	}
	e.conn.OnChange(func(offline bool) {
		e.metrics.SetOffline(offline)
	})
	return e
}

// RequestStop asks the loop to exit after the current step.
func (e *Engine) RequestStop() {
	e.stop.Store(true)
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// stopRequested checks the in-process flag and the shared state file.
func (e *Engine) stopRequested() bool {
	if e.stop.Load() {
		return true
	}
	if err := e.state.SyncExternal(); err != nil {
		e.logger.Debug().Err(err).Msg("State sync failed")
	}
	return e.state.StopRequested()
}

// Run loops over cycles until ctx is done or a stop is requested.
func (e *Engine) Run(ctx context.Context) error {
	e.startedAt = e.now()
	var errs error
	errs = multierr.Append(errs, e.state.MarkStarted(e.startedAt))
	errs = multierr.Append(errs, e.trades.SetControl(ctx, store.ControlBotStatus, store.BotStatusRunning))
	if errs != nil {
		e.logger.Warn().Err(errs).Msg("Could not record engine start")
	}

	snap := e.settings.Snapshot()
	mode := "LIVE"
	if snap.IsPaperMode() {
		mode = "PAPER"
	}
	e.logger.Info().
		Str("mode", mode).
		Str("broker", e.gateway.Name()).
		Int("instruments", len(e.settings.StockConfigs())).
		Msg("Engine started")
	e.notify(ctx, func(ctx context.Context) error {
		return e.notifier.SendLifecycle(ctx, true, mode+" mode on "+e.gateway.Name())
	})

	if !snap.IsPaperMode() && e.login != nil && !e.state.TokenValidatedToday(e.now()) {
		if ok, err := e.login.Refresh(ctx); err != nil {
			e.logger.Warn().Err(err).Msg("Session refresh at start failed")
		} else if !ok {
			e.logger.Info().Msg("No TOTP secret configured, using stored access token")
		}
	}

	for {
		if ctx.Err() != nil || e.stopRequested() {
			break
		}
		report, err := e.RunCycle(ctx)
		wait := e.heartbeat()
		switch {
		case err != nil:
			e.logger.Error().Err(err).Uint64("cycle", e.cycle).Msg("Cycle failed")
			wait = errorBackoff
		case report.MarketClosed:
			wait = e.closedPoll()
		}
		e.sleep(ctx, wait)
	}

	reason := "stop requested"
	if ctx.Err() != nil {
		reason = "shutdown"
	}
	e.logger.Info().Str("reason", reason).Msg("Engine stopped")
	// The parent context may already be cancelled.
	done, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.notify(done, func(ctx context.Context) error {
		return e.notifier.SendLifecycle(ctx, false, reason)
	})
	return e.trades.SetControl(done, store.ControlBotStatus, store.BotStatusStopped)
}

func (e *Engine) heartbeat() time.Duration {
	if s := e.settings.Snapshot().App.HeartbeatSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultHeartbeat
}

func (e *Engine) closedPoll() time.Duration {
	if s := e.settings.Snapshot().App.MarketClosedPollSeconds; s > 0 {
		return time.Duration(s) * time.Second
	}
	return defaultClosedPoll
}

// sleep waits for d, returning early on cancellation or a stop request.
func (e *Engine) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	poll := time.NewTicker(stopPollInterval)
	defer poll.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
			return
		case <-timer.C:
			return
		case <-poll.C:
			if e.stopRequested() {
				return
			}
		}
	}
}

// notify sends one event. A failed notification never fails the caller.
func (e *Engine) notify(ctx context.Context, send func(context.Context) error) {
	if err := send(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Notification failed")
	}
}
