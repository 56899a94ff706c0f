package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/pool"

	"mstock-trader/internal/config"
	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/logging"
	"mstock-trader/internal/models"
	"mstock-trader/internal/positions"
	"mstock-trader/internal/trading"
	"mstock-trader/pkg/utils"
)

// Skip reasons reported when a cycle ends before trading.
const (
	SkipStopped      = "stopped"
	SkipOffline      = "offline"
	SkipMarketClosed = "market_closed"
	// SkipNoCredentials ends a live cycle until broker credentials exist.
	SkipNoCredentials = "no_credentials"
)

// Report describes what one cycle did.
type Report struct {
	Cycle          uint64
	Skipped        string
	MarketClosed   bool
	Positions      int
	RiskExits      int
	Orders         int
	Breaker        bool
	PortfolioValue float64
}

// RunCycle runs one pass: risk exits, then every tracked instrument, then
// the state snapshot. Per-instrument failures are logged and skipped; the
// returned error is reserved for failures that stop the whole pass.
func (e *Engine) RunCycle(ctx context.Context) (Report, error) {
	e.cycle++
	start := e.now()
	report, err := e.runCycle(ctx, start)
	e.metrics.CycleDone(e.now().Sub(start), err)
	return report, err
}

func (e *Engine) runCycle(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{Cycle: e.cycle}
	log := logging.WithCycle(e.logger, e.cycle)

	if e.stopRequested() {
		rep.Skipped = SkipStopped
		return rep, nil
	}
	if offline, _ := e.conn.Offline(); offline {
		if !e.conn.ShouldProbe(now) {
			rep.Skipped = SkipOffline
			return rep, nil
		}
		if err := e.gateway.Ping(ctx); err != nil {
			log.Debug().Err(err).Msg("Broker still unreachable")
			rep.Skipped = SkipOffline
			return rep, nil
		}
		e.conn.MarkOnline()
	}

	if reset, err := e.state.ResetCountersIfDue(now); err != nil {
		log.Warn().Err(err).Msg("Counter reset not persisted")
	} else if reset {
		log.Info().Msg("Trade counters reset for the new day")
	}
	if err := e.state.Heartbeat(now); err != nil {
		log.Debug().Err(err).Msg("Heartbeat not persisted")
	}

	snap := e.settings.Snapshot()
	paper := snap.IsPaperMode()
	defer e.maybeSendSummary(ctx, paper, now)

	if !paper && !utils.IsMarketOpen(now) {
		rep.MarketClosed = true
		rep.Skipped = SkipMarketClosed
		log.Debug().Time("next_open", utils.NextMarketOpen(now)).Msg("Market closed")
		return rep, nil
	}
	if !paper && !snap.HasLiveCredentials() {
		rep.Skipped = SkipNoCredentials
		log.Warn().Msg("Live orders refused: no broker credentials in settings")
		return rep, nil
	}

	e.quotes.Reset()
	view, err := e.positionView(ctx, paper, now)
	if err != nil {
		return rep, err
	}
	rep.Positions = len(view)

	targets := e.targets(snap)
	e.prefetch(ctx, targets, view)
	if offline, _ := e.conn.Offline(); offline {
		rep.Skipped = SkipOffline
		return rep, nil
	}

	ltps := e.quotes.LTPs()
	realized, err := e.trades.RealizedPnLSince(ctx, utils.StartOfDay(now), paper)
	if err != nil {
		return rep, fmt.Errorf("reading realised P&L: %w", err)
	}
	value := snap.Capital.AllocatedLimit + realized + positions.UnrealizedPnL(view, ltps)
	rep.PortfolioValue = value
	rep.Breaker = e.checkBreaker(ctx, snap, value, now)

	sold := e.riskExits(ctx, snap, view, ltps, now)
	rep.RiskExits = len(sold)

	rep.Orders = e.evaluateTargets(ctx, snap, targets, view, sold, rep.Breaker, now)

	if err := e.state.SaveSnapshot(positions.Sorted(view), value); err != nil {
		log.Warn().Err(err).Msg("State snapshot not persisted")
	}
	e.metrics.SetOpenPositions(len(view))
	e.maybeSendHeartbeat(ctx, view, value, rep.Breaker, now)

	log.Debug().
		Int("positions", rep.Positions).
		Int("risk_exits", rep.RiskExits).
		Int("orders", rep.Orders).
		Float64("portfolio_value", value).
		Msg("Cycle complete")
	return rep, nil
}

// positionView fetches the broker feeds and merges them with the trade
// store. Holdings are required; the intraday and order feeds degrade to
// empty.
func (e *Engine) positionView(ctx context.Context, paper bool, now time.Time) (map[models.Key]models.Position, error) {
	holdings, err := e.gateway.Holdings(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching holdings: %w", err)
	}
	intraday, err := e.gateway.IntradayPositions(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Intraday positions unavailable")
	}
	orders, err := e.gateway.OrdersToday(ctx)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Today's orders unavailable")
	}
	opens, err := e.trades.OpenPositions(ctx, paper)
	if err != nil {
		return nil, fmt.Errorf("reading open positions: %w", err)
	}

	view := positions.Merge(positions.Inputs{
		Holdings:    holdings,
		Intraday:    intraday,
		OrdersToday: orders,
		StoreOpens:  opens,
		Managed:     e.managedKeys(),
	})
	if err := e.state.CacheHoldings(positions.Sorted(view), now); err != nil {
		e.logger.Debug().Err(err).Msg("Holdings cache not persisted")
	}
	return view, nil
}

// Positions returns the merged position view priced at fresh quotes.
func (e *Engine) Positions(ctx context.Context) ([]models.Position, error) {
	paper := e.settings.Snapshot().IsPaperMode()
	e.quotes.Reset()
	view, err := e.positionView(ctx, paper, e.now())
	if err != nil {
		return nil, err
	}
	for k, p := range view {
		q, err := e.quotes.Quote(ctx, k)
		if err != nil || q.LTP <= 0 {
			continue
		}
		p.LTP = q.LTP
		p.PnL = (q.LTP - p.AveragePrice) * float64(p.Quantity)
		view[k] = p
	}
	return positions.Sorted(view), nil
}

// managedKeys joins the Butler toggles with the watched manual list.
func (e *Engine) managedKeys() map[models.Key]bool {
	managed := make(map[models.Key]bool)
	for _, k := range e.state.ManagedHoldings() {
		managed[k] = true
	}
	for _, k := range e.settings.WatchedManualKeys() {
		managed[k] = true
	}
	return managed
}

// targets lists the configs to evaluate this cycle: enabled stock configs
// in file order, then a synthetic config for each managed key not already
// listed.
func (e *Engine) targets(snap *config.Settings) []models.StockConfig {
	var out []models.StockConfig
	seen := make(map[models.Key]bool)
	for _, sc := range e.settings.StockConfigs() {
		if !sc.Enabled {
			continue
		}
		if snap.App.Nifty50Only && !InNifty50(sc.Symbol) {
			continue
		}
		seen[sc.Key()] = true
		out = append(out, sc)
	}

	var managed []models.Key
	for k := range e.managedKeys() {
		if !seen[k] {
			managed = append(managed, k)
		}
	}
	for _, k := range positions.SortKeys(managed) {
		out = append(out, e.settings.ManagedConfig(k))
	}
	return out
}

// prefetch warms the quote cache for every target and managed position.
func (e *Engine) prefetch(ctx context.Context, targets []models.StockConfig, view map[models.Key]models.Position) {
	keys := make(map[models.Key]bool, len(targets)+len(view))
	for _, sc := range targets {
		keys[sc.Key()] = true
	}
	for k, p := range view {
		if p.Source.Managed() {
			keys[k] = true
		}
	}

	p := pool.New().WithMaxGoroutines(prefetchWorkers)
	for k := range keys {
		k := k
		p.Go(func() {
			if _, err := e.quotes.Quote(ctx, k); err != nil {
				e.logger.Debug().Err(err).Str("instrument", k.String()).Msg("Quote prefetch failed")
			}
		})
	}
	p.Wait()
}

// checkBreaker starts the trading day if needed, compares the portfolio
// with the day's opening value and latches the breaker on a breach.
func (e *Engine) checkBreaker(ctx context.Context, snap *config.Settings, value float64, now time.Time) bool {
	started, err := e.state.StartDay(now, value)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Day start not persisted")
	}
	if started {
		e.logger.Info().
			Str("date", utils.DateKey(now)).
			Str("start_capital", utils.FormatIndianCurrency(value)).
			Msg("New trading day")
	}

	start, _ := e.state.DailyStartCapital()
	loss := trading.NewSupervisor(snap.Risk, e.logger).CheckDailyLoss(value, start)
	e.metrics.SetDailyPnLPct(loss.PnLPct)

	active := e.state.BreakerActive(now)
	if loss.Tripped && !active {
		if err := e.state.SetCircuitBreaker(true, now); err != nil {
			e.logger.Warn().Err(err).Msg("Circuit breaker latch not persisted")
		}
		active = true
		e.logger.Error().
			Float64("daily_pnl_pct", loss.PnLPct).
			Float64("limit_pct", snap.Risk.DailyLossLimitPct).
			Msg("Daily loss limit reached, circuit breaker active, new buys disabled")
		e.notify(ctx, func(ctx context.Context) error {
			return e.notifier.SendCircuitBreaker(ctx, loss.PnLPct, snap.Risk.DailyLossLimitPct)
		})
	}
	e.metrics.SetBreaker(active)
	return active
}

// riskExits sells every managed position that hit an exit rule and
// returns the instruments handled.
func (e *Engine) riskExits(ctx context.Context, snap *config.Settings, view map[models.Key]models.Position, ltps map[models.Key]float64, now time.Time) map[models.Key]bool {
	handled := make(map[models.Key]bool)
	actions := trading.NewSupervisor(snap.Risk, e.logger).Evaluate(positions.Managed(view), ltps)
	for _, a := range actions {
		logging.LogRiskAction(e.logger, a.Key.Symbol, string(a.Key.Exchange), a.Priority.String(), a.Reason, a.PnLPct)
		e.metrics.RiskExit(string(a.Rule))

		p := view[a.Key]
		rec, err := e.submit(ctx, intent{
			Key:      a.Key,
			Side:     models.OrderSideSell,
			Quantity: a.Quantity,
			LTP:      a.Price,
			Token:    e.token(a.Key, ""),
			AvgPrice: p.AveragePrice,
			Owner:    p.Source,
			Strategy: models.StrategyRisk,
			Reason:   a.Reason,
		}, now)
		if err != nil {
			if apperrors.Is(err, apperrors.ErrPendingOrder) {
				handled[a.Key] = true
			}
			continue
		}
		handled[a.Key] = true
		e.notify(ctx, func(ctx context.Context) error {
			return e.notifier.SendRiskExit(ctx, string(a.Rule), rec)
		})
	}
	return handled
}

// evaluateTargets runs the strategy evaluator over targets and returns the
// number of orders placed.
func (e *Engine) evaluateTargets(ctx context.Context, snap *config.Settings, targets []models.StockConfig, view map[models.Key]models.Position, skip map[models.Key]bool, breaker bool, now time.Time) int {
	paper := snap.IsPaperMode()
	eval := trading.NewEvaluator(snap.Risk.NeverSellAtLoss, trading.NewSIPEngine(snap.SIP))
	capital := models.Capital{
		AllocatedLimit: snap.Capital.AllocatedLimit,
		PerTradePct:    snap.Capital.PerTradePct,
		Deployed:       positions.Exposure(view),
	}

	boughtToday := make(map[models.Key]bool)
	if today, err := e.trades.TodayTrades(ctx, paper, now); err == nil {
		for _, t := range today {
			if t.Action == models.OrderSideBuy {
				boughtToday[t.Key()] = true
			}
		}
	} else {
		e.logger.Warn().Err(err).Msg("Today's trades unavailable")
	}

	placed := 0
	for _, sc := range targets {
		if ctx.Err() != nil || e.stop.Load() {
			break
		}
		if offline, _ := e.conn.Offline(); offline {
			break
		}
		key := sc.Key()
		if skip[key] {
			continue
		}
		in := trading.Input{
			Config:        sc,
			Position:      view[key],
			Capital:       capital,
			BreakerActive: breaker,
			BoughtToday:   boughtToday[key],
			Now:           now,
		}
		rec, err := e.evaluate(ctx, eval, in, paper)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrPendingOrder) {
				l := logging.WithInstrument(e.logger, key.Symbol, string(key.Exchange))
				l.Warn().Err(err).Msg("Instrument skipped this cycle")
			}
			continue
		}
		if rec == nil {
			continue
		}
		placed++
		if rec.Action == models.OrderSideBuy {
			capital.Deployed += rec.Gross
			boughtToday[key] = true
		}
		e.notify(ctx, func(ctx context.Context) error {
			return e.notifier.SendTrade(ctx, rec)
		})
	}
	return placed
}

// evaluate decides and submits for one instrument. It returns a nil
// record when the evaluator chose to do nothing.
func (e *Engine) evaluate(ctx context.Context, eval *trading.Evaluator, in trading.Input, paper bool) (*models.TradeRecord, error) {
	sc := in.Config
	key := sc.Key()
	log := logging.WithInstrument(e.logger, key.Symbol, string(key.Exchange))

	q, err := e.quotes.Quote(ctx, key)
	if err != nil {
		return nil, err
	}
	in.LTP = q.LTP

	rsi, err := e.indicators.RSI(ctx, key, sc.Timeframe, q.LTP)
	switch {
	case err == nil:
		in.RSI, in.HasRSI = rsi, true
		e.metrics.SetRSI(key, sc.Timeframe, rsi)
	case apperrors.Is(err, apperrors.ErrNoSignal):
		log.Debug().Msg("Not enough candles for RSI")
	default:
		log.Debug().Err(err).Msg("RSI unavailable")
	}

	if models.ParseStrategy(string(sc.Strategy)) == models.StrategySIP {
		if last, ok, err := e.trades.LastBuyPrice(ctx, key, paper); err == nil && ok {
			in.LastBuyPrice = last
		}
	}

	d := eval.Evaluate(in)
	if !d.Actionable() {
		switch d.Skip {
		case trading.SkipBreaker, trading.SkipCapital, trading.SkipPerTradeCap:
			e.metrics.OrderSuppressed(models.OrderSideBuy, string(d.Skip))
			log.Info().Str("skip", string(d.Skip)).Str("detail", d.Detail).Msg("Buy suppressed")
		default:
			log.Debug().
				Str("skip", string(d.Skip)).
				Str("detail", d.Detail).
				Float64("ltp", in.LTP).
				Float64("rsi", in.RSI).
				Msg("No order")
		}
		return nil, nil
	}

	strategy := string(models.ParseStrategy(string(sc.Strategy)))
	if sc.Managed {
		strategy = models.SourceButler.String()
	}
	return e.submit(ctx, intent{
		Key:      key,
		Side:     d.Side,
		Quantity: d.Quantity,
		LTP:      q.LTP,
		Token:    e.token(key, sc.InstrumentToken),
		AvgPrice: in.Position.AveragePrice,
		Owner:    in.Position.Source,
		Strategy: strategy,
		Reason:   d.Reason,
		RSI:      in.RSI,
	}, in.Now)
}

// token prefers the configured instrument token and falls back to the one
// reported with this cycle's quote.
func (e *Engine) token(key models.Key, configured string) string {
	if configured != "" {
		return configured
	}
	if q, ok := e.quotes.Cached(key); ok {
		return q.InstrumentToken
	}
	return ""
}
