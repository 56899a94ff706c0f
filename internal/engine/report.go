package engine

import (
	"context"
	"time"

	"mstock-trader/internal/models"
	"mstock-trader/internal/notify"
	"mstock-trader/pkg/utils"
)

// maybeSendHeartbeat pushes a status line at most every heartbeatNotifyGap.
func (e *Engine) maybeSendHeartbeat(ctx context.Context, view map[models.Key]models.Position, value float64, breaker bool, now time.Time) {
	if !e.lastNotify.IsZero() && now.Sub(e.lastNotify) < heartbeatNotifyGap {
		return
	}
	e.lastNotify = now
	offline, _ := e.conn.Offline()
	hb := notify.Heartbeat{
		Positions:      len(view),
		PortfolioValue: value,
		TradesToday:    e.state.Summary(now).TradesToday,
		Offline:        offline,
		BreakerActive:  breaker,
	}
	if !e.startedAt.IsZero() {
		hb.Uptime = now.Sub(e.startedAt)
	}
	e.notify(ctx, func(ctx context.Context) error {
		return e.notifier.SendHeartbeat(ctx, hb)
	})
}

// maybeSendSummary sends the end-of-day report once per trading day, after
// the session closes.
func (e *Engine) maybeSendSummary(ctx context.Context, paper bool, now time.Time) {
	if !utils.IsTradingDay(now) || now.Before(utils.SessionClose(now)) {
		return
	}
	today := utils.DateKey(now)
	if e.state.LastSummaryDate() == today {
		return
	}

	trades, err := e.trades.TodayTrades(ctx, paper, now)
	if err != nil {
		e.logger.Warn().Err(err).Msg("Daily summary postponed, trade log unavailable")
		return
	}
	st := e.state.Summary(now)
	summary := &notify.DailySummary{
		Date:           today,
		PortfolioValue: st.PortfolioValue,
		OpenPositions:  st.PositionsCount,
		Attempts:       st.Counters.Attempts,
		Failed:         st.Counters.Failed,
	}
	for _, t := range trades {
		summary.TotalFees += t.Fees.Total
		if t.Action == models.OrderSideBuy {
			summary.Buys++
			continue
		}
		summary.Sells++
		summary.RealizedPnL += t.PnLNet
		switch {
		case t.PnLNet > 0:
			summary.WinningTrades++
		case t.PnLNet < 0:
			summary.LosingTrades++
		}
	}

	if err := e.state.SetLastSummaryDate(now); err != nil {
		e.logger.Warn().Err(err).Msg("Summary date not persisted")
	}
	e.logger.Info().
		Str("date", today).
		Int("buys", summary.Buys).
		Int("sells", summary.Sells).
		Str("realized_pnl", utils.FormatIndianCurrency(summary.RealizedPnL)).
		Msg("Daily summary")
	e.notify(ctx, func(ctx context.Context) error {
		return e.notifier.SendDailySummary(ctx, summary)
	})
}
