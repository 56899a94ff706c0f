package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"mstock-trader/internal/logging"
	"mstock-trader/internal/models"
)

// Panic cancels every open order, squares off every position at market and
// stops the engine. Exits are written to the trade log; the part of each
// exit the engine did not own is recorded as MANUAL. Errors from each step
// are collected and the remaining steps still run.
func (e *Engine) Panic(ctx context.Context) (cancelled, closed int, err error) {
	now := e.now()
	e.logger.Warn().Msg("PANIC: cancelling open orders and squaring off all positions")

	cancelled, cerr := e.gateway.CancelAllOpen(ctx)
	err = multierr.Append(err, cerr)

	exits, serr := e.gateway.SquareOffAll(ctx)
	err = multierr.Append(err, serr)
	closed = len(exits)

	paper := e.gateway.Name() == models.BrokerPaper
	opens := make(map[models.Key]models.OpenPosition)
	if rows, oerr := e.trades.OpenPositions(ctx, paper); oerr != nil {
		err = multierr.Append(err, oerr)
	} else {
		for _, o := range rows {
			opens[o.Key()] = o
		}
	}

	for _, req := range exits {
		if req.Side != models.OrderSideSell {
			continue
		}
		e.metrics.OrderPlaced(req.Side)
		price := 0.0
		if q, qerr := e.gateway.Quote(ctx, req.Key); qerr == nil {
			price = q.LTP
		}
		open := opens[req.Key]
		if price <= 0 {
			price = open.AvgEntryPrice
		}

		exit := intent{
			Key:      req.Key,
			Side:     models.OrderSideSell,
			Quantity: req.Quantity,
			LTP:      price,
			Owner:    models.SourceBot,
			Strategy: models.StrategyRisk,
			Reason:   "panic square-off",
		}
		for _, part := range splitSell(exit, open) {
			err = multierr.Append(err, e.recordExit(ctx, part, now))
		}
	}

	err = multierr.Append(err, e.state.SetStopRequested(true))
	e.RequestStop()

	e.notify(ctx, func(ctx context.Context) error {
		return e.notifier.SendLifecycle(ctx, false, fmt.Sprintf("PANIC: %d orders cancelled, %d positions squared off", cancelled, closed))
	})
	e.logger.Warn().
		Int("cancelled", cancelled).
		Int("closed", closed).
		Err(err).
		Msg("Panic complete, engine stopped")
	return cancelled, closed, err
}

func (e *Engine) recordExit(ctx context.Context, it intent, now time.Time) error {
	rec := e.record(it, now)
	if _, err := e.trades.Insert(ctx, rec); err != nil {
		return fmt.Errorf("recording exit of %s: %w", it.Key, err)
	}
	logging.LogTrade(e.logger, it.Key.Symbol, string(it.Key.Exchange), string(it.Side), it.Quantity, it.LTP, it.Reason)
	return nil
}
