package engine

import (
	"context"
	"time"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/logging"
	"mstock-trader/internal/models"
	"mstock-trader/internal/state"
	"mstock-trader/internal/trading"
)

// intent is an order the engine has decided to place.
type intent struct {
	Key      models.Key
	Side     models.OrderSide
	Quantity int
	LTP      float64
	Token    string
	// AvgPrice and Owner describe the position a SELL closes.
	AvgPrice float64
	Owner    models.Source
	Strategy string
	Reason   string
	RSI      float64
}

// submit places it at market under the in-flight guard and logs the fill.
func (e *Engine) submit(ctx context.Context, it intent, now time.Time) (*models.TradeRecord, error) {
	var rec *models.TradeRecord
	err := e.guard.Do(it.Key, func() error {
		var err error
		rec, err = e.place(ctx, it, now)
		return err
	})
	if apperrors.Is(err, apperrors.ErrPendingOrder) {
		e.metrics.OrderSuppressed(it.Side, "pending_order")
		l := logging.WithInstrument(e.logger, it.Key.Symbol, string(it.Key.Exchange))
		l.Info().
			Str("side", string(it.Side)).
			Msg("Skipping order, same-side order already open")
	}
	return rec, err
}

func (e *Engine) place(ctx context.Context, it intent, now time.Time) (*models.TradeRecord, error) {
	log := logging.WithInstrument(e.logger, it.Key.Symbol, string(it.Key.Exchange))

	res, err := e.gateway.Place(ctx, models.OrderRequest{
		Key:      it.Key,
		Side:     it.Side,
		Quantity: it.Quantity,
		Type:     models.OrderTypeMarket,
		Token:    it.Token,
	})
	// An order stopped at the pending gate never reached the broker and is
	// not an attempt.
	if apperrors.Is(err, apperrors.ErrPendingOrder) {
		return nil, err
	}
	e.metrics.OrderAttempted(it.Side)
	e.count(state.CounterAttempts, now)
	if err != nil {
		e.metrics.OrderFailed(it.Side)
		e.count(state.CounterFailed, now)
		log.Error().Err(err).
			Str("side", string(it.Side)).
			Int("quantity", it.Quantity).
			Msg("Order failed")
		if !apperrors.IsOffline(err) {
			e.notify(ctx, func(ctx context.Context) error {
				return e.notifier.SendError(ctx, err, string(it.Side)+" "+it.Key.String())
			})
		}
		return nil, err
	}

	e.metrics.OrderPlaced(it.Side)
	e.count(state.CounterSuccess, now)
	logging.LogOrder(log, res.OrderID, it.Key.Symbol, string(it.Side), res.Status)

	var first *models.TradeRecord
	for _, part := range e.split(ctx, it) {
		rec := e.record(part, now)
		if _, err := e.trades.Insert(ctx, rec); err != nil {
			// The order is live at the broker either way.
			log.Error().Err(err).
				Str("order_id", res.OrderID).
				Str("source", string(rec.Source)).
				Msg("Order placed but not written to the trade log")
		}
		if first == nil {
			first = rec
		}
	}
	logging.LogTrade(log, it.Key.Symbol, string(it.Key.Exchange), string(it.Side), it.Quantity, it.LTP, it.Reason)
	return first, nil
}

// split looks up the engine's open lot for a SELL and divides the exit
// with splitSell. A failed lookup leaves the intent whole.
func (e *Engine) split(ctx context.Context, it intent) []intent {
	if it.Side != models.OrderSideSell || !it.Owner.BotOwned() {
		return []intent{it}
	}
	paper := e.gateway.Name() == models.BrokerPaper
	rows, err := e.trades.OpenPositions(ctx, paper)
	if err != nil {
		l := logging.WithInstrument(e.logger, it.Key.Symbol, string(it.Key.Exchange))
		l.Warn().Err(err).Msg("Open lots unavailable, recording exit as one row")
		return []intent{it}
	}
	var open models.OpenPosition
	for _, o := range rows {
		if o.Key() == it.Key {
			open = o
			break
		}
	}
	return splitSell(it, open)
}

// splitSell divides a SELL of a bot-owned row between the engine's open lot
// and the shares the user holds beside it. The bot part is priced against
// the lot's entry; the rest is a MANUAL exit with no realised P&L.
func splitSell(it intent, open models.OpenPosition) []intent {
	if it.Side != models.OrderSideSell || !it.Owner.BotOwned() {
		return []intent{it}
	}
	var parts []intent
	botQty := max(min(it.Quantity, open.NetQuantity), 0)
	if botQty > 0 {
		bot := it
		bot.Quantity = botQty
		if open.AvgEntryPrice > 0 {
			bot.AvgPrice = open.AvgEntryPrice
		}
		parts = append(parts, bot)
	}
	if rest := it.Quantity - botQty; rest > 0 {
		manual := it
		manual.Quantity = rest
		manual.Owner = models.SourceManual
		manual.AvgPrice = 0
		parts = append(parts, manual)
	}
	return parts
}

// record builds the trade log row for a placed order, priced at the
// decision LTP with estimated fees.
func (e *Engine) record(it intent, now time.Time) *models.TradeRecord {
	fill := trading.PriceFill(it.Side, it.Quantity, it.LTP)
	broker := e.gateway.Name()

	source := models.TradeSourceBot
	if broker == models.BrokerPaper {
		source = models.TradeSourcePaper
	}
	// Exits of positions the engine never opened stay out of its books.
	if it.Side == models.OrderSideSell && !it.Owner.BotOwned() {
		source = models.TradeSourceManual
	}

	rec := &models.TradeRecord{
		Timestamp: now,
		Symbol:    it.Key.Symbol,
		Exchange:  it.Key.Exchange,
		Action:    it.Side,
		Quantity:  it.Quantity,
		Price:     it.LTP,
		Gross:     fill.Gross,
		Fees:      fill.Fees,
		Net:       fill.Net,
		Strategy:  it.Strategy,
		Reason:    it.Reason,
		Broker:    broker,
		Source:    source,
		RSI:       it.RSI,
	}
	if it.Side == models.OrderSideSell {
		pnl := trading.SellPnL(it.LTP, it.AvgPrice, it.Quantity, fill.Fees.Total)
		rec.PnLGross, rec.PnLNet, rec.PnLPctNet = pnl.Gross, pnl.Net, pnl.PctNet
	}
	return rec
}

func (e *Engine) count(kind state.CounterKind, now time.Time) {
	if err := e.state.IncrementTradeCounter(kind, now); err != nil {
		e.logger.Debug().Err(err).Str("counter", string(kind)).Msg("Counter not persisted")
	}
}
