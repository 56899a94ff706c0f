package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/internal/store"
	"mstock-trader/pkg/utils"
)

// DefaultPaperBalance is the simulated cash when none is configured.
const DefaultPaperBalance = 1000000

// PaperConfig holds configuration for paper broker.
type PaperConfig struct {
	// Data serves live quotes and candles. Nil leaves the gateway without
	// market data.
	Data           Gateway
	Store          store.TradeStore
	InitialBalance float64
	Logger         zerolog.Logger
	Now            func() time.Time
}

// PaperGateway simulates execution. Every order fills immediately at the
// live price; nothing reaches the broker. Positions come from the paper
// rows of the trade store.
type PaperGateway struct {
	data    Gateway
	store   store.TradeStore
	balance float64
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	orders []models.Order
}

// NewPaperGateway creates a new paper trading gateway.
func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = DefaultPaperBalance
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PaperGateway{
		data:    cfg.Data,
		store:   cfg.Store,
		balance: cfg.InitialBalance,
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

// Name returns the broker tag recorded on simulated trades.
func (p *PaperGateway) Name() string {
	return models.BrokerPaper
}

// Quote fetches a live quote from the data gateway.
func (p *PaperGateway) Quote(ctx context.Context, key models.Key) (*models.Quote, error) {
	if p.data == nil {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: no market data gateway", key)
	}
	return p.data.Quote(ctx, key)
}

// Candles fetches history from the data gateway.
func (p *PaperGateway) Candles(ctx context.Context, key models.Key, tf models.Timeframe, lookbackDays int) ([]models.Candle, error) {
	if p.data == nil {
		return nil, apperrors.Wrapf(apperrors.ErrInsufficientData, "%s: no market data gateway", key)
	}
	return p.data.Candles(ctx, key, tf, lookbackDays)
}

// Funds is the simulated balance less the cost of open paper positions.
func (p *PaperGateway) Funds(ctx context.Context) (models.Funds, error) {
	opens, err := p.store.OpenPositions(ctx, true)
	if err != nil {
		return models.Funds{}, err
	}
	cash := p.balance
	for _, o := range opens {
		cash -= o.TotalInvested
	}
	return models.Funds{AvailableCash: cash}, nil
}

// Holdings returns paper positions opened before today. Today's fills
// arrive through OrdersToday, as they would from a live broker.
func (p *PaperGateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	opens, err := p.store.OpenPositionsBefore(ctx, true, utils.StartOfDay(p.now()))
	if err != nil {
		return nil, err
	}
	holdings := make([]models.Holding, 0, len(opens))
	for _, o := range opens {
		holdings = append(holdings, models.Holding{
			Symbol:       o.Symbol,
			Exchange:     o.Exchange,
			Quantity:     o.NetQuantity,
			AveragePrice: o.AvgEntryPrice,
			LTP:          o.AvgEntryPrice,
		})
	}
	return holdings, nil
}

// IntradayPositions is always empty in paper mode.
func (p *PaperGateway) IntradayPositions(ctx context.Context) ([]models.IntradayPosition, error) {
	return nil, nil
}

// Orders returns the orders simulated by this process today.
func (p *PaperGateway) Orders(ctx context.Context) ([]models.Order, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pruneLocked(p.now())
	return append([]models.Order(nil), p.orders...), nil
}

// pruneLocked drops orders placed before the current IST day.
func (p *PaperGateway) pruneLocked(now time.Time) {
	start := utils.StartOfDay(now)
	kept := p.orders[:0]
	for _, o := range p.orders {
		if !o.PlacedAt.Before(start) {
			kept = append(kept, o)
		}
	}
	clear(p.orders[len(kept):])
	p.orders = kept
}

// OrdersToday returns today's paper fills from the trade store.
func (p *PaperGateway) OrdersToday(ctx context.Context) ([]models.Order, error) {
	trades, err := p.store.TodayTrades(ctx, true, p.now())
	if err != nil {
		return nil, err
	}
	orders := make([]models.Order, 0, len(trades))
	for _, t := range trades {
		orders = append(orders, models.Order{
			ID:       fmt.Sprintf("PAPER-%d", t.ID),
			Symbol:   t.Symbol,
			Exchange: t.Exchange,
			Side:     t.Action,
			Quantity: t.Quantity,
			Price:    t.Price,
			Status:   "COMPLETE",
			PlacedAt: t.Timestamp,
		})
	}
	return orders, nil
}

// HasPending is always false; simulated orders fill on placement.
func (p *PaperGateway) HasPending(ctx context.Context, key models.Key, side models.OrderSide) (bool, error) {
	return false, nil
}

// Place simulates a fill at the limit price, or at the live price for
// market orders.
func (p *PaperGateway) Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	symbol, exch, side := req.Key.Symbol, string(req.Key.Exchange), string(req.Side)
	if req.Quantity <= 0 {
		return nil, apperrors.NewOrderError(symbol, exch, side, "quantity must be positive", apperrors.ErrOrderRejected)
	}

	price := req.Price
	if req.Type != models.OrderTypeLimit || price <= 0 {
		q, err := p.Quote(ctx, req.Key)
		if err != nil {
			return nil, apperrors.NewOrderError(symbol, exch, side, "no price to simulate fill", err)
		}
		price = q.LTP
	}

	id := "PAPER-" + utils.NewID()
	now := p.now()
	p.mu.Lock()
	p.pruneLocked(now)
	p.orders = append(p.orders, models.Order{
		ID:       id,
		Symbol:   symbol,
		Exchange: req.Key.Exchange,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    price,
		Status:   "COMPLETE",
		PlacedAt: now,
	})
	p.mu.Unlock()

	p.logger.Info().
		Str("symbol", symbol).
		Str("side", side).
		Int("quantity", req.Quantity).
		Float64("price", price).
		Str("order_id", id).
		Msg("Paper order filled")

	return &models.OrderResult{
		OrderID: id,
		Status:  "COMPLETE",
		Message: fmt.Sprintf("simulated fill at %.2f", price),
	}, nil
}

// CancelAllOpen has nothing to cancel.
func (p *PaperGateway) CancelAllOpen(ctx context.Context) (int, error) {
	return 0, nil
}

// SquareOffAll simulates market exits for every open paper position.
func (p *PaperGateway) SquareOffAll(ctx context.Context) ([]models.OrderRequest, error) {
	opens, err := p.store.OpenPositions(ctx, true)
	if err != nil {
		return nil, err
	}
	net := make(map[models.Key]int, len(opens))
	for _, o := range opens {
		net[o.Key()] += o.NetQuantity
	}
	return squareOff(ctx, p, net, p.logger)
}

// Ping checks the data gateway when there is one.
func (p *PaperGateway) Ping(ctx context.Context) error {
	if p.data == nil {
		return nil
	}
	return p.data.Ping(ctx)
}
