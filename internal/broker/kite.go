package broker

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	kiteconnect "github.com/zerodha/gokiteconnect/v4"
	"go.uber.org/multierr"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// KiteConfig holds configuration for the Zerodha gateway.
type KiteConfig struct {
	BaseURI      string
	HTTPClient   *http.Client
	Connectivity *Connectivity
	Logger       zerolog.Logger
	Now          func() time.Time
}

// KiteGateway implements Gateway over Zerodha Kite Connect.
// The client has no context support; ctx is only checked before a call.
type KiteGateway struct {
	client *kiteconnect.Client
	auth   Authenticator
	conn   *Connectivity
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	tokens map[models.Key]int
}

// NewKiteGateway creates a Kite gateway authenticated through auth.
func NewKiteGateway(cfg KiteConfig, auth Authenticator) *KiteGateway {
	client := kiteconnect.New(auth.APIKey())
	client.SetAccessToken(auth.AccessToken())
	if cfg.BaseURI != "" {
		client.SetBaseURI(cfg.BaseURI)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient()
	}
	client.SetHTTPClient(cfg.HTTPClient)
	if cfg.Connectivity == nil {
		cfg.Connectivity = NewConnectivity(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &KiteGateway{
		client: client,
		auth:   auth,
		conn:   cfg.Connectivity,
		logger: cfg.Logger,
		now:    cfg.Now,
		tokens: make(map[models.Key]int),
	}
}

// Name returns the broker tag recorded on trades.
func (k *KiteGateway) Name() string {
	return "ZERODHA"
}

// Connectivity returns the tracker shared by every request.
func (k *KiteGateway) Connectivity() *Connectivity {
	return k.conn
}

// classify maps a Kite client error onto the common taxonomy.
func (k *KiteGateway) classify(op string, err error) error {
	var kerr kiteconnect.Error
	if errors.As(err, &kerr) {
		switch {
		case kerr.ErrorType == "TokenException" || kerr.Code == http.StatusForbidden:
			return apperrors.NewBrokerError(op, kerr.Code, kerr.Message, apperrors.ErrAuth)
		case kerr.ErrorType == "NetworkException":
			k.conn.MarkOffline(err)
			return apperrors.NewBrokerError(op, kerr.Code, kerr.Message, apperrors.ErrOffline)
		case kerr.ErrorType == "OrderException" || kerr.ErrorType == "InputException" || kerr.ErrorType == "MarginException":
			k.conn.MarkOnline()
			return apperrors.NewBrokerError(op, kerr.Code, kerr.Message, apperrors.ErrOrderRejected)
		}
		k.conn.MarkOnline()
		return apperrors.NewBrokerError(op, kerr.Code, kerr.Message, nil)
	}
	k.conn.MarkOffline(err)
	return apperrors.NewBrokerError(op, 0, err.Error(), apperrors.ErrOffline)
}

// kiteCall runs fn, refreshing the session and replaying once when the
// token is rejected.
func kiteCall[T any](ctx context.Context, k *KiteGateway, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}

	v, err := fn()
	if err == nil {
		k.conn.MarkOnline()
		return v, nil
	}
	err = k.classify(op, err)
	if !apperrors.IsAuth(err) {
		return zero, err
	}

	ok, rerr := k.auth.Refresh(ctx)
	if rerr != nil {
		return zero, err
	}
	if !ok {
		k.auth.SessionRejected(ctx, err)
		return zero, err
	}
	k.client.SetAccessToken(k.auth.AccessToken())
	v, err = fn()
	if err != nil {
		err = k.classify(op, err)
		if apperrors.IsAuth(err) {
			k.auth.SessionRejected(ctx, err)
		}
		return zero, err
	}
	k.conn.MarkOnline()
	return v, nil
}

// kiteInterval maps a timeframe to a Kite history interval.
func kiteInterval(tf models.Timeframe) string {
	if tf == models.TF1m {
		return "minute"
	}
	return tf.BrokerInterval()
}

// Quote fetches real-time quote for an instrument.
func (k *KiteGateway) Quote(ctx context.Context, key models.Key) (*models.Quote, error) {
	id := key.String()
	quotes, err := kiteCall(ctx, k, "quote", func() (kiteconnect.Quote, error) {
		return k.client.GetQuote(id)
	})
	if err != nil {
		return nil, err
	}

	q, ok := quotes[id]
	if !ok || q.LastPrice <= 0 {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s", key)
	}

	k.mu.Lock()
	k.tokens[key] = q.InstrumentToken
	k.mu.Unlock()

	quote := &models.Quote{
		Key:             key,
		LTP:             q.LastPrice,
		Open:            q.OHLC.Open,
		High:            q.OHLC.High,
		Low:             q.OHLC.Low,
		Close:           q.OHLC.Close,
		InstrumentToken: strconv.Itoa(q.InstrumentToken),
		Timestamp:       k.now(),
	}
	if q.OHLC.Close > 0 {
		quote.ChangePercent = (q.LastPrice - q.OHLC.Close) / q.OHLC.Close * 100
	}
	return quote, nil
}

func (k *KiteGateway) token(ctx context.Context, key models.Key) (int, error) {
	k.mu.RLock()
	token, ok := k.tokens[key]
	k.mu.RUnlock()
	if ok {
		return token, nil
	}
	if _, err := k.Quote(ctx, key); err != nil {
		return 0, err
	}
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.tokens[key], nil
}

// Candles fetches historical OHLCV data.
func (k *KiteGateway) Candles(ctx context.Context, key models.Key, tf models.Timeframe, lookbackDays int) ([]models.Candle, error) {
	token, err := k.token(ctx, key)
	if err != nil {
		return nil, err
	}
	from, to := CandleWindow(k.now(), tf, lookbackDays)

	data, err := kiteCall(ctx, k, "candles", func() ([]kiteconnect.HistoricalData, error) {
		return k.client.GetHistoricalData(token, kiteInterval(tf), from, to, false, false)
	})
	if err != nil {
		return nil, err
	}

	candles := make([]models.Candle, len(data))
	for i, d := range data {
		candles[i] = models.Candle{
			Timestamp: d.Date.Time,
			Open:      d.Open,
			High:      d.High,
			Low:       d.Low,
			Close:     d.Close,
			Volume:    int64(d.Volume),
		}
	}
	return FilterSession(candles, tf), nil
}

// Funds returns the equity segment cash.
func (k *KiteGateway) Funds(ctx context.Context) (models.Funds, error) {
	margins, err := kiteCall(ctx, k, "funds", func() (kiteconnect.AllMargins, error) {
		return k.client.GetUserMargins()
	})
	if err != nil {
		return models.Funds{}, err
	}
	return models.Funds{AvailableCash: margins.Equity.Available.Cash}, nil
}

// Holdings fetches delivery holdings.
func (k *KiteGateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	holdings, err := kiteCall(ctx, k, "holdings", func() (kiteconnect.Holdings, error) {
		return k.client.GetHoldings()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Holding, 0, len(holdings))
	for _, h := range holdings {
		if h.Quantity <= 0 {
			continue
		}
		result = append(result, models.Holding{
			Symbol:       strings.ToUpper(h.Tradingsymbol),
			Exchange:     models.ParseExchange(h.Exchange),
			Quantity:     int(h.Quantity),
			AveragePrice: h.AveragePrice,
			LTP:          h.LastPrice,
			PnL:          (h.LastPrice - h.AveragePrice) * float64(h.Quantity),
		})
	}
	return result, nil
}

// IntradayPositions returns today's delivery positions.
func (k *KiteGateway) IntradayPositions(ctx context.Context) ([]models.IntradayPosition, error) {
	positions, err := kiteCall(ctx, k, "positions", func() (kiteconnect.Positions, error) {
		return k.client.GetPositions()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.IntradayPosition, 0, len(positions.Day))
	for _, p := range positions.Day {
		if p.Quantity == 0 || p.Product != string(models.ProductCNC) {
			continue
		}
		result = append(result, models.IntradayPosition{
			Symbol:       strings.ToUpper(p.Tradingsymbol),
			Exchange:     models.ParseExchange(p.Exchange),
			Quantity:     int(p.Quantity),
			AveragePrice: p.AveragePrice,
			LTP:          p.LastPrice,
			PnL:          (p.LastPrice - p.AveragePrice) * float64(p.Quantity),
		})
	}
	return result, nil
}

// Orders fetches all orders for the day.
func (k *KiteGateway) Orders(ctx context.Context) ([]models.Order, error) {
	orders, err := kiteCall(ctx, k, "orders", func() (kiteconnect.Orders, error) {
		return k.client.GetOrders()
	})
	if err != nil {
		return nil, err
	}

	result := make([]models.Order, len(orders))
	for i, o := range orders {
		price := o.AveragePrice
		if price == 0 {
			price = o.Price
		}
		result[i] = models.Order{
			ID:       o.OrderID,
			Symbol:   strings.ToUpper(o.TradingSymbol),
			Exchange: models.ParseExchange(o.Exchange),
			Side:     models.OrderSide(o.TransactionType),
			Quantity: int(o.Quantity),
			Price:    price,
			Status:   o.Status,
			PlacedAt: o.OrderTimestamp.Time,
		}
	}
	return result, nil
}

// OrdersToday returns executed orders placed today.
func (k *KiteGateway) OrdersToday(ctx context.Context) ([]models.Order, error) {
	orders, err := k.Orders(ctx)
	if err != nil {
		return nil, err
	}
	return executedOn(orders, k.now()), nil
}

// HasPending applies the pending-order gate to the day's order book.
func (k *KiteGateway) HasPending(ctx context.Context, key models.Key, side models.OrderSide) (bool, error) {
	orders, err := k.Orders(ctx)
	if err != nil {
		return false, err
	}
	return PendingBlocks(orders, key, side), nil
}

// Place places a delivery order after the pending-order gate.
func (k *KiteGateway) Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	symbol, exch, side := req.Key.Symbol, string(req.Key.Exchange), string(req.Side)
	if req.Quantity <= 0 {
		return nil, apperrors.NewOrderError(symbol, exch, side, "quantity must be positive", apperrors.ErrOrderRejected)
	}
	pending, err := k.HasPending(ctx, req.Key, req.Side)
	if err != nil {
		return nil, apperrors.NewOrderError(symbol, exch, side, "pending-order scan failed", err)
	}
	if pending {
		return nil, apperrors.NewOrderError(symbol, exch, side, "same-side order already open", apperrors.ErrPendingOrder)
	}

	params := kiteconnect.OrderParams{
		Exchange:        exch,
		Tradingsymbol:   symbol,
		TransactionType: side,
		OrderType:       string(models.OrderTypeMarket),
		Product:         string(models.ProductCNC),
		Quantity:        req.Quantity,
		Validity:        "DAY",
	}
	if req.Type == models.OrderTypeLimit && req.Price > 0 {
		params.OrderType = string(models.OrderTypeLimit)
		params.Price = req.Price
	}

	resp, err := kiteCall(ctx, k, "place", func() (kiteconnect.OrderResponse, error) {
		return k.client.PlaceOrder(kiteconnect.VarietyRegular, params)
	})
	if err != nil {
		return nil, apperrors.NewOrderError(symbol, exch, side, "broker refused order", err)
	}
	return &models.OrderResult{OrderID: resp.OrderID, Status: "PLACED"}, nil
}

// CancelAllOpen cancels every order that is neither terminal nor filled.
func (k *KiteGateway) CancelAllOpen(ctx context.Context) (int, error) {
	orders, err := k.Orders(ctx)
	if err != nil {
		return 0, err
	}
	var errs error
	cancelled := 0
	for _, o := range orders {
		if o.Terminal() || o.Executed() || o.ID == "" {
			continue
		}
		id := o.ID
		if _, err := kiteCall(ctx, k, "cancel", func() (kiteconnect.OrderResponse, error) {
			return k.client.CancelOrder(kiteconnect.VarietyRegular, id, nil)
		}); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		cancelled++
	}
	return cancelled, errs
}

// SquareOffAll closes every holding and day position at market.
func (k *KiteGateway) SquareOffAll(ctx context.Context) ([]models.OrderRequest, error) {
	holdings, err := k.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	intraday, err := k.IntradayPositions(ctx)
	if err != nil {
		return nil, err
	}
	net := make(map[models.Key]int)
	for _, h := range holdings {
		net[models.NewKey(h.Symbol, h.Exchange)] += h.Quantity
	}
	for _, p := range intraday {
		net[models.NewKey(p.Symbol, p.Exchange)] += p.Quantity
	}
	return squareOff(ctx, k, net, k.logger)
}

// Ping validates the session with a profile fetch.
func (k *KiteGateway) Ping(ctx context.Context) error {
	_, err := kiteCall(ctx, k, "ping", func() (kiteconnect.UserProfile, error) {
		return k.client.GetUserProfile()
	})
	return err
}
