package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cast"
	"go.uber.org/multierr"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// DefaultMiraeBaseURL is the mStock Type A REST root.
const DefaultMiraeBaseURL = "https://api.mstock.trade/openapi/typea"

// MiraeConfig holds configuration for the mStock gateway.
type MiraeConfig struct {
	BaseURL string
	// Aliases maps symbols the broker refuses by name to their numeric token.
	Aliases      map[string]string
	HTTPClient   *http.Client
	Connectivity *Connectivity
	Logger       zerolog.Logger
	Now          func() time.Time
}

// MiraeGateway implements Gateway over the mStock (Mirae Asset) REST API.
type MiraeGateway struct {
	rest    restClient
	auth    Authenticator
	aliases map[string]string
	now     func() time.Time
	logger  zerolog.Logger

	mu     sync.RWMutex
	tokens map[models.Key]string
}

// NewMiraeGateway creates a gateway that authenticates through auth.
func NewMiraeGateway(cfg MiraeConfig, auth Authenticator) *MiraeGateway {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultMiraeBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = NewHTTPClient()
	}
	if cfg.Connectivity == nil {
		cfg.Connectivity = NewConnectivity(cfg.Logger)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	aliases := make(map[string]string, len(cfg.Aliases))
	for sym, token := range cfg.Aliases {
		aliases[strings.ToUpper(strings.TrimSpace(sym))] = strings.TrimSpace(token)
	}

	return &MiraeGateway{
		rest: restClient{
			baseURL: cfg.BaseURL,
			http:    cfg.HTTPClient,
			conn:    cfg.Connectivity,
			logger:  cfg.Logger,
		},
		auth:    auth,
		aliases: aliases,
		now:     cfg.Now,
		logger:  cfg.Logger,
		tokens:  make(map[models.Key]string),
	}
}

// Name returns the broker tag recorded on trades.
func (g *MiraeGateway) Name() string {
	return "MSTOCK"
}

// Connectivity returns the tracker shared by every request.
func (g *MiraeGateway) Connectivity() *Connectivity {
	return g.rest.conn
}

func (g *MiraeGateway) authorization() string {
	if g.auth == nil {
		return ""
	}
	return fmt.Sprintf("token %s:%s", g.auth.APIKey(), g.auth.AccessToken())
}

// do sends c and, when the session is rejected, refreshes the token and
// replays the call once.
func (g *MiraeGateway) do(ctx context.Context, c call) (json.RawMessage, error) {
	data, err := g.rest.send(ctx, c, g.authorization())
	if !apperrors.IsAuth(err) || g.auth == nil {
		return data, err
	}

	g.logger.Warn().Str("op", c.op).Msg("Session rejected, refreshing access token")
	ok, rerr := g.auth.Refresh(ctx)
	if rerr != nil {
		return nil, fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	if !ok {
		g.auth.SessionRejected(ctx, err)
		return nil, err
	}
	data, err = g.rest.send(ctx, c, g.authorization())
	if apperrors.IsAuth(err) {
		g.auth.SessionRejected(ctx, err)
	}
	return data, err
}

func (g *MiraeGateway) alias(key models.Key) (string, bool) {
	token, ok := g.aliases[key.Symbol]
	return token, ok && token != ""
}

// instrument is the i= parameter of the quote endpoint.
func (g *MiraeGateway) instrument(key models.Key) string {
	if token, ok := g.alias(key); ok {
		return fmt.Sprintf("%s:%s", key.Exchange, token)
	}
	return key.String()
}

func (g *MiraeGateway) rememberToken(key models.Key, token string) {
	if token == "" {
		return
	}
	g.mu.Lock()
	g.tokens[key] = token
	g.mu.Unlock()
}

// ResolveToken returns the broker's numeric id for key, from the alias
// table, an earlier quote, or a fresh quote.
func (g *MiraeGateway) ResolveToken(ctx context.Context, key models.Key) (string, error) {
	if token, ok := g.alias(key); ok {
		return token, nil
	}
	g.mu.RLock()
	token, ok := g.tokens[key]
	g.mu.RUnlock()
	if ok {
		return token, nil
	}

	q, err := g.Quote(ctx, key)
	if err != nil {
		return "", err
	}
	if q.InstrumentToken == "" {
		return "", apperrors.Wrapf(apperrors.ErrDataNotFound, "instrument token for %s", key)
	}
	return q.InstrumentToken, nil
}

// Quote fetches the OHLC quote for key.
func (g *MiraeGateway) Quote(ctx context.Context, key models.Key) (*models.Quote, error) {
	instrument := g.instrument(key)
	data, err := g.do(ctx, call{
		op:     "quote",
		method: http.MethodGet,
		path:   "/instruments/quote/ohlc",
		query:  url.Values{"i": {instrument}},
	})
	if err != nil {
		return nil, err
	}

	var byInstrument map[string]json.RawMessage
	if err := json.Unmarshal(data, &byInstrument); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: %v", key, err)
	}
	raw, ok := byInstrument[instrument]
	if !ok {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s", key)
	}
	var r row
	if err := decodeJSON(raw, &r); err != nil {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: %v", key, err)
	}

	ltp := r.float("last_price", "ltp")
	if ltp <= 0 {
		return nil, apperrors.Wrapf(apperrors.ErrQuoteUnavailable, "%s: no last price", key)
	}
	ohlc := r.nested("ohlc")
	q := &models.Quote{
		Key:             key,
		LTP:             ltp,
		Open:            ohlc.float("open"),
		High:            ohlc.float("high"),
		Low:             ohlc.float("low"),
		Close:           ohlc.float("close"),
		InstrumentToken: r.str("instrument_token", "token"),
		Timestamp:       g.now(),
	}
	if q.InstrumentToken == "" {
		q.InstrumentToken, _ = g.alias(key)
	}
	if q.Close > 0 {
		q.ChangePercent = (ltp - q.Close) / q.Close * 100
	}
	g.rememberToken(key, q.InstrumentToken)
	return q, nil
}

// Candles fetches lookbackDays of history for key, trimmed to session hours.
func (g *MiraeGateway) Candles(ctx context.Context, key models.Key, tf models.Timeframe, lookbackDays int) ([]models.Candle, error) {
	token, err := g.ResolveToken(ctx, key)
	if err != nil {
		return nil, err
	}

	from, to := CandleWindow(g.now(), tf, lookbackDays)
	data, err := g.do(ctx, call{
		op:     "candles",
		method: http.MethodGet,
		path:   fmt.Sprintf("/instruments/historical/%s/%s/%s", key.Exchange, url.PathEscape(token), tf.BrokerInterval()),
		query: url.Values{
			"from": {from.Format(HistoryTimeLayout)},
			"to":   {to.Format(HistoryTimeLayout)},
		},
	})
	if err != nil {
		return nil, err
	}

	var payload struct {
		Candles [][]interface{} `json:"candles"`
	}
	if err := decodeJSON(data, &payload); err != nil {
		return nil, apperrors.NewBrokerError("candles", http.StatusOK, "malformed candles", err)
	}

	candles := make([]models.Candle, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		if len(c) < 5 {
			continue
		}
		ts, err := parseBarTime(c[0])
		if err != nil {
			continue
		}
		bar := models.Candle{
			Timestamp: ts,
			Open:      cast.ToFloat64(scalar(c[1])),
			High:      cast.ToFloat64(scalar(c[2])),
			Low:       cast.ToFloat64(scalar(c[3])),
			Close:     cast.ToFloat64(scalar(c[4])),
		}
		if len(c) > 5 {
			bar.Volume = int64(cast.ToFloat64(scalar(c[5])))
		}
		candles = append(candles, bar)
	}
	return FilterSession(candles, tf), nil
}

var barTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05-0700",
	HistoryTimeLayout,
}

func parseBarTime(v interface{}) (time.Time, error) {
	s := cast.ToString(scalar(v))
	for _, layout := range barTimeLayouts {
		if t, err := time.ParseInLocation(layout, s, utils.IndiaLocation); err == nil {
			return t, nil
		}
	}
	return cast.ToTimeInDefaultLocationE(s, utils.IndiaLocation)
}

// Funds returns the available balance from the fund summary.
func (g *MiraeGateway) Funds(ctx context.Context) (models.Funds, error) {
	data, err := g.do(ctx, call{op: "funds", method: http.MethodGet, path: "/user/fundsummary"})
	if err != nil {
		return models.Funds{}, err
	}
	rows, err := decodeRows(data)
	if err != nil || len(rows) == 0 {
		return models.Funds{}, apperrors.NewBrokerError("funds", http.StatusOK, "empty fund summary", err)
	}
	return models.Funds{AvailableCash: rows[0].float("AVAILABLE_BALANCE", "available_balance")}, nil
}

func exchangeOf(r row) models.Exchange {
	if strings.HasPrefix(strings.ToUpper(r.str("exchange", "exchangeSegment")), string(models.BSE)) {
		return models.BSE
	}
	return models.NSE
}

// Holdings returns delivery holdings that still have unsold quantity.
func (g *MiraeGateway) Holdings(ctx context.Context) ([]models.Holding, error) {
	data, err := g.do(ctx, call{op: "holdings", method: http.MethodGet, path: "/portfolio/holdings"})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, apperrors.NewBrokerError("holdings", http.StatusOK, "malformed holdings", err)
	}

	holdings := make([]models.Holding, 0, len(rows))
	for _, r := range rows {
		h := models.Holding{
			Symbol:       strings.ToUpper(r.str("tradingsymbol")),
			Exchange:     exchangeOf(r),
			Quantity:     r.integer("quantity"),
			UsedQuantity: r.integer("used_quantity"),
			AveragePrice: r.float("average_price", "price"),
			LTP:          r.float("last_price"),
			PnL:          r.float("pnl"),
		}
		if h.Symbol == "" || h.Quantity <= 0 || h.Quantity == h.UsedQuantity {
			continue
		}
		holdings = append(holdings, h)
	}
	return holdings, nil
}

// IntradayPositions returns today's net positions.
func (g *MiraeGateway) IntradayPositions(ctx context.Context) ([]models.IntradayPosition, error) {
	data, err := g.do(ctx, call{op: "positions", method: http.MethodGet, path: "/portfolio/positions"})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, apperrors.NewBrokerError("positions", http.StatusOK, "malformed positions", err)
	}

	positions := make([]models.IntradayPosition, 0, len(rows))
	for _, r := range rows {
		p := models.IntradayPosition{
			Symbol:       strings.ToUpper(r.str("tradingsymbol")),
			Exchange:     exchangeOf(r),
			Quantity:     r.integer("quantity", "net_quantity"),
			AveragePrice: r.float("average_price", "buy_price"),
			LTP:          r.float("last_price"),
			PnL:          r.float("pnl"),
		}
		if p.Symbol == "" || p.Quantity == 0 {
			continue
		}
		positions = append(positions, p)
	}
	return positions, nil
}

// Orders returns the day's order book.
func (g *MiraeGateway) Orders(ctx context.Context) ([]models.Order, error) {
	data, err := g.do(ctx, call{op: "orders", method: http.MethodGet, path: "/orders"})
	if err != nil {
		return nil, err
	}
	rows, err := decodeRows(data)
	if err != nil {
		return nil, apperrors.NewBrokerError("orders", http.StatusOK, "malformed order book", err)
	}

	orders := make([]models.Order, 0, len(rows))
	for _, r := range rows {
		o := models.Order{
			ID:       r.str("order_id", "orderId", "orderID"),
			Symbol:   strings.ToUpper(r.str("tradingsymbol")),
			Exchange: exchangeOf(r),
			Side:     models.OrderSide(strings.ToUpper(r.str("transaction_type"))),
			Quantity: r.integer("quantity"),
			Price:    r.float("average_price", "price"),
			Status:   r.str("status", "orderStatus"),
		}
		if ts := r.str("order_timestamp", "updated_at", "created_at"); ts != "" {
			if t, err := parseBarTime(ts); err == nil {
				o.PlacedAt = t
			}
		}
		orders = append(orders, o)
	}
	return orders, nil
}

// OrdersToday returns executed orders placed today. Orders without a
// timestamp are assumed to be today's.
func (g *MiraeGateway) OrdersToday(ctx context.Context) ([]models.Order, error) {
	orders, err := g.Orders(ctx)
	if err != nil {
		return nil, err
	}
	return executedOn(orders, g.now()), nil
}

func executedOn(orders []models.Order, now time.Time) []models.Order {
	today := utils.DateKey(now)
	out := make([]models.Order, 0, len(orders))
	for _, o := range orders {
		if !o.Executed() {
			continue
		}
		if !o.PlacedAt.IsZero() && utils.DateKey(o.PlacedAt) != today {
			continue
		}
		out = append(out, o)
	}
	return out
}

// HasPending reports whether a new order on side would be blocked by the
// pending-order gate.
func (g *MiraeGateway) HasPending(ctx context.Context, key models.Key, side models.OrderSide) (bool, error) {
	orders, err := g.Orders(ctx)
	if err != nil {
		return false, err
	}
	return PendingBlocks(orders, key, side), nil
}

// Place submits a delivery order after the pending-order gate. A failed
// scan refuses the order rather than risk a duplicate.
func (g *MiraeGateway) Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error) {
	symbol, exch, side := req.Key.Symbol, string(req.Key.Exchange), string(req.Side)
	if req.Quantity <= 0 {
		return nil, apperrors.NewOrderError(symbol, exch, side, "quantity must be positive", apperrors.ErrOrderRejected)
	}

	pending, err := g.HasPending(ctx, req.Key, req.Side)
	if err != nil {
		return nil, apperrors.NewOrderError(symbol, exch, side, "pending-order scan failed", err)
	}
	if pending {
		return nil, apperrors.NewOrderError(symbol, exch, side, "same-side order already open", apperrors.ErrPendingOrder)
	}

	token := req.Token
	if token == "" {
		if token, err = g.ResolveToken(ctx, req.Key); err != nil {
			return nil, apperrors.NewOrderError(symbol, exch, side, "instrument token unavailable", err)
		}
	}

	orderType := req.Type
	if orderType == "" {
		orderType = models.OrderTypeMarket
		if req.Price > 0 {
			orderType = models.OrderTypeLimit
		}
	}
	price := req.Price
	if orderType == models.OrderTypeMarket {
		price = 0
	}

	data, err := g.do(ctx, call{
		op:     "place",
		method: http.MethodPost,
		path:   "/orders/regular",
		form: url.Values{
			"tradingsymbol":    {symbol},
			"exchange":         {exch},
			"transaction_type": {side},
			"order_type":       {string(orderType)},
			"quantity":         {strconv.Itoa(req.Quantity)},
			"product":          {string(models.ProductCNC)},
			"validity":         {"DAY"},
			"price":            {strconv.FormatFloat(price, 'f', -1, 64)},
			"symboltoken":      {token},
		},
		order: true,
	})
	if err != nil {
		return nil, apperrors.NewOrderError(symbol, exch, side, "broker refused order", err)
	}

	result := &models.OrderResult{Status: "PLACED"}
	if rows, _ := decodeRows(data); len(rows) > 0 {
		result.OrderID = rows[0].str("order_id", "orderId", "orderID")
		result.Message = rows[0].str("message")
	}
	g.logger.Info().
		Str("symbol", symbol).
		Str("exchange", exch).
		Str("side", side).
		Int("quantity", req.Quantity).
		Str("order_id", result.OrderID).
		Msg("Order placed")
	return result, nil
}

// CancelAllOpen cancels every order that is neither terminal nor filled.
func (g *MiraeGateway) CancelAllOpen(ctx context.Context) (int, error) {
	orders, err := g.Orders(ctx)
	if err != nil {
		return 0, err
	}

	var errs error
	cancelled := 0
	for _, o := range orders {
		if o.Terminal() || o.Executed() || o.ID == "" {
			continue
		}
		_, err := g.do(ctx, call{
			op:     "cancel",
			method: http.MethodPost,
			path:   "/orders/cancel",
			form:   url.Values{"orderId": {o.ID}},
		})
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("cancel %s: %w", o.ID, err))
			continue
		}
		cancelled++
	}
	g.logger.Warn().Int("cancelled", cancelled).Msg("Cancelled open orders")
	return cancelled, errs
}

// SquareOffAll closes every holding and intraday position at market and
// returns the exits that were accepted.
func (g *MiraeGateway) SquareOffAll(ctx context.Context) ([]models.OrderRequest, error) {
	holdings, err := g.Holdings(ctx)
	if err != nil {
		return nil, err
	}
	intraday, err := g.IntradayPositions(ctx)
	if err != nil {
		return nil, err
	}

	net := make(map[models.Key]int)
	for _, h := range holdings {
		net[models.NewKey(h.Symbol, h.Exchange)] += h.Quantity - h.UsedQuantity
	}
	for _, p := range intraday {
		net[models.NewKey(p.Symbol, p.Exchange)] += p.Quantity
	}
	return squareOff(ctx, g, net, g.logger)
}

func squareOff(ctx context.Context, gw Gateway, net map[models.Key]int, logger zerolog.Logger) ([]models.OrderRequest, error) {
	keys := make([]models.Key, 0, len(net))
	for k, qty := range net {
		if qty != 0 {
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var errs error
	closed := make([]models.OrderRequest, 0, len(keys))
	for _, k := range keys {
		qty := net[k]
		req := models.OrderRequest{Key: k, Side: models.OrderSideSell, Quantity: qty, Type: models.OrderTypeMarket}
		if qty < 0 {
			req.Side = models.OrderSideBuy
			req.Quantity = -qty
		}
		if _, err := gw.Place(ctx, req); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		closed = append(closed, req)
	}
	logger.Warn().Int("closed", len(closed)).Msg("Squared off positions")
	return closed, errs
}

// Ping probes an authenticated, lightweight endpoint.
func (g *MiraeGateway) Ping(ctx context.Context) error {
	_, err := g.do(ctx, call{op: "ping", method: http.MethodGet, path: "/limits/getCashLimits"})
	return err
}

// SessionClient performs the unauthenticated session calls.
type SessionClient struct {
	rest restClient
}

// NewSessionClient creates a session client against baseURL.
func NewSessionClient(baseURL string, httpClient *http.Client, logger zerolog.Logger) *SessionClient {
	if baseURL == "" {
		baseURL = DefaultMiraeBaseURL
	}
	if httpClient == nil {
		httpClient = NewHTTPClient()
	}
	return &SessionClient{rest: restClient{
		baseURL: baseURL,
		http:    httpClient,
		conn:    NewConnectivity(logger),
		logger:  logger,
	}}
}

// VerifyTOTP exchanges a TOTP code for a fresh access token.
func (s *SessionClient) VerifyTOTP(ctx context.Context, apiKey, code string) (string, error) {
	data, err := s.rest.send(ctx, call{
		op:     "verifytotp",
		method: http.MethodPost,
		path:   "/session/verifytotp",
		form:   url.Values{"api_key": {apiKey}, "totp": {code}},
	}, "")
	if err != nil {
		return "", err
	}
	rows, err := decodeRows(data)
	if err != nil || len(rows) == 0 {
		return "", apperrors.NewBrokerError("verifytotp", http.StatusOK, "no session data", apperrors.ErrAuth)
	}
	token := rows[0].str("access_token")
	if token == "" {
		return "", apperrors.NewBrokerError("verifytotp", http.StatusOK, "no access token", apperrors.ErrAuth)
	}
	return token, nil
}
