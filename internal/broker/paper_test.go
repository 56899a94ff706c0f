package broker

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/internal/store"
)

func newPaperGateway(t *testing.T, data Gateway) (*PaperGateway, *store.SQLiteStore) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return NewPaperGateway(PaperConfig{
		Data:   data,
		Store:  s,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return testNow },
	}), s
}

func paperFill(ts time.Time, sym string, side models.OrderSide, qty int, price float64) *models.TradeRecord {
	gross := float64(qty) * price
	return &models.TradeRecord{
		Timestamp: ts, Symbol: sym, Exchange: models.NSE, Action: side,
		Quantity: qty, Price: price, Gross: gross, Net: gross,
		Broker: models.BrokerPaper, Strategy: "TRADE", Reason: "test",
	}
}

func TestPaperPlaceFillsAtLivePrice(t *testing.T) {
	gw, _ := newPaperGateway(t, &stubGateway{ltp: 250})

	res, err := gw.Place(context.Background(), models.OrderRequest{
		Key: models.NewKey("ITC", models.NSE), Side: models.OrderSideBuy, Quantity: 4, Type: models.OrderTypeMarket,
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(res.OrderID, "PAPER-"))
	assert.Equal(t, "COMPLETE", res.Status)

	orders, err := gw.Orders(context.Background())
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, 250.0, orders[0].Price)

	res, err = gw.Place(context.Background(), models.OrderRequest{
		Key: models.NewKey("ITC", models.NSE), Side: models.OrderSideSell, Quantity: 4, Type: models.OrderTypeLimit, Price: 262.5,
	})
	require.NoError(t, err)
	orders, _ = gw.Orders(context.Background())
	assert.Equal(t, 262.5, orders[1].Price)

	pending, err := gw.HasPending(context.Background(), models.NewKey("ITC", models.NSE), models.OrderSideBuy)
	require.NoError(t, err)
	assert.False(t, pending)
}

func TestPaperOrdersKeepOnlyToday(t *testing.T) {
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "trades.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	now := testNow
	gw := NewPaperGateway(PaperConfig{
		Data:   &stubGateway{ltp: 250},
		Store:  s,
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return now },
	})
	ctx := context.Background()
	buy := models.OrderRequest{Key: models.NewKey("ITC", models.NSE), Side: models.OrderSideBuy, Quantity: 1, Type: models.OrderTypeMarket}

	for i := 0; i < 3; i++ {
		_, err := gw.Place(ctx, buy)
		require.NoError(t, err)
	}
	orders, err := gw.Orders(ctx)
	require.NoError(t, err)
	assert.Len(t, orders, 3)

	now = testNow.AddDate(0, 0, 1)
	orders, err = gw.Orders(ctx)
	require.NoError(t, err)
	assert.Empty(t, orders)

	_, err = gw.Place(ctx, buy)
	require.NoError(t, err)
	orders, err = gw.Orders(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, now, orders[0].PlacedAt)
	assert.Len(t, gw.orders, 1)
}

func TestPaperWithoutMarketData(t *testing.T) {
	gw, _ := newPaperGateway(t, nil)

	_, err := gw.Quote(context.Background(), models.NewKey("ITC", models.NSE))
	assert.ErrorIs(t, err, apperrors.ErrQuoteUnavailable)

	_, err = gw.Place(context.Background(), models.OrderRequest{
		Key: models.NewKey("ITC", models.NSE), Side: models.OrderSideBuy, Quantity: 1, Type: models.OrderTypeMarket,
	})
	assert.ErrorIs(t, err, apperrors.ErrQuoteUnavailable)
	assert.NoError(t, gw.Ping(context.Background()))
}

func TestPaperPositionsComeFromStore(t *testing.T) {
	gw, s := newPaperGateway(t, nil)
	ctx := context.Background()

	yesterday := testNow.AddDate(0, 0, -1)
	_, err := s.Insert(ctx, paperFill(yesterday, "HDFCBANK", models.OrderSideBuy, 10, 100))
	require.NoError(t, err)
	_, err = s.Insert(ctx, paperFill(testNow.Add(-time.Hour), "HDFCBANK", models.OrderSideBuy, 5, 110))
	require.NoError(t, err)

	live := paperFill(testNow.Add(-time.Hour), "TCS", models.OrderSideBuy, 1, 3500)
	live.Broker = "MSTOCK"
	_, err = s.Insert(ctx, live)
	require.NoError(t, err)

	holdings, err := gw.Holdings(ctx)
	require.NoError(t, err)
	require.Len(t, holdings, 1)
	assert.Equal(t, "HDFCBANK", holdings[0].Symbol)
	assert.Equal(t, 10, holdings[0].Quantity)
	assert.Equal(t, 100.0, holdings[0].AveragePrice)

	today, err := gw.OrdersToday(ctx)
	require.NoError(t, err)
	require.Len(t, today, 1)
	assert.Equal(t, 5, today[0].Quantity)
	assert.True(t, today[0].Executed())

	funds, err := gw.Funds(ctx)
	require.NoError(t, err)
	assert.Equal(t, float64(DefaultPaperBalance)-1000-550, funds.AvailableCash)

	positions, err := gw.IntradayPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestPaperSquareOffAll(t *testing.T) {
	gw, s := newPaperGateway(t, &stubGateway{ltp: 120})
	ctx := context.Background()

	_, err := s.Insert(ctx, paperFill(testNow.AddDate(0, 0, -2), "WIPRO", models.OrderSideBuy, 6, 100))
	require.NoError(t, err)
	_, err = s.Insert(ctx, paperFill(testNow.AddDate(0, 0, -2), "INFY", models.OrderSideBuy, 2, 1500))
	require.NoError(t, err)

	closed, err := gw.SquareOffAll(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 2)
	assert.Equal(t, "INFY", closed[0].Key.Symbol)
	assert.Equal(t, models.OrderSideSell, closed[0].Side)
	assert.Equal(t, 2, closed[0].Quantity)
	assert.Equal(t, "WIPRO", closed[1].Key.Symbol)
	assert.Equal(t, 6, closed[1].Quantity)

	n, err := gw.CancelAllOpen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
