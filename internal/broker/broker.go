// Package broker provides broker integration implementations.
package broker

import (
	"context"

	"mstock-trader/internal/models"
)

// Gateway defines the interface for broker operations used by the engine.
type Gateway interface {
	// Name identifies the gateway in logs and trade records.
	Name() string

	// Market data
	Quote(ctx context.Context, key models.Key) (*models.Quote, error)
	Candles(ctx context.Context, key models.Key, tf models.Timeframe, lookbackDays int) ([]models.Candle, error)

	// Account
	Funds(ctx context.Context) (models.Funds, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
	IntradayPositions(ctx context.Context) ([]models.IntradayPosition, error)

	// Orders returns the full day order book; OrdersToday only the
	// executed orders placed today.
	Orders(ctx context.Context) ([]models.Order, error)
	OrdersToday(ctx context.Context) ([]models.Order, error)
	HasPending(ctx context.Context, key models.Key, side models.OrderSide) (bool, error)
	Place(ctx context.Context, req models.OrderRequest) (*models.OrderResult, error)

	// Panic path
	CancelAllOpen(ctx context.Context) (int, error)
	SquareOffAll(ctx context.Context) ([]models.OrderRequest, error)

	// Ping is a cheap authenticated round-trip used to probe connectivity.
	Ping(ctx context.Context) error
}

// Authenticator supplies the session credentials and refreshes them when
// the broker rejects the current token.
type Authenticator interface {
	APIKey() string
	AccessToken() string
	// Refresh obtains a new access token. It returns false with a nil
	// error when no automatic refresh is possible.
	Refresh(ctx context.Context) (bool, error)
	// SessionRejected reports a rejection that a refresh could not cure,
	// so the operator can log in again.
	SessionRejected(ctx context.Context, err error)
}
