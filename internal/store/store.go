// Package store provides the trade log and its derived queries.
package store

import (
	"context"
	"io"
	"time"

	"mstock-trader/internal/models"
)

// TradeStore is the append-only trade log.
type TradeStore interface {
	// Insert appends a fill and returns its id. A SELL that would leave
	// the instrument short is refused.
	Insert(ctx context.Context, trade *models.TradeRecord) (int64, error)

	// OpenPositions returns instruments with net quantity above zero.
	OpenPositions(ctx context.Context, paper bool) ([]models.OpenPosition, error)
	// OpenPositionsBefore is OpenPositions over fills strictly before t.
	OpenPositionsBefore(ctx context.Context, paper bool, t time.Time) ([]models.OpenPosition, error)

	TodayTrades(ctx context.Context, paper bool, now time.Time) ([]models.TradeRecord, error)
	Recent(ctx context.Context, limit int, paper *bool) ([]models.TradeRecord, error)
	History(ctx context.Context, days int, symbol string) ([]models.TradeRecord, error)
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.TradeRecord, error)

	PerformanceSummary(ctx context.Context, days int) (*models.PerformanceSummary, error)
	RealizedPnLSince(ctx context.Context, since time.Time, paper bool) (float64, error)
	LastBuyPrice(ctx context.Context, key models.Key, paper bool) (float64, bool, error)

	SetControl(ctx context.Context, key, value string) error
	GetControl(ctx context.Context, key string) (string, bool, error)

	ExportCSV(ctx context.Context, w io.Writer) error

	Close() error
}

// TradeFilter represents filters for querying trades.
type TradeFilter struct {
	Symbol    string
	Exchange  models.Exchange
	Action    models.OrderSide
	Since     time.Time
	Until     time.Time
	Paper     *bool
	Limit     int
	Ascending bool
}

// Control keys in system_control.
const (
	ControlBotStatus = "bot_status"

	BotStatusRunning = "RUNNING"
	BotStatusStopped = "STOPPED"
)
