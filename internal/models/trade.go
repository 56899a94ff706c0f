package models

import "time"

// TradeSource is the origin recorded on a TradeRecord.
type TradeSource string

const (
	TradeSourceBot    TradeSource = "BOT"
	TradeSourcePaper  TradeSource = "PAPER"
	TradeSourceManual TradeSource = "MANUAL"
)

// BrokerPaper marks simulated fills in the broker column.
const BrokerPaper = "PAPER"

// StrategyRisk is recorded on exits chosen by the risk supervisor.
const StrategyRisk = "RISK"

// Fees is the estimated charge breakdown for one fill.
type Fees struct {
	Brokerage float64
	STT       float64
	Exchange  float64
	GST       float64
	SEBI      float64
	Stamp     float64
	Total     float64
}

// TradeRecord is one immutable row of the trade log.
type TradeRecord struct {
	ID        int64
	Timestamp time.Time
	Symbol    string
	Exchange  Exchange
	Action    OrderSide
	Quantity  int
	Price     float64
	Gross     float64
	Fees      Fees
	Net       float64
	Strategy  string
	Reason    string
	Broker    string
	Source    TradeSource
	RSI       float64

	// Realised P&L, SELL rows only.
	PnLGross  float64
	PnLNet    float64
	PnLPctNet float64
}

// Key returns the instrument key of the record.
func (t TradeRecord) Key() Key {
	return NewKey(t.Symbol, t.Exchange)
}

// IsPaper reports whether the record is a simulated fill.
func (t TradeRecord) IsPaper() bool {
	return t.Broker == BrokerPaper
}

// PerformanceSummary aggregates realised SELL rows.
type PerformanceSummary struct {
	TotalTrades       int
	WinningTrades     int
	LosingTrades      int
	WinRate           float64
	GrossProfit       float64
	TotalFees         float64
	NetProfit         float64
	AvgProfitPerTrade float64
}
