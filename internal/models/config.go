package models

import "strings"

// Strategy is the per-instrument trading mode.
type Strategy string

const (
	StrategyTrade  Strategy = "TRADE"
	StrategyInvest Strategy = "INVEST"
	StrategySIP    Strategy = "SIP"
)

// ParseStrategy normalises a strategy name, defaulting to TRADE.
func ParseStrategy(s string) Strategy {
	switch Strategy(strings.ToUpper(strings.TrimSpace(s))) {
	case StrategyInvest:
		return StrategyInvest
	case StrategySIP:
		return StrategySIP
	default:
		return StrategyTrade
	}
}

// StockConfig is one tracked instrument.
type StockConfig struct {
	Symbol          string    `mapstructure:"symbol" json:"symbol"`
	Exchange        Exchange  `mapstructure:"exchange" json:"exchange"`
	Enabled         bool      `mapstructure:"enabled" json:"enabled"`
	Strategy        Strategy  `mapstructure:"strategy" json:"strategy"`
	Timeframe       Timeframe `mapstructure:"timeframe" json:"timeframe"`
	BuyRSI          float64   `mapstructure:"buy_rsi" json:"buy_rsi"`
	SellRSI         float64   `mapstructure:"sell_rsi" json:"sell_rsi"`
	IgnoreRSI       bool      `mapstructure:"ignore_rsi" json:"ignore_rsi"`
	FixedQuantity   int       `mapstructure:"quantity" json:"quantity"`
	ProfitTargetPct float64   `mapstructure:"profit_target_pct" json:"profit_target_pct"`
	InstrumentToken string    `mapstructure:"instrument_token" json:"instrument_token,omitempty"`

	// Managed marks a synthetic config built for a Butler holding. Such
	// configs never buy.
	Managed bool `mapstructure:"-" json:"-"`
}

// Key returns the instrument key of the config.
func (c StockConfig) Key() Key {
	return NewKey(c.Symbol, c.Exchange)
}
