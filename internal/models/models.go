// Package models provides domain models for the trading application.
package models

import (
	"fmt"
	"strings"
	"time"
)

// Exchange represents a stock exchange.
type Exchange string

const (
	NSE Exchange = "NSE"
	BSE Exchange = "BSE"
)

// ParseExchange normalises an exchange code. Anything other than BSE is NSE.
func ParseExchange(s string) Exchange {
	if strings.EqualFold(strings.TrimSpace(s), string(BSE)) {
		return BSE
	}
	return NSE
}

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the other side.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// ProductType represents the product type of an order.
type ProductType string

// ProductCNC is the delivery product; the engine never trades intraday margin.
const ProductCNC ProductType = "CNC"

// Key identifies an instrument across every component.
type Key struct {
	Symbol   string   `json:"symbol"`
	Exchange Exchange `json:"exchange"`
}

// NewKey builds a case-normalised key.
func NewKey(symbol string, exchange Exchange) Key {
	return Key{
		Symbol:   strings.ToUpper(strings.TrimSpace(symbol)),
		Exchange: ParseExchange(string(exchange)),
	}
}

// String renders the key in broker form, EXCH:SYMBOL.
func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.Exchange, k.Symbol)
}

// ParseKey parses an EXCH:SYMBOL string. Bare symbols are rejected.
func ParseKey(s string) (Key, error) {
	exch, sym, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok || sym == "" || exch == "" {
		return Key{}, fmt.Errorf("instrument %q: expected EXCHANGE:SYMBOL", s)
	}
	e := Exchange(strings.ToUpper(exch))
	if e != NSE && e != BSE {
		return Key{}, fmt.Errorf("instrument %q: unknown exchange %s", s, exch)
	}
	return NewKey(sym, e), nil
}

// Candle represents OHLCV data for a time period.
type Candle struct {
	Timestamp time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    int64
}

// Quote represents a market quote.
type Quote struct {
	Key             Key
	LTP             float64
	Open            float64
	High            float64
	Low             float64
	Close           float64
	ChangePercent   float64
	InstrumentToken string
	Timestamp       time.Time
}

// Funds is the account cash snapshot.
type Funds struct {
	AvailableCash float64
}

// Capital is the budget the evaluator sizes against.
type Capital struct {
	AllocatedLimit float64
	PerTradePct    float64
	Deployed       float64
}

// Remaining is the allocated limit minus what the bot has deployed.
func (c Capital) Remaining() float64 {
	return c.AllocatedLimit - c.Deployed
}

// PerTradeCap is the rupee cap for a single order.
func (c Capital) PerTradeCap() float64 {
	return c.AllocatedLimit * c.PerTradePct / 100
}
