package models

import (
	"strings"
	"time"
)

// OrderRequest is an order the engine wants the broker to accept.
type OrderRequest struct {
	Key      Key
	Side     OrderSide
	Quantity int
	Type     OrderType
	Price    float64
	Token    string
}

// OrderResult is the broker's acknowledgement of a placed order.
type OrderResult struct {
	OrderID string
	Status  string
	Message string
}

// Order represents an order from the broker's order book.
type Order struct {
	ID       string
	Symbol   string
	Exchange Exchange
	Side     OrderSide
	Quantity int
	Price    float64
	Status   string
	PlacedAt time.Time
}

// Key returns the instrument key of the order.
func (o Order) Key() Key {
	return NewKey(o.Symbol, o.Exchange)
}

// NormalizedStatus is the upper-cased status string.
func (o Order) NormalizedStatus() string {
	return strings.ToUpper(strings.TrimSpace(o.Status))
}

var (
	blockingStatuses = map[string]bool{"OPEN": true, "PENDING": true, "TRIGGERED": true, "TRADED": true}
	terminalStatuses = map[string]bool{"COMPLETE": true, "REJECTED": true, "CANCELLED": true, "TRADED": true}
	executedStatuses = map[string]bool{"COMPLETE": true, "EXECUTED": true, "FILLED": true}
)

// Blocking reports whether the order still occupies its side for the pending-order gate.
func (o Order) Blocking() bool {
	return blockingStatuses[o.NormalizedStatus()]
}

// Terminal reports whether the order can no longer be cancelled.
func (o Order) Terminal() bool {
	return terminalStatuses[o.NormalizedStatus()]
}

// Executed reports whether the order was filled.
func (o Order) Executed() bool {
	return executedStatuses[o.NormalizedStatus()]
}

// Holding represents a delivery holding.
type Holding struct {
	Symbol       string
	Exchange     Exchange
	Quantity     int
	UsedQuantity int
	AveragePrice float64
	LTP          float64
	PnL          float64
}

// IntradayPosition is a row from the broker's day positions feed.
type IntradayPosition struct {
	Symbol       string
	Exchange     Exchange
	Quantity     int
	AveragePrice float64
	LTP          float64
	PnL          float64
}
