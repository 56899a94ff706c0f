// Package trading holds the decision logic of the engine: fee estimates,
// the risk supervisor, the per-instrument strategy evaluator and the SIP
// schedule. Nothing here performs I/O.
package trading

import (
	"mstock-trader/internal/models"
)

// Priority orders exits emitted in the same cycle.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "NORMAL"
	}
}

// ExitReason represents the reason for an exit.
type ExitReason string

const (
	ExitReasonCatastrophic ExitReason = "catastrophic_stop"
	ExitReasonStopLoss     ExitReason = "stop_loss"
	ExitReasonTarget       ExitReason = "target"
	ExitReasonRSI          ExitReason = "rsi"
)

// RiskAction is a full-quantity SELL chosen by the supervisor.
type RiskAction struct {
	Key      models.Key
	Quantity int
	Price    float64
	PnLPct   float64
	Rule     ExitReason
	Priority Priority
	Source   models.Source
	Reason   string
}

// SkipReason explains why an evaluation produced no order.
type SkipReason string

const (
	SkipNone        SkipReason = ""
	SkipDisabled    SkipReason = "disabled"
	SkipNoQuote     SkipReason = "no_quote"
	SkipNoSignal    SkipReason = "no_signal"
	SkipHolding     SkipReason = "holding"
	SkipAtLoss      SkipReason = "never_sell_at_loss"
	SkipBreaker     SkipReason = "circuit_breaker"
	SkipManaged     SkipReason = "managed_no_buy"
	SkipZeroQty     SkipReason = "zero_quantity"
	SkipCapital     SkipReason = "capital_exhausted"
	SkipPerTradeCap SkipReason = "per_trade_cap"
	SkipBoughtToday SkipReason = "sip_bought_today"
)

// Decision is the evaluator's verdict for one instrument in one cycle.
type Decision struct {
	Side     models.OrderSide
	Quantity int
	Reason   string
	Rule     ExitReason
	Skip     SkipReason
	Detail   string
}

// Actionable reports whether the decision carries an order.
func (d Decision) Actionable() bool {
	return d.Side != "" && d.Quantity > 0
}

func skip(reason SkipReason, detail string) Decision {
	return Decision{Skip: reason, Detail: detail}
}
