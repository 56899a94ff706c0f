package trading

import (
	"fmt"
	"math"
	"time"

	"mstock-trader/internal/models"
)

// Input is everything the evaluator needs for one instrument.
type Input struct {
	Config   models.StockConfig
	Position models.Position
	LTP      float64
	RSI      float64
	// HasRSI is false when the indicator engine had no signal.
	HasRSI        bool
	Capital       models.Capital
	BreakerActive bool
	// LastBuyPrice and BoughtToday feed the SIP schedule.
	LastBuyPrice float64
	BoughtToday  bool
	Now          time.Time
}

// Evaluator turns an instrument's config and market state into a decision.
type Evaluator struct {
	neverSellAtLoss bool
	sip             *SIPEngine
}

// NewEvaluator creates an evaluator. sip may be nil when no row uses SIP.
func NewEvaluator(neverSellAtLoss bool, sip *SIPEngine) *Evaluator {
	return &Evaluator{neverSellAtLoss: neverSellAtLoss, sip: sip}
}

// Evaluate returns the order to place, if any, for in.
func (e *Evaluator) Evaluate(in Input) Decision {
	cfg := in.Config
	if !cfg.Enabled {
		return skip(SkipDisabled, "")
	}
	if in.LTP <= 0 {
		return skip(SkipNoQuote, "")
	}

	strategy := models.ParseStrategy(string(cfg.Strategy))
	if strategy == models.StrategySIP && !cfg.Managed {
		return e.evaluateSIP(in)
	}

	held := e.ownedQuantity(in)
	if held > 0 {
		return e.evaluateExit(in, strategy, held)
	}
	return e.evaluateEntry(in)
}

// ownedQuantity is the quantity this config may act on. Manual holdings
// never count, except that a managed config acts on its Butler row.
func (e *Evaluator) ownedQuantity(in Input) int {
	p := in.Position
	if p.Quantity <= 0 {
		return 0
	}
	if in.Config.Managed {
		if p.Source.Managed() {
			return p.Quantity
		}
		return 0
	}
	if p.Source.BotOwned() {
		return p.Quantity
	}
	return 0
}

func (e *Evaluator) evaluateExit(in Input, strategy models.Strategy, held int) Decision {
	cfg := in.Config
	avg := in.Position.AveragePrice

	if cfg.ProfitTargetPct > 0 && avg > 0 {
		pct := in.Position.PnLPercent(in.LTP)
		if pct >= cfg.ProfitTargetPct-boundaryEpsilon {
			return Decision{
				Side:     models.OrderSideSell,
				Quantity: held,
				Rule:     ExitReasonTarget,
				Reason:   fmt.Sprintf("Profit Target (%.1f%%)", pct),
			}
		}
	}

	if strategy == models.StrategyInvest && !cfg.Managed {
		return skip(SkipHolding, "accumulating")
	}
	if !in.HasRSI {
		return skip(SkipNoSignal, "")
	}
	if in.RSI < cfg.SellRSI {
		return skip(SkipHolding, fmt.Sprintf("RSI %.1f below sell %.1f", in.RSI, cfg.SellRSI))
	}
	if e.neverSellAtLoss && in.LTP <= avg {
		return skip(SkipAtLoss, fmt.Sprintf("LTP %.2f not above entry %.2f", in.LTP, avg))
	}
	return Decision{
		Side:     models.OrderSideSell,
		Quantity: held,
		Rule:     ExitReasonRSI,
		Reason:   "RSI Sell",
	}
}

func (e *Evaluator) evaluateEntry(in Input) Decision {
	cfg := in.Config
	if cfg.Managed {
		return skip(SkipManaged, "")
	}
	if in.BreakerActive {
		return skip(SkipBreaker, "")
	}

	var reason string
	switch {
	case cfg.IgnoreRSI:
		reason = "RSI Ignored Buy"
	case !in.HasRSI:
		return skip(SkipNoSignal, "")
	case in.RSI <= cfg.BuyRSI:
		reason = "RSI Buy"
	default:
		return skip(SkipNoSignal, fmt.Sprintf("RSI %.1f above buy %.1f", in.RSI, cfg.BuyRSI))
	}
	return e.sizedBuy(in, reason)
}

func (e *Evaluator) evaluateSIP(in Input) Decision {
	if in.BreakerActive {
		return skip(SkipBreaker, "")
	}
	if in.BoughtToday {
		return skip(SkipBoughtToday, "")
	}
	if e.sip == nil {
		return skip(SkipNoSignal, "sip schedule not configured")
	}
	ok, reason := e.sip.ShouldBuy(in.LTP, in.LastBuyPrice, in.Now)
	if !ok {
		return skip(SkipNoSignal, reason)
	}
	return e.sizedBuy(in, reason)
}

// sizedBuy applies the sizing rule and the capital gate.
func (e *Evaluator) sizedBuy(in Input, reason string) Decision {
	qty := Size(in.Config.FixedQuantity, in.Capital, in.LTP)
	if qty <= 0 {
		return skip(SkipZeroQty, fmt.Sprintf("per-trade budget %.2f below LTP %.2f", in.Capital.PerTradeCap(), in.LTP))
	}
	if gate, detail := CapitalGate(in.Capital, qty, in.LTP); gate != SkipNone {
		return skip(gate, detail)
	}
	return Decision{
		Side:     models.OrderSideBuy,
		Quantity: qty,
		Reason:   reason,
	}
}

// Size returns the order quantity: fixed when configured, otherwise as
// many shares as the per-trade budget buys at ltp.
func Size(fixed int, capital models.Capital, ltp float64) int {
	if fixed > 0 {
		return fixed
	}
	if ltp <= 0 {
		return 0
	}
	return int(math.Floor(capital.PerTradeCap()/ltp + boundaryEpsilon))
}

// CapitalGate checks a BUY of qty at ltp against the remaining budget and
// the per-trade cap.
func CapitalGate(capital models.Capital, qty int, ltp float64) (SkipReason, string) {
	required := float64(qty) * ltp
	if remaining := capital.Remaining(); required > remaining+boundaryEpsilon {
		return SkipCapital, fmt.Sprintf("required %.2f exceeds remaining %.2f", required, remaining)
	}
	if limit := capital.PerTradeCap(); required > limit+boundaryEpsilon {
		return SkipPerTradeCap, fmt.Sprintf("required %.2f exceeds per-trade cap %.2f", required, limit)
	}
	return SkipNone, ""
}
