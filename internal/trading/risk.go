package trading

import (
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"mstock-trader/internal/config"
	"mstock-trader/internal/models"
)

// boundaryEpsilon keeps a position sitting exactly on a threshold inside it
// despite float rounding in the percentage.
const boundaryEpsilon = 1e-9

// Supervisor applies the per-position exit rules and the daily loss limit.
type Supervisor struct {
	cfg    config.RiskSettings
	logger zerolog.Logger
}

// NewSupervisor creates a supervisor for the given limits.
func NewSupervisor(cfg config.RiskSettings, logger zerolog.Logger) *Supervisor {
	return &Supervisor{cfg: cfg, logger: logger.With().Str("component", "risk").Logger()}
}

// Config returns the limits in force.
func (s *Supervisor) Config() config.RiskSettings {
	return s.cfg
}

// Evaluate checks every managed position against its live price and
// returns the exits to take, most urgent first. Positions without a
// positive quote are skipped.
func (s *Supervisor) Evaluate(positions []models.Position, quotes map[models.Key]float64) []RiskAction {
	var actions []RiskAction
	for _, p := range positions {
		if !p.Source.Managed() || p.Quantity <= 0 || p.AveragePrice <= 0 {
			continue
		}
		ltp, ok := quotes[p.Key]
		if !ok || ltp <= 0 {
			continue
		}
		if a, ok := s.check(p, ltp); ok {
			actions = append(actions, a)
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return actions[i].Priority > actions[j].Priority
	})
	return actions
}

// check applies the rules in order; the first match wins.
func (s *Supervisor) check(p models.Position, ltp float64) (RiskAction, bool) {
	pnlPct := p.PnLPercent(ltp)
	action := RiskAction{
		Key:      p.Key,
		Quantity: p.Quantity,
		Price:    ltp,
		PnLPct:   pnlPct,
		Source:   p.Source,
	}

	switch {
	case pnlPct <= -s.cfg.CatastrophicStopPct+boundaryEpsilon:
		action.Rule = ExitReasonCatastrophic
		action.Priority = PriorityCritical
		action.Reason = fmt.Sprintf("CATASTROPHIC STOP [%s] (%.1f%%)", p.Source, pnlPct)
		return action, true

	case pnlPct <= -s.cfg.StopLossPct+boundaryEpsilon:
		if s.cfg.NeverSellAtLoss && pnlPct < 0 {
			s.logger.Info().
				Str("instrument", p.Key.String()).
				Float64("pnl_pct", pnlPct).
				Msg("Stop-loss reached but never_sell_at_loss is set, holding")
			return action, false
		}
		action.Rule = ExitReasonStopLoss
		action.Priority = PriorityHigh
		action.Reason = fmt.Sprintf("Stop Loss [%s] (%.1f%%)", p.Source, pnlPct)
		return action, true

	case pnlPct >= s.cfg.ProfitTargetPct-boundaryEpsilon:
		action.Rule = ExitReasonTarget
		action.Priority = PriorityNormal
		action.Reason = fmt.Sprintf("Profit Target [%s] (%.1f%%)", p.Source, pnlPct)
		return action, true
	}
	return action, false
}

// DailyLoss is the outcome of the daily loss check.
type DailyLoss struct {
	PnL       float64
	PnLPct    float64
	LimitUsed float64
	Tripped   bool
}

// CheckDailyLoss compares the portfolio against the day's opening capital.
func (s *Supervisor) CheckDailyLoss(portfolioValue, startCapital float64) DailyLoss {
	if startCapital <= 0 {
		return DailyLoss{}
	}
	pnl := portfolioValue - startCapital
	pct := pnl / startCapital * 100
	res := DailyLoss{PnL: pnl, PnLPct: pct}
	if s.cfg.DailyLossLimitPct > 0 {
		res.LimitUsed = -pct / s.cfg.DailyLossLimitPct * 100
	}
	res.Tripped = pct <= -s.cfg.DailyLossLimitPct+boundaryEpsilon
	return res
}

// RiskStatus classifies how close a position is to its exits.
type RiskStatus string

const (
	RiskCritical   RiskStatus = "CRITICAL"
	RiskWarning    RiskStatus = "WARNING"
	RiskNearTarget RiskStatus = "NEAR_TARGET"
	RiskProfit     RiskStatus = "PROFIT"
	RiskNormal     RiskStatus = "NORMAL"
)

// PositionRisk is the exit ladder for one position at a price.
type PositionRisk struct {
	Key                 models.Key
	EntryPrice          float64
	CurrentPrice        float64
	Quantity            int
	PnLPct              float64
	StopLossPrice       float64
	ProfitTargetPrice   float64
	CatastrophicPrice   float64
	DistanceToStopPct   float64
	DistanceToTargetPct float64
	Status              RiskStatus
}

// Assess reports the exit levels of p at ltp.
func (s *Supervisor) Assess(p models.Position, ltp float64) PositionRisk {
	entry := p.AveragePrice
	r := PositionRisk{
		Key:               p.Key,
		EntryPrice:        entry,
		CurrentPrice:      ltp,
		Quantity:          p.Quantity,
		PnLPct:            p.PnLPercent(ltp),
		StopLossPrice:     entry * (1 - s.cfg.StopLossPct/100),
		ProfitTargetPrice: entry * (1 + s.cfg.ProfitTargetPct/100),
		CatastrophicPrice: entry * (1 - s.cfg.CatastrophicStopPct/100),
	}
	if entry > 0 {
		r.DistanceToStopPct = (ltp - r.StopLossPrice) / entry * 100
		r.DistanceToTargetPct = (r.ProfitTargetPrice - ltp) / entry * 100
	}

	switch {
	case r.PnLPct <= -s.cfg.CatastrophicStopPct:
		r.Status = RiskCritical
	case r.PnLPct <= -s.cfg.StopLossPct*0.8:
		r.Status = RiskWarning
	case r.PnLPct >= s.cfg.ProfitTargetPct*0.8:
		r.Status = RiskNearTarget
	case r.PnLPct >= 0:
		r.Status = RiskProfit
	default:
		r.Status = RiskNormal
	}
	return r
}
