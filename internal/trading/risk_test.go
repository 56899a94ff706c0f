package trading

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstock-trader/internal/config"
	"mstock-trader/internal/models"
)

func defaultRisk() config.RiskSettings {
	return config.RiskSettings{
		StopLossPct:         5,
		ProfitTargetPct:     10,
		CatastrophicStopPct: 20,
		DailyLossLimitPct:   10,
		NeverSellAtLoss:     true,
	}
}

func pos(symbol string, qty int, avg float64, src models.Source) models.Position {
	return models.Position{Key: models.NewKey(symbol, models.NSE), Quantity: qty, AveragePrice: avg, Source: src}
}

func quotes(pairs ...interface{}) map[models.Key]float64 {
	out := make(map[models.Key]float64)
	for i := 0; i < len(pairs); i += 2 {
		out[models.NewKey(pairs[i].(string), models.NSE)] = pairs[i+1].(float64)
	}
	return out
}

func TestSupervisorRuleOrder(t *testing.T) {
	sup := NewSupervisor(defaultRisk(), zerolog.Nop())
	positions := []models.Position{
		pos("TARGET", 10, 100, models.SourceBot),
		pos("CRASH", 5, 100, models.SourceButler),
		pos("FLAT", 3, 100, models.SourceBot),
	}
	actions := sup.Evaluate(positions, quotes("TARGET", 111.0, "CRASH", 79.0, "FLAT", 101.0))

	require.Len(t, actions, 2)
	assert.Equal(t, "CRASH", actions[0].Key.Symbol)
	assert.Equal(t, PriorityCritical, actions[0].Priority)
	assert.Equal(t, ExitReasonCatastrophic, actions[0].Rule)
	assert.Contains(t, actions[0].Reason, "CATASTROPHIC STOP [BUTLER]")
	assert.Equal(t, 5, actions[0].Quantity)

	assert.Equal(t, "TARGET", actions[1].Key.Symbol)
	assert.Equal(t, ExitReasonTarget, actions[1].Rule)
}

func TestSupervisorStopLossBoundary(t *testing.T) {
	cfg := defaultRisk()
	cfg.NeverSellAtLoss = false
	sup := NewSupervisor(cfg, zerolog.Nop())

	at := sup.Evaluate([]models.Position{pos("TCS", 1, 100, models.SourceBot)}, quotes("TCS", 95.0))
	require.Len(t, at, 1)
	assert.Equal(t, ExitReasonStopLoss, at[0].Rule)
	assert.Equal(t, PriorityHigh, at[0].Priority)

	inside := sup.Evaluate([]models.Position{pos("TCS", 1, 100, models.SourceBot)}, quotes("TCS", 95.01))
	assert.Empty(t, inside)
}

func TestSupervisorNeverSellAtLoss(t *testing.T) {
	sup := NewSupervisor(defaultRisk(), zerolog.Nop())

	held := sup.Evaluate([]models.Position{pos("HDFCBANK", 10, 100, models.SourceBot)}, quotes("HDFCBANK", 94.0))
	assert.Empty(t, held)

	crash := sup.Evaluate([]models.Position{pos("HDFCBANK", 10, 100, models.SourceBot)}, quotes("HDFCBANK", 80.0))
	require.Len(t, crash, 1)
	assert.Equal(t, ExitReasonCatastrophic, crash[0].Rule)
}

func TestSupervisorSkipsUnmanagedAndUnquoted(t *testing.T) {
	sup := NewSupervisor(defaultRisk(), zerolog.Nop())
	positions := []models.Position{
		pos("MANUAL", 10, 100, models.SourceManual),
		pos("NOQUOTE", 10, 100, models.SourceBot),
		pos("SETTLING", 10, 100, models.SourceBotSettling),
	}
	actions := sup.Evaluate(positions, quotes("MANUAL", 50.0, "SETTLING", 125.0))
	require.Len(t, actions, 1)
	assert.Equal(t, "SETTLING", actions[0].Key.Symbol)
}

func TestCheckDailyLoss(t *testing.T) {
	sup := NewSupervisor(defaultRisk(), zerolog.Nop())

	res := sup.CheckDailyLoss(88000, 100000)
	assert.True(t, res.Tripped)
	assert.InDelta(t, -12, res.PnLPct, 1e-9)

	res = sup.CheckDailyLoss(96000, 100000)
	assert.False(t, res.Tripped)
	assert.InDelta(t, 40, res.LimitUsed, 1e-9)

	assert.False(t, sup.CheckDailyLoss(0, 0).Tripped)
}

func TestAssessStatus(t *testing.T) {
	sup := NewSupervisor(defaultRisk(), zerolog.Nop())
	p := pos("INFY", 4, 1500, models.SourceBot)

	r := sup.Assess(p, 1560)
	assert.Equal(t, RiskProfit, r.Status)
	assert.InDelta(t, 1425, r.StopLossPrice, 1e-9)
	assert.InDelta(t, 1650, r.ProfitTargetPrice, 1e-9)
	assert.InDelta(t, 1200, r.CatastrophicPrice, 1e-9)

	assert.Equal(t, RiskNearTarget, sup.Assess(p, 1630).Status)
	assert.Equal(t, RiskWarning, sup.Assess(p, 1435).Status)
	assert.Equal(t, RiskCritical, sup.Assess(p, 1190).Status)
	assert.Equal(t, RiskNormal, sup.Assess(p, 1490).Status)
}
