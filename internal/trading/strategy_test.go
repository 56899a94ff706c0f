package trading

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstock-trader/internal/config"
	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

func tradeConfig(symbol string) models.StockConfig {
	return models.StockConfig{
		Symbol:    symbol,
		Exchange:  models.NSE,
		Enabled:   true,
		Strategy:  models.StrategyTrade,
		Timeframe: models.TF15m,
		BuyRSI:    35,
		SellRSI:   65,
	}
}

func capital(allocated, pct, deployed float64) models.Capital {
	return models.Capital{AllocatedLimit: allocated, PerTradePct: pct, Deployed: deployed}
}

func TestBuyThenSellCycle(t *testing.T) {
	ev := NewEvaluator(true, nil)
	cfg := tradeConfig("RELIANCE")

	buy := ev.Evaluate(Input{Config: cfg, LTP: 100, RSI: 30, HasRSI: true, Capital: capital(50000, 10, 0)})
	require.True(t, buy.Actionable())
	assert.Equal(t, models.OrderSideBuy, buy.Side)
	assert.Equal(t, 50, buy.Quantity)
	assert.Equal(t, "RSI Buy", buy.Reason)

	held := models.Position{Key: cfg.Key(), Quantity: 50, AveragePrice: 100, Source: models.SourceBot}
	sell := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 120, RSI: 70, HasRSI: true, Capital: capital(50000, 10, 5000)})
	require.True(t, sell.Actionable())
	assert.Equal(t, models.OrderSideSell, sell.Side)
	assert.Equal(t, 50, sell.Quantity)
	assert.Equal(t, "RSI Sell", sell.Reason)
}

func TestBudgetBelowPriceSkips(t *testing.T) {
	ev := NewEvaluator(true, nil)
	d := ev.Evaluate(Input{Config: tradeConfig("MRF"), LTP: 2000, RSI: 20, HasRSI: true, Capital: capital(10000, 10, 0)})
	assert.False(t, d.Actionable())
	assert.Equal(t, SkipZeroQty, d.Skip)
}

func TestBreakerSuppressesBuysNotSells(t *testing.T) {
	ev := NewEvaluator(false, nil)
	cfg := tradeConfig("SBIN")

	buy := ev.Evaluate(Input{Config: cfg, LTP: 500, RSI: 10, HasRSI: true, Capital: capital(100000, 10, 0), BreakerActive: true})
	assert.False(t, buy.Actionable())
	assert.Equal(t, SkipBreaker, buy.Skip)

	held := models.Position{Key: cfg.Key(), Quantity: 20, AveragePrice: 520, Source: models.SourceBot}
	sell := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 500, RSI: 66, HasRSI: true, Capital: capital(100000, 10, 10400), BreakerActive: true})
	require.True(t, sell.Actionable())
	assert.Equal(t, models.OrderSideSell, sell.Side)
}

func TestNeverSellAtLossBlocksRSISell(t *testing.T) {
	ev := NewEvaluator(true, nil)
	cfg := tradeConfig("HDFCBANK")
	held := models.Position{Key: cfg.Key(), Quantity: 10, AveragePrice: 100, Source: models.SourceBot}

	loss := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 94, RSI: 70, HasRSI: true})
	assert.False(t, loss.Actionable())
	assert.Equal(t, SkipAtLoss, loss.Skip)

	profit := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 120, RSI: 70, HasRSI: true})
	require.True(t, profit.Actionable())
	assert.Equal(t, models.OrderSideSell, profit.Side)
}

func TestInvestIgnoresRSISell(t *testing.T) {
	ev := NewEvaluator(false, nil)
	cfg := tradeConfig("ITC")
	cfg.Strategy = models.StrategyInvest
	held := models.Position{Key: cfg.Key(), Quantity: 10, AveragePrice: 400, Source: models.SourceBot}

	d := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 420, RSI: 90, HasRSI: true})
	assert.False(t, d.Actionable())

	cfg.ProfitTargetPct = 5
	d = ev.Evaluate(Input{Config: cfg, Position: held, LTP: 420, RSI: 90, HasRSI: true})
	require.True(t, d.Actionable())
	assert.Equal(t, ExitReasonTarget, d.Rule)
}

func TestManualHoldingDoesNotBlockOrTriggerTrade(t *testing.T) {
	ev := NewEvaluator(false, nil)
	cfg := tradeConfig("TATAMOTORS")
	manual := models.Position{Key: cfg.Key(), Quantity: 100, AveragePrice: 600, Source: models.SourceManual}

	d := ev.Evaluate(Input{Config: cfg, Position: manual, LTP: 900, RSI: 80, HasRSI: true, Capital: capital(50000, 10, 0)})
	assert.False(t, d.Actionable())
	assert.Equal(t, SkipNoSignal, d.Skip)

	d = ev.Evaluate(Input{Config: cfg, Position: manual, LTP: 900, RSI: 20, HasRSI: true, Capital: capital(50000, 10, 0)})
	require.True(t, d.Actionable())
	assert.Equal(t, models.OrderSideBuy, d.Side)
	assert.Equal(t, 5, d.Quantity)
}

func TestManagedConfigNeverBuys(t *testing.T) {
	ev := NewEvaluator(true, nil)
	cfg := models.StockConfig{
		Symbol: "WIPRO", Exchange: models.NSE, Enabled: true, Strategy: models.StrategyTrade,
		Timeframe: models.TF15m, BuyRSI: 0, SellRSI: 70, ProfitTargetPct: 10, Managed: true,
	}
	d := ev.Evaluate(Input{Config: cfg, LTP: 400, RSI: 5, HasRSI: true, Capital: capital(50000, 10, 0)})
	assert.Equal(t, SkipManaged, d.Skip)

	butler := models.Position{Key: cfg.Key(), Quantity: 30, AveragePrice: 350, Source: models.SourceButler}
	d = ev.Evaluate(Input{Config: cfg, Position: butler, LTP: 370, RSI: 75, HasRSI: true})
	require.True(t, d.Actionable())
	assert.Equal(t, 30, d.Quantity)
}

func TestIgnoreRSIBuysWithoutSignal(t *testing.T) {
	ev := NewEvaluator(true, nil)
	cfg := tradeConfig("BEL")
	cfg.IgnoreRSI = true
	cfg.FixedQuantity = 3
	d := ev.Evaluate(Input{Config: cfg, LTP: 250, Capital: capital(50000, 10, 0)})
	require.True(t, d.Actionable())
	assert.Equal(t, 3, d.Quantity)
}

func TestCapitalGateRejectsOverRemaining(t *testing.T) {
	ev := NewEvaluator(true, nil)
	d := ev.Evaluate(Input{Config: tradeConfig("LT"), LTP: 100, RSI: 10, HasRSI: true, Capital: capital(50000, 10, 47000)})
	assert.Equal(t, SkipCapital, d.Skip)

	cfg := tradeConfig("LT")
	cfg.FixedQuantity = 60
	d = ev.Evaluate(Input{Config: cfg, LTP: 100, RSI: 10, HasRSI: true, Capital: capital(50000, 10, 0)})
	assert.Equal(t, SkipPerTradeCap, d.Skip)
}

func TestSIPStrategy(t *testing.T) {
	sip := NewSIPEngine(config.SIPSettings{Day: "Monday", DipThresholdPct: 2})
	ev := NewEvaluator(true, sip)
	cfg := tradeConfig("NIFTYBEES")
	cfg.Strategy = models.StrategySIP
	monday := time.Date(2024, 3, 4, 10, 0, 0, 0, utils.IndiaLocation)
	tuesday := monday.AddDate(0, 0, 1)
	held := models.Position{Key: cfg.Key(), Quantity: 100, AveragePrice: 240, Source: models.SourceBot}

	d := ev.Evaluate(Input{Config: cfg, Position: held, LTP: 250, Capital: capital(50000, 10, 0), Now: monday})
	require.True(t, d.Actionable())
	assert.Equal(t, models.OrderSideBuy, d.Side)
	assert.Equal(t, "Weekly SIP Day (Monday)", d.Reason)
	assert.Equal(t, 20, d.Quantity)

	d = ev.Evaluate(Input{Config: cfg, Position: held, LTP: 250, Capital: capital(50000, 10, 0), Now: monday, BoughtToday: true})
	assert.Equal(t, SkipBoughtToday, d.Skip)

	d = ev.Evaluate(Input{Config: cfg, Position: held, LTP: 244, LastBuyPrice: 250, Capital: capital(50000, 10, 0), Now: tuesday})
	require.True(t, d.Actionable())
	assert.Equal(t, "Buy the Dip (2.0% drop detected)", d.Reason)

	d = ev.Evaluate(Input{Config: cfg, Position: held, LTP: 400, RSI: 99, HasRSI: true, Capital: capital(50000, 10, 0), Now: tuesday})
	assert.False(t, d.Actionable(), "SIP never sells")
}

func TestSIPEngineUnknownDayDefaultsToMonday(t *testing.T) {
	sip := NewSIPEngine(config.SIPSettings{Day: "Someday"})
	ok, _ := sip.ShouldBuy(100, 0, time.Date(2024, 3, 4, 12, 0, 0, 0, utils.IndiaLocation))
	assert.True(t, ok)
	ok, reason := sip.ShouldBuy(0, 0, time.Now())
	assert.False(t, ok)
	assert.Equal(t, "Invalid Price", reason)
}

// Property: every BUY the evaluator emits fits both the remaining budget
// and the per-trade cap.
func TestProperty_BuysRespectCapitalGate(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	ev := NewEvaluator(true, nil)
	properties.Property("buy cost within remaining and per-trade cap", prop.ForAll(
		func(allocated, pct, deployedShare, ltp float64, fixed int) bool {
			cfg := tradeConfig("ANY")
			cfg.FixedQuantity = fixed
			c := capital(allocated, pct, allocated*deployedShare)
			d := ev.Evaluate(Input{Config: cfg, LTP: ltp, RSI: 1, HasRSI: true, Capital: c})
			if !d.Actionable() {
				return true
			}
			cost := float64(d.Quantity) * ltp
			return d.Side == models.OrderSideBuy &&
				cost <= c.Remaining()+1e-6 &&
				cost <= c.PerTradeCap()+1e-6
		},
		gen.Float64Range(1000, 1000000),
		gen.Float64Range(1, 100),
		gen.Float64Range(0, 1.2),
		gen.Float64Range(1, 50000),
		gen.IntRange(0, 50),
	))

	properties.TestingRun(t)
}
