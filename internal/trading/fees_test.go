package trading

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"mstock-trader/internal/models"
)

func TestComputeFeesBuyUsesMinimumBrokerage(t *testing.T) {
	fees := ComputeFees(models.OrderSideBuy, 5000)
	assert.Equal(t, 20.0, fees.Brokerage)
	assert.Equal(t, 0.0, fees.STT)
	assert.Equal(t, 0.75, fees.Stamp)
	assert.Equal(t, 3.6, fees.GST)
	assert.InDelta(t, 24.53, fees.Total, 0.001)
}

func TestComputeFeesSellChargesSTT(t *testing.T) {
	fees := ComputeFees(models.OrderSideSell, 100000)
	assert.Equal(t, 30.0, fees.Brokerage)
	assert.Equal(t, 100.0, fees.STT)
	assert.Equal(t, 0.0, fees.Stamp)
	assert.Equal(t, 5.4, fees.GST)
	assert.Equal(t, 3.45, fees.Exchange)
	assert.Equal(t, 0.1, fees.SEBI)
	assert.InDelta(t, 138.95, fees.Total, 0.001)
}

func TestPriceFillSignsNet(t *testing.T) {
	buy := PriceFill(models.OrderSideBuy, 50, 100)
	assert.Equal(t, 5000.0, buy.Gross)
	assert.InDelta(t, 5000+buy.Fees.Total, buy.Net, 0.001)

	sell := PriceFill(models.OrderSideSell, 50, 120)
	assert.Equal(t, 6000.0, sell.Gross)
	assert.InDelta(t, 6000-sell.Fees.Total, sell.Net, 0.001)
}

func TestSellPnL(t *testing.T) {
	pnl := SellPnL(120, 100, 50, 29.81)
	assert.Equal(t, 1000.0, pnl.Gross)
	assert.InDelta(t, 967.69, pnl.Net, 0.001)
	assert.InDelta(t, 19.35, pnl.PctNet, 0.001)

	assert.Equal(t, RealizedPnL{}, SellPnL(120, 0, 50, 10))
}
