package trading

import (
	"math"

	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// Delivery (CNC) charge schedule.
const (
	MinBrokerage      = 20.0
	BrokerageRate     = 0.0003
	STTRate           = 0.001
	ExchangeRate      = 0.0000345
	GSTRate           = 0.18
	SEBIRate          = 0.000001
	StampRate         = 0.00015
	EstimatedBuyCosts = 0.0005
)

// ComputeFees estimates the charges on one fill of gross rupees. STT is
// levied on sells and stamp duty on buys.
func ComputeFees(side models.OrderSide, gross float64) models.Fees {
	brokerage := math.Max(MinBrokerage, gross*BrokerageRate)
	var stt, stamp float64
	if side == models.OrderSideSell {
		stt = gross * STTRate
	} else {
		stamp = gross * StampRate
	}
	exchange := gross * ExchangeRate
	gst := brokerage * GSTRate
	sebi := gross * SEBIRate

	return models.Fees{
		Brokerage: utils.Round2(brokerage),
		STT:       utils.Round2(stt),
		Exchange:  utils.Round2(exchange),
		GST:       utils.Round2(gst),
		SEBI:      utils.Round2(sebi),
		Stamp:     utils.Round2(stamp),
		Total:     utils.Round2(brokerage + stt + exchange + gst + sebi + stamp),
	}
}

// Fill holds the money side of one execution.
type Fill struct {
	Gross float64
	Fees  models.Fees
	Net   float64
}

// PriceFill computes gross, fees and signed net for qty at price. BUY net
// is what the fill cost; SELL net is what it returned.
func PriceFill(side models.OrderSide, qty int, price float64) Fill {
	gross := price * float64(qty)
	fees := ComputeFees(side, gross)
	net := gross + fees.Total
	if side == models.OrderSideSell {
		net = gross - fees.Total
	}
	return Fill{Gross: utils.Round2(gross), Fees: fees, Net: utils.Round2(net)}
}

// RealizedPnL is the profit of a SELL against its entry price.
type RealizedPnL struct {
	Gross  float64
	Net    float64
	PctNet float64
}

// SellPnL computes realised P&L for selling qty at price against an entry
// of avg. Buy-side costs are estimated since the entry fill may predate
// the trade log.
func SellPnL(price, avg float64, qty int, sellFees float64) RealizedPnL {
	if avg <= 0 || qty <= 0 {
		return RealizedPnL{}
	}
	cost := avg * float64(qty)
	gross := (price - avg) * float64(qty)
	net := (price*float64(qty) - sellFees) - (cost + cost*EstimatedBuyCosts)
	return RealizedPnL{
		Gross:  utils.Round2(gross),
		Net:    utils.Round2(net),
		PctNet: utils.Round2(net / cost * 100),
	}
}
