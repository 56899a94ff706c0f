package indicators

import (
	"fmt"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// DefaultRSIPeriod is the lookback used for every trading decision.
const DefaultRSIPeriod = 14

// neutralRSI fills series points where price did not move at all.
const neutralRSI = 50

// RSI calculates the Relative Strength Index with Wilder smoothing.
type RSI struct {
	period int
}

// NewRSI creates a new RSI indicator.
func NewRSI(period int) *RSI {
	return &RSI{period: period}
}

func (r *RSI) Name() string {
	return fmt.Sprintf("RSI_%d", r.period)
}

func (r *RSI) Period() int {
	return r.period
}

// Calculate returns one value per candle. Entries before the first full
// period are zero.
func (r *RSI) Calculate(candles []models.Candle) ([]float64, error) {
	series, _, err := rsiSeries(closePrices(candles), r.period)
	return series, err
}

// rsiSeries computes the RSI series over closes. flatLast reports whether
// both averages were zero at the final point.
func rsiSeries(closes []float64, period int) (series []float64, flatLast bool, err error) {
	if period <= 0 {
		return nil, false, ErrInvalidPeriod
	}
	if len(closes) < period+1 {
		return nil, false, ErrInsufficientData
	}

	n := len(closes)
	result := make([]float64, n)
	gains := make([]float64, n)
	losses := make([]float64, n)

	for i := 1; i < n; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains[i] = change
		} else {
			losses[i] = -change
		}
	}

	// First average using SMA
	avgGain := mean(gains[1 : period+1])
	avgLoss := mean(losses[1 : period+1])
	result[period], flatLast = rsiValue(avgGain, avgLoss)

	// Subsequent values using Wilder smoothing
	for i := period + 1; i < n; i++ {
		avgGain = (avgGain*float64(period-1) + gains[i]) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + losses[i]) / float64(period)
		result[i], flatLast = rsiValue(avgGain, avgLoss)
	}

	return result, flatLast, nil
}

func rsiValue(avgGain, avgLoss float64) (float64, bool) {
	switch {
	case avgGain == 0 && avgLoss == 0:
		return neutralRSI, true
	case avgLoss == 0:
		return 100, false
	case avgGain == 0:
		return 0, false
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs)), false
}

// LastRSI returns the final RSI value over closes. A series that ends flat
// yields ErrNoSignal.
func LastRSI(closes []float64, period int) (float64, error) {
	series, flat, err := rsiSeries(closes, period)
	if err != nil {
		return 0, err
	}
	if flat {
		return 0, apperrors.ErrNoSignal
	}
	return series[len(series)-1], nil
}

// LiveRSI substitutes ltp for the last close before computing the final
// value. History up to the previous bar is untouched. A non-positive ltp
// leaves the series as is.
func LiveRSI(closes []float64, ltp float64, period int) (float64, error) {
	if ltp > 0 && len(closes) > 0 {
		live := make([]float64, len(closes))
		copy(live, closes)
		live[len(live)-1] = ltp
		closes = live
	}
	return LastRSI(closes, period)
}
