package indicators

import (
	"sort"

	"mstock-trader/internal/models"
)

// MaxBufferBars is the number of bars a buffer retains.
const MaxBufferBars = 400

// CandleBuffer is a rolling, timestamp-ordered window of bars for one
// instrument and timeframe.
type CandleBuffer struct {
	candles []models.Candle
	max     int
}

// NewCandleBuffer creates an empty buffer retaining at most max bars.
func NewCandleBuffer(max int) *CandleBuffer {
	if max <= 0 {
		max = MaxBufferBars
	}
	return &CandleBuffer{max: max}
}

// Merge folds incoming bars into the buffer. A bar with the same timestamp
// as an existing one replaces it, since the broker revises the forming bar.
// It returns the number of bars that were new.
func (b *CandleBuffer) Merge(incoming []models.Candle) int {
	byTime := make(map[int64]int, len(b.candles)+len(incoming))
	for i, c := range b.candles {
		byTime[c.Timestamp.Unix()] = i
	}

	added := 0
	for _, c := range incoming {
		ts := c.Timestamp.Unix()
		if i, ok := byTime[ts]; ok {
			b.candles[i] = c
			continue
		}
		byTime[ts] = len(b.candles)
		b.candles = append(b.candles, c)
		added++
	}

	sort.SliceStable(b.candles, func(i, j int) bool {
		return b.candles[i].Timestamp.Before(b.candles[j].Timestamp)
	})
	if over := len(b.candles) - b.max; over > 0 {
		b.candles = append([]models.Candle(nil), b.candles[over:]...)
	}
	return added
}

// Len returns the number of bars held.
func (b *CandleBuffer) Len() int {
	return len(b.candles)
}

// Candles returns a copy of the held bars, oldest first.
func (b *CandleBuffer) Candles() []models.Candle {
	return append([]models.Candle(nil), b.candles...)
}

// Closes returns the close prices, oldest first.
func (b *CandleBuffer) Closes() []float64 {
	return closePrices(b.candles)
}
