package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, utils.IndiaLocation)
}

func TestCandleWindow(t *testing.T) {
	now := ist(2024, 3, 5, 10, 37)

	tests := []struct {
		name     string
		tf       models.Timeframe
		days     int
		wantFrom time.Time
		wantTo   time.Time
	}{
		{"15 minute bars", models.TF15m, 2, ist(2024, 3, 3, 9, 15), ist(2024, 3, 5, 10, 30)},
		{"1 minute bars", models.TF1m, 1, ist(2024, 3, 4, 9, 15), ist(2024, 3, 5, 10, 37)},
		{"daily bars floor to the hour", models.TF1d, 30, ist(2024, 2, 4, 9, 15), ist(2024, 3, 5, 10, 0)},
		{"zero lookback means one day", models.TF5m, 0, ist(2024, 3, 4, 9, 15), ist(2024, 3, 5, 10, 35)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			from, to := CandleWindow(now, tt.tf, tt.days)
			assert.True(t, from.Equal(tt.wantFrom), "from = %s", from)
			assert.True(t, to.Equal(tt.wantTo), "to = %s", to)
		})
	}
}

func TestFilterSession(t *testing.T) {
	candles := []models.Candle{
		{Timestamp: ist(2024, 3, 5, 9, 0)},
		{Timestamp: ist(2024, 3, 5, 9, 15)},
		{Timestamp: ist(2024, 3, 5, 15, 30)},
		{Timestamp: ist(2024, 3, 5, 15, 45)},
	}

	daily := FilterSession(append([]models.Candle(nil), candles...), models.TF1d)
	assert.Len(t, daily, 4)

	intraday := FilterSession(candles, models.TF5m)
	assert.Len(t, intraday, 2)
	assert.True(t, intraday[0].Timestamp.Equal(ist(2024, 3, 5, 9, 15)))
	assert.True(t, intraday[1].Timestamp.Equal(ist(2024, 3, 5, 15, 30)))
}
