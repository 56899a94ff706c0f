package indicators

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

type fakeSource struct {
	bars     []models.Candle
	err      error
	lookback []int
}

func (f *fakeSource) Candles(_ context.Context, _ models.Key, _ models.Timeframe, days int) ([]models.Candle, error) {
	f.lookback = append(f.lookback, days)
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.Candle(nil), f.bars...), nil
}

func bars(closes ...float64) []models.Candle {
	base := time.Date(2024, 3, 4, 3, 45, 0, 0, time.UTC)
	out := make([]models.Candle, len(closes))
	for i, c := range closes {
		out[i] = models.Candle{Timestamp: base.Add(time.Duration(i) * 15 * time.Minute), Open: c, High: c, Low: c, Close: c}
	}
	return out
}

func TestWilderSmoothingKnownValues(t *testing.T) {
	series, flat, err := rsiSeries([]float64{1, 2, 1, 2}, 2)
	require.NoError(t, err)
	assert.False(t, flat)
	assert.Equal(t, []float64{0, 0, 50, 75}, series)
}

func TestRSIEdgeCases(t *testing.T) {
	_, err := LastRSI([]float64{1, 2, 3}, 14)
	assert.ErrorIs(t, err, ErrInsufficientData)

	_, err = LastRSI([]float64{1, 2}, 0)
	assert.ErrorIs(t, err, ErrInvalidPeriod)

	flat := make([]float64, 20)
	for i := range flat {
		flat[i] = 100
	}
	_, err = LastRSI(flat, 14)
	assert.ErrorIs(t, err, apperrors.ErrNoSignal)

	// A live price off a flat series is a signal again.
	v, err := LiveRSI(flat, 101, 14)
	require.NoError(t, err)
	assert.Equal(t, 100.0, v)
}

func TestEngineSeedsThenTopsUp(t *testing.T) {
	closes := make([]float64, 250)
	for i := range closes {
		closes[i] = 100 + float64(i%7)
	}
	src := &fakeSource{bars: bars(closes...)}
	eng := NewEngine(src)
	key := models.NewKey("TCS", models.NSE)

	_, err := eng.RSI(context.Background(), key, models.TF15m, 0)
	require.NoError(t, err)
	_, err = eng.RSI(context.Background(), key, models.TF15m, 0)
	require.NoError(t, err)

	assert.Equal(t, []int{models.TF15m.SeedLookbackDays(), TopUpDays}, src.lookback)
	assert.Equal(t, 250, eng.BufferLen(key, models.TF15m))
}

func TestEngineShortHistoryIsNoSignalAndReseeds(t *testing.T) {
	src := &fakeSource{bars: bars(1, 2, 3, 4, 5)}
	eng := NewEngine(src)
	key := models.NewKey("NEWIPO", models.NSE)

	_, err := eng.RSI(context.Background(), key, models.TF5m, 6)
	assert.ErrorIs(t, err, apperrors.ErrNoSignal)
	assert.Zero(t, eng.BufferLen(key, models.TF5m))

	_, err = eng.RSI(context.Background(), key, models.TF5m, 6)
	assert.ErrorIs(t, err, apperrors.ErrNoSignal)
	assert.Equal(t, []int{models.TF5m.SeedLookbackDays(), models.TF5m.SeedLookbackDays()}, src.lookback)
}

func TestEngineTopUpFailureKeepsBuffer(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 200 - float64(i)
	}
	src := &fakeSource{bars: bars(closes...)}
	eng := NewEngine(src)
	key := models.NewKey("INFY", models.BSE)

	first, err := eng.RSI(context.Background(), key, models.TF1h, 0)
	require.NoError(t, err)
	assert.Equal(t, 0.0, first)

	src.err = errors.New("timeout")
	again, err := eng.RSI(context.Background(), key, models.TF1h, 0)
	require.NoError(t, err)
	assert.Equal(t, first, again)
}

func TestEngineSeedFailureSurfaces(t *testing.T) {
	src := &fakeSource{err: apperrors.ErrOffline}
	eng := NewEngine(src)
	_, err := eng.RSI(context.Background(), models.NewKey("SBIN", models.NSE), models.TF15m, 500)
	assert.ErrorIs(t, err, apperrors.ErrOffline)
}

func TestCandleBufferDedupesAndCaps(t *testing.T) {
	buf := NewCandleBuffer(5)
	assert.Equal(t, 4, buf.Merge(bars(1, 2, 3, 4)))

	revised := bars(1, 2, 3, 9, 10, 11)
	assert.Equal(t, 2, buf.Merge(revised))

	assert.Equal(t, 5, buf.Len())
	assert.Equal(t, []float64{2, 3, 9, 10, 11}, buf.Closes())
}
