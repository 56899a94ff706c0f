// Package indicators computes RSI over per-instrument rolling candle buffers.
package indicators

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// TopUpDays is the window fetched on every call once a buffer is seeded.
const TopUpDays = 2

// CandleSource fetches historical bars. The broker gateway satisfies it.
type CandleSource interface {
	Candles(ctx context.Context, key models.Key, tf models.Timeframe, lookbackDays int) ([]models.Candle, error)
}

type bufferKey struct {
	key models.Key
	tf  models.Timeframe
}

// Engine owns the candle buffers. An empty buffer is warmed up with the
// timeframe's seed window; afterwards each call only tops it up.
type Engine struct {
	source  CandleSource
	period  int
	maxBars int
	logger  zerolog.Logger

	mu      sync.Mutex
	buffers map[bufferKey]*CandleBuffer
}

// Option configures an Engine.
type Option func(*Engine)

// WithPeriod overrides the RSI period.
func WithPeriod(period int) Option {
	return func(e *Engine) { e.period = period }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// NewEngine creates an engine reading bars from source.
func NewEngine(source CandleSource, opts ...Option) *Engine {
	e := &Engine{
		source:  source,
		period:  DefaultRSIPeriod,
		maxBars: MaxBufferBars,
		logger:  zerolog.Nop(),
		buffers: make(map[bufferKey]*CandleBuffer),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RSI returns the live RSI for key on tf, substituting ltp for the forming
// bar's close when ltp is positive. Too little history yields ErrNoSignal.
func (e *Engine) RSI(ctx context.Context, key models.Key, tf models.Timeframe, ltp float64) (float64, error) {
	buf, err := e.refresh(ctx, key, tf)
	if err != nil {
		return 0, err
	}
	value, err := LiveRSI(buf.Closes(), ltp, e.period)
	if apperrors.Is(err, ErrInsufficientData) {
		return 0, apperrors.ErrNoSignal
	}
	return value, err
}

// Candles returns the bars the next RSI computation would use.
func (e *Engine) Candles(ctx context.Context, key models.Key, tf models.Timeframe) ([]models.Candle, error) {
	buf, err := e.refresh(ctx, key, tf)
	if err != nil {
		return nil, err
	}
	return buf.Candles(), nil
}

// refresh seeds the buffer on first use and tops it up afterwards. A
// buffer still too short after seeding is dropped so the next call
// reseeds from scratch.
func (e *Engine) refresh(ctx context.Context, key models.Key, tf models.Timeframe) (*CandleBuffer, error) {
	bk := bufferKey{key: key, tf: tf}

	e.mu.Lock()
	buf, ok := e.buffers[bk]
	e.mu.Unlock()

	if !ok {
		candles, err := e.source.Candles(ctx, key, tf, tf.SeedLookbackDays())
		if err != nil {
			return nil, fmt.Errorf("seeding %s %s candles: %w", key, tf, err)
		}
		buf = NewCandleBuffer(e.maxBars)
		buf.Merge(candles)
		e.logger.Debug().
			Str("instrument", key.String()).
			Str("timeframe", string(tf)).
			Int("bars", buf.Len()).
			Msg("Seeded candle buffer")
	} else {
		candles, err := e.source.Candles(ctx, key, tf, TopUpDays)
		if err != nil {
			// Stale history is still usable; the live price keeps the last bar current.
			e.logger.Warn().Err(err).Str("instrument", key.String()).Msg("Candle top-up failed")
		} else {
			buf.Merge(candles)
		}
	}

	if buf.Len() < e.period+1 {
		e.mu.Lock()
		delete(e.buffers, bk)
		e.mu.Unlock()
		return nil, apperrors.Wrapf(apperrors.ErrNoSignal, "%s %s: %d bars", key, tf, buf.Len())
	}

	e.mu.Lock()
	e.buffers[bk] = buf
	e.mu.Unlock()
	return buf, nil
}

// BufferLen reports how many bars are held for key on tf.
func (e *Engine) BufferLen(key models.Key, tf models.Timeframe) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if buf, ok := e.buffers[bufferKey{key: key, tf: tf}]; ok {
		return buf.Len()
	}
	return 0
}

// Forget drops every buffer held for key.
func (e *Engine) Forget(key models.Key) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for bk := range e.buffers {
		if bk.key == key {
			delete(e.buffers, bk)
		}
	}
}
