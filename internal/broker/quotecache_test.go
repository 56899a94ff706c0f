package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// stubGateway answers quotes only; any other call panics on the nil
// embedded interface.
type stubGateway struct {
	Gateway
	calls   atomic.Int32
	release chan struct{}
	ltp     float64
	err     error
}

func (s *stubGateway) Quote(ctx context.Context, key models.Key) (*models.Quote, error) {
	s.calls.Add(1)
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}
	return &models.Quote{Key: key, LTP: s.ltp}, nil
}

func TestQuoteCacheSharesConcurrentFetches(t *testing.T) {
	stub := &stubGateway{release: make(chan struct{}), ltp: 101}
	cache := NewQuoteCache(stub)
	key := models.NewKey("TCS", models.NSE)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := cache.Quote(context.Background(), key)
			assert.NoError(t, err)
			assert.Equal(t, 101.0, q.LTP)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(stub.release)
	wg.Wait()

	assert.Equal(t, int32(1), stub.calls.Load())

	q, ok := cache.Cached(key)
	require.True(t, ok)
	assert.Equal(t, 101.0, q.LTP)
	assert.Equal(t, map[models.Key]float64{key: 101}, cache.LTPs())
}

func TestQuoteCacheResetAndFailures(t *testing.T) {
	stub := &stubGateway{ltp: 50}
	cache := NewQuoteCache(stub)
	key := models.NewKey("SBIN", models.NSE)

	_, err := cache.Quote(context.Background(), key)
	require.NoError(t, err)
	_, err = cache.Quote(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(1), stub.calls.Load())

	cache.Reset()
	_, ok := cache.Cached(key)
	assert.False(t, ok)

	stub.err = apperrors.ErrQuoteUnavailable
	_, err = cache.Quote(context.Background(), key)
	assert.ErrorIs(t, err, apperrors.ErrQuoteUnavailable)
	_, ok = cache.Cached(key)
	assert.False(t, ok)

	stub.err = nil
	_, err = cache.Quote(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, int32(3), stub.calls.Load())
}
