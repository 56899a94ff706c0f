package broker

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"mstock-trader/internal/models"
)

// QuoteCache memoises quotes for one cycle. Concurrent callers for the
// same instrument share a single round-trip. Failures are not cached.
type QuoteCache struct {
	Gateway

	group singleflight.Group

	mu         sync.Mutex
	generation uint64
	quotes     map[string]models.Quote
}

// NewQuoteCache wraps gw.
func NewQuoteCache(gw Gateway) *QuoteCache {
	return &QuoteCache{
		Gateway: gw,
		quotes:  make(map[string]models.Quote),
	}
}

// Quote returns the cycle's quote for key, fetching it on first use.
func (c *QuoteCache) Quote(ctx context.Context, key models.Key) (*models.Quote, error) {
	id := key.String()

	c.mu.Lock()
	if q, ok := c.quotes[id]; ok {
		c.mu.Unlock()
		return &q, nil
	}
	gen := c.generation
	c.mu.Unlock()

	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		q, err := c.Gateway.Quote(ctx, key)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		// A Reset during the fetch belongs to the next cycle.
		if c.generation == gen {
			c.quotes[id] = *q
		}
		c.mu.Unlock()
		return *q, nil
	})
	if err != nil {
		return nil, err
	}
	q := v.(models.Quote)
	return &q, nil
}

// Cached returns a quote already fetched this cycle.
func (c *QuoteCache) Cached(key models.Key) (models.Quote, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.quotes[key.String()]
	return q, ok
}

// LTPs returns the last price of every cached quote.
func (c *QuoteCache) LTPs() map[models.Key]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[models.Key]float64, len(c.quotes))
	for _, q := range c.quotes {
		out[q.Key] = q.LTP
	}
	return out
}

// Reset drops every cached quote. Called at the top of each cycle.
func (c *QuoteCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	c.quotes = make(map[string]models.Quote)
}
