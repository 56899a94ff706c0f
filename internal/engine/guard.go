package engine

import (
	"sync"

	apperrors "mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// Guard keeps at most one order in flight per instrument.
type Guard struct {
	mu       sync.Mutex
	inFlight map[models.Key]bool
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{inFlight: make(map[models.Key]bool)}
}

// Do runs fn unless an order for key is already in flight, in which case
// it returns ErrPendingOrder without calling fn. The key is released when
// fn returns or panics.
func (g *Guard) Do(key models.Key, fn func() error) error {
	g.mu.Lock()
	if g.inFlight[key] {
		g.mu.Unlock()
		return apperrors.Wrapf(apperrors.ErrPendingOrder, "%s: order already in flight", key)
	}
	g.inFlight[key] = true
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.inFlight, key)
		g.mu.Unlock()
	}()
	return fn()
}

// Busy reports whether an order for key is in flight.
func (g *Guard) Busy(key models.Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inFlight[key]
}
