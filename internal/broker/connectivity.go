package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// DefaultProbeInterval is how often an offline process retries the broker.
const DefaultProbeInterval = 15 * time.Second

// Connectivity tracks whether the broker is reachable. Transitions are
// logged once; repeated failures while offline stay quiet.
type Connectivity struct {
	logger        zerolog.Logger
	probeInterval time.Duration
	now           func() time.Time

	mu        sync.Mutex
	offline   bool
	since     time.Time
	lastProbe time.Time
	onChange  []func(offline bool)
}

// NewConnectivity creates a tracker that starts online.
func NewConnectivity(logger zerolog.Logger) *Connectivity {
	return &Connectivity{
		logger:        logger,
		probeInterval: DefaultProbeInterval,
		now:           time.Now,
	}
}

// OnChange registers a callback run after every online/offline transition.
func (c *Connectivity) OnChange(fn func(offline bool)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = append(c.onChange, fn)
}

// MarkOffline records a transport failure.
func (c *Connectivity) MarkOffline(err error) {
	c.mu.Lock()
	if c.offline {
		c.mu.Unlock()
		return
	}
	now := c.now()
	c.offline = true
	c.since = now
	c.lastProbe = now
	callbacks := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	c.logger.Warn().Err(err).Msg("Broker unreachable, pausing trading until connectivity returns")
	for _, fn := range callbacks {
		fn(true)
	}
}

// MarkOnline records a successful response.
func (c *Connectivity) MarkOnline() {
	c.mu.Lock()
	if !c.offline {
		c.mu.Unlock()
		return
	}
	downtime := c.now().Sub(c.since)
	c.offline = false
	c.since = time.Time{}
	callbacks := append([]func(bool){}, c.onChange...)
	c.mu.Unlock()

	c.logger.Info().Dur("downtime", downtime.Round(time.Second)).Msg("Broker reachable again")
	for _, fn := range callbacks {
		fn(false)
	}
}

// Offline reports the flag and when it was raised.
func (c *Connectivity) Offline() (bool, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.offline, c.since
}

// ShouldProbe reports whether a request may go out now. While offline it
// admits one probe per interval.
func (c *Connectivity) ShouldProbe(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.offline {
		return true
	}
	if now.Sub(c.lastProbe) < c.probeInterval {
		return false
	}
	c.lastProbe = now
	return true
}
