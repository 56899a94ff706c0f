// Package state persists the engine's small runtime state (stop flag,
// breaker latch, counters, holdings cache) in a JSON file that other
// processes such as the CLI can read and edit.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mstock-trader/internal/errors"
	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// DefaultFile is the state file name used when settings leave it empty.
const DefaultFile = "bot_state.json"

// HoldingsStaleAfter is the age past which cached holdings are reported stale.
const HoldingsStaleAfter = 15 * time.Minute

// counterResetHour is the IST hour after which counters roll to a new day.
const counterResetHour = 1

// CounterKind names a trade counter.
type CounterKind string

const (
	CounterAttempts CounterKind = "attempts"
	CounterSuccess  CounterKind = "success"
	CounterFailed   CounterKind = "failed"
)

// Counters tracks order attempts for the current day.
type Counters struct {
	Attempts      int    `json:"attempts"`
	Success       int    `json:"success"`
	Failed        int    `json:"failed"`
	LastResetDate string `json:"last_reset_date"`
}

// CircuitBreaker is the daily loss latch.
type CircuitBreaker struct {
	Active    bool      `json:"active"`
	Date      string    `json:"date,omitempty"`
	TrippedAt time.Time `json:"tripped_at,omitempty"`
	ResetAt   time.Time `json:"reset_at,omitempty"`
}

type holdingsCache struct {
	Data      []models.Position `json:"data"`
	FetchedAt time.Time         `json:"fetched_at"`
}

// HoldingsSnapshot is a read of the holdings cache.
type HoldingsSnapshot struct {
	Data       []models.Position
	FetchedAt  time.Time
	IsStale    bool
	AgeMinutes float64
}

type tokenValidation struct {
	LastValidated time.Time `json:"last_validated,omitempty"`
	Date          string    `json:"date,omitempty"`
}

// document is the on-disk layout of bot_state.json.
type document struct {
	StopRequested     bool              `json:"stop_requested"`
	StopChangedAt     time.Time         `json:"stop_changed_at,omitempty"`
	CircuitBreaker    CircuitBreaker    `json:"circuit_breaker"`
	DailyStartCapital float64           `json:"daily_start_capital"`
	TradingDate       string            `json:"trading_date,omitempty"`
	TradeCounters     Counters          `json:"trade_counters"`
	ManagedHoldings   map[string]bool   `json:"managed_holdings"`
	HoldingsCache     *holdingsCache    `json:"broker_holdings_cache,omitempty"`
	TokenValidation   tokenValidation   `json:"token_validation"`
	Positions         []models.Position `json:"positions"`
	PortfolioValue    float64           `json:"portfolio_value"`
	TotalTradesToday  int               `json:"total_trades_today"`
	BotStartedAt      time.Time         `json:"bot_started_at,omitempty"`
	LastUpdate        time.Time         `json:"last_update,omitempty"`
	LastHeartbeat     time.Time         `json:"last_heartbeat,omitempty"`
	LastSummaryDate   string            `json:"last_summary_date,omitempty"`
}

// Summary is the status view printed by the CLI and the heartbeat.
type Summary struct {
	PositionsCount int
	PortfolioValue float64
	CircuitBreaker bool
	StopRequested  bool
	TradesToday    int
	Counters       Counters
	LastUpdate     time.Time
	Uptime         time.Duration
}

// Store is the process-local mirror of the state file. Every mutation is
// flushed atomically; a failed flush leaves the mirror authoritative and
// the next successful flush catches the file up.
type Store struct {
	path   string
	logger zerolog.Logger

	mu  sync.RWMutex
	doc document
}

// Open loads path, starting from an empty document when the file is
// missing or unreadable.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if path == "" {
		path = DefaultFile
	}
	s := &Store{
		path:   path,
		logger: logger.With().Str("component", "state").Logger(),
		doc:    emptyDocument(),
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create state directory: %w", err)
		}
	}
	if err := s.Reload(); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("State file unreadable, starting fresh")
	}
	return s, nil
}

func emptyDocument() document {
	return document{ManagedHoldings: make(map[string]bool)}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Reload replaces the mirror with the file contents. A missing file is not
// an error.
func (s *Store) Reload() error {
	doc, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *Store) read() (document, error) {
	doc := emptyDocument()
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return doc, nil
	}
	if err != nil {
		return doc, fmt.Errorf("failed to read state: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return emptyDocument(), fmt.Errorf("failed to parse state: %w", err)
	}
	if doc.ManagedHoldings == nil {
		doc.ManagedHoldings = make(map[string]bool)
	}
	return doc, nil
}

// SyncExternal pulls the fields other processes are allowed to change
// (stop flag, managed toggles, manual breaker reset) from disk without
// discarding anything the engine owns.
func (s *Store) SyncExternal() error {
	disk, err := s.read()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if disk.StopChangedAt.After(s.doc.StopChangedAt) || disk.StopChangedAt.Equal(s.doc.StopChangedAt) {
		s.doc.StopRequested = disk.StopRequested
		s.doc.StopChangedAt = disk.StopChangedAt
	}
	s.doc.ManagedHoldings = disk.ManagedHoldings
	if disk.CircuitBreaker.ResetAt.After(s.doc.CircuitBreaker.ResetAt) {
		s.doc.CircuitBreaker = disk.CircuitBreaker
	}
	return nil
}

// mutate applies fn under the write lock and flushes the result.
func (s *Store) mutate(fn func(d *document)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.doc)
	s.doc.LastUpdate = time.Now().UTC()
	if err := s.flushLocked(); err != nil {
		s.logger.Warn().Err(err).Msg("State flush failed, keeping in-memory copy")
		return fmt.Errorf("%w: %v", errors.ErrStateFlush, err)
	}
	return nil
}

// flushLocked writes the mirror to a temp file in the same directory,
// syncs it and renames it over the target.
func (s *Store) flushLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}

// SetStopRequested raises or clears the stop flag.
func (s *Store) SetStopRequested(stop bool) error {
	return s.mutate(func(d *document) {
		d.StopRequested = stop
		d.StopChangedAt = time.Now().UTC()
	})
}

// StopRequested reports the mirrored stop flag.
func (s *Store) StopRequested() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.StopRequested
}

// SetCircuitBreaker latches or clears the daily breaker at now.
func (s *Store) SetCircuitBreaker(active bool, now time.Time) error {
	return s.mutate(func(d *document) {
		d.CircuitBreaker.Active = active
		d.CircuitBreaker.Date = utils.DateKey(now)
		if active {
			d.CircuitBreaker.TrippedAt = now.UTC()
		} else {
			d.CircuitBreaker.ResetAt = now.UTC()
		}
	})
}

// CircuitBreaker returns the breaker latch.
func (s *Store) CircuitBreaker() CircuitBreaker {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.CircuitBreaker
}

// BreakerActive reports whether the breaker is latched for the trading day
// containing now. A latch from an earlier day does not count.
func (s *Store) BreakerActive(now time.Time) bool {
	cb := s.CircuitBreaker()
	return cb.Active && cb.Date == utils.DateKey(now)
}

// StartDay records the day's opening capital the first time it is called
// on a new IST date, clearing the previous day's breaker and trade count.
// It reports whether a new day was started.
func (s *Store) StartDay(now time.Time, capital float64) (bool, error) {
	today := utils.DateKey(now)
	s.mu.RLock()
	same := s.doc.TradingDate == today
	s.mu.RUnlock()
	if same {
		return false, nil
	}
	err := s.mutate(func(d *document) {
		d.TradingDate = today
		d.DailyStartCapital = capital
		d.TotalTradesToday = 0
		if d.CircuitBreaker.Date != today {
			d.CircuitBreaker.Active = false
		}
	})
	return true, err
}

// DailyStartCapital returns the opening capital and the date it was taken.
func (s *Store) DailyStartCapital() (float64, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.DailyStartCapital, s.doc.TradingDate
}

// CacheHoldings stores a broker holdings snapshot fetched at now.
func (s *Store) CacheHoldings(positions []models.Position, now time.Time) error {
	data := append([]models.Position(nil), positions...)
	return s.mutate(func(d *document) {
		d.HoldingsCache = &holdingsCache{Data: data, FetchedAt: now.UTC()}
	})
}

// CachedHoldings returns the last holdings snapshot. ok is false when
// nothing has been cached.
func (s *Store) CachedHoldings(now time.Time) (HoldingsSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.doc.HoldingsCache
	if c == nil {
		return HoldingsSnapshot{}, false
	}
	age := now.Sub(c.FetchedAt)
	return HoldingsSnapshot{
		Data:       append([]models.Position(nil), c.Data...),
		FetchedAt:  c.FetchedAt,
		IsStale:    age > HoldingsStaleAfter,
		AgeMinutes: age.Minutes(),
	}, true
}

// MarkTokenValidated records a successful session check at now.
func (s *Store) MarkTokenValidated(now time.Time) error {
	return s.mutate(func(d *document) {
		d.TokenValidation = tokenValidation{LastValidated: now.UTC(), Date: utils.DateKey(now)}
	})
}

// TokenValidatedToday reports whether the session was validated on the IST
// date of now.
func (s *Store) TokenValidatedToday(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.TokenValidation.Date == utils.DateKey(now)
}

// counterResetDue must be called with the lock held.
func counterResetDue(d *document, now time.Time) bool {
	local := utils.IST(now)
	return local.Hour() >= counterResetHour && d.TradeCounters.LastResetDate != utils.DateKey(now)
}

// ResetCountersIfDue zeroes the counters once per IST day, after 01:00.
func (s *Store) ResetCountersIfDue(now time.Time) (bool, error) {
	s.mu.RLock()
	due := counterResetDue(&s.doc, now)
	s.mu.RUnlock()
	if !due {
		return false, nil
	}
	err := s.mutate(func(d *document) {
		if counterResetDue(d, now) {
			d.TradeCounters = Counters{LastResetDate: utils.DateKey(now)}
		}
	})
	return true, err
}

// IncrementTradeCounter bumps one counter, rolling the day first if due.
func (s *Store) IncrementTradeCounter(kind CounterKind, now time.Time) error {
	return s.mutate(func(d *document) {
		if counterResetDue(d, now) {
			d.TradeCounters = Counters{LastResetDate: utils.DateKey(now)}
		}
		switch kind {
		case CounterAttempts:
			d.TradeCounters.Attempts++
		case CounterSuccess:
			d.TradeCounters.Success++
			d.TotalTradesToday++
		case CounterFailed:
			d.TradeCounters.Failed++
		}
	})
}

// Counters returns the current counters.
func (s *Store) Counters() Counters {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.TradeCounters
}

// SetManaged toggles Butler management for key.
func (s *Store) SetManaged(key models.Key, managed bool) error {
	return s.mutate(func(d *document) {
		if managed {
			d.ManagedHoldings[key.String()] = true
		} else {
			delete(d.ManagedHoldings, key.String())
		}
	})
}

// ManagedHoldings returns the keys toggled on, sorted. Malformed entries
// are skipped.
func (s *Store) ManagedHoldings() []models.Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]models.Key, 0, len(s.doc.ManagedHoldings))
	for raw, on := range s.doc.ManagedHoldings {
		if !on {
			continue
		}
		k, err := models.ParseKey(raw)
		if err != nil {
			s.logger.Warn().Str("entry", raw).Msg("Ignoring managed holding without exchange")
			continue
		}
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// SaveSnapshot stores the end-of-cycle portfolio view.
func (s *Store) SaveSnapshot(positions []models.Position, portfolioValue float64) error {
	data := append([]models.Position(nil), positions...)
	return s.mutate(func(d *document) {
		d.Positions = data
		d.PortfolioValue = portfolioValue
	})
}

// MarkStarted records the engine start time.
func (s *Store) MarkStarted(now time.Time) error {
	return s.mutate(func(d *document) { d.BotStartedAt = now.UTC() })
}

// Heartbeat records liveness at now.
func (s *Store) Heartbeat(now time.Time) error {
	return s.mutate(func(d *document) { d.LastHeartbeat = now.UTC() })
}

// LastHeartbeat returns the last recorded heartbeat.
func (s *Store) LastHeartbeat() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastHeartbeat
}

// LastSummaryDate returns the IST date of the last end-of-day summary.
func (s *Store) LastSummaryDate() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.LastSummaryDate
}

// SetLastSummaryDate records that the summary for now's date was sent.
func (s *Store) SetLastSummaryDate(now time.Time) error {
	return s.mutate(func(d *document) { d.LastSummaryDate = utils.DateKey(now) })
}

// Summary returns the status view at now.
func (s *Store) Summary(now time.Time) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sum := Summary{
		PositionsCount: len(s.doc.Positions),
		PortfolioValue: s.doc.PortfolioValue,
		CircuitBreaker: s.doc.CircuitBreaker.Active && s.doc.CircuitBreaker.Date == utils.DateKey(now),
		StopRequested:  s.doc.StopRequested,
		TradesToday:    s.doc.TotalTradesToday,
		Counters:       s.doc.TradeCounters,
		LastUpdate:     s.doc.LastUpdate,
	}
	if !s.doc.BotStartedAt.IsZero() {
		sum.Uptime = now.Sub(s.doc.BotStartedAt)
	}
	return sum
}
