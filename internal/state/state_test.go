package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

func ist(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, utils.IndiaLocation)
}

func openTemp(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bot_state.json")
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	return s, path
}

func TestStopFlagVisibleAcrossInstances(t *testing.T) {
	engine, path := openTemp(t)
	require.NoError(t, engine.MarkStarted(time.Now()))

	cli, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cli.SetStopRequested(true))

	assert.False(t, engine.StopRequested())
	require.NoError(t, engine.SyncExternal())
	assert.True(t, engine.StopRequested())

	// The engine's own writes must not clobber the CLI's flag.
	require.NoError(t, engine.Heartbeat(time.Now()))
	fresh, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.True(t, fresh.StopRequested())
	assert.False(t, fresh.LastHeartbeat().IsZero())
}

func TestFlushLeavesNoTempFiles(t *testing.T) {
	s, path := openTemp(t)
	for i := 0; i < 5; i++ {
		require.NoError(t, s.IncrementTradeCounter(CounterAttempts, ist(2024, 3, 4, 10, i)))
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bot_state.json", entries[0].Name())
}

func TestCountersResetAfterOneAM(t *testing.T) {
	s, _ := openTemp(t)
	day1 := ist(2024, 3, 4, 10, 0)
	require.NoError(t, s.IncrementTradeCounter(CounterAttempts, day1))
	require.NoError(t, s.IncrementTradeCounter(CounterSuccess, day1))
	require.NoError(t, s.IncrementTradeCounter(CounterAttempts, day1))
	require.NoError(t, s.IncrementTradeCounter(CounterFailed, day1))

	c := s.Counters()
	assert.Equal(t, 2, c.Attempts)
	assert.Equal(t, c.Attempts, c.Success+c.Failed)

	reset, err := s.ResetCountersIfDue(ist(2024, 3, 5, 0, 30))
	require.NoError(t, err)
	assert.False(t, reset, "before 01:00 the previous day's counters stay")
	assert.Equal(t, 2, s.Counters().Attempts)

	reset, err = s.ResetCountersIfDue(ist(2024, 3, 5, 1, 0))
	require.NoError(t, err)
	assert.True(t, reset)
	assert.Equal(t, Counters{LastResetDate: "2024-03-05"}, s.Counters())

	reset, err = s.ResetCountersIfDue(ist(2024, 3, 5, 14, 0))
	require.NoError(t, err)
	assert.False(t, reset)
}

func TestHoldingsCacheStaleness(t *testing.T) {
	s, _ := openTemp(t)
	_, ok := s.CachedHoldings(time.Now())
	assert.False(t, ok)

	fetched := ist(2024, 3, 4, 10, 0)
	held := []models.Position{{Key: models.NewKey("TCS", models.NSE), Quantity: 5, AveragePrice: 3500}}
	require.NoError(t, s.CacheHoldings(held, fetched))

	snap, ok := s.CachedHoldings(fetched.Add(10 * time.Minute))
	require.True(t, ok)
	assert.False(t, snap.IsStale)
	assert.InDelta(t, 10, snap.AgeMinutes, 1e-9)
	assert.Equal(t, held, snap.Data)

	snap, _ = s.CachedHoldings(fetched.Add(16 * time.Minute))
	assert.True(t, snap.IsStale)
}

func TestBreakerLatchIsPerDay(t *testing.T) {
	s, path := openTemp(t)
	day1 := ist(2024, 3, 4, 11, 0)
	require.NoError(t, s.SetCircuitBreaker(true, day1))
	assert.True(t, s.BreakerActive(day1.Add(time.Hour)))
	assert.False(t, s.BreakerActive(ist(2024, 3, 5, 9, 20)))

	started, err := s.StartDay(ist(2024, 3, 5, 9, 15), 52000)
	require.NoError(t, err)
	assert.True(t, started)
	assert.False(t, s.CircuitBreaker().Active)
	capital, date := s.DailyStartCapital()
	assert.Equal(t, 52000.0, capital)
	assert.Equal(t, "2024-03-05", date)

	started, err = s.StartDay(ist(2024, 3, 5, 10, 0), 1)
	require.NoError(t, err)
	assert.False(t, started)

	reopened, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	capital, _ = reopened.DailyStartCapital()
	assert.Equal(t, 52000.0, capital)
}

func TestManualBreakerResetPropagates(t *testing.T) {
	engine, path := openTemp(t)
	now := ist(2024, 3, 4, 11, 0)
	require.NoError(t, engine.SetCircuitBreaker(true, now))

	cli, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cli.SetCircuitBreaker(false, now.Add(time.Minute)))

	require.NoError(t, engine.SyncExternal())
	assert.False(t, engine.BreakerActive(now.Add(2*time.Minute)))
}

func TestManagedHoldings(t *testing.T) {
	s, _ := openTemp(t)
	require.NoError(t, s.SetManaged(models.NewKey("tcs", models.NSE), true))
	require.NoError(t, s.SetManaged(models.NewKey("INFY", models.BSE), true))
	require.NoError(t, s.SetManaged(models.NewKey("WIPRO", models.NSE), true))
	require.NoError(t, s.SetManaged(models.NewKey("WIPRO", models.NSE), false))

	assert.Equal(t, []models.Key{
		models.NewKey("INFY", models.BSE),
		models.NewKey("TCS", models.NSE),
	}, s.ManagedHoldings())
}

func TestTokenValidation(t *testing.T) {
	s, _ := openTemp(t)
	now := ist(2024, 3, 4, 9, 0)
	assert.False(t, s.TokenValidatedToday(now))
	require.NoError(t, s.MarkTokenValidated(now))
	assert.True(t, s.TokenValidatedToday(now.Add(5*time.Hour)))
	assert.False(t, s.TokenValidatedToday(now.Add(24*time.Hour)))
}

func TestCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bot_state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))
	s, err := Open(path, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, s.StopRequested())
	require.NoError(t, s.SetStopRequested(true))
	require.NoError(t, s.Reload())
	assert.True(t, s.StopRequested())
}

func TestSummary(t *testing.T) {
	s, _ := openTemp(t)
	start := ist(2024, 3, 4, 9, 0)
	require.NoError(t, s.MarkStarted(start))
	require.NoError(t, s.SaveSnapshot([]models.Position{
		{Key: models.NewKey("TCS", models.NSE), Quantity: 1},
		{Key: models.NewKey("INFY", models.NSE), Quantity: 2},
	}, 51234.5))
	require.NoError(t, s.IncrementTradeCounter(CounterSuccess, start))

	sum := s.Summary(start.Add(90 * time.Minute))
	assert.Equal(t, 2, sum.PositionsCount)
	assert.Equal(t, 51234.5, sum.PortfolioValue)
	assert.Equal(t, 1, sum.TradesToday)
	assert.Equal(t, 90*time.Minute, sum.Uptime)
	assert.False(t, sum.CircuitBreaker)
}
