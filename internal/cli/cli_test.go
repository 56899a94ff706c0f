package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstock-trader/internal/models"
	"mstock-trader/internal/state"
	"mstock-trader/internal/store"
)

type workspace struct {
	dir      string
	settings string
}

func newWorkspace(t *testing.T) *workspace {
	t.Helper()
	dir := t.TempDir()
	w := &workspace{dir: dir, settings: filepath.Join(dir, "settings.json")}
	content := fmt.Sprintf(`{
  "capital": {"allocated_limit": 100000, "per_trade_pct": 10},
  "app_settings": {
    "paper_trading_mode": true,
    "log_file": %q,
    "state_file": %q,
    "db_path": %q,
    "config_table": %q
  }
}`, w.path("logs/bot.log"), w.path("bot_state.json"), w.path("database/trades.db"), w.path("config_table.csv"))
	require.NoError(t, os.WriteFile(w.settings, []byte(content), 0600))
	return w
}

func (w *workspace) path(name string) string {
	return filepath.Join(w.dir, filepath.FromSlash(name))
}

func (w *workspace) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := NewRootCmd("test")
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--settings", w.settings}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func (w *workspace) state(t *testing.T) *state.Store {
	t.Helper()
	st, err := state.Open(w.path("bot_state.json"), zerolog.Nop())
	require.NoError(t, err)
	return st
}

func TestStopThenResume(t *testing.T) {
	w := newWorkspace(t)

	out, err := w.run(t, "stop")
	require.NoError(t, err)
	assert.Contains(t, out, "Stop requested")
	assert.True(t, w.state(t).StopRequested())

	require.NoError(t, w.state(t).SetCircuitBreaker(true, time.Now()))

	out, err = w.run(t, "resume", "--reset-breaker", "--json")
	require.NoError(t, err)
	var res map[string]bool
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res["stop_requested"])
	assert.True(t, res["breaker_reset"])
	assert.False(t, res["running"])

	st := w.state(t)
	assert.False(t, st.StopRequested())
	assert.False(t, st.BreakerActive(time.Now()))
}

func TestManageToggle(t *testing.T) {
	w := newWorkspace(t)

	_, err := w.run(t, "manage", "infy")
	require.NoError(t, err)
	_, err = w.run(t, "manage", "BSE:TCS")
	require.NoError(t, err)

	out, err := w.run(t, "manage", "--json")
	require.NoError(t, err)
	var keys []models.Key
	require.NoError(t, json.Unmarshal([]byte(out), &keys))
	assert.ElementsMatch(t, []models.Key{
		models.NewKey("INFY", models.NSE),
		models.NewKey("TCS", models.BSE),
	}, keys)

	_, err = w.run(t, "manage", "INFY", "--off")
	require.NoError(t, err)
	assert.Equal(t, []models.Key{models.NewKey("TCS", models.BSE)}, w.state(t).ManagedHoldings())
}

func TestTradesListsAndExports(t *testing.T) {
	w := newWorkspace(t)
	db, err := store.NewSQLiteStore(w.path("database/trades.db"))
	require.NoError(t, err)
	ctx := context.Background()
	buy := &models.TradeRecord{
		Timestamp: time.Now().Add(-time.Hour),
		Symbol:    "INFY",
		Exchange:  models.NSE,
		Action:    models.OrderSideBuy,
		Quantity:  10,
		Price:     1500,
		Broker:    models.BrokerPaper,
		Source:    models.TradeSourcePaper,
		Reason:    "RSI oversold",
	}
	sell := &models.TradeRecord{
		Timestamp: time.Now(),
		Symbol:    "INFY",
		Exchange:  models.NSE,
		Action:    models.OrderSideSell,
		Quantity:  10,
		Price:     1600,
		Broker:    models.BrokerPaper,
		Source:    models.TradeSourcePaper,
		Reason:    "RSI overbought",
		PnLGross:  1000,
		PnLNet:    960,
	}
	_, err = db.Insert(ctx, buy)
	require.NoError(t, err)
	_, err = db.Insert(ctx, sell)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, err := w.run(t, "trades", "--json")
	require.NoError(t, err)
	var rows []models.TradeRecord
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, models.OrderSideSell, rows[0].Action)
	assert.InDelta(t, 960, rows[0].PnLNet, 0.001)

	out, err = w.run(t, "trades", "--symbol", "tcs", "--json")
	require.NoError(t, err)
	var none []models.TradeRecord
	require.NoError(t, json.Unmarshal([]byte(out), &none))
	assert.Empty(t, none)

	csvPath := w.path("export.csv")
	_, err = w.run(t, "trades", "--csv", csvPath)
	require.NoError(t, err)
	data, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "INFY")

	out, err = w.run(t, "performance", "--json")
	require.NoError(t, err)
	var perf models.PerformanceSummary
	require.NoError(t, json.Unmarshal([]byte(out), &perf))
	assert.Equal(t, 1, perf.TotalTrades)
	assert.Equal(t, 1, perf.WinningTrades)
}

func TestStatusReportsFlags(t *testing.T) {
	w := newWorkspace(t)
	require.NoError(t, w.state(t).SetStopRequested(true))

	out, err := w.run(t, "status", "--json")
	require.NoError(t, err)
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "PAPER", view.Mode)
	assert.True(t, view.StopRequested)
	assert.False(t, view.CircuitBreaker)
}

func TestPanicRequiresConfirmation(t *testing.T) {
	w := newWorkspace(t)
	_, err := w.run(t, "panic")
	assert.Error(t, err)
	assert.False(t, w.state(t).StopRequested())
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want string
	}{
		{42 * time.Second, "42s"},
		{5*time.Minute + 3*time.Second, "5m 3s"},
		{2*time.Hour + 15*time.Minute, "2h 15m"},
		{50 * time.Hour, "2d 2h"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.in))
	}
}

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "short", TruncateString("short", 10))
	assert.Equal(t, "stop lo...", TruncateString("stop loss hit at 5%", 10))
	assert.Equal(t, "ab", TruncateString("abcdef", 2))
	assert.Equal(t, "-", FormatDateTime(time.Time{}))
}
