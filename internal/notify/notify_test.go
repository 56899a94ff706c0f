package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mstock-trader/internal/config"
	"mstock-trader/internal/models"
)

type recordingChannel struct {
	mu   sync.Mutex
	sent []Notification
}

func (r *recordingChannel) Name() string    { return "recording" }
func (r *recordingChannel) IsEnabled() bool { return true }

func (r *recordingChannel) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingChannel) types() []NotificationType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []NotificationType
	for _, n := range r.sent {
		out = append(out, n.Type)
	}
	return out
}

func fastNotifier(level string) *MultiNotifier {
	mn := NewMultiNotifier(config.NotificationSettings{Level: level}, zerolog.Nop())
	mn.retry.InitialDelay = time.Millisecond
	mn.retry.MaxDelay = time.Millisecond
	return mn
}

func sellRecord() *models.TradeRecord {
	return &models.TradeRecord{
		Symbol: "RELIANCE", Exchange: models.NSE, Action: models.OrderSideSell,
		Quantity: 10, Price: 2600, Gross: 26000, Fees: models.Fees{Total: 48.2},
		Reason: "RSI Sell", Strategy: "TRADE", Broker: "MSTOCK", RSI: 72.4,
		PnLNet: 880.5, PnLPctNet: 3.5,
	}
}

func TestLevelFilter(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		level string
		want  []NotificationType
	}{
		{"all", []NotificationType{NotificationTrade, NotificationRisk, NotificationAuth, NotificationHeartbeat, NotificationError}},
		{"trades_only", []NotificationType{NotificationTrade, NotificationRisk}},
		{"errors_only", []NotificationType{NotificationAuth, NotificationError}},
		{"", []NotificationType{NotificationTrade, NotificationRisk, NotificationAuth, NotificationHeartbeat, NotificationError}},
	}
	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			mn := fastNotifier(tt.level)
			ch := &recordingChannel{}
			mn.AddChannel(ch)

			require.NoError(t, mn.SendTrade(ctx, sellRecord()))
			require.NoError(t, mn.SendRiskExit(ctx, "stop_loss", sellRecord()))
			require.NoError(t, mn.SendAuthRequired(ctx, nil))
			require.NoError(t, mn.SendHeartbeat(ctx, Heartbeat{Positions: 2}))
			require.NoError(t, mn.SendError(ctx, assert.AnError, "cycle"))

			assert.Equal(t, tt.want, ch.types())
		})
	}
}

func TestTradeMessageCarriesPnL(t *testing.T) {
	mn := fastNotifier("all")
	ch := &recordingChannel{}
	mn.AddChannel(ch)

	rec := sellRecord()
	rec.Broker = models.BrokerPaper
	require.NoError(t, mn.SendTrade(context.Background(), rec))

	require.Len(t, ch.sent, 1)
	n := ch.sent[0]
	assert.Contains(t, n.Title, "[PAPER] SELL RELIANCE")
	assert.Contains(t, n.Message, "NSE:RELIANCE")
	assert.Contains(t, n.Message, "+₹880.50")
	assert.Contains(t, n.Message, "RSI: 72.4")
	assert.Equal(t, true, n.Data["paper"])
	assert.False(t, n.Timestamp.IsZero())
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	mn := fastNotifier("all")
	mn.AddChannel(NewWebhookNotifier(config.WebhookSettings{Enabled: true, URL: srv.URL}))

	require.NoError(t, mn.SendCircuitBreaker(context.Background(), -10.4, 10))
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "circuit_breaker", got["type"])
	assert.Contains(t, got["message"], "-10.40%")
}

func TestWebhookClientErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	mn := fastNotifier("all")
	ch := &recordingChannel{}
	mn.AddChannel(NewWebhookNotifier(config.WebhookSettings{Enabled: true, URL: srv.URL}))
	mn.AddChannel(ch)

	err := mn.SendLifecycle(context.Background(), true, "paper mode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook")
	assert.Equal(t, int32(1), calls.Load())
	assert.Len(t, ch.sent, 1, "a failing channel must not block the others")
}

func TestTelegramSend(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botBOT123/sendMessage", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	tg := NewTelegramNotifier(config.TelegramSettings{Enabled: true, BotToken: "BOT123", ChatID: "42"})
	tg.apiBase = srv.URL
	require.True(t, tg.IsEnabled())

	err := tg.Send(context.Background(), Notification{Title: "P&L <today>", Message: "a & b"})
	require.NoError(t, err)
	assert.Equal(t, "42", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	assert.True(t, strings.HasPrefix(body["text"].(string), "<b>P&amp;L &lt;today&gt;</b>"))
}

func TestDisabledSettingsAddNoChannels(t *testing.T) {
	mn := NewMultiNotifier(config.NotificationSettings{
		Enabled:  false,
		Telegram: config.TelegramSettings{Enabled: true, BotToken: "x", ChatID: "y"},
	}, zerolog.Nop())
	assert.Empty(t, mn.channels)

	tg := NewTelegramNotifier(config.TelegramSettings{Enabled: true})
	assert.False(t, tg.IsEnabled())
}

func TestDailySummaryWinRate(t *testing.T) {
	s := &DailySummary{WinningTrades: 3, LosingTrades: 1}
	assert.Equal(t, 75.0, s.WinRate())
	assert.Zero(t, (&DailySummary{}).WinRate())
}
