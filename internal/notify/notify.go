// Package notify provides notification functionality for the trading engine.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"mstock-trader/internal/config"
	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
	SendTrade(ctx context.Context, trade *models.TradeRecord) error
	SendRiskExit(ctx context.Context, rule string, trade *models.TradeRecord) error
	SendAuthRequired(ctx context.Context, err error) error
	SendCircuitBreaker(ctx context.Context, pnlPct, limitPct float64) error
	SendLifecycle(ctx context.Context, started bool, detail string) error
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
	SendDailySummary(ctx context.Context, summary *DailySummary) error
	SendError(ctx context.Context, err error, context string) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, n Notification) error
	IsEnabled() bool
}

// Notification represents a notification message.
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// NotificationType represents the type of notification.
type NotificationType string

const (
	NotificationTrade     NotificationType = "trade"
	NotificationRisk      NotificationType = "risk"
	NotificationAuth      NotificationType = "auth"
	NotificationBreaker   NotificationType = "circuit_breaker"
	NotificationLifecycle NotificationType = "lifecycle"
	NotificationHeartbeat NotificationType = "heartbeat"
	NotificationSummary   NotificationType = "summary"
	NotificationError     NotificationType = "error"
)

// NotificationLevel represents the notification level filter.
type NotificationLevel string

const (
	LevelAll        NotificationLevel = "all"
	LevelTradesOnly NotificationLevel = "trades_only"
	LevelErrorsOnly NotificationLevel = "errors_only"
)

// Heartbeat is the periodic liveness report.
type Heartbeat struct {
	Positions      int
	PortfolioValue float64
	TradesToday    int
	Offline        bool
	BreakerActive  bool
	Uptime         time.Duration
}

// DailySummary represents the end-of-day report.
type DailySummary struct {
	Date           string
	Buys           int
	Sells          int
	WinningTrades  int
	LosingTrades   int
	RealizedPnL    float64
	TotalFees      float64
	PortfolioValue float64
	OpenPositions  int
	Attempts       int
	Failed         int
}

// WinRate is the percentage of winning sells.
func (s *DailySummary) WinRate() float64 {
	closed := s.WinningTrades + s.LosingTrades
	if closed == 0 {
		return 0
	}
	return float64(s.WinningTrades) / float64(closed) * 100
}

// permanentError marks a delivery failure that a retry cannot fix.
type permanentError struct {
	status int
}

func (e *permanentError) Error() string {
	return fmt.Sprintf("rejected with status %d", e.status)
}

func retryable(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm)
}

func statusError(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		return &permanentError{status: status}
	default:
		return fmt.Errorf("returned status %d", status)
	}
}

// MultiNotifier sends notifications to multiple channels.
type MultiNotifier struct {
	channels []NotificationChannel
	level    NotificationLevel
	retry    utils.RetryConfig
	logger   zerolog.Logger
	mu       sync.RWMutex
}

// NewMultiNotifier creates a new MultiNotifier with the given configuration.
func NewMultiNotifier(cfg config.NotificationSettings, logger zerolog.Logger) *MultiNotifier {
	retry := utils.DefaultRetryConfig()
	retry.InitialDelay = time.Second
	retry.Retryable = retryable

	mn := &MultiNotifier{
		channels: make([]NotificationChannel, 0),
		level:    NotificationLevel(strings.ToLower(cfg.Level)),
		retry:    retry,
		logger:   logger.With().Str("component", "notify").Logger(),
	}
	if mn.level == "" {
		mn.level = LevelAll
	}
	if !cfg.Enabled {
		return mn
	}

	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	if cfg.Telegram.Enabled {
		mn.channels = append(mn.channels, NewTelegramNotifier(cfg.Telegram))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// shouldSend checks if a notification should be sent based on the level filter.
func (mn *MultiNotifier) shouldSend(notifType NotificationType) bool {
	switch mn.level {
	case LevelTradesOnly:
		return notifType == NotificationTrade || notifType == NotificationRisk
	case LevelErrorsOnly:
		return notifType == NotificationError || notifType == NotificationAuth || notifType == NotificationBreaker
	default:
		return true
	}
}

// Send delivers n to every enabled channel, retrying transient failures.
// A failing channel does not stop the others.
func (mn *MultiNotifier) Send(ctx context.Context, n Notification) error {
	if !mn.shouldSend(n.Type) {
		return nil
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now()
	}

	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	var errs error
	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		ch := ch
		err := utils.Retry(ctx, mn.retry, func() error { return ch.Send(ctx, n) })
		if err != nil {
			mn.logger.Warn().Err(err).Str("channel", ch.Name()).Str("type", string(n.Type)).Msg("Notification not delivered")
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", ch.Name(), err))
		}
	}
	return errs
}

func tradeData(t *models.TradeRecord) map[string]interface{} {
	data := map[string]interface{}{
		"symbol":   t.Symbol,
		"exchange": string(t.Exchange),
		"side":     string(t.Action),
		"quantity": t.Quantity,
		"price":    t.Price,
		"strategy": t.Strategy,
		"reason":   t.Reason,
		"fees":     t.Fees.Total,
		"paper":    t.IsPaper(),
	}
	if t.Action == models.OrderSideSell {
		data["pnl_net"] = t.PnLNet
		data["pnl_pct_net"] = t.PnLPctNet
	}
	return data
}

func tradeMessage(t *models.TradeRecord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Instrument: %s:%s\n", t.Exchange, t.Symbol)
	fmt.Fprintf(&sb, "Quantity: %s @ %s\n", utils.FormatQuantity(t.Quantity), utils.FormatIndianCurrency(t.Price))
	fmt.Fprintf(&sb, "Value: %s (fees %s)\n", utils.FormatIndianCurrency(t.Gross), utils.FormatIndianCurrency(t.Fees.Total))
	if t.Action == models.OrderSideSell {
		fmt.Fprintf(&sb, "P&L: %s (%s)\n", utils.FormatPnL(t.PnLNet), utils.FormatPercent(t.PnLPctNet))
	}
	if t.RSI > 0 {
		fmt.Fprintf(&sb, "RSI: %.1f\n", t.RSI)
	}
	fmt.Fprintf(&sb, "Reason: %s", t.Reason)
	return sb.String()
}

// SendTrade sends a trade notification.
func (mn *MultiNotifier) SendTrade(ctx context.Context, trade *models.TradeRecord) error {
	prefix := ""
	if trade.IsPaper() {
		prefix = "[PAPER] "
	}
	emoji := "🟢"
	if trade.Action == models.OrderSideSell {
		emoji = "🔴"
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationTrade,
		Title:   fmt.Sprintf("%s %s%s %s", emoji, prefix, trade.Action, trade.Symbol),
		Message: tradeMessage(trade),
		Data:    tradeData(trade),
	})
}

// SendRiskExit sends a notification for an exit chosen by the risk rules.
func (mn *MultiNotifier) SendRiskExit(ctx context.Context, rule string, trade *models.TradeRecord) error {
	emoji := "🛑"
	switch rule {
	case "catastrophic_stop":
		emoji = "🚨"
	case "target":
		emoji = "🎯"
	}
	data := tradeData(trade)
	data["rule"] = rule
	return mn.Send(ctx, Notification{
		Type:    NotificationRisk,
		Title:   fmt.Sprintf("%s %s: %s", emoji, strings.ToUpper(strings.ReplaceAll(rule, "_", " ")), trade.Symbol),
		Message: tradeMessage(trade),
		Data:    data,
	})
}

// SendAuthRequired reports that the broker session could not be renewed.
func (mn *MultiNotifier) SendAuthRequired(ctx context.Context, err error) error {
	msg := "The broker session expired and could not be renewed automatically. Run `mstock-trader login`."
	data := map[string]interface{}{}
	if err != nil {
		msg += "\nError: " + err.Error()
		data["error"] = err.Error()
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationAuth,
		Title:   "🔐 Authentication required",
		Message: msg,
		Data:    data,
	})
}

// SendCircuitBreaker reports that the daily loss limit halted new buys.
func (mn *MultiNotifier) SendCircuitBreaker(ctx context.Context, pnlPct, limitPct float64) error {
	return mn.Send(ctx, Notification{
		Type:  NotificationBreaker,
		Title: "⛔ Daily loss limit hit",
		Message: fmt.Sprintf("Portfolio is %s against today's opening capital (limit -%.1f%%).\nNew buys are suspended until the next trading day.",
			utils.FormatPercent(pnlPct), limitPct),
		Data: map[string]interface{}{"pnl_pct": pnlPct, "limit_pct": limitPct},
	})
}

// SendLifecycle reports an engine start or stop.
func (mn *MultiNotifier) SendLifecycle(ctx context.Context, started bool, detail string) error {
	title := "▶️ Engine started"
	if !started {
		title = "⏹ Engine stopped"
	}
	return mn.Send(ctx, Notification{
		Type:    NotificationLifecycle,
		Title:   title,
		Message: detail,
		Data:    map[string]interface{}{"started": started},
	})
}

// SendHeartbeat sends the periodic liveness report.
func (mn *MultiNotifier) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	status := "online"
	if hb.Offline {
		status = "OFFLINE"
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Broker: %s\n", status)
	fmt.Fprintf(&sb, "Positions: %d\n", hb.Positions)
	fmt.Fprintf(&sb, "Portfolio: %s\n", utils.FormatIndianCurrency(hb.PortfolioValue))
	fmt.Fprintf(&sb, "Trades today: %d\n", hb.TradesToday)
	if hb.BreakerActive {
		sb.WriteString("Circuit breaker: ACTIVE\n")
	}
	fmt.Fprintf(&sb, "Uptime: %s", hb.Uptime.Round(time.Minute))

	return mn.Send(ctx, Notification{
		Type:    NotificationHeartbeat,
		Title:   "💓 Heartbeat",
		Message: sb.String(),
		Data: map[string]interface{}{
			"positions":       hb.Positions,
			"portfolio_value": hb.PortfolioValue,
			"trades_today":    hb.TradesToday,
			"offline":         hb.Offline,
			"breaker_active":  hb.BreakerActive,
		},
	})
}

// SendDailySummary sends a daily summary notification.
func (mn *MultiNotifier) SendDailySummary(ctx context.Context, summary *DailySummary) error {
	pnlEmoji := "📊"
	if summary.RealizedPnL > 0 {
		pnlEmoji = "💰"
	} else if summary.RealizedPnL < 0 {
		pnlEmoji = "📉"
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Buys: %d | Sells: %d\n", summary.Buys, summary.Sells))
	sb.WriteString(fmt.Sprintf("Winning: %d | Losing: %d\n", summary.WinningTrades, summary.LosingTrades))
	sb.WriteString(fmt.Sprintf("Win Rate: %.1f%%\n", summary.WinRate()))
	sb.WriteString(fmt.Sprintf("Realised P&L: %s\n", utils.FormatPnL(summary.RealizedPnL)))
	sb.WriteString(fmt.Sprintf("Fees: %s\n", utils.FormatIndianCurrency(summary.TotalFees)))
	sb.WriteString(fmt.Sprintf("Portfolio: %s across %d positions\n", utils.FormatIndianCurrency(summary.PortfolioValue), summary.OpenPositions))
	sb.WriteString(fmt.Sprintf("Orders: %d attempted, %d failed", summary.Attempts, summary.Failed))

	return mn.Send(ctx, Notification{
		Type:    NotificationSummary,
		Title:   fmt.Sprintf("%s Daily Summary - %s", pnlEmoji, summary.Date),
		Message: sb.String(),
		Data: map[string]interface{}{
			"date":            summary.Date,
			"buys":            summary.Buys,
			"sells":           summary.Sells,
			"winning_trades":  summary.WinningTrades,
			"losing_trades":   summary.LosingTrades,
			"realized_pnl":    summary.RealizedPnL,
			"portfolio_value": summary.PortfolioValue,
		},
	})
}

// SendError sends an error notification.
func (mn *MultiNotifier) SendError(ctx context.Context, err error, errContext string) error {
	return mn.Send(ctx, Notification{
		Type:    NotificationError,
		Title:   "❌ Error Occurred",
		Message: fmt.Sprintf("Context: %s\nError: %v", errContext, err),
		Data: map[string]interface{}{
			"context": errContext,
			"error":   err.Error(),
		},
	})
}

// WebhookNotifier sends notifications via HTTP webhook.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
}

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookSettings) *WebhookNotifier {
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts n as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, n Notification) error {
	if !w.enabled {
		return nil
	}

	payload := map[string]interface{}{
		"type":      n.Type,
		"title":     n.Title,
		"message":   n.Message,
		"data":      n.Data,
		"timestamp": n.Timestamp.Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "mstock-trader/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	return statusError(resp.StatusCode)
}

// DefaultTelegramAPI is the Bot API root.
const DefaultTelegramAPI = "https://api.telegram.org"

// TelegramNotifier sends notifications via Telegram bot.
type TelegramNotifier struct {
	botToken string
	chatID   string
	apiBase  string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new TelegramNotifier.
func NewTelegramNotifier(cfg config.TelegramSettings) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		apiBase:  DefaultTelegramAPI,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Name returns the name of the notifier.
func (t *TelegramNotifier) Name() string {
	return "telegram"
}

// IsEnabled returns whether the notifier is enabled.
func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

// Send sends a notification via Telegram.
func (t *TelegramNotifier) Send(ctx context.Context, n Notification) error {
	if !t.enabled {
		return nil
	}

	text := fmt.Sprintf("<b>%s</b>\n\n%s", escapeHTML(n.Title), escapeHTML(n.Message))
	url := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.apiBase, "/"), t.botToken)

	body, err := json.Marshal(map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshaling telegram payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		// The error text carries the URL and with it the bot token.
		return fmt.Errorf("sending telegram message: %s", strings.ReplaceAll(err.Error(), t.botToken, "***"))
	}
	defer resp.Body.Close()

	return statusError(resp.StatusCode)
}

// escapeHTML escapes HTML special characters for Telegram.
func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

// NoOpNotifier is a notifier that does nothing.
type NoOpNotifier struct{}

// NewNoOpNotifier creates a new NoOpNotifier.
func NewNoOpNotifier() *NoOpNotifier {
	return &NoOpNotifier{}
}

func (n *NoOpNotifier) Send(ctx context.Context, notif Notification) error { return nil }

func (n *NoOpNotifier) SendTrade(ctx context.Context, trade *models.TradeRecord) error { return nil }

func (n *NoOpNotifier) SendRiskExit(ctx context.Context, rule string, trade *models.TradeRecord) error {
	return nil
}

func (n *NoOpNotifier) SendAuthRequired(ctx context.Context, err error) error { return nil }

func (n *NoOpNotifier) SendCircuitBreaker(ctx context.Context, pnlPct, limitPct float64) error {
	return nil
}

func (n *NoOpNotifier) SendLifecycle(ctx context.Context, started bool, detail string) error {
	return nil
}

func (n *NoOpNotifier) SendHeartbeat(ctx context.Context, hb Heartbeat) error { return nil }

func (n *NoOpNotifier) SendDailySummary(ctx context.Context, summary *DailySummary) error {
	return nil
}

func (n *NoOpNotifier) SendError(ctx context.Context, err error, context string) error { return nil }
