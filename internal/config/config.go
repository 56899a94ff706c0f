// Package config provides the settings provider for the trading engine.
package config

import (
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"mstock-trader/internal/errors"
	"mstock-trader/internal/models"
)

// Settings is a typed snapshot of settings.json.
type Settings struct {
	Broker        BrokerSettings       `mapstructure:"broker"`
	Capital       CapitalSettings      `mapstructure:"capital"`
	Risk          RiskSettings         `mapstructure:"risk_controls"`
	App           AppSettings          `mapstructure:"app_settings"`
	SIP           SIPSettings          `mapstructure:"sip"`
	Notifications NotificationSettings `mapstructure:"notifications"`
	Stocks        []models.StockConfig `mapstructure:"stocks"`
	SymbolAliases map[string]string    `mapstructure:"symbol_aliases"`
}

// BrokerSettings holds broker selection and credentials.
// Secret fields carry decrypted values in a snapshot.
type BrokerSettings struct {
	Name        string `mapstructure:"name"` // mstock, zerodha
	BaseURL     string `mapstructure:"base_url"`
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	ClientCode  string `mapstructure:"client_code"`
	Password    string `mapstructure:"password"`
	TOTPSecret  string `mapstructure:"totp_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// CapitalSettings holds the budget the bot may deploy.
type CapitalSettings struct {
	AllocatedLimit float64 `mapstructure:"allocated_limit"`
	PerTradePct    float64 `mapstructure:"per_trade_pct"`
}

// RiskSettings holds position and daily risk limits, all in percent.
type RiskSettings struct {
	StopLossPct         float64 `mapstructure:"stop_loss_pct"`
	ProfitTargetPct     float64 `mapstructure:"profit_target_pct"`
	CatastrophicStopPct float64 `mapstructure:"catastrophic_stop_pct"`
	DailyLossLimitPct   float64 `mapstructure:"daily_loss_limit_pct"`
	NeverSellAtLoss     bool    `mapstructure:"never_sell_at_loss"`
}

// AppSettings holds engine behaviour and file locations.
type AppSettings struct {
	PaperTradingMode        bool     `mapstructure:"paper_trading_mode"`
	Nifty50Only             bool     `mapstructure:"nifty_50_only"`
	WatchedManualPositions  []string `mapstructure:"watched_manual_positions"`
	HeartbeatSeconds        int      `mapstructure:"heartbeat_seconds"`
	MarketClosedPollSeconds int      `mapstructure:"market_closed_poll_seconds"`
	LogLevel                string   `mapstructure:"log_level"`
	LogFile                 string   `mapstructure:"log_file"`
	StateFile               string   `mapstructure:"state_file"`
	DBPath                  string   `mapstructure:"db_path"`
	ConfigTable             string   `mapstructure:"config_table"`
}

// SIPSettings configures the systematic-investment engine.
type SIPSettings struct {
	Day             string  `mapstructure:"day"`
	DipThresholdPct float64 `mapstructure:"dip_threshold_pct"`
}

// NotificationSettings holds notifier configuration.
type NotificationSettings struct {
	Enabled  bool             `mapstructure:"enabled"`
	Level    string           `mapstructure:"level"` // all, trades_only, errors_only
	Telegram TelegramSettings `mapstructure:"telegram"`
	Webhook  WebhookSettings  `mapstructure:"webhook"`
}

// TelegramSettings holds Telegram bot configuration.
type TelegramSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// WebhookSettings holds webhook notification configuration.
type WebhookSettings struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// Validate checks the snapshot and reports every problem found.
func (s *Settings) Validate() error {
	var err error
	add := func(field string, value interface{}, msg string) {
		err = multierr.Append(err, errors.NewValidationError(field, value, msg))
	}

	switch strings.ToLower(s.Broker.Name) {
	case "mstock", "mirae", "zerodha":
	default:
		add("broker.name", s.Broker.Name, "must be mstock or zerodha")
	}
	if s.Capital.AllocatedLimit <= 0 {
		add("capital.allocated_limit", s.Capital.AllocatedLimit, "must be positive")
	}
	if s.Capital.PerTradePct <= 0 || s.Capital.PerTradePct > 100 {
		add("capital.per_trade_pct", s.Capital.PerTradePct, "must be in (0, 100]")
	}
	if s.Risk.StopLossPct <= 0 || s.Risk.StopLossPct > 50 {
		add("risk_controls.stop_loss_pct", s.Risk.StopLossPct, "must be in (0, 50]")
	}
	if s.Risk.ProfitTargetPct <= 0 {
		add("risk_controls.profit_target_pct", s.Risk.ProfitTargetPct, "must be positive")
	}
	if s.Risk.CatastrophicStopPct < s.Risk.StopLossPct {
		add("risk_controls.catastrophic_stop_pct", s.Risk.CatastrophicStopPct, "must not be tighter than stop_loss_pct")
	}
	if s.Risk.DailyLossLimitPct <= 0 || s.Risk.DailyLossLimitPct > 100 {
		add("risk_controls.daily_loss_limit_pct", s.Risk.DailyLossLimitPct, "must be in (0, 100]")
	}
	for i, sc := range s.Stocks {
		field := fmt.Sprintf("stocks[%d]", i)
		if strings.TrimSpace(sc.Symbol) == "" {
			add(field+".symbol", sc.Symbol, "is required")
		}
		if _, tfErr := models.ParseTimeframe(string(sc.Timeframe)); sc.Timeframe != "" && tfErr != nil {
			add(field+".timeframe", sc.Timeframe, tfErr.Error())
		}
		if sc.FixedQuantity < 0 {
			add(field+".quantity", sc.FixedQuantity, "must not be negative")
		}
		if !sc.IgnoreRSI && sc.BuyRSI >= sc.SellRSI && models.ParseStrategy(string(sc.Strategy)) == models.StrategyTrade {
			add(field+".buy_rsi", sc.BuyRSI, "must be below sell_rsi")
		}
	}
	return err
}

// IsPaperMode returns true if paper trading mode is enabled.
func (s *Settings) IsPaperMode() bool {
	return s.App.PaperTradingMode
}

// HasLiveCredentials reports whether live orders can be authenticated.
func (s *Settings) HasLiveCredentials() bool {
	return s.Broker.APIKey != "" && (s.Broker.AccessToken != "" || s.Broker.TOTPSecret != "")
}
