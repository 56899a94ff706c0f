package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// DefaultsFileName is the template copied in when settings.json is missing.
const DefaultsFileName = "settings_default.json"

const settingsTemplate = `{
  "broker": {
    "name": "mstock",
    "base_url": "https://api.mstock.trade/openapi/typea",
    "api_key": "",
    "api_secret": "",
    "client_code": "",
    "password": "",
    "totp_secret": "",
    "access_token": ""
  },
  "capital": {
    "allocated_limit": 50000,
    "per_trade_pct": 10
  },
  "risk_controls": {
    "stop_loss_pct": 5,
    "profit_target_pct": 10,
    "catastrophic_stop_pct": 20,
    "daily_loss_limit_pct": 10,
    "never_sell_at_loss": true
  },
  "app_settings": {
    "paper_trading_mode": true,
    "nifty_50_only": false,
    "watched_manual_positions": [],
    "heartbeat_seconds": 2,
    "market_closed_poll_seconds": 30,
    "log_level": "info",
    "log_file": "logs/bot.log",
    "state_file": "bot_state.json",
    "db_path": "database/trades.db",
    "config_table": "config_table.csv"
  },
  "sip": {
    "day": "Monday",
    "dip_threshold_pct": 2
  },
  "notifications": {
    "enabled": false,
    "level": "all",
    "telegram": {"enabled": false, "bot_token": "", "chat_id": ""},
    "webhook": {"enabled": false, "url": ""}
  },
  "symbol_aliases": {
    "EMBASSY": "9383",
    "BIRET": "2203",
    "MINDSPACE": "22308"
  },
  "stocks": []
}
`

func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.name", "mstock")
	v.SetDefault("broker.base_url", "https://api.mstock.trade/openapi/typea")

	v.SetDefault("capital.allocated_limit", 50000.0)
	v.SetDefault("capital.per_trade_pct", 10.0)

	v.SetDefault("risk_controls.stop_loss_pct", 5.0)
	v.SetDefault("risk_controls.profit_target_pct", 10.0)
	v.SetDefault("risk_controls.catastrophic_stop_pct", 20.0)
	v.SetDefault("risk_controls.daily_loss_limit_pct", 10.0)
	v.SetDefault("risk_controls.never_sell_at_loss", true)

	v.SetDefault("app_settings.paper_trading_mode", false)
	v.SetDefault("app_settings.nifty_50_only", false)
	v.SetDefault("app_settings.heartbeat_seconds", 2)
	v.SetDefault("app_settings.market_closed_poll_seconds", 30)
	v.SetDefault("app_settings.log_level", "info")
	v.SetDefault("app_settings.log_file", filepath.Join("logs", "bot.log"))
	v.SetDefault("app_settings.state_file", "bot_state.json")
	v.SetDefault("app_settings.db_path", filepath.Join("database", "trades.db"))
	v.SetDefault("app_settings.config_table", "config_table.csv")

	v.SetDefault("sip.day", "Monday")
	v.SetDefault("sip.dip_threshold_pct", 2.0)

	v.SetDefault("notifications.level", "all")
	v.SetDefault("symbol_aliases", map[string]interface{}{
		"EMBASSY":   "9383",
		"BIRET":     "2203",
		"MINDSPACE": "22308",
	})
}

// createSettingsFile seeds path from settings_default.json next to it, or
// from the built-in template when no defaults file exists.
func createSettingsFile(path string) (string, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("creating settings directory: %w", err)
		}
	}

	content := []byte(settingsTemplate)
	source := "built-in template"
	defaultsPath := filepath.Join(filepath.Dir(path), DefaultsFileName)
	if data, err := os.ReadFile(defaultsPath); err == nil {
		content = data
		source = defaultsPath
	}

	if err := os.WriteFile(path, content, 0600); err != nil {
		return "", fmt.Errorf("writing settings: %w", err)
	}
	return source, nil
}
