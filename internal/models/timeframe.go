package models

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe is a candle interval.
type Timeframe string

const (
	TF1m  Timeframe = "1m"
	TF3m  Timeframe = "3m"
	TF5m  Timeframe = "5m"
	TF10m Timeframe = "10m"
	TF15m Timeframe = "15m"
	TF30m Timeframe = "30m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

var timeframeAliases = map[string]Timeframe{
	"1m": TF1m, "1t": TF1m, "1min": TF1m, "1minute": TF1m,
	"3m": TF3m, "3t": TF3m, "3min": TF3m, "3minute": TF3m,
	"5m": TF5m, "5t": TF5m, "5min": TF5m, "5minute": TF5m,
	"10m": TF10m, "10t": TF10m, "10min": TF10m, "10minute": TF10m,
	"15m": TF15m, "15t": TF15m, "15min": TF15m, "15minute": TF15m,
	"30m": TF30m, "30t": TF30m, "30min": TF30m, "30minute": TF30m,
	"1h": TF1h, "60m": TF1h, "60t": TF1h, "60minute": TF1h, "1hour": TF1h,
	"1d": TF1d, "d": TF1d, "day": TF1d, "daily": TF1d,
}

// ParseTimeframe accepts the canonical forms plus the legacy 15T style.
func ParseTimeframe(s string) (Timeframe, error) {
	tf, ok := timeframeAliases[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("unknown timeframe %q", s)
	}
	return tf, nil
}

// Duration returns the length of one bar.
func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TF1m:
		return time.Minute
	case TF3m:
		return 3 * time.Minute
	case TF5m:
		return 5 * time.Minute
	case TF10m:
		return 10 * time.Minute
	case TF15m:
		return 15 * time.Minute
	case TF30m:
		return 30 * time.Minute
	case TF1h:
		return time.Hour
	default:
		return 24 * time.Hour
	}
}

// Intraday reports whether the timeframe is shorter than a session.
func (tf Timeframe) Intraday() bool {
	return tf != TF1d
}

// BrokerInterval is the interval name used by the historical endpoint.
func (tf Timeframe) BrokerInterval() string {
	switch tf {
	case TF1m:
		return "1minute"
	case TF3m:
		return "3minute"
	case TF5m:
		return "5minute"
	case TF10m:
		return "10minute"
	case TF15m:
		return "15minute"
	case TF30m:
		return "30minute"
	case TF1h:
		return "60minute"
	default:
		return "day"
	}
}

// SeedLookbackDays is how far back a fresh buffer is seeded, sized so the
// window holds at least 200 bars after weekends and holidays.
func (tf Timeframe) SeedLookbackDays() int {
	switch tf {
	case TF30m:
		return 25
	case TF1h:
		return 45
	case TF1d:
		return 365
	default:
		return 15
	}
}
