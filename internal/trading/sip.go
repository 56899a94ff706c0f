package trading

import (
	"fmt"
	"strings"
	"time"

	"mstock-trader/internal/config"
	"mstock-trader/pkg/utils"
)

// SIPEngine decides scheduled accumulation buys: every week on the SIP
// day, and on any day the price has dropped far enough below the last buy.
type SIPEngine struct {
	day          time.Weekday
	dipThreshold float64
}

// NewSIPEngine builds the schedule from settings. An unknown day name
// falls back to Monday.
func NewSIPEngine(cfg config.SIPSettings) *SIPEngine {
	day := time.Monday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(d.String(), strings.TrimSpace(cfg.Day)) {
			day = d
		}
	}
	threshold := cfg.DipThresholdPct
	if threshold <= 0 {
		threshold = 2.0
	}
	return &SIPEngine{day: day, dipThreshold: threshold}
}

// ShouldBuy reports whether to buy at ltp given the last SIP buy price
// (zero when there is none) and the current time.
func (e *SIPEngine) ShouldBuy(ltp, lastBuy float64, now time.Time) (bool, string) {
	if ltp <= 0 {
		return false, "Invalid Price"
	}
	if utils.IST(now).Weekday() == e.day {
		return true, fmt.Sprintf("Weekly SIP Day (%s)", e.day)
	}
	if lastBuy > 0 {
		drop := (lastBuy - ltp) / lastBuy * 100
		if drop >= e.dipThreshold {
			return true, fmt.Sprintf("Buy the Dip (%.1f%% drop detected)", e.dipThreshold)
		}
	}
	return false, ""
}
