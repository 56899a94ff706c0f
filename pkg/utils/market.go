package utils

import (
	"time"
)

// IndiaLocation is the timezone for Indian markets.
var IndiaLocation *time.Location

func init() {
	var err error
	IndiaLocation, err = time.LoadLocation("Asia/Kolkata")
	if err != nil {
		// Fallback to UTC+5:30
		IndiaLocation = time.FixedZone("IST", 5*60*60+30*60)
	}
}

// Session bounds in minutes after midnight IST.
const (
	SessionOpenMinute  = 9*60 + 15
	SessionCloseMinute = 15*60 + 30
)

// MarketStatus represents the current market status.
type MarketStatus string

const (
	MarketOpen    MarketStatus = "OPEN"
	MarketPreOpen MarketStatus = "PRE_OPEN"
	MarketClosed  MarketStatus = "CLOSED"
)

// IST converts t to India time.
func IST(t time.Time) time.Time {
	return t.In(IndiaLocation)
}

// IsTradingDay reports whether t falls on a weekday in IST.
func IsTradingDay(t time.Time) bool {
	wd := IST(t).Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// MarketStatusAt returns the session status at t.
func MarketStatusAt(t time.Time) MarketStatus {
	if !IsTradingDay(t) {
		return MarketClosed
	}
	now := IST(t)
	m := now.Hour()*60 + now.Minute()

	switch {
	case m >= 9*60 && m < SessionOpenMinute:
		return MarketPreOpen
	case m >= SessionOpenMinute && m < SessionCloseMinute:
		return MarketOpen
	default:
		return MarketClosed
	}
}

// IsMarketOpen returns true if the market is open at t.
func IsMarketOpen(t time.Time) bool {
	return MarketStatusAt(t) == MarketOpen
}

// SessionOpen returns 09:15 IST on the day of t.
func SessionOpen(t time.Time) time.Time {
	d := IST(t)
	return time.Date(d.Year(), d.Month(), d.Day(), 9, 15, 0, 0, IndiaLocation)
}

// SessionClose returns 15:30 IST on the day of t.
func SessionClose(t time.Time) time.Time {
	d := IST(t)
	return time.Date(d.Year(), d.Month(), d.Day(), 15, 30, 0, 0, IndiaLocation)
}

// StartOfDay returns IST midnight on the day of t.
func StartOfDay(t time.Time) time.Time {
	d := IST(t)
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, IndiaLocation)
}

// DateKey formats the IST calendar date of t as YYYY-MM-DD.
func DateKey(t time.Time) string {
	return IST(t).Format(time.DateOnly)
}

// NextMarketOpen returns the next session open strictly after t.
func NextMarketOpen(t time.Time) time.Time {
	next := SessionOpen(t)
	if !IST(t).Before(next) {
		next = next.AddDate(0, 0, 1)
	}
	for !IsTradingDay(next) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// InSession reports whether the bar at t lies within 09:15 to 15:30 IST.
func InSession(t time.Time) bool {
	d := IST(t)
	m := d.Hour()*60 + d.Minute()
	return m >= SessionOpenMinute && m <= SessionCloseMinute
}
