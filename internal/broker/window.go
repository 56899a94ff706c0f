package broker

import (
	"time"

	"mstock-trader/internal/models"
	"mstock-trader/pkg/utils"
)

// HistoryTimeLayout is the timestamp format of the historical endpoint.
const HistoryTimeLayout = "2006-01-02 15:04:05"

// CandleWindow returns the [from, to] request window for a history fetch:
// from is the session open lookbackDays ago, to is now floored to the bar
// boundary. Daily bars are floored to the hour.
func CandleWindow(now time.Time, tf models.Timeframe, lookbackDays int) (time.Time, time.Time) {
	if lookbackDays < 1 {
		lookbackDays = 1
	}
	from := utils.SessionOpen(utils.IST(now).AddDate(0, 0, -lookbackDays))

	frame := int(tf.Duration() / time.Minute)
	if !tf.Intraday() {
		frame = 60
	}
	return from, floorToFrame(now, frame)
}

func floorToFrame(t time.Time, minutes int) time.Time {
	d := utils.IST(t)
	total := d.Hour()*60 + d.Minute()
	total -= total % minutes
	return time.Date(d.Year(), d.Month(), d.Day(), total/60, total%60, 0, 0, utils.IndiaLocation)
}

// FilterSession drops intraday bars outside 09:15 to 15:30 IST. Daily
// bars pass through.
func FilterSession(candles []models.Candle, tf models.Timeframe) []models.Candle {
	if !tf.Intraday() {
		return candles
	}
	out := candles[:0]
	for _, c := range candles {
		if utils.InSession(c.Timestamp) {
			out = append(out, c)
		}
	}
	return out
}
