package util

import (
	"time"
)

// TradingCalendar provides US equity market-hours awareness (NYSE regular
// session, 9:30-16:00 ET, Monday to Friday). Exchange holidays are not
// modelled; on a holiday the market is reported open and polling simply
// returns unchanged prices.
type TradingCalendar struct {
	loc *time.Location
}

// NewTradingCalendar creates a TradingCalendar in America/New_York. If the
// zone database is unavailable it falls back to a fixed UTC-5 offset.
func NewTradingCalendar() *TradingCalendar {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.FixedZone("EST", -5*60*60)
	}
	return &TradingCalendar{loc: loc}
}

func (tc *TradingCalendar) session(t time.Time) (open, close time.Time) {
	et := t.In(tc.loc)
	open = time.Date(et.Year(), et.Month(), et.Day(), 9, 30, 0, 0, tc.loc)
	close = time.Date(et.Year(), et.Month(), et.Day(), 16, 0, 0, 0, tc.loc)
	return open, close
}

func isWeekday(t time.Time) bool {
	wd := t.Weekday()
	return wd != time.Saturday && wd != time.Sunday
}

// IsMarketOpen returns whether the market is open at time t.
func (tc *TradingCalendar) IsMarketOpen(t time.Time) bool {
	if !isWeekday(t.In(tc.loc)) {
		return false
	}
	open, close := tc.session(t)
	return !t.Before(open) && t.Before(close)
}

// NextOpen returns the next market open time at or after t.
func (tc *TradingCalendar) NextOpen(t time.Time) time.Time {
	for d := 0; d < 8; d++ {
		day := t.In(tc.loc).AddDate(0, 0, d)
		open, _ := tc.session(day)
		if isWeekday(day) && !open.Before(t) {
			return open
		}
	}
	return time.Time{}
}

// NextClose returns the next market close time at or after t.
func (tc *TradingCalendar) NextClose(t time.Time) time.Time {
	for d := 0; d < 8; d++ {
		day := t.In(tc.loc).AddDate(0, 0, d)
		_, close := tc.session(day)
		if isWeekday(day) && !close.Before(t) {
			return close
		}
	}
	return time.Time{}
}
