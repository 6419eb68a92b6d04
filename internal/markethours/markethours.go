// Package markethours answers whether the market is in session, so the
// reconcile cycle can sleep through nights, weekends and holidays.
package markethours

import (
	"fmt"
	"strings"
	"time"
)

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session is a daily trading window in one location, Monday to Friday,
// minus holidays.
type Session struct {
	loc      *time.Location
	open     int // minutes after midnight
	close    int
	holidays map[string]bool
}

// NSE returns the NSE cash session (09:15 to 15:30 IST) with the built-in
// holiday list.
func NSE() *Session {
	s := &Session{loc: IST, open: 9*60 + 15, close: 15*60 + 30, holidays: make(map[string]bool)}
	for _, d := range nseHolidays {
		s.holidays[d] = true
	}
	return s
}

// NewSession builds a session from configuration strings. tz is an IANA
// name (empty means IST), open and close are "HH:MM", holidays are
// "YYYY-MM-DD" dates. Without explicit holidays the NSE list is used when
// the location is IST.
func NewSession(tz, open, close string, holidays []string) (*Session, error) {
	loc := IST
	if tz != "" && tz != "IST" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("markethours: timezone %q: %w", tz, err)
		}
		loc = l
	}
	o, err := parseClock(open)
	if err != nil {
		return nil, err
	}
	c, err := parseClock(close)
	if err != nil {
		return nil, err
	}
	if c <= o {
		return nil, fmt.Errorf("markethours: close %s is not after open %s", close, open)
	}

	s := &Session{loc: loc, open: o, close: c, holidays: make(map[string]bool)}
	if len(holidays) == 0 && loc == IST {
		holidays = nseHolidays
	}
	for _, h := range holidays {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return nil, fmt.Errorf("markethours: holiday %q: %w", h, err)
		}
		s.holidays[h] = true
	}
	return s, nil
}

func parseClock(hhmm string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(hhmm))
	if err != nil {
		return 0, fmt.Errorf("markethours: time of day %q: %w", hhmm, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Location returns the session's time zone.
func (s *Session) Location() *time.Location { return s.loc }

// IsHoliday reports whether t's date, in the session location, is a holiday.
func (s *Session) IsHoliday(t time.Time) bool {
	return s.holidays[t.In(s.loc).Format("2006-01-02")]
}

// IsTradingDay returns true if t is a weekday and not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	local := t.In(s.loc)
	wd := local.Weekday()
	return wd != time.Saturday && wd != time.Sunday && !s.IsHoliday(local)
}

// IsOpen reports whether t falls within the session.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	local := t.In(s.loc)
	hm := local.Hour()*60 + local.Minute()
	return hm >= s.open && hm < s.close
}

func (s *Session) at(day time.Time, minutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), minutes/60, minutes%60, 0, 0, s.loc)
}

// NextOpen returns the next session open at or after t. If t is before
// today's open on a trading day, that is today's open.
func (s *Session) NextOpen(t time.Time) time.Time {
	local := t.In(s.loc)
	if today := s.at(local, s.open); local.Before(today) && s.IsTradingDay(local) {
		return today
	}
	d := local.AddDate(0, 0, 1)
	for i := 0; i < 14; i++ { // weekends plus the longest holiday run
		if s.IsTradingDay(d) {
			return s.at(d, s.open)
		}
		d = d.AddDate(0, 0, 1)
	}
	return s.at(local.AddDate(0, 0, 1), s.open)
}

// TimeUntilClose returns the time left in today's session, or 0 when the
// session is closed.
func (s *Session) TimeUntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	return s.at(t.In(s.loc), s.close).Sub(t)
}

// Status returns a human-readable market status.
func (s *Session) Status(t time.Time) string {
	if s.IsOpen(t) {
		return fmt.Sprintf("Market open, closes in %s", fmtDur(s.TimeUntilClose(t)))
	}
	next := s.NextOpen(t)
	return fmt.Sprintf("Market closed, opens %s %s (%s)",
		next.Weekday().String()[:3], next.Format("15:04"), fmtDur(next.Sub(t)))
}

func fmtDur(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
