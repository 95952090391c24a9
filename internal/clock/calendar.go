package clock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// DateLayout is the calendar-date format used throughout storage and logs.
const DateLayout = "2006-01-02"

// Calendar answers trading-day and session-hour questions for US equities.
// The zero value is unusable; construct with NewCalendar.
type Calendar struct {
	loc      *time.Location
	holidays map[string]bool
	halfDays map[string]bool
}

// NewCalendar returns a calendar with the built-in NYSE holiday table.
func NewCalendar() *Calendar {
	return &Calendar{
		loc:      Eastern(),
		holidays: builtinHolidays(),
		halfDays: builtinHalfDays(),
	}
}

// calendarFile is the on-disk override format: two lists of YYYY-MM-DD dates.
type calendarFile struct {
	Holidays []string `json:"holidays"`
	HalfDays []string `json:"half_days"`
}

// LoadOverrides merges holiday and half-day dates from a JSON file into the
// built-in table. Used to extend the calendar past the embedded years without
// a rebuild.
func (c *Calendar) LoadOverrides(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading calendar file: %w", err)
	}
	var f calendarFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing calendar file %s: %w", path, err)
	}
	for _, d := range f.Holidays {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("bad holiday date %q: %w", d, err)
		}
		c.holidays[d] = true
	}
	for _, d := range f.HalfDays {
		if _, err := time.Parse(DateLayout, d); err != nil {
			return fmt.Errorf("bad half-day date %q: %w", d, err)
		}
		c.halfDays[d] = true
	}
	return nil
}

// Location returns the calendar's Eastern zone.
func (c *Calendar) Location() *time.Location { return c.loc }

// ToEastern converts t into the calendar's zone.
func (c *Calendar) ToEastern(t time.Time) time.Time { return t.In(c.loc) }

// DateKey formats t's calendar date in Eastern time.
func (c *Calendar) DateKey(t time.Time) string {
	return t.In(c.loc).Format(DateLayout)
}

// IsTradingDay reports whether t falls on a regular or shortened session day.
func (c *Calendar) IsTradingDay(t time.Time) bool {
	t = t.In(c.loc)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !c.holidays[t.Format(DateLayout)]
}

// IsHalfDay reports whether the session closes early at 13:00 on t's date.
func (c *Calendar) IsHalfDay(t time.Time) bool {
	return c.halfDays[t.In(c.loc).Format(DateLayout)]
}

// SessionOpen returns 09:30 Eastern on t's date.
func (c *Calendar) SessionOpen(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 9, 30, 0, 0, c.loc)
}

// SessionClose returns 16:00 Eastern on t's date, or 13:00 on half days.
func (c *Calendar) SessionClose(t time.Time) time.Time {
	t = t.In(c.loc)
	hour := 16
	if c.IsHalfDay(t) {
		hour = 13
	}
	return time.Date(t.Year(), t.Month(), t.Day(), hour, 0, 0, 0, c.loc)
}

// InSession reports whether t lies inside the regular session on a trading
// day: open inclusive, close exclusive.
func (c *Calendar) InSession(t time.Time) bool {
	if !c.IsTradingDay(t) {
		return false
	}
	t = t.In(c.loc)
	return !t.Before(c.SessionOpen(t)) && t.Before(c.SessionClose(t))
}

// NextTradingDay returns the first trading day strictly after t's date.
func (c *Calendar) NextTradingDay(t time.Time) time.Time {
	t = c.midnight(t)
	for {
		t = t.AddDate(0, 0, 1)
		if c.IsTradingDay(t) {
			return t
		}
	}
}

// AddTradingDays returns midnight Eastern of the date n trading days after
// t's date. The start date itself is never counted, so adding 1 from a Friday
// lands on Monday and adding 1 from a Saturday also lands on Monday.
func (c *Calendar) AddTradingDays(t time.Time, n int) time.Time {
	d := c.midnight(t)
	for i := 0; i < n; i++ {
		d = c.NextTradingDay(d)
	}
	return d
}

// TradingDaysBetween counts trading days in (from, to]: the from date is
// excluded, the to date included when it trades.
func (c *Calendar) TradingDaysBetween(from, to time.Time) int {
	d := c.midnight(from)
	end := c.midnight(to)
	n := 0
	for d.Before(end) {
		d = d.AddDate(0, 0, 1)
		if c.IsTradingDay(d) {
			n++
		}
	}
	return n
}

func (c *Calendar) midnight(t time.Time) time.Time {
	t = t.In(c.loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, c.loc)
}

// builtinHolidays lists NYSE full-closure dates for 2023 through 2026.
func builtinHolidays() map[string]bool {
	dates := []string{
		// 2023
		"2023-01-02", "2023-01-16", "2023-02-20", "2023-04-07",
		"2023-05-29", "2023-06-19", "2023-07-04", "2023-09-04",
		"2023-11-23", "2023-12-25",
		// 2024
		"2024-01-01", "2024-01-15", "2024-02-19", "2024-03-29",
		"2024-05-27", "2024-06-19", "2024-07-04", "2024-09-02",
		"2024-11-28", "2024-12-25",
		// 2025
		"2025-01-01", "2025-01-09", "2025-01-20", "2025-02-17",
		"2025-04-18", "2025-05-26", "2025-06-19", "2025-07-04",
		"2025-09-01", "2025-11-27", "2025-12-25",
		// 2026
		"2026-01-01", "2026-01-19", "2026-02-16", "2026-04-03",
		"2026-05-25", "2026-06-19", "2026-07-03", "2026-09-07",
		"2026-11-26", "2026-12-25",
	}
	m := make(map[string]bool, len(dates))
	for _, d := range dates {
		m[d] = true
	}
	return m
}

// builtinHalfDays lists 13:00 early closes for 2023 through 2026.
func builtinHalfDays() map[string]bool {
	dates := []string{
		"2023-07-03", "2023-11-24",
		"2024-07-03", "2024-11-29", "2024-12-24",
		"2025-07-03", "2025-11-28", "2025-12-24",
		"2026-11-27", "2026-12-24",
	}
	m := make(map[string]bool, len(dates))
	for _, d := range dates {
		m[d] = true
	}
	return m
}
