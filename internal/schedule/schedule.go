// Package schedule decides when a campaign is allowed to send: working-hour
// windows in the campaign timezone, weekend skipping, and per-country
// holiday calendars. All checks are pure functions so callers can evaluate
// any instant, not just the wall clock.
package schedule

import (
	"fmt"
	"time"
)

const (
	DefaultTimezone  = "America/Los_Angeles"
	DefaultStartHour = 5
	DefaultEndHour   = 17
	DefaultCountry   = "INTL"
)

// Settings is a campaign's send window configuration.
type Settings struct {
	Timezone     string `json:"timezone" yaml:"timezone"`
	StartHour    int    `json:"working_hours_start" yaml:"working_hours_start"`
	EndHour      int    `json:"working_hours_end" yaml:"working_hours_end"`
	SkipWeekends bool   `json:"skip_weekends" yaml:"skip_weekends"`
	SkipHolidays bool   `json:"skip_holidays" yaml:"skip_holidays"`
	Country      string `json:"country,omitempty" yaml:"country"`
}

// Normalized returns a copy with zero values replaced by defaults.
func (s Settings) Normalized() Settings {
	if s.Timezone == "" {
		s.Timezone = DefaultTimezone
	}
	if s.StartHour == 0 && s.EndHour == 0 {
		s.StartHour = DefaultStartHour
		s.EndHour = DefaultEndHour
	}
	if s.Country == "" {
		s.Country = DefaultCountry
	}
	return s
}

// Validate checks the window for internal consistency.
func (s Settings) Validate() error {
	s = s.Normalized()
	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
	}
	if s.StartHour < 0 || s.StartHour > 23 || s.EndHour < 1 || s.EndHour > 24 {
		return fmt.Errorf("working hours out of range: %d-%d", s.StartHour, s.EndHour)
	}
	if s.StartHour >= s.EndHour {
		return fmt.Errorf("working hours start %d must be before end %d", s.StartHour, s.EndHour)
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (s Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Normalized().Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Check evaluates whether now falls inside the send window. When blocked it
// returns false and a short machine-readable reason
// (weekend, holiday, outside_hours).
func (s Settings) Check(now time.Time) (bool, string) {
	s = s.Normalized()
	local := now.In(s.Location())

	if s.SkipWeekends && isWeekend(local) {
		return false, "weekend"
	}
	if s.SkipHolidays && IsHoliday(s.Country, local.Format("2006-01-02")) {
		return false, "holiday"
	}
	if h := local.Hour(); h < s.StartHour || h >= s.EndHour {
		return false, "outside_hours"
	}
	return true, ""
}

// InWindow reports whether now falls inside the send window.
func (s Settings) InWindow(now time.Time) bool {
	ok, _ := s.Check(now)
	return ok
}

// NextValidTime returns the earliest instant at or after now that falls
// inside the send window. If now is already valid it is returned unchanged.
func (s Settings) NextValidTime(now time.Time) time.Time {
	s = s.Normalized()
	if s.InWindow(now) {
		return now
	}

	local := now.In(s.Location())

	// same day, before the window opens
	if !s.skipDay(local) && local.Hour() < s.StartHour {
		return startOfWindow(local, s.StartHour)
	}

	// otherwise advance day by day to the next working day's window start
	day := local.AddDate(0, 0, 1)
	for i := 0; i < 366; i++ {
		if !s.skipDay(day) {
			return startOfWindow(day, s.StartHour)
		}
		day = day.AddDate(0, 0, 1)
	}
	// every day blocked for a year means the calendar is misconfigured;
	// fall back to tomorrow rather than loop forever
	return startOfWindow(local.AddDate(0, 0, 1), s.StartHour)
}

// skipDay reports whether the whole local day is excluded from sending.
func (s Settings) skipDay(local time.Time) bool {
	if s.SkipWeekends && isWeekend(local) {
		return true
	}
	if s.SkipHolidays && IsHoliday(s.Country, local.Format("2006-01-02")) {
		return true
	}
	return false
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

func startOfWindow(day time.Time, hour int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), hour, 0, 0, 0, day.Location())
}
