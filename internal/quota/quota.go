// Package quota enforces per-account daily and weekly send caps. The check
// and the increment are one atomic operation: Allow reserves a slot inside a
// single store transaction, so two workers dispatching for the same account
// can never jointly exceed a limit. Resets are lazy; crossing the account's
// local midnight or the Monday week boundary is detected on the next check,
// no cron involved.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/outreachd/outreachd/internal/store"
)

const (
	// Conservative platform limits for connection requests.
	DefaultDailyLimit  = 20
	DefaultWeeklyLimit = 100
)

// Limits are the fallback caps for accounts without explicit configuration.
type Limits struct {
	Daily  int `yaml:"daily"`
	Weekly int `yaml:"weekly"`
}

// Result reports whether a send slot was reserved, and when to come back
// if it was not.
type Result struct {
	Allowed       bool
	DeniedBy      string // "daily" or "weekly"
	NextAvailable time.Time
	DailySent     int
	WeeklySent    int
}

// Tracker reserves and releases send slots against account counters.
type Tracker struct {
	store    *store.Store
	defaults Limits
}

// New creates a quota tracker.
func New(s *store.Store, defaults Limits) *Tracker {
	if defaults.Daily <= 0 {
		defaults.Daily = DefaultDailyLimit
	}
	if defaults.Weekly <= 0 {
		defaults.Weekly = DefaultWeeklyLimit
	}
	return &Tracker{store: s, defaults: defaults}
}

// Allow checks the account's counters against its limits and, if within
// them, increments both counters. Expired windows are reset in the same
// transaction before the check.
func (t *Tracker) Allow(ctx context.Context, accountID string, now time.Time) (*Result, error) {
	result := &Result{}
	_, err := t.store.UpdateAccount(ctx, accountID, func(a *store.Account) error {
		loc := a.Location()
		t.resetExpired(a, now, loc)

		daily, weekly := t.limitsFor(a)
		if a.DailySent >= daily {
			result.DeniedBy = "daily"
			result.NextAvailable = nextMidnight(now, loc)
		} else if a.WeeklySent >= weekly {
			result.DeniedBy = "weekly"
			result.NextAvailable = nextWeekStart(now, loc)
		} else {
			a.DailySent++
			a.WeeklySent++
			result.Allowed = true
		}
		result.DailySent = a.DailySent
		result.WeeklySent = a.WeeklySent
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("quota check for account %s: %w", accountID, err)
	}
	return result, nil
}

// Release returns a reserved slot after a send that did not happen, so a
// provider failure does not burn quota.
func (t *Tracker) Release(ctx context.Context, accountID string, now time.Time) error {
	_, err := t.store.UpdateAccount(ctx, accountID, func(a *store.Account) error {
		loc := a.Location()
		t.resetExpired(a, now, loc)
		if a.DailySent > 0 {
			a.DailySent--
		}
		if a.WeeklySent > 0 {
			a.WeeklySent--
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("quota release for account %s: %w", accountID, err)
	}
	return nil
}

// resetExpired zeroes counters whose window has passed. The daily window is
// the account-local calendar day; the weekly window starts Monday 00:00
// account-local.
func (t *Tracker) resetExpired(a *store.Account, now time.Time, loc *time.Location) {
	if a.WindowStart.IsZero() {
		a.WindowStart = now
		return
	}
	if !sameDay(a.WindowStart, now, loc) {
		a.DailySent = 0
	}
	if !sameWeek(a.WindowStart, now, loc) {
		a.WeeklySent = 0
	}
	a.WindowStart = now
}

func (t *Tracker) limitsFor(a *store.Account) (daily, weekly int) {
	daily = a.DailyLimit
	if daily <= 0 {
		daily = t.defaults.Daily
	}
	weekly = a.WeeklyLimit
	if weekly <= 0 {
		weekly = t.defaults.Weekly
	}
	return daily, weekly
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	al, bl := a.In(loc), b.In(loc)
	ay, am, ad := al.Date()
	by, bm, bd := bl.Date()
	return ay == by && am == bm && ad == bd
}

func sameWeek(a, b time.Time, loc *time.Location) bool {
	return weekStart(a, loc).Equal(weekStart(b, loc))
}

// weekStart returns Monday 00:00 of t's week in loc.
func weekStart(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	offset := (int(local.Weekday()) + 6) % 7
	monday := local.AddDate(0, 0, -offset)
	return time.Date(monday.Year(), monday.Month(), monday.Day(), 0, 0, 0, 0, loc)
}

func nextMidnight(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day()+1, 0, 0, 0, 0, loc)
}

func nextWeekStart(t time.Time, loc *time.Location) time.Time {
	return weekStart(t, loc).AddDate(0, 0, 7)
}
