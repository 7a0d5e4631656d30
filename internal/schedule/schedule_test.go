package schedule

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("failed to load %s: %v", name, err)
	}
	return loc
}

func TestCheckWindow(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	s := Settings{
		Timezone:     "America/New_York",
		StartHour:    9,
		EndHour:      17,
		SkipWeekends: true,
		SkipHolidays: true,
		Country:      "US",
	}

	tests := []struct {
		name   string
		at     time.Time
		ok     bool
		reason string
	}{
		{"weekday in hours", time.Date(2025, 6, 3, 10, 0, 0, 0, ny), true, ""},
		{"weekday before hours", time.Date(2025, 6, 3, 8, 59, 0, 0, ny), false, "outside_hours"},
		{"weekday after hours", time.Date(2025, 6, 3, 17, 0, 0, 0, ny), false, "outside_hours"},
		{"saturday", time.Date(2025, 6, 7, 10, 0, 0, 0, ny), false, "weekend"},
		{"sunday", time.Date(2025, 6, 8, 10, 0, 0, 0, ny), false, "weekend"},
		{"july 4th", time.Date(2025, 7, 4, 10, 0, 0, 0, ny), false, "holiday"},
		{"christmas", time.Date(2025, 12, 25, 10, 0, 0, 0, ny), false, "holiday"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, reason := s.Check(tt.at)
			if ok != tt.ok || reason != tt.reason {
				t.Errorf("Check(%v) = (%v, %q), want (%v, %q)", tt.at, ok, reason, tt.ok, tt.reason)
			}
		})
	}
}

func TestCheckRespectsFlags(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	s := Settings{Timezone: "America/New_York", StartHour: 9, EndHour: 17, Country: "US"}

	// without skip flags, weekends and holidays are fair game
	if ok, _ := s.Check(time.Date(2025, 6, 7, 10, 0, 0, 0, ny)); !ok {
		t.Error("saturday should pass when weekends are not skipped")
	}
	if ok, _ := s.Check(time.Date(2025, 7, 4, 10, 0, 0, 0, ny)); !ok {
		t.Error("holiday should pass when holidays are not skipped")
	}
}

func TestNextValidTime(t *testing.T) {
	ny := mustLoc(t, "America/New_York")
	s := Settings{
		Timezone:     "America/New_York",
		StartHour:    9,
		EndHour:      17,
		SkipWeekends: true,
		SkipHolidays: true,
		Country:      "US",
	}

	tests := []struct {
		name string
		at   time.Time
		want time.Time
	}{
		{
			"already valid",
			time.Date(2025, 6, 3, 10, 30, 0, 0, ny),
			time.Date(2025, 6, 3, 10, 30, 0, 0, ny),
		},
		{
			"early morning waits for window",
			time.Date(2025, 6, 3, 6, 0, 0, 0, ny),
			time.Date(2025, 6, 3, 9, 0, 0, 0, ny),
		},
		{
			"evening rolls to next day",
			time.Date(2025, 6, 3, 18, 0, 0, 0, ny),
			time.Date(2025, 6, 4, 9, 0, 0, 0, ny),
		},
		{
			"friday evening rolls past weekend",
			time.Date(2025, 6, 6, 18, 0, 0, 0, ny),
			time.Date(2025, 6, 9, 9, 0, 0, 0, ny),
		},
		{
			"saturday rolls to monday",
			time.Date(2025, 6, 7, 10, 0, 0, 0, ny),
			time.Date(2025, 6, 9, 9, 0, 0, 0, ny),
		},
		{
			// 2025-07-04 is a Friday holiday, next valid is Monday
			"holiday rolls past weekend",
			time.Date(2025, 7, 4, 10, 0, 0, 0, ny),
			time.Date(2025, 7, 7, 9, 0, 0, 0, ny),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.NextValidTime(tt.at)
			if !got.Equal(tt.want) {
				t.Errorf("NextValidTime(%v) = %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestHolidayFallback(t *testing.T) {
	if !IsHoliday("XX", "2025-12-25") {
		t.Error("unknown country should fall back to the international calendar")
	}
	if IsHoliday("XX", "2025-07-04") {
		t.Error("july 4th is not an international holiday")
	}
	if !IsHoliday("DE", "2025-10-03") {
		t.Error("german unity day missing from DE calendar")
	}
}

func TestValidate(t *testing.T) {
	if err := (Settings{}).Validate(); err != nil {
		t.Errorf("zero settings should normalize to valid defaults: %v", err)
	}
	if err := (Settings{Timezone: "Mars/Olympus"}).Validate(); err == nil {
		t.Error("expected error for bad timezone")
	}
	if err := (Settings{StartHour: 17, EndHour: 9}).Validate(); err == nil {
		t.Error("expected error for inverted hours")
	}
}
