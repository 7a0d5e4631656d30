package schedule

// Public holidays per country, 2025-2026. Dates are local calendar days
// in the sending timezone. "INTL" is the fallback calendar and carries
// only globally observed days.
var holidaysByCountry = map[string][]string{
	"US": {
		"2025-01-01", "2025-01-20", "2025-02-17", "2025-05-26",
		"2025-07-04", "2025-09-01", "2025-11-27", "2025-12-25",
		"2026-01-01",
	},
	"CA": {
		"2025-01-01", "2025-02-17", "2025-04-18", "2025-05-19",
		"2025-07-01", "2025-09-01", "2025-10-13", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"MX": {
		"2025-01-01", "2025-02-03", "2025-03-17", "2025-04-17",
		"2025-04-18", "2025-05-01", "2025-09-16", "2025-11-17",
		"2025-12-25", "2026-01-01",
	},
	"BR": {
		"2025-01-01", "2025-03-03", "2025-03-04", "2025-04-18",
		"2025-04-21", "2025-05-01", "2025-06-19", "2025-09-07",
		"2025-10-12", "2025-11-02", "2025-11-15", "2025-12-25",
		"2026-01-01",
	},
	"GB": {
		"2025-01-01", "2025-04-18", "2025-04-21", "2025-05-05",
		"2025-05-26", "2025-08-25", "2025-12-25", "2025-12-26",
		"2026-01-01",
	},
	"DE": {
		"2025-01-01", "2025-04-18", "2025-04-21", "2025-05-01",
		"2025-05-29", "2025-06-09", "2025-10-03", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"FR": {
		"2025-01-01", "2025-04-21", "2025-05-01", "2025-05-08",
		"2025-05-29", "2025-06-09", "2025-07-14", "2025-08-15",
		"2025-11-01", "2025-11-11", "2025-12-25", "2026-01-01",
	},
	"IE": {
		"2025-01-01", "2025-02-03", "2025-03-17", "2025-04-21",
		"2025-05-05", "2025-06-02", "2025-08-04", "2025-10-27",
		"2025-12-25", "2025-12-26", "2026-01-01",
	},
	"IT": {
		"2025-01-01", "2025-01-06", "2025-04-21", "2025-04-25",
		"2025-05-01", "2025-06-02", "2025-08-15", "2025-11-01",
		"2025-12-08", "2025-12-25", "2025-12-26", "2026-01-01",
	},
	"ES": {
		"2025-01-01", "2025-01-06", "2025-04-18", "2025-05-01",
		"2025-08-15", "2025-10-12", "2025-11-01", "2025-12-06",
		"2025-12-08", "2025-12-25", "2026-01-01",
	},
	"NL": {
		"2025-01-01", "2025-04-18", "2025-04-20", "2025-04-21",
		"2025-04-27", "2025-05-05", "2025-05-29", "2025-06-08",
		"2025-06-09", "2025-12-25", "2025-12-26", "2026-01-01",
	},
	"BE": {
		"2025-01-01", "2025-04-21", "2025-05-01", "2025-05-29",
		"2025-06-09", "2025-07-21", "2025-08-15", "2025-11-01",
		"2025-11-11", "2025-12-25", "2026-01-01",
	},
	"AT": {
		"2025-01-01", "2025-01-06", "2025-04-21", "2025-05-01",
		"2025-05-29", "2025-06-09", "2025-06-19", "2025-08-15",
		"2025-10-26", "2025-11-01", "2025-12-08", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"CH": {
		"2025-01-01", "2025-01-02", "2025-04-18", "2025-04-21",
		"2025-05-01", "2025-05-29", "2025-06-09", "2025-08-01",
		"2025-12-25", "2025-12-26", "2026-01-01",
	},
	"SE": {
		"2025-01-01", "2025-01-06", "2025-04-18", "2025-04-20",
		"2025-04-21", "2025-05-01", "2025-05-29", "2025-06-06",
		"2025-06-08", "2025-06-21", "2025-11-01", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"NO": {
		"2025-01-01", "2025-04-17", "2025-04-18", "2025-04-20",
		"2025-04-21", "2025-05-01", "2025-05-17", "2025-05-29",
		"2025-06-08", "2025-06-09", "2025-12-25", "2025-12-26",
		"2026-01-01",
	},
	"DK": {
		"2025-01-01", "2025-04-17", "2025-04-18", "2025-04-20",
		"2025-04-21", "2025-05-16", "2025-05-29", "2025-06-05",
		"2025-06-08", "2025-06-09", "2025-12-25", "2025-12-26",
		"2026-01-01",
	},
	"FI": {
		"2025-01-01", "2025-01-06", "2025-04-18", "2025-04-20",
		"2025-04-21", "2025-05-01", "2025-05-29", "2025-06-08",
		"2025-06-21", "2025-11-01", "2025-12-06", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"PL": {
		"2025-01-01", "2025-01-06", "2025-04-20", "2025-04-21",
		"2025-05-01", "2025-05-03", "2025-06-08", "2025-06-19",
		"2025-08-15", "2025-11-01", "2025-11-11", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"PT": {
		"2025-01-01", "2025-03-04", "2025-04-18", "2025-04-20",
		"2025-04-25", "2025-05-01", "2025-06-10", "2025-06-19",
		"2025-08-15", "2025-10-05", "2025-11-01", "2025-12-01",
		"2025-12-08", "2025-12-25", "2026-01-01",
	},
	"GR": {
		"2025-01-01", "2025-01-06", "2025-03-03", "2025-03-25",
		"2025-04-18", "2025-04-20", "2025-04-21", "2025-05-01",
		"2025-06-08", "2025-08-15", "2025-10-28", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"IS": {
		"2025-01-01", "2025-04-17", "2025-04-18", "2025-04-20",
		"2025-04-21", "2025-04-24", "2025-05-01", "2025-05-29",
		"2025-06-08", "2025-06-09", "2025-06-17", "2025-08-04",
		"2025-12-24", "2025-12-25", "2025-12-26", "2025-12-31",
		"2026-01-01",
	},
	"JP": {
		"2025-01-01", "2025-01-13", "2025-02-11", "2025-02-23",
		"2025-03-20", "2025-04-29", "2025-05-03", "2025-05-04",
		"2025-05-05", "2025-05-06", "2025-07-21", "2025-08-11",
		"2025-09-15", "2025-09-23", "2025-10-13", "2025-11-03",
		"2025-11-23", "2026-01-01",
	},
	"KR": {
		"2025-01-01", "2025-01-28", "2025-01-29", "2025-01-30",
		"2025-03-01", "2025-05-05", "2025-05-06", "2025-06-06",
		"2025-08-15", "2025-10-03", "2025-10-05", "2025-10-06",
		"2025-10-07", "2025-10-09", "2025-12-25", "2026-01-01",
	},
	"CN": {
		"2025-01-01", "2025-01-28", "2025-01-29", "2025-01-30",
		"2025-01-31", "2025-02-01", "2025-02-02", "2025-02-03",
		"2025-04-04", "2025-04-05", "2025-04-06", "2025-05-01",
		"2025-05-02", "2025-05-03", "2025-05-31", "2025-06-01",
		"2025-06-02", "2025-10-01", "2025-10-02", "2025-10-03",
		"2025-10-04", "2025-10-05", "2025-10-06", "2025-10-07",
		"2026-01-01",
	},
	"IN": {
		"2025-01-26", "2025-03-14", "2025-04-14", "2025-04-18",
		"2025-05-12", "2025-08-15", "2025-08-16", "2025-10-02",
		"2025-10-20", "2025-11-01", "2025-11-05", "2025-12-25",
		"2026-01-01",
	},
	"SG": {
		"2025-01-01", "2025-01-29", "2025-01-30", "2025-04-18",
		"2025-05-01", "2025-05-12", "2025-06-07", "2025-08-09",
		"2025-10-20", "2025-12-25", "2026-01-01",
	},
	"AU": {
		"2025-01-01", "2025-01-27", "2025-04-18", "2025-04-19",
		"2025-04-21", "2025-04-25", "2025-06-09", "2025-12-25",
		"2025-12-26", "2026-01-01",
	},
	"NZ": {
		"2025-01-01", "2025-01-02", "2025-02-06", "2025-04-18",
		"2025-04-21", "2025-04-25", "2025-06-02", "2025-10-27",
		"2025-12-25", "2025-12-26", "2026-01-01",
	},
	"ZA": {
		"2025-01-01", "2025-03-21", "2025-04-18", "2025-04-21",
		"2025-04-27", "2025-05-01", "2025-06-16", "2025-08-09",
		"2025-09-24", "2025-12-16", "2025-12-25", "2025-12-26",
		"2026-01-01",
	},
	"INTL": {
		"2025-01-01", "2025-12-25", "2025-12-26", "2026-01-01",
	},
}

// HolidaysForCountry returns the holiday calendar for a country code,
// falling back to the international calendar for unknown codes.
func HolidaysForCountry(country string) []string {
	if days, ok := holidaysByCountry[country]; ok {
		return days
	}
	return holidaysByCountry["INTL"]
}

// IsHoliday reports whether the given local calendar day (YYYY-MM-DD) is a
// public holiday in the given country.
func IsHoliday(country, day string) bool {
	for _, h := range HolidaysForCountry(country) {
		if h == day {
			return true
		}
	}
	return false
}
