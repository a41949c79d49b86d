package gap

import (
	"fmt"
	"time"

	model "github.com/tigerroll/tsingest/pkg/ingest/core/domain/model"
)

// Holidays is a set of YYYY-MM-DD dates excluded from business-day expectations.
type Holidays map[string]struct{}

// ParseHolidays validates configured holiday dates.
func ParseHolidays(dates []string) (Holidays, error) {
	h := make(Holidays, len(dates))
	for _, s := range dates {
		d, err := model.ParseDate(s)
		if err != nil {
			return nil, fmt.Errorf("invalid holiday '%s': %w", s, err)
		}
		h[model.FormatDate(d)] = struct{}{}
	}
	return h, nil
}

// Contains reports whether day is a holiday.
func (h Holidays) Contains(day time.Time) bool {
	_, ok := h[model.FormatDate(day)]
	return ok
}

// BusinessDays lists the weekdays in [from, to] that are not holidays.
func BusinessDays(from, to time.Time, holidays Holidays) []time.Time {
	var days []time.Time
	for _, d := range CalendarDays(from, to) {
		if wd := d.Weekday(); wd == time.Saturday || wd == time.Sunday {
			continue
		}
		if holidays.Contains(d) {
			continue
		}
		days = append(days, d)
	}
	return days
}

// CalendarDays lists every day in [from, to] as UTC midnights.
func CalendarDays(from, to time.Time) []time.Time {
	from, to = model.TruncateDay(from), model.TruncateDay(to)
	var days []time.Time
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		days = append(days, d)
	}
	return days
}

// ExpectedUnits lists the days a category is expected to have data for.
func ExpectedUnits(gapType model.GapType, from, to time.Time, holidays Holidays) []time.Time {
	if gapType == model.GapTypeNews {
		return CalendarDays(from, to)
	}
	return BusinessDays(from, to, holidays)
}
