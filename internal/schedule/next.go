package schedule

import (
	"slices"
	"time"
)

// ComputeNext returns the first execution of s strictly after from, or false
// when the schedule has no further executions. Executions never precede
// StartDate or follow EndDate. Intervals count from StartDate.
func ComputeNext(s Schedule, from time.Time) (time.Time, bool) {
	loc, err := s.location()
	if err != nil {
		loc = time.UTC
	}

	var next time.Time
	if s.Type == TypeOnce {
		if !s.StartDate.After(from) {
			return time.Time{}, false
		}
		next = s.StartDate
	} else {
		var ok bool
		if next, ok = nextRecurring(s, from, loc); !ok {
			return time.Time{}, false
		}
	}

	if s.EndDate != nil && next.After(*s.EndDate) {
		return time.Time{}, false
	}
	return next.UTC(), true
}

func nextRecurring(s Schedule, from time.Time, loc *time.Location) (time.Time, bool) {
	interval := max(s.Interval, 1)
	start := s.StartDate.In(loc)

	hour, minute := start.Hour(), start.Minute()
	if s.Time != "" {
		if t, err := time.Parse("15:04", s.Time); err == nil {
			hour, minute = t.Hour(), t.Minute()
		}
	}

	lower := from
	if s.StartDate.After(lower) {
		lower = s.StartDate
	}

	// The period holding lower may already be spent; the one after it
	// always has an execution later than lower. A third absorbs DST shifts.
	for _, date := range candidateDates(s, start, civil(lower.In(loc)), interval, 3) {
		candidate := time.Date(date.Year(), date.Month(), date.Day(), hour, minute, 0, 0, loc)
		if candidate.After(from) && !candidate.Before(s.StartDate) {
			return candidate, true
		}
	}
	return time.Time{}, false
}

// candidateDates lists, in ascending order, the civil dates (in UTC) on which
// s fires within n consecutive periods, starting at the aligned period that
// contains lower. Periods are interval days, weeks, months or years counted
// from the start date.
func candidateDates(s Schedule, start, lower time.Time, interval, n int) []time.Time {
	startDate := civil(start)
	dates := make([]time.Time, 0, n)

	switch s.Frequency {
	case FrequencyWeekly:
		days := slices.Clone(s.DaysOfWeek)
		if len(days) == 0 {
			days = []int{int(start.Weekday())}
		}
		slices.Sort(days)
		days = slices.Compact(days)

		startWeek := weekStart(startDate)
		k := daysBetween(startWeek, weekStart(lower)) / 7 / interval
		for j := range n {
			week := startWeek.AddDate(0, 0, (k+j)*interval*7)
			for _, d := range days {
				dates = append(dates, week.AddDate(0, 0, d))
			}
		}

	case FrequencyMonthly:
		dom := s.DayOfMonth
		if dom == 0 {
			dom = start.Day()
		}
		k := monthsBetween(startDate, lower) / interval
		for j := range n {
			first := time.Date(startDate.Year(), startDate.Month()+time.Month((k+j)*interval), 1, 0, 0, 0, 0, time.UTC)
			dates = append(dates, first.AddDate(0, 0, clampDay(first.Year(), first.Month(), dom)-1))
		}

	case FrequencyYearly:
		month := time.Month(s.Month)
		if month == 0 {
			month = start.Month()
		}
		dom := s.DayOfMonth
		if dom == 0 {
			dom = start.Day()
		}
		k := (lower.Year() - startDate.Year()) / interval
		for j := range n {
			year := startDate.Year() + (k+j)*interval
			dates = append(dates, time.Date(year, month, clampDay(year, month, dom), 0, 0, 0, 0, time.UTC))
		}

	default:
		k := daysBetween(startDate, lower) / interval
		for j := range n {
			dates = append(dates, startDate.AddDate(0, 0, (k+j)*interval))
		}
	}
	return dates
}

func weekStart(date time.Time) time.Time {
	return date.AddDate(0, 0, -int(date.Weekday()))
}

func civil(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a).Hours() / 24)
}

func monthsBetween(a, b time.Time) int {
	return (b.Year()-a.Year())*12 + int(b.Month()) - int(a.Month())
}

// clampDay returns day, or the last day of the month when it has fewer days.
func clampDay(year int, month time.Month, day int) int {
	last := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	return min(day, last)
}
