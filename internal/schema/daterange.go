package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Interval is the bucket size of time-series queries.
type Interval string

// Intervals.
const (
	IntervalMinute Interval = "minute"
	IntervalHour   Interval = "hour"
	IntervalDay    Interval = "day"
	IntervalWeek   Interval = "week"
	IntervalMonth  Interval = "month"
)

func (i Interval) validate() error {
	switch i {
	case "", IntervalMinute, IntervalHour, IntervalDay, IntervalWeek, IntervalMonth:
		return nil
	}
	return fmt.Errorf("unknown interval %q", i)
}

// OrDefault returns i, or day when unset.
func (i Interval) OrDefault() Interval {
	if i == "" {
		return IntervalDay
	}
	return i
}

// Truncate floors t to the start of the interval bucket in t's location.
func (i Interval) Truncate(t time.Time) time.Time {
	y, m, d := t.Date()
	switch i.OrDefault() {
	case IntervalMinute:
		return t.Truncate(time.Minute)
	case IntervalHour:
		return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
	case IntervalWeek:
		day := time.Date(y, m, d, 0, 0, 0, 0, t.Location())
		return day.AddDate(0, 0, -int(day.Weekday()))
	case IntervalMonth:
		return time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	default:
		return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
	}
}

// Next returns the start of the bucket following t.
func (i Interval) Next(t time.Time) time.Time {
	switch i.OrDefault() {
	case IntervalMinute:
		return t.Add(time.Minute)
	case IntervalHour:
		return t.Add(time.Hour)
	case IntervalWeek:
		return t.AddDate(0, 0, 7)
	case IntervalMonth:
		return t.AddDate(0, 1, 0)
	default:
		return t.AddDate(0, 0, 1)
	}
}

// DuckDBUnit is the date_trunc unit for the interval.
func (i Interval) DuckDBUnit() string {
	return string(i.OrDefault())
}

// DateRange is a possibly relative time window.
type DateRange struct {
	DateFrom     *string `json:"date_from,omitempty"`
	DateTo       *string `json:"date_to,omitempty"`
	ExplicitDate bool    `json:"explicitDate,omitempty"`
}

// DefaultDateFrom applies when a query omits date_from.
const DefaultDateFrom = "-7d"

// ResolvedRange is a concrete half-open [From, To) window.
type ResolvedRange struct {
	From time.Time
	To   time.Time
	// All is set for "all"; From is then the zero time.
	All bool
}

var relativeRe = regexp.MustCompile(`^-(\d+)([hdwmyq])(Start|End)?$`)

// Resolve turns the range into concrete bounds relative to now in loc. The
// upper bound is exclusive. Without an explicit date_to the window extends to
// the end of the current interval bucket.
func (r *DateRange) Resolve(now time.Time, loc *time.Location, interval Interval) (ResolvedRange, error) {
	now = now.In(loc)
	from := DefaultDateFrom
	if r != nil && r.DateFrom != nil && *r.DateFrom != "" {
		from = *r.DateFrom
	}
	out := ResolvedRange{}
	if from == "all" {
		out.All = true
	} else {
		t, err := parseDatePoint(from, now, loc, false)
		if err != nil {
			return ResolvedRange{}, err
		}
		if r == nil || !r.ExplicitDate {
			t = interval.Truncate(t)
		}
		out.From = t
	}
	if r != nil && r.DateTo != nil && *r.DateTo != "" {
		t, err := parseDatePoint(*r.DateTo, now, loc, true)
		if err != nil {
			return ResolvedRange{}, err
		}
		out.To = t
	} else {
		out.To = interval.Next(interval.Truncate(now))
	}
	if !out.All && !out.From.Before(out.To) {
		return ResolvedRange{}, fmt.Errorf("date_from must be before date_to")
	}
	return out, nil
}

// WholeDays reports whether both bounds fall on midnight in their location.
func (r ResolvedRange) WholeDays() bool {
	midnight := func(t time.Time) bool {
		return t.Hour() == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
	}
	return (r.All || midnight(r.From)) && midnight(r.To)
}

// Previous returns the window of equal length that ends where r starts.
func (r ResolvedRange) Previous() ResolvedRange {
	d := r.To.Sub(r.From)
	return ResolvedRange{From: r.From.Add(-d), To: r.From}
}

func parseDatePoint(s string, now time.Time, loc *time.Location, upper bool) (time.Time, error) {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	switch s {
	case "dStart":
		return today, nil
	case "mStart":
		return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc), nil
	case "yStart":
		return time.Date(now.Year(), 1, 1, 0, 0, 0, 0, loc), nil
	}
	if m := relativeRe.FindStringSubmatch(s); m != nil {
		n, _ := strconv.Atoi(m[1])
		var t time.Time
		switch m[2] {
		case "h":
			t = now.Add(-time.Duration(n) * time.Hour)
		case "d":
			t = now.AddDate(0, 0, -n)
		case "w":
			t = now.AddDate(0, 0, -7*n)
		case "m":
			t = now.AddDate(0, -n, 0)
		case "q":
			t = now.AddDate(0, -3*n, 0)
		case "y":
			t = now.AddDate(-n, 0, 0)
		}
		switch m[3] {
		case "Start":
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
		case "End":
			t = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		}
		return t, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		t, err := time.ParseInLocation(layout, s, loc)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" && upper {
			// A bare end date includes the whole day.
			t = t.AddDate(0, 0, 1)
		}
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid date %q", strings.TrimSpace(s))
}

func (r *DateRange) validate() error {
	if r == nil {
		return nil
	}
	now := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	if r.DateFrom != nil && *r.DateFrom != "" && *r.DateFrom != "all" {
		if _, err := parseDatePoint(*r.DateFrom, now, time.UTC, false); err != nil {
			return err
		}
	}
	if r.DateTo != nil && *r.DateTo != "" {
		if _, err := parseDatePoint(*r.DateTo, now, time.UTC, true); err != nil {
			return err
		}
	}
	return nil
}
