// Package dateparse turns user-typed date and time input into the canonical
// forms stored in rows: YYYY-MM-DD for dates and millisecond UTC instants for
// timestamps.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the stored form of calendar dates.
const DateLayout = "2006-01-02"

// TimestampLayout is the stored form of instants.
const TimestampLayout = "2006-01-02T15:04:05.000Z"

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// ParseDate parses a date input relative to time.Now.
func ParseDate(input string) (string, error) {
	return ParseDateFrom(input, time.Now())
}

// ParseDateFrom parses a date input relative to now.
//
// Accepted forms:
//   - exact dates: "2026-03-01"
//   - offsets: "+7d", "-2w", "+1m"
//   - weekday names: "friday" (next occurrence, never today)
//   - keywords: "today", "tomorrow", "yesterday", "next-week", "next-month"
func ParseDateFrom(input string, now time.Time) (string, error) {
	in := strings.ToLower(strings.TrimSpace(input))
	if in == "" {
		return "", fmt.Errorf("empty date input")
	}
	if t, err := time.Parse(DateLayout, in); err == nil {
		return t.Format(DateLayout), nil
	}

	switch in {
	case "today":
		return now.Format(DateLayout), nil
	case "tomorrow":
		return now.AddDate(0, 0, 1).Format(DateLayout), nil
	case "yesterday":
		return now.AddDate(0, 0, -1).Format(DateLayout), nil
	case "next-week":
		return now.AddDate(0, 0, daysUntil(now, time.Monday)).Format(DateLayout), nil
	case "next-month":
		y, m, _ := now.Date()
		return time.Date(y, m+1, 1, 0, 0, 0, 0, now.Location()).Format(DateLayout), nil
	}

	if day, ok := weekdays[in]; ok {
		return now.AddDate(0, 0, daysUntil(now, day)).Format(DateLayout), nil
	}

	if in[0] == '+' || in[0] == '-' {
		return parseOffset(in, now)
	}
	return "", fmt.Errorf("unrecognized date format: %q", input)
}

func daysUntil(now time.Time, day time.Weekday) int {
	n := (int(day) - int(now.Weekday()) + 7) % 7
	if n == 0 {
		n = 7
	}
	return n
}

func parseOffset(in string, now time.Time) (string, error) {
	if len(in) < 3 {
		return "", fmt.Errorf("unrecognized date format: %q", in)
	}
	n, err := strconv.Atoi(in[1 : len(in)-1])
	if err != nil || n < 0 {
		return "", fmt.Errorf("unrecognized date format: %q", in)
	}
	if in[0] == '-' {
		n = -n
	}
	switch in[len(in)-1] {
	case 'd':
		return now.AddDate(0, 0, n).Format(DateLayout), nil
	case 'w':
		return now.AddDate(0, 0, 7*n).Format(DateLayout), nil
	case 'm':
		return now.AddDate(0, n, 0).Format(DateLayout), nil
	}
	return "", fmt.Errorf("unknown relative unit %q in %q (use d, w, or m)", in[len(in)-1:], in)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05 -0700 MST", // time.Time.String()
}

// ParseTimestamp parses an instant in any of the layouts stores and users
// commonly produce. Layouts without a zone are read as UTC.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}

// Normalize truncates t to millisecond precision in UTC, the precision rows
// store.
func Normalize(t time.Time) time.Time {
	return t.UTC().Truncate(time.Millisecond)
}

// FormatTimestamp renders t in the stored timestamp form.
func FormatTimestamp(t time.Time) string {
	return Normalize(t).Format(TimestampLayout)
}
