// Package timeparse turns the time expressions accepted by the CLI and the
// HTTP query parameters into UTC instants.
//
// Accepted forms:
//
//	1h, 30m, 7d, 2w, 1h30m       relative shorthand, meaning that long ago
//	2026-03-01T12:00:00Z         RFC 3339 / ISO-8601 (date-only and local forms too)
//	now, today, yesterday
//	last hour, last week
//	3 days ago, an hour ago
//
// Every form must resolve to an instant that is not in the future.
package timeparse

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Error reports an unparseable time expression.
type Error struct {
	Input  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid time %q: %s", e.Input, e.Reason)
}

var (
	shorthandRE = regexp.MustCompile(`^(\d+)([smhdw])$`)
	agoRE       = regexp.MustCompile(`^(\d+|an?)\s+([a-z]+?)s?\s+ago$`)
	lastRE      = regexp.MustCompile(`^last\s+([a-z]+)$`)
)

var units = map[string]time.Duration{
	"s":      time.Second,
	"sec":    time.Second,
	"second": time.Second,
	"m":      time.Minute,
	"min":    time.Minute,
	"minute": time.Minute,
	"h":      time.Hour,
	"hr":     time.Hour,
	"hour":   time.Hour,
	"d":      24 * time.Hour,
	"day":    24 * time.Hour,
	"w":      7 * 24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Parse resolves s relative to the current time. An empty or
// whitespace-only input is not an error: it returns the zero time and
// ok=false, meaning "no bound".
func Parse(s string) (t time.Time, ok bool, err error) {
	return ParseAt(s, time.Now())
}

// ParseAt is Parse with an explicit reference instant.
func ParseAt(s string, now time.Time) (time.Time, bool, error) {
	in := strings.ToLower(strings.TrimSpace(s))
	if in == "" {
		return time.Time{}, false, nil
	}
	now = now.UTC()

	t, err := resolve(in, now)
	if err != nil {
		return time.Time{}, false, &Error{Input: s, Reason: err.Error()}
	}
	t = t.UTC()
	if t.After(now) {
		return time.Time{}, false, &Error{Input: s, Reason: "resolves to the future"}
	}
	return t, true, nil
}

func resolve(in string, now time.Time) (time.Time, error) {
	switch in {
	case "now":
		return now, nil
	case "today":
		return startOfDay(now), nil
	case "yesterday":
		return startOfDay(now).AddDate(0, 0, -1), nil
	}

	if m := shorthandRE.FindStringSubmatch(in); m != nil {
		d, err := lookback(m[1], units[m[2]])
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(-d), nil
	}

	// Compound durations such as 1h30m. Negative values would point forward.
	if d, err := time.ParseDuration(in); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("negative duration")
		}
		return now.Add(-d), nil
	}

	if m := agoRE.FindStringSubmatch(in); m != nil {
		unit, ok := units[m[2]]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown unit %q", m[2])
		}
		count := m[1]
		if count == "a" || count == "an" {
			count = "1"
		}
		d, err := lookback(count, unit)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(-d), nil
	}

	if m := lastRE.FindStringSubmatch(in); m != nil {
		unit, ok := units[m[1]]
		if !ok {
			return time.Time{}, fmt.Errorf("unknown unit %q", m[1])
		}
		return now.Add(-unit), nil
	}

	// Timestamps keep their original case (the T and Z separators).
	raw := strings.ToUpper(in)
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("expected a duration like 1h or 7d, an ISO-8601 timestamp, or an expression like \"2 hours ago\"")
}

// lookback returns count units as a Duration, rejecting counts whose
// product does not fit (about 292 years).
func lookback(count string, unit time.Duration) (time.Duration, error) {
	n, err := strconv.ParseInt(count, 10, 64)
	if err != nil || n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("%s%s is out of range", count, unitName(unit))
	}
	return time.Duration(n) * unit, nil
}

func unitName(unit time.Duration) string {
	switch unit {
	case time.Second:
		return "s"
	case time.Minute:
		return "m"
	case time.Hour:
		return "h"
	case 24 * time.Hour:
		return "d"
	}
	return "w"
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
