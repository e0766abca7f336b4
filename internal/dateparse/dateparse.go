// Package dateparse turns the dates people type for a price observation
// ("today", "-3d", "friday", "2 days ago") into YYYY-MM-DD.
package dateparse

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

const layout = "2006-01-02"

var parser = newParser()

func newParser() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}

// ParseDate parses a date input string and returns an ISO 8601 date (YYYY-MM-DD).
// Uses the current time as the reference point.
//
// Supported formats:
//   - Exact dates: "2026-03-01"
//   - Keywords: "today", "yesterday"
//   - Relative days back: "-3d", "-1w"
//   - Day names: "monday", "tuesday", etc. (most recent occurrence, today included)
//   - Anything olebedev/when understands: "2 days ago", "last friday"
func ParseDate(input string) (string, error) {
	return ParseDateFrom(input, time.Now())
}

// ParseDateFrom parses a date input string relative to the given reference time.
// This variant enables deterministic testing with a fixed "now".
func ParseDateFrom(input string, now time.Time) (string, error) {
	input = strings.TrimSpace(strings.ToLower(input))
	if input == "" {
		return "", fmt.Errorf("empty date input")
	}

	// Exact date: YYYY-MM-DD
	if t, err := time.Parse(layout, input); err == nil {
		return t.Format(layout), nil
	}

	switch input {
	case "today", "now":
		return formatDate(now), nil
	case "yesterday":
		return formatDate(now.AddDate(0, 0, -1)), nil
	}

	// Relative offsets back in time: -Nd, -Nw
	if strings.HasPrefix(input, "-") && len(input) >= 3 {
		suffix := input[len(input)-1]
		n, err := strconv.Atoi(input[1 : len(input)-1])
		if err == nil && n >= 0 {
			switch suffix {
			case 'd':
				return formatDate(now.AddDate(0, 0, -n)), nil
			case 'w':
				return formatDate(now.AddDate(0, 0, -7*n)), nil
			default:
				return "", fmt.Errorf("unknown relative unit %q in %q (use d or w)", string(suffix), input)
			}
		}
	}

	// Bare day names: the most recent occurrence, which may be today
	dayMap := map[string]time.Weekday{
		"sunday":    time.Sunday,
		"monday":    time.Monday,
		"tuesday":   time.Tuesday,
		"wednesday": time.Wednesday,
		"thursday":  time.Thursday,
		"friday":    time.Friday,
		"saturday":  time.Saturday,
	}
	if target, ok := dayMap[input]; ok {
		daysBack := (int(now.Weekday()) - int(target) + 7) % 7
		return formatDate(now.AddDate(0, 0, -daysBack)), nil
	}

	r, err := parser.Parse(input, now)
	if err != nil {
		return "", fmt.Errorf("parse date %q: %w", input, err)
	}
	if r == nil {
		return "", fmt.Errorf("unrecognized date format: %q", input)
	}
	return formatDate(r.Time), nil
}

// ParseObservedDate is ParseDateFrom for observation dates, which cannot lie
// in the future.
func ParseObservedDate(input string, now time.Time) (string, error) {
	date, err := ParseDateFrom(input, now)
	if err != nil {
		return "", err
	}
	if date > formatDate(now) {
		return "", fmt.Errorf("date %s is in the future", date)
	}
	return date, nil
}

func formatDate(t time.Time) string {
	return t.Format(layout)
}
