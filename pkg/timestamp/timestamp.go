// Package timestamp parses the timestamp encodings seen on the detection
// socket and in session history: RFC3339 with or without fractional seconds,
// zone-less ISO-8601 as produced by Python's isoformat, and unix seconds or
// milliseconds as numbers or numeric strings.
package timestamp

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Zone-less layouts are interpreted in the location passed to ParseIn.
var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

// ToUnixMs converts a time.Time to Unix milliseconds. Zero time maps to 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromUnixMs converts Unix milliseconds to time.Time. Zero maps to zero time.
func FromUnixMs(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// Format renders a time as RFC3339 with millisecond precision in UTC, or ""
// for the zero time.
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// Parse is ParseIn with zone-less values read as UTC.
func Parse(input any) (time.Time, bool) {
	return ParseIn(input, time.UTC)
}

// ParseIn converts input into a time. Numbers above 1e12 are unix
// milliseconds, smaller ones unix seconds. It reports false for empty,
// zero or unparseable input.
func ParseIn(input any, loc *time.Location) (time.Time, bool) {
	if loc == nil {
		loc = time.UTC
	}

	switch v := input.(type) {
	case nil:
		return time.Time{}, false
	case time.Time:
		return v, !v.IsZero()
	case int64:
		return fromNumber(float64(v))
	case int:
		return fromNumber(float64(v))
	case float64:
		return fromNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return fromNumber(f)
	case string:
		return parseString(strings.TrimSpace(v), loc)
	default:
		return time.Time{}, false
	}
}

func fromNumber(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)), true
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec), true
}

func parseString(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, true
	}
	for _, layout := range naiveLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return fromNumber(f)
	}
	return time.Time{}, false
}
