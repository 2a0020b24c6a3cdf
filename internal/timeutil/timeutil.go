// Package timeutil parses the timestamps found in item fields and computes
// the derived age fields used by rules.
package timeutil

import (
	"fmt"
	"strings"
	"time"
)

// Clock returns the current time. Components take a Clock so tests can pin
// "now".
type Clock func() time.Time

// Now is the system clock in UTC.
func Now() time.Time { return time.Now().UTC() }

// layouts are tried in order by Parse.
var layouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse reads a timestamp in any of the forms sources produce:
// "2024-01-02T03:04:05Z", "2024-01-02T03:04:05.123Z", an explicit offset,
// or a zoneless "2024-01-02T03:04:05", which is taken as UTC.
func Parse(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// Format renders t the way timestamps are stored: RFC 3339 in UTC.
func Format(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// DaysLater returns the moment days after now.
func DaysLater(now time.Time, days float64) time.Time {
	return now.Add(time.Duration(days * float64(24*time.Hour)))
}

// Age fields added to items before scoring.
const (
	SecondsSinceCreation = "seconds_since_creation"
	SecondsSinceUpdate   = "seconds_since_update"
)

// WithAges returns a shallow copy of fields with seconds_since_creation and
// seconds_since_update computed from the "created" and "updated" fields.
// Missing or unparsable timestamps add nothing.
func WithAges(fields map[string]any, now time.Time) map[string]any {
	out := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	if age, ok := ageOf(fields["created"], now); ok {
		out[SecondsSinceCreation] = age
	}
	if age, ok := ageOf(fields["updated"], now); ok {
		out[SecondsSinceUpdate] = age
	}
	return out
}

func ageOf(v any, now time.Time) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	t, err := Parse(s)
	if err != nil {
		return 0, false
	}
	return now.Sub(t).Seconds(), true
}
