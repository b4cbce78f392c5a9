package helper

import (
	"time"
)

// Persisted timestamps are RFC 3339 in UTC, second precision.
const TimeLayout = "2006-01-02T15:04:05Z07:00"

// FormatTime renders a timestamp for persistence
func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime parses a persisted timestamp
func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

// ExpiresAt converts a TTL to an absolute expiry. A zero or negative TTL
// yields the zero time, meaning no expiry.
func ExpiresAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}
