package protocol

import "time"

// Canonical timestamps are ISO-8601 UTC with a trailing Z and millisecond
// precision when converted from wire milliseconds. They sort
// lexicographically in chronological order, which the replay path relies on.

// MsToTimestamp converts milliseconds since epoch to the canonical form.
// Zero maps to the empty string (field absent).
func MsToTimestamp(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format("2006-01-02T15:04:05.000Z")
}

// TimestampToMs converts a canonical timestamp back to milliseconds since
// epoch. Unparseable or empty input yields 0.
func TimestampToMs(ts string) int64 {
	if ts == "" {
		return 0
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.000Z",
		"2006-01-02T15:04:05.999999999Z",
		"2006-01-02T15:04:05Z",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.UTC().UnixMilli()
		}
	}
	return 0
}

// NowTimestamp returns the current time in canonical form.
func NowTimestamp() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
}
