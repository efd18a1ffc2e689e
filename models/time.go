package models

import "time"

const iso8601Layout = "2006-01-02T15:04:05.000Z"

// ISO8601 renders a millisecond epoch timestamp as UTC ISO-8601.
func ISO8601(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(iso8601Layout)
}

// ParseISO8601 parses venue timestamps such as 2014-11-07T08:19:27.028459Z
// into milliseconds since epoch.
func ParseISO8601(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, false
	}
	return t.UnixMilli(), true
}
