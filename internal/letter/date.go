package letter

import (
	"fmt"
	"strings"
	"time"
)

var dateOnlyLayouts = []string{time.DateOnly, "2006/01/02"}

// ParseDeliveryDate reads an RFC 3339 instant as given. A date without a
// time of day takes the current UTC time of day.
func ParseDeliveryDate(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: empty", ErrInvalidDate)
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02T15:04"} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	for _, layout := range dateOnlyLayouts {
		d, err := time.Parse(layout, raw)
		if err != nil {
			continue
		}
		n := now.UTC()
		return time.Date(d.Year(), d.Month(), d.Day(), n.Hour(), n.Minute(), n.Second(), n.Nanosecond(), time.UTC), nil
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDate, raw)
}

// DisplayDate is the long form used in mail, e.g. "December 25, 2026".
func DisplayDate(t time.Time) string {
	return t.UTC().Format("January 2, 2006")
}
