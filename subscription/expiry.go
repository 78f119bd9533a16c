package subscription

import (
	"fmt"
	"strings"
	"time"
)

// older rows were written without a zone and are read as UTC
var legacyExpiryLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseExpiry reads a stored end_date. The bool is false when no expiry is
// set. Unknown formats return ErrStaleDateFormat.
func ParseExpiry(s string) (time.Time, bool, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true, nil
	}
	for _, layout := range legacyExpiryLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, true, nil
		}
	}
	return time.Time{}, false, fmt.Errorf("%w: %q", ErrStaleDateFormat, s)
}

func FormatExpiry(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
