package parse

import (
	"fmt"
	"strings"
	"time"
)

// Layouts accepted for server instants. The backend emits Python isoformat
// values, which may carry microseconds and may omit the zone.
var instantLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
}

// Instant parses an ISO-8601 instant. Values without a zone are taken as UTC.
// An empty string yields the zero time and no error.
func Instant(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range instantLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unable to parse instant %q", raw)
}
