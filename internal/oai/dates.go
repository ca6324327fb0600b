package oai

import (
	"fmt"
	"time"
)

// Granularity of an OAI-PMH datestamp.
type Granularity int

const (
	GranularityDay Granularity = iota
	GranularitySecond
)

const (
	dayLayout    = "2006-01-02"
	secondLayout = "2006-01-02T15:04:05Z"
)

// Now returns the current UTC time at second granularity.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// FormatDatestamp emits a datestamp in the protocol's second-granular form.
func FormatDatestamp(t time.Time) string {
	return t.UTC().Format(secondLayout)
}

// ParseDate parses an OAI-PMH datestamp. Exactly two shapes are accepted:
// YYYY-MM-DD (day granularity; the time of day comes from defaultTime) and
// YYYY-MM-DDTHH:MM:SSZ (second granularity). Anything else is an error.
func ParseDate(text string, defaultTime time.Duration) (time.Time, Granularity, error) {
	switch len(text) {
	case len(secondLayout):
		t, err := time.Parse(secondLayout, text)
		if err != nil {
			return time.Time{}, 0, err
		}
		return t.UTC(), GranularitySecond, nil
	case len(dayLayout):
		t, err := time.Parse(dayLayout, text)
		if err != nil {
			return time.Time{}, 0, err
		}
		return t.UTC().Add(defaultTime), GranularityDay, nil
	default:
		return time.Time{}, 0, fmt.Errorf("unsupported date format: %q", text)
	}
}

// Default times of day for day-granular from and until arguments.
const (
	StartOfDay = time.Duration(0)
	EndOfDay   = 23*time.Hour + 59*time.Minute + 59*time.Second
)
