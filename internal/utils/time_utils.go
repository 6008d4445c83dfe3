package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var durationUnits = []struct {
	suffix string
	unit   time.Duration
}{
	{"s", time.Second},
	{"m", time.Minute},
	{"h", time.Hour},
	{"d", 24 * time.Hour},
}

// ParseStringTime parses config durations such as "10s", "20M", "48h" or "2d".
// Anything else is handed to time.ParseDuration, so "1m30s" and "250ms" work too.
// An empty string is a zero duration.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if timeString == "" {
		return 0, nil
	}
	for _, u := range durationUnits {
		cutString, found := strings.CutSuffix(timeString, u.suffix)
		if !found {
			continue
		}
		number, err := strconv.Atoi(cutString)
		if err != nil {
			break
		}
		if number < 0 {
			return 0, fmt.Errorf("negative duration: %s", timeString)
		}
		return time.Duration(number) * u.unit, nil
	}
	d, err := time.ParseDuration(timeString)
	if err != nil {
		return 0, fmt.Errorf("invalid time format: %s", timeString)
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration: %s", timeString)
	}
	return d, nil
}

// MustParseStringTime is ParseStringTime for values already validated at load time.
func MustParseStringTime(timeString string) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		return 0
	}
	return d
}
