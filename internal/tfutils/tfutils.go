package tfutils

import (
	"errors"
	"time"
)

var durations = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
}

// ParseTimeframe parses timeframe string (e.g., "5m", "1h") to time.Duration
func ParseTimeframe(timeframe string) (time.Duration, error) {
	d, ok := durations[timeframe]
	if !ok {
		return 0, errors.New("unsupported timeframe")
	}
	return d, nil
}

// GetTimeframeDuration returns the duration for a given timeframe, 0 if unknown
func GetTimeframeDuration(timeframe string) time.Duration {
	return durations[timeframe]
}

func TimeframeMinutes(timeframe string) int {
	return int(durations[timeframe] / time.Minute)
}

// GetSupportedTimeframes returns all supported timeframes, finest first
func GetSupportedTimeframes() []string {
	return []string{"1m", "5m", "15m", "30m", "1h", "2h", "4h", "12h", "1d"}
}

// IsValidTimeframe checks if a timeframe is supported
func IsValidTimeframe(timeframe string) bool {
	return GetTimeframeDuration(timeframe) > 0
}

// Align truncates t to the start of its timeframe bucket. Buckets are
// anchored at the Unix epoch, which matches exchange candle boundaries
// for every supported timeframe.
func Align(t time.Time, timeframe string) time.Time {
	d := GetTimeframeDuration(timeframe)
	if d == 0 {
		return t
	}
	return t.UTC().Truncate(d)
}

// IsCoarser reports whether a is a strictly longer timeframe than b.
func IsCoarser(a, b string) bool {
	return GetTimeframeDuration(a) > GetTimeframeDuration(b)
}
