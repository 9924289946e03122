package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a YAML-friendly duration requiring an explicit unit.
// Accepted forms: <n>ms, <n>s, <n>m, <n>h. A bare number is an error.
type Duration time.Duration

// ParseDuration parses a duration string with a mandatory unit.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	var unit time.Duration
	var numPart string
	switch {
	case strings.HasSuffix(s, "ms"):
		unit, numPart = time.Millisecond, strings.TrimSuffix(s, "ms")
	case strings.HasSuffix(s, "s"):
		unit, numPart = time.Second, strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		unit, numPart = time.Minute, strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "h"):
		unit, numPart = time.Hour, strings.TrimSuffix(s, "h")
	default:
		return 0, fmt.Errorf("duration %q requires an explicit unit (ms, s, m, h)", s)
	}

	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return time.Duration(n * float64(unit)), nil
}

func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return fmt.Errorf("duration must be a string with a unit: %w", err)
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }
