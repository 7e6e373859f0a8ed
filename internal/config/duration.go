package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses a duration-typed config field such as
// cache.ttl or store.busy_timeout. An empty field means unset and
// yields zero; negative values are rejected. field names the config
// path in errors.
func ParseDurationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: negative duration %q", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with a fallback for
// unset fields.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return def, nil
	}
	return d, nil
}
