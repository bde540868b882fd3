package config

import (
	"fmt"
	"strings"
	"time"
)

// Duration knobs in the config file are Go duration strings ("500ms", "1h").
// An empty value reads as zero, which downstream code treats as "use the
// component default".

func ParseDurationField(name, raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: invalid duration %q: %w", name, raw, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %q", name, raw)
	}
	return d, nil
}

// ParseDurationOrDefault substitutes def for empty or zero values.
func ParseDurationOrDefault(name, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(name, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}
