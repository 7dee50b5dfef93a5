package config

import (
	"fmt"
	"strconv"
	"time"
)

// ParseDuration accepts the CLI's duration grammar: a decimal integer
// suffixed with s, m, or h. Grounded on the original daemon's parse_time.
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("config: invalid duration %q", s)
	}

	suffix := s[len(s)-1]
	value, err := strconv.ParseUint(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}

	switch suffix {
	case 's':
		return time.Duration(value) * time.Second, nil
	case 'm':
		return time.Duration(value) * time.Minute, nil
	case 'h':
		return time.Duration(value) * time.Hour, nil
	default:
		return 0, fmt.Errorf("config: invalid duration suffix %q in %q", string(suffix), s)
	}
}
