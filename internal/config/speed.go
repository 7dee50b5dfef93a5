package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Speed is either PassThrough (no throttling) or a positive bytes-per-second
// target.
type Speed struct {
	passThrough bool
	bps         uint64
}

func PassThroughSpeed() Speed { return Speed{passThrough: true} }

func BpsSpeed(bps uint64) Speed { return Speed{bps: bps} }

func (s Speed) IsPassThrough() bool { return s.passThrough }

// Bps returns the configured target and whether a bound is actually set.
func (s Speed) Bps() (uint64, bool) { return s.bps, !s.passThrough }

func (s Speed) String() string {
	if s.passThrough {
		return "PassThrough"
	}
	switch {
	case s.bps < 1<<10:
		return fmt.Sprintf("%dBps", s.bps)
	case s.bps < 1<<20:
		return fmt.Sprintf("%gKBps", float64(s.bps)/float64(1<<10))
	case s.bps < 1<<30:
		return fmt.Sprintf("%gMBps", float64(s.bps)/float64(1<<20))
	default:
		return fmt.Sprintf("%gGBps", float64(s.bps)/float64(1<<30))
	}
}

// ParseSpeed parses the CLI/config grammar for a throttle target: the
// literal "pass_through", a bare decimal byte count, or a decimal suffixed
// with Bps/KBps/MBps/GBps scaled by powers of 1024. Grounded on the
// original daemon's Speed::from_str.
func ParseSpeed(s string) (Speed, error) {
	if s == "pass_through" {
		return PassThroughSpeed(), nil
	}

	if strings.HasSuffix(s, "Bps") {
		n := strings.TrimSuffix(s, "Bps")
		if n == "" {
			return Speed{}, fmt.Errorf("config: invalid speed %q", s)
		}

		scale := uint64(1)
		last := n[len(n)-1]
		switch last {
		case 'K':
			scale = 1 << 10
			n = n[:len(n)-1]
		case 'M':
			scale = 1 << 20
			n = n[:len(n)-1]
		case 'G':
			scale = 1 << 30
			n = n[:len(n)-1]
		}

		value, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return Speed{}, fmt.Errorf("config: invalid speed %q: %w", s, err)
		}

		bps := value * scale
		if scale != 1 && value != 0 && bps/scale != value {
			return Speed{}, fmt.Errorf("config: speed %q overflows", s)
		}

		return BpsSpeed(bps), nil
	}

	value, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return Speed{}, fmt.Errorf("config: invalid speed %q: %w", s, err)
	}
	return BpsSpeed(value), nil
}
