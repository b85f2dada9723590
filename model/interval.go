package model

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Interval is an immutable span of time used by reconnect policies, task
// deadlines and configuration. Two sentinel values extend time.Duration:
// Disabled (the feature the interval controls is turned off) and Infinite
// (never expires).
type Interval struct {
	d time.Duration
}

var (
	// Zero is an interval of no length.
	Zero = Interval{}
	// Disabled marks an interval-controlled feature as turned off.
	Disabled = Interval{d: -1}
	// Infinite never elapses.
	Infinite = Interval{d: math.MaxInt64}
)

// Secs builds an interval from fractional seconds.
func Secs(s float64) Interval {
	return FromDuration(time.Duration(s * float64(time.Second)))
}

// Millis builds an interval from milliseconds.
func Millis(ms int64) Interval {
	return FromDuration(time.Duration(ms) * time.Millisecond)
}

// FromDuration wraps d. Negative durations collapse to Disabled.
func FromDuration(d time.Duration) Interval {
	if d < 0 {
		return Disabled
	}
	return Interval{d: d}
}

// Duration returns the underlying duration. Disabled reports 0.
func (i Interval) Duration() time.Duration {
	if i.IsDisabled() {
		return 0
	}
	return i.d
}

// Seconds returns the interval in fractional seconds.
func (i Interval) Seconds() float64 { return i.Duration().Seconds() }

// IsDisabled reports whether i is the Disabled sentinel.
func (i Interval) IsDisabled() bool { return i.d < 0 }

// IsInfinite reports whether i is the Infinite sentinel.
func (i Interval) IsInfinite() bool { return i.d == math.MaxInt64 }

// IsZero reports whether i has no length.
func (i Interval) IsZero() bool { return i.d == 0 }

// Less reports whether i is strictly shorter than o. Disabled sorts before
// everything else and Infinite after.
func (i Interval) Less(o Interval) bool { return i.d < o.d }

// Add returns i+o, saturating at Infinite.
func (i Interval) Add(o Interval) Interval {
	if i.IsDisabled() || o.IsDisabled() {
		return Disabled
	}
	if i.IsInfinite() || o.IsInfinite() || i.d > math.MaxInt64-o.d {
		return Infinite
	}
	return Interval{d: i.d + o.d}
}

// Since is the interval between start and now, clamped at zero.
func Since(start, now time.Time) Interval {
	if now.Before(start) {
		return Zero
	}
	return Interval{d: now.Sub(start)}
}

func (i Interval) String() string {
	switch {
	case i.IsDisabled():
		return "disabled"
	case i.IsInfinite():
		return "infinite"
	default:
		return i.d.String()
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i Interval) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText accepts Go duration strings plus "disabled" and "infinite".
func (i *Interval) UnmarshalText(b []byte) error {
	parsed, err := ParseInterval(string(b))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// ParseInterval parses the textual form produced by String.
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return Disabled, nil
	case "infinite", "forever":
		return Infinite, nil
	case "", "0":
		return Zero, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return Zero, fmt.Errorf("parse interval %q: %w", s, err)
	}
	if d < 0 {
		return Zero, fmt.Errorf("parse interval %q: negative duration", s)
	}
	return Interval{d: d}, nil
}
