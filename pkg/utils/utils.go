package utils

import (
	"math"
	"time"

	"golang.org/x/exp/constraints"
)

// SetDefaultNum sets *p to d if *p is zero or negative.
func SetDefaultNum[T constraints.Integer | constraints.Float](p *T, d T) {
	if *p <= 0 {
		*p = d
	}
}

// SetDefaultString sets *p to d if *p is empty.
func SetDefaultString(p *string, d string) {
	if len(*p) == 0 {
		*p = d
	}
}

// Clock returns the current time. Components take one so tests can
// move time forward without sleeping.
type Clock func() time.Time

// Now returns c() or time.Now() if c is nil.
func (c Clock) Now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Ms converts a millisecond count to a time.Duration.
func Ms(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Clamp01 limits f to [0, 1]. NaN becomes 0.
func Clamp01(f float64) float64 {
	switch {
	case math.IsNaN(f), f < 0:
		return 0
	case f > 1:
		return 1
	default:
		return f
	}
}
