package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes a capped exponential backoff. Jitter is a fraction of the
// computed delay (0.2 means +/- 20%); zero keeps Delay deterministic.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// Delay returns the wait before the given attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	if p.Jitter <= 0 {
		return Exponential(p.Base, p.Max, attempt)
	}
	return ExponentialJitter(p.Base, p.Max, attempt, p.Jitter)
}

// Exponential returns min(base * 2^(attempt-1), max).
func Exponential(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	if base <= 0 {
		return 0
	}
	mul := math.Pow(2, float64(attempt-1))
	d := float64(base) * mul
	if max > 0 && d >= float64(max) {
		return max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// ExponentialJitter spreads Exponential by +/- frac of its value.
func ExponentialJitter(base, max time.Duration, attempt int, frac float64) time.Duration {
	d := Exponential(base, max, attempt)
	j := time.Duration(float64(d) * frac)
	if j <= 0 {
		return d
	}
	return d - j + time.Duration(rand.Int63n(int64(2*j)))
}
