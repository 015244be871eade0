package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponential(t *testing.T) {
	base := time.Second
	max := 10 * time.Second

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{60, 10 * time.Second},
		{5000, 10 * time.Second},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, Exponential(base, max, c.attempt), "attempt %d", c.attempt)
	}
}

func TestExponential_ZeroBase(t *testing.T) {
	assert.Equal(t, time.Duration(0), Exponential(0, time.Second, 3))
}

func TestPolicy_DelayIsPureWithoutJitter(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second}
	for attempt := 1; attempt <= 8; attempt++ {
		assert.Equal(t, p.Delay(attempt), p.Delay(attempt))
	}
	assert.Equal(t, 400*time.Millisecond, p.Delay(3))
}

func TestPolicy_DelayWithJitterStaysInBand(t *testing.T) {
	p := Policy{Base: time.Second, Max: time.Minute, Jitter: 0.2}
	for attempt := 1; attempt <= 6; attempt++ {
		want := Exponential(p.Base, p.Max, attempt)
		low := want - time.Duration(float64(want)*0.2)
		high := want + time.Duration(float64(want)*0.2)
		for i := 0; i < 50; i++ {
			got := p.Delay(attempt)
			assert.GreaterOrEqual(t, got, low)
			assert.LessOrEqual(t, got, high)
		}
	}
}

func TestExponentialJitter_ZeroDelayDoesNotPanic(t *testing.T) {
	assert.NotPanics(t, func() {
		assert.Equal(t, time.Duration(0), ExponentialJitter(0, 0, 1, 0.2))
	})
}
