package connfsm

import (
	"math"
	"time"

	"github.com/cenkalti/backoff"
)

// StepBackOff grows the reconnection delay by Factor every StepEvery failed
// attempts, for at most MaxSteps steps
type StepBackOff struct {
	Base      time.Duration
	Factor    float64
	StepEvery int
	MaxSteps  int

	attempts int
}

var _ backoff.BackOff = (*StepBackOff)(nil)

// NewStepBackOff returns the default reconnection schedule: 500ms, growing
// 1.5 times every 2 attempts up to about a minute
func NewStepBackOff() *StepBackOff {
	return &StepBackOff{
		Base:      500 * time.Millisecond,
		Factor:    1.5,
		StepEvery: 2,
		MaxSteps:  12,
	}
}

// NextBackOff returns the delay before the next attempt and counts a failed
// attempt
func (b *StepBackOff) NextBackOff() time.Duration {
	step := b.attempts / b.StepEvery
	if step > b.MaxSteps {
		step = b.MaxSteps
	}
	b.attempts++
	return time.Duration(float64(b.Base) * math.Pow(b.Factor, float64(step)))
}

// Reset clears the failed attempt count. Called once a connection has stayed
// synced for a while.
func (b *StepBackOff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of failed attempts since the last Reset
func (b *StepBackOff) Attempts() int {
	return b.attempts
}
