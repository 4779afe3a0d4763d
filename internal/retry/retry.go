// Package retry holds the exponential backoff policy shared by queue replay
// and realtime reconnection.
package retry

import (
	"math"
	"time"
)

// Policy defines exponential backoff parameters.
type Policy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

// Delay returns min(BaseDelay * Factor^n, MaxDelay) for n >= 0.
// The result is non-decreasing in n.
func (p Policy) Delay(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2
	}

	delay := float64(p.BaseDelay) * math.Pow(p.Factor, float64(n))
	if p.MaxDelay > 0 && (delay > float64(p.MaxDelay) || math.IsInf(delay, 1)) {
		return p.MaxDelay
	}
	if delay > float64(math.MaxInt64) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(delay)
}
