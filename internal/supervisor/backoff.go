package supervisor

import (
	"math"
	"time"
)

// RetryPolicy derives reconnection delays from the attempt counter.
type RetryPolicy struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
}

// Delay returns the wait before reconnection attempt n.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := time.Duration(float64(p.Base) * math.Pow(p.Multiplier, float64(attempt)))
	if d > p.Max || d < 0 {
		d = p.Max
	}
	return d
}
