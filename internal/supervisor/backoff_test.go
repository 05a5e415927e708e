package supervisor

import (
	"testing"
	"time"
)

func TestRetryPolicyDelay(t *testing.T) {
	p := RetryPolicy{
		Base:       500 * time.Millisecond,
		Multiplier: 2,
		Max:        10 * time.Second,
	}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 500 * time.Millisecond},
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, c := range cases {
		if got := p.Delay(c.attempt); got != c.want {
			t.Errorf("Delay(%d) = %v, want %v", c.attempt, got, c.want)
		}
	}
}

func TestRetryPolicyNonDecreasing(t *testing.T) {
	p := RetryPolicy{
		Base:       100 * time.Millisecond,
		Multiplier: 1.7,
		Max:        30 * time.Second,
	}

	prev := time.Duration(-1)
	for n := 0; n < 64; n++ {
		d := p.Delay(n)
		if d < prev {
			t.Fatalf("Delay(%d) = %v < Delay(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}
