package retry

import (
	"testing"
	"time"
)

func fixed(r float64) func() float64 {
	return func() float64 { return r }
}

func TestDelay(t *testing.T) {
	tests := []struct {
		name    string
		policy  Policy
		attempt int
		want    time.Duration
	}{
		{"first_no_jitter", Policy{Base: time.Second, Max: 30 * time.Second, Rand: fixed(0.5)}, 0, time.Second},
		{"doubles", Policy{Base: time.Second, Max: 30 * time.Second}, 3, 8 * time.Second},
		{"jitter_applied", Policy{Base: time.Second, Max: 30 * time.Second, Jitter: 0.2, Rand: fixed(0.5)}, 1, 2200 * time.Millisecond},
		{"capped", Policy{Base: time.Second, Max: 30 * time.Second}, 5, 30 * time.Second},
		{"jitter_capped", Policy{Base: time.Second, Max: 10 * time.Second, Jitter: 1, Rand: fixed(0.9)}, 3, 10 * time.Second},
		{"huge_attempt", Policy{Base: time.Second, Max: time.Minute}, 1000, time.Minute},
		{"negative_attempt", Policy{Base: time.Second, Max: time.Minute}, -4, time.Second},
		{"defaults", Policy{}, 0, DefaultBase},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.policy.Delay(tc.attempt); got != tc.want {
				t.Errorf("Delay(%d) = %v, want %v", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestDelayBoundsAndMonotonic(t *testing.T) {
	rs := []float64{0, 0.25, 0.5, 0.999}
	for _, jitter := range []float64{0, 0.2, 0.5, 1} {
		for _, r := range rs {
			p := Policy{Base: 500 * time.Millisecond, Max: 20 * time.Second, Jitter: jitter, Rand: fixed(r)}
			prev := time.Duration(0)
			for n := 0; n < 20; n++ {
				d := p.Delay(n)
				lower := p.Base << n
				if lower > p.Max || lower <= 0 {
					lower = p.Max
				}
				if d < lower || d > p.Max {
					t.Fatalf("jitter=%v r=%v: Delay(%d) = %v outside [%v, %v]", jitter, r, n, d, lower, p.Max)
				}
				if d < prev {
					t.Fatalf("jitter=%v r=%v: Delay(%d) = %v < Delay(%d) = %v", jitter, r, n, d, n-1, prev)
				}
				prev = d
			}
		}
	}
}

func TestDelayMonotonicAcrossRandomDraws(t *testing.T) {
	// Worst case: maximal jitter on attempt n, none on n+1.
	hi := Policy{Base: time.Second, Max: time.Hour, Jitter: 1, Rand: fixed(0.9999)}
	lo := Policy{Base: time.Second, Max: time.Hour, Jitter: 1, Rand: fixed(0)}
	for n := 0; n < 10; n++ {
		if hi.Delay(n) > lo.Delay(n+1) {
			t.Errorf("Delay(%d) with max jitter %v exceeds Delay(%d) without jitter %v", n, hi.Delay(n), n+1, lo.Delay(n+1))
		}
	}
}

func TestSequence(t *testing.T) {
	p := Policy{Base: 100 * time.Millisecond, Max: time.Second, Rand: fixed(0)}
	seq := p.Sequence()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond, 800 * time.Millisecond, time.Second, time.Second}
	for i, w := range want {
		if got := seq.NextBackOff(); got != w {
			t.Errorf("NextBackOff() #%d = %v, want %v", i, got, w)
		}
	}
	seq.Reset()
	if got := seq.NextBackOff(); got != 100*time.Millisecond {
		t.Errorf("NextBackOff() after Reset = %v", got)
	}
}

func TestDefault(t *testing.T) {
	p := Default()
	if p.Base != DefaultBase || p.Max != DefaultMax || p.Jitter != DefaultJitter {
		t.Errorf("Default() = %+v", p)
	}
	for n := 0; n < 10; n++ {
		if d := p.Delay(n); d < DefaultBase || d > DefaultMax {
			t.Errorf("Delay(%d) = %v out of bounds", n, d)
		}
	}
}

func TestCeiling(t *testing.T) {
	if got := (Policy{Max: 5 * time.Second}).Ceiling(); got != 5*time.Second {
		t.Errorf("Ceiling() = %v, want 5s", got)
	}
	if got := (Policy{}).Ceiling(); got != DefaultMax {
		t.Errorf("Ceiling() of zero policy = %v, want %v", got, DefaultMax)
	}
}
