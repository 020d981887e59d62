// Package retry computes reconnection delays.
//
// A Policy doubles a base delay per attempt, applies multiplicative jitter
// and caps the result:
//
//	delay(n) = min(Max, Base * 2^n * (1 + Jitter*r)),  r in [0, 1)
//
// Delay is pure given the random source, so tests inject Rand.
package retry

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// Defaults for connection retries.
const (
	DefaultBase   = 1 * time.Second
	DefaultMax    = 30 * time.Second
	DefaultJitter = 0.2
)

// Policy is an exponential backoff policy with jitter.
type Policy struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
	// Rand returns a value in [0, 1). Nil uses a shared math/rand source.
	Rand func() float64
}

// Default returns the connection retry policy.
func Default() Policy {
	return Policy{Base: DefaultBase, Max: DefaultMax, Jitter: DefaultJitter}
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func sharedRand() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}

// Delay returns the wait before retry attempt n (zero based). The result is
// never below min(Base*2^n, Max) and never above Max.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := p.Base
	if base <= 0 {
		base = DefaultBase
	}
	max := p.Ceiling()
	jitter := p.Jitter
	if jitter < 0 {
		jitter = 0
	}

	// Beyond 62 doublings the value overflows; the cap applies anyway.
	if attempt > 62 {
		return max
	}
	d := float64(base) * math.Pow(2, float64(attempt))
	if d >= float64(max) {
		return max
	}

	r := 0.0
	if jitter > 0 {
		if p.Rand != nil {
			r = p.Rand()
		} else {
			r = sharedRand()
		}
	}
	d *= 1 + jitter*r
	if d >= float64(max) {
		return max
	}
	return time.Duration(d)
}

// Ceiling returns the largest delay the policy produces.
func (p Policy) Ceiling() time.Duration {
	if p.Max <= 0 {
		return DefaultMax
	}
	return p.Max
}

// Sequence returns a backoff.BackOff that yields Delay(0), Delay(1), ...
func (p Policy) Sequence() backoff.BackOff {
	return &sequence{policy: p}
}

type sequence struct {
	policy  Policy
	attempt int
}

// NextBackOff implements backoff.BackOff.
func (s *sequence) NextBackOff() time.Duration {
	d := s.policy.Delay(s.attempt)
	s.attempt++
	return d
}

// Reset implements backoff.BackOff.
func (s *sequence) Reset() {
	s.attempt = 0
}
