package auth

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/retry"
)

var fastPolicy = retry.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for callback")
		var zero T
		return zero
	}
}

func TestRenewerRenewsBeforeShortExpiry(t *testing.T) {
	fc := clock.Fake(epoch)
	var n int32
	p, _ := NewProvider(Options{
		Clock: fc,
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			i := atomic.AddInt32(&n, 1)
			now := fc.Now()
			return &TokenDetails{Token: fmt.Sprintf("tok-%d", i), Issued: now, Expires: now.Add(5 * time.Second)}, nil
		},
	})
	first, err := p.Authorize(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	renewed := make(chan *TokenDetails, 4)
	renewing := make(chan struct{}, 4)
	r := p.NewRenewer(RenewerOptions{
		Policy:     fastPolicy,
		OnRenewing: func() { renewing <- struct{}{} },
		OnRenewed:  func(td *TokenDetails) { renewed <- td },
		OnExpired:  func(err error) { t.Errorf("unexpected expiry: %v", err) },
	})
	defer r.Stop()
	r.Schedule(first)

	fc.Advance(2 * time.Second)
	select {
	case <-renewed:
		t.Fatal("renewed too early")
	default:
	}

	fc.Advance(500 * time.Millisecond)
	waitFor(t, renewing)
	td := waitFor(t, renewed)
	if td.Token != "tok-2" {
		t.Errorf("renewed token = %q, want tok-2", td.Token)
	}
	if !fc.Now().Before(first.Expires) {
		t.Errorf("renewal at %v did not precede expiry %v", fc.Now(), first.Expires)
	}
	if got := p.TokenDetails().Token; got != "tok-2" {
		t.Errorf("provider token = %q", got)
	}

	// The next renewal is scheduled from the new token.
	fc.WaitForTimers(1)
	fc.Advance(2500 * time.Millisecond)
	if td := waitFor(t, renewed); td.Token != "tok-3" {
		t.Errorf("second renewal token = %q, want tok-3", td.Token)
	}
}

func TestRenewerImmediateInsideMargin(t *testing.T) {
	fc := clock.Fake(epoch)
	p, _ := NewProvider(Options{
		Clock:        fc,
		RenewMargin:  30 * time.Second,
		TokenDetails: &TokenDetails{Token: "old", Issued: epoch.Add(-time.Hour), Expires: epoch.Add(10 * time.Second)},
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			return &TokenDetails{Token: "new", Issued: fc.Now(), Expires: fc.Now().Add(time.Hour)}, nil
		},
	})
	renewed := make(chan *TokenDetails, 1)
	r := p.NewRenewer(RenewerOptions{Policy: fastPolicy, OnRenewed: func(td *TokenDetails) { renewed <- td }})
	defer r.Stop()

	r.Schedule(p.TokenDetails())
	if td := waitFor(t, renewed); td.Token != "new" {
		t.Errorf("Token = %q", td.Token)
	}
}

func TestRenewerExhaustion(t *testing.T) {
	fc := clock.Fake(epoch)
	var attempts int32
	p, _ := NewProvider(Options{
		Clock: fc,
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, errors.New("endpoint down")
		},
	})
	expired := make(chan error, 1)
	r := p.NewRenewer(RenewerOptions{
		MaxAttempts: 3,
		Policy:      fastPolicy,
		OnRenewed:   func(*TokenDetails) { t.Error("unexpected renewal") },
		OnExpired:   func(err error) { expired <- err },
	})
	defer r.Stop()

	r.RenewNow()
	// Retries wait on the injected clock.
	for i := 0; i < 2; i++ {
		fc.WaitForTimers(1)
		fc.Advance(fastPolicy.Max)
	}
	err := waitFor(t, expired)
	if !errors.Is(err, ErrAuthExpired) {
		t.Errorf("error = %v, want ErrAuthExpired", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	if r.Renewing() {
		t.Error("Renewing() = true after exhaustion")
	}
}

func TestRenewerRetriesOnInjectedClock(t *testing.T) {
	fc := clock.Fake(epoch)
	var attempts int32
	p, _ := NewProvider(Options{
		Clock: fc,
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return nil, errors.New("endpoint down")
			}
			return &TokenDetails{Token: "fresh", Issued: fc.Now(), Expires: fc.Now().Add(time.Hour)}, nil
		},
	})
	renewed := make(chan *TokenDetails, 1)
	r := p.NewRenewer(RenewerOptions{
		MaxAttempts: 3,
		Policy:      retry.Policy{Base: time.Second, Max: 4 * time.Second},
		OnRenewed:   func(td *TokenDetails) { renewed <- td },
		OnExpired:   func(err error) { t.Errorf("unexpected expiry: %v", err) },
	})
	defer r.Stop()

	r.RenewNow()
	fc.WaitForTimers(1)
	fc.Advance(999 * time.Millisecond)
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Fatalf("attempts before first delay elapsed = %d, want 1", got)
	}

	fc.Advance(time.Millisecond)
	fc.WaitForTimers(1)
	if got := atomic.LoadInt32(&attempts); got != 2 {
		t.Fatalf("attempts after first delay = %d, want 2", got)
	}

	// The second delay doubles.
	fc.Advance(2 * time.Second)
	if td := waitFor(t, renewed); td.Token != "fresh" {
		t.Errorf("Token = %q, want fresh", td.Token)
	}
	if got := atomic.LoadInt32(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestRenewerPermanentFailureStopsRetrying(t *testing.T) {
	var attempts int32
	p, _ := NewProvider(Options{
		Clock: clock.Fake(epoch),
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			atomic.AddInt32(&attempts, 1)
			return nil, ErrNoMeansToRenew
		},
	})
	expired := make(chan error, 1)
	r := p.NewRenewer(RenewerOptions{MaxAttempts: 5, Policy: fastPolicy, OnExpired: func(err error) { expired <- err }})
	defer r.Stop()

	r.RenewNow()
	err := waitFor(t, expired)
	if !errors.Is(err, ErrNoMeansToRenew) {
		t.Errorf("error = %v, want ErrNoMeansToRenew", err)
	}
	if got := atomic.LoadInt32(&attempts); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
}

func TestRenewerStopCancelsSchedule(t *testing.T) {
	fc := clock.Fake(epoch)
	p, _ := NewProvider(Options{
		Clock: fc,
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			t.Error("callback must not run after Stop")
			return "x", nil
		},
	})
	r := p.NewRenewer(RenewerOptions{})
	r.Schedule(&TokenDetails{Token: "t", Issued: epoch, Expires: epoch.Add(time.Hour)})
	if fc.Pending() != 1 {
		t.Fatalf("Pending() = %d, want 1", fc.Pending())
	}
	r.Stop()
	if fc.Pending() != 0 {
		t.Errorf("Pending() after Stop = %d", fc.Pending())
	}
	fc.Advance(2 * time.Hour)
	r.RenewNow()
	r.Schedule(&TokenDetails{Token: "t", Expires: fc.Now().Add(time.Hour)})
	if fc.Pending() != 0 {
		t.Error("stopped renewer scheduled a timer")
	}
}

func TestRenewerStopDuringRenewal(t *testing.T) {
	started := make(chan struct{})
	p, _ := NewProvider(Options{
		Clock: clock.Fake(epoch),
		AuthCallback: func(ctx context.Context, params TokenParams) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	r := p.NewRenewer(RenewerOptions{
		OnRenewed: func(*TokenDetails) { t.Error("unexpected renewal") },
		OnExpired: func(error) { t.Error("unexpected expiry") },
	})
	r.RenewNow()
	waitFor(t, started)
	r.Stop()
}

func TestRenewMarginCap(t *testing.T) {
	tests := []struct {
		name   string
		td     *TokenDetails
		margin time.Duration
		want   time.Duration
	}{
		{"long_token", &TokenDetails{Issued: epoch, Expires: epoch.Add(time.Hour)}, 30 * time.Second, 30 * time.Second},
		{"short_token", &TokenDetails{Issued: epoch, Expires: epoch.Add(5 * time.Second)}, 30 * time.Second, 2500 * time.Millisecond},
		{"no_issued", &TokenDetails{Expires: epoch.Add(10 * time.Second)}, 30 * time.Second, 5 * time.Second},
	}
	for _, tc := range tests {
		if got := renewMargin(tc.td, epoch, tc.margin); got != tc.want {
			t.Errorf("%s: renewMargin() = %v, want %v", tc.name, got, tc.want)
		}
	}
}
