package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/retry"
)

// DefaultRenewAttempts is the number of renewal attempts before giving up.
const DefaultRenewAttempts = 5

// RenewerOptions configure a Renewer.
type RenewerOptions struct {
	// MaxAttempts bounds renewal attempts per expiry. Default: 5.
	MaxAttempts int

	// Policy spaces renewal attempts. Default: 500ms doubling to 10s.
	Policy retry.Policy

	// OnRenewing is called when a renewal starts.
	OnRenewing func()

	// OnRenewed is called with each new token.
	OnRenewed func(*TokenDetails)

	// OnExpired is called when every attempt failed. The error matches
	// ErrAuthExpired.
	OnExpired func(error)
}

// Renewer renews a provider's token before it expires.
type Renewer struct {
	p      *Provider
	clock  clock.Clock
	opts   RenewerOptions
	logger *slog.Logger

	mu       sync.Mutex
	timer    *clock.Timer
	cancel   context.CancelFunc
	inflight bool
	stopped  bool
	wg       sync.WaitGroup
}

// NewRenewer returns a Renewer for p. Nothing is scheduled until Schedule.
func (p *Provider) NewRenewer(opts RenewerOptions) *Renewer {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultRenewAttempts
	}
	if opts.Policy.Base == 0 {
		opts.Policy = retry.Policy{Base: 500 * time.Millisecond, Max: 10 * time.Second, Jitter: retry.DefaultJitter}
	}
	return &Renewer{
		p:      p,
		clock:  p.clock,
		opts:   opts,
		logger: p.logger.With("component", "auth.renewer"),
	}
}

// Schedule arranges renewal RenewMargin before td expires, replacing any
// earlier schedule. Renewal starts immediately if td is already inside
// the margin. Tokens without expiry are not scheduled.
func (r *Renewer) Schedule(td *TokenDetails) {
	if td == nil || td.Expires.IsZero() || !r.p.CanRenew() {
		return
	}
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	now := r.clock.Now()
	delay := td.Expires.Add(-renewMargin(td, now, r.p.RenewMargin())).Sub(now)
	if delay > 0 {
		r.timer = r.clock.AfterFunc(delay, r.RenewNow)
		r.mu.Unlock()
		r.logger.Debug("token renewal scheduled", "in", delay)
		return
	}
	r.mu.Unlock()
	r.RenewNow()
}

// RenewNow starts a renewal unless one is already running.
func (r *Renewer) RenewNow() {
	r.mu.Lock()
	if r.stopped || r.inflight {
		r.mu.Unlock()
		return
	}
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.inflight = true
	r.wg.Add(1)
	r.mu.Unlock()

	if r.opts.OnRenewing != nil {
		r.opts.OnRenewing()
	}
	go r.run(ctx, cancel)
}

// Renewing reports whether a renewal is in flight.
func (r *Renewer) Renewing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

func (r *Renewer) run(ctx context.Context, cancel context.CancelFunc) {
	defer r.wg.Done()
	defer cancel()

	var (
		td  *TokenDetails
		err error
	)
	b := backoff.WithMaxRetries(r.opts.Policy.Sequence(), uint64(r.opts.MaxAttempts-1))
	b.Reset()
	attempt := 0
	for {
		attempt++
		td, err = r.p.Authorize(ctx)
		if err == nil || errors.Is(err, ErrNoMeansToRenew) || ctx.Err() != nil {
			break
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		r.logger.Warn("token renewal failed, retrying", "attempt", attempt, "retry_in", next, "error", err)
		if !r.sleep(ctx, next) {
			break
		}
	}

	r.mu.Lock()
	r.inflight = false
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return
	}

	if err != nil {
		r.logger.Error("token renewal exhausted", "attempts", attempt, "error", err)
		if r.opts.OnExpired != nil {
			r.opts.OnExpired(fmt.Errorf("%w: %w", ErrAuthExpired, err))
		}
		return
	}
	r.logger.Info("token renewed", "expires", td.Expires)
	if r.opts.OnRenewed != nil {
		r.opts.OnRenewed(td)
	}
	r.Schedule(td)
}

// sleep waits d on the renewer's clock. It reports false if ctx ended
// first.
func (r *Renewer) sleep(ctx context.Context, d time.Duration) bool {
	done := make(chan struct{})
	t := r.clock.AfterFunc(d, func() { close(done) })
	select {
	case <-done:
		return true
	case <-ctx.Done():
		t.Stop()
		return false
	}
}

// renewMargin caps margin at half the token lifetime so short-lived tokens
// are not renewed in a tight loop.
func renewMargin(td *TokenDetails, now time.Time, margin time.Duration) time.Duration {
	start := td.Issued
	if start.IsZero() {
		start = now
	}
	if half := td.Expires.Sub(start) / 2; half < margin {
		return half
	}
	return margin
}

// Stop cancels any scheduled or running renewal and waits for it to end.
// Callbacks are not invoked after Stop returns, so Stop must not be called
// from a callback.
func (r *Renewer) Stop() {
	r.mu.Lock()
	r.stopped = true
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	r.wg.Wait()
}
