package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 3
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures BreakerRequester.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	Interval time.Duration `yaml:"interval"`
}

// BreakerRequester wraps a token endpoint with a circuit breaker so that a
// failing endpoint fails fast instead of stalling every renewal attempt.
type BreakerRequester struct {
	inner   RequestTokenFunc
	breaker *gobreaker.CircuitBreaker[*TokenDetails]
	logger  *slog.Logger
}

// NewBreakerRequester wraps inner. Zero config fields use defaults.
func NewBreakerRequester(inner RequestTokenFunc, cfg BreakerConfig, logger *slog.Logger) *BreakerRequester {
	if logger == nil {
		logger = slog.Default()
	}
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*TokenDetails](gobreaker.Settings{
		Name:        "auth:token-endpoint",
		MaxRequests: 1, // one trial request in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Cancellation says nothing about endpoint health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &BreakerRequester{inner: inner, breaker: cb, logger: logger}
}

// RequestToken implements RequestTokenFunc through the breaker.
func (b *BreakerRequester) RequestToken(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
	td, err := b.breaker.Execute(func() (*TokenDetails, error) {
		return b.inner(ctx, req)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("token endpoint circuit open: %w", err)
		}
		return nil, err
	}
	return td, nil
}

// State returns the current circuit breaker state for monitoring.
func (b *BreakerRequester) State() gobreaker.State {
	return b.breaker.State()
}
