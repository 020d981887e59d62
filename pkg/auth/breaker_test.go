package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
)

func TestBreakerRequesterOpensAfterFailures(t *testing.T) {
	calls := 0
	inner := func(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
		calls++
		return nil, errors.New("503")
	}
	b := NewBreakerRequester(inner, BreakerConfig{MaxFailures: 2, Timeout: time.Hour}, nil)

	for i := 0; i < 2; i++ {
		if _, err := b.RequestToken(context.Background(), &TokenRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("State() = %v, want open", b.State())
	}

	_, err := b.RequestToken(context.Background(), &TokenRequest{})
	if !errors.Is(err, gobreaker.ErrOpenState) {
		t.Errorf("error = %v, want ErrOpenState", err)
	}
	if calls != 2 {
		t.Errorf("inner called %d times, want 2", calls)
	}
}

func TestBreakerRequesterPassesThrough(t *testing.T) {
	b := NewBreakerRequester(func(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
		return &TokenDetails{Token: "ok:" + req.KeyName}, nil
	}, BreakerConfig{}, nil)

	td, err := b.RequestToken(context.Background(), &TokenRequest{KeyName: "k"})
	if err != nil || td.Token != "ok:k" {
		t.Errorf("RequestToken() = %+v, %v", td, err)
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("State() = %v", b.State())
	}
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	b := NewBreakerRequester(func(ctx context.Context, req *TokenRequest) (*TokenDetails, error) {
		return nil, context.Canceled
	}, BreakerConfig{MaxFailures: 1}, nil)

	for i := 0; i < 3; i++ {
		_, _ = b.RequestToken(context.Background(), &TokenRequest{})
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("State() = %v, cancellations must not trip the breaker", b.State())
	}
}
