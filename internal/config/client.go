package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/realtime"
	"github.com/vango-dev/realtime/pkg/recovery"
)

// AuthOptions returns the credential settings described by c.
func (c *Config) AuthOptions(logger *slog.Logger) auth.Options {
	opts := auth.Options{
		Key:         c.Key,
		Token:       c.Token,
		ClientID:    c.ClientID,
		RenewMargin: c.Auth.RenewMargin,
		Logger:      logger,
		DefaultTokenParams: auth.TokenParams{
			TTL:        c.Auth.TTL,
			Capability: c.Auth.Capability,
		},
	}
	if c.Auth.URL != "" {
		opts.AuthCallback = auth.NewAuthURLCallback(c.Auth.URL, http.DefaultClient)
	}
	if c.Auth.TokenEndpoint != "" {
		requester := auth.NewHTTPRequester(c.Auth.TokenEndpoint, http.DefaultClient)
		opts.RequestToken = auth.NewBreakerRequester(requester, c.Auth.Breaker, logger).RequestToken
		opts.UseTokenAuth = true
	}
	return opts
}

// RecoveryStore opens the configured recovery store, or returns nil when
// recovery is disabled.
func (c *Config) RecoveryStore(ctx context.Context) (recovery.Store, error) {
	switch {
	case c.Recovery.File != "":
		return recovery.NewFileStore(c.Recovery.File), nil
	case c.Recovery.S3Bucket != "":
		s, err := recovery.NewS3StoreFromEnv(ctx, c.Recovery.S3Bucket, c.Recovery.S3Key)
		if err != nil {
			return nil, fmt.Errorf("config: recovery store: %w", err)
		}
		return s, nil
	}
	return nil, nil
}

// ClientOptions returns the realtime client options described by c.
func (c *Config) ClientOptions(ctx context.Context, logger *slog.Logger) ([]realtime.Option, error) {
	format, err := protocol.ParseFormat(c.Format)
	if err != nil {
		return nil, err
	}
	opts := []realtime.Option{
		realtime.WithAuthOptions(c.AuthOptions(logger)),
		realtime.WithFormat(format),
		realtime.WithRetryPolicy(c.Retry.Policy()),
		realtime.WithLogger(logger),
	}
	if c.Endpoint != "" {
		opts = append(opts, realtime.WithEndpoint(c.Endpoint))
	}
	if c.Echo != nil {
		opts = append(opts, realtime.WithEcho(*c.Echo))
	}
	if c.Idempotent != nil {
		opts = append(opts, realtime.WithIdempotentPublishing(*c.Idempotent))
	}

	cc := c.Connection
	if cc.StateTTL > 0 {
		opts = append(opts, realtime.WithConnectionStateTTL(cc.StateTTL))
	}
	if cc.SuspendedRetry > 0 {
		opts = append(opts, realtime.WithSuspendedRetryTimeout(cc.SuspendedRetry))
	}
	if cc.MaxRetries > 0 {
		opts = append(opts, realtime.WithMaxRetries(cc.MaxRetries))
	}
	if cc.HandshakeTimeout > 0 {
		opts = append(opts, realtime.WithHandshakeTimeout(cc.HandshakeTimeout))
	}
	if cc.Heartbeat != 0 {
		opts = append(opts, realtime.WithHeartbeat(cc.Heartbeat, 0))
	}
	if cc.AttachTimeout > 0 {
		opts = append(opts, realtime.WithAttachTimeout(cc.AttachTimeout))
	}
	if cc.MaxQueued > 0 {
		opts = append(opts, realtime.WithMaxQueuedPublishes(cc.MaxQueued))
	}

	store, err := c.RecoveryStore(ctx)
	if err != nil {
		return nil, err
	}
	if store != nil {
		opts = append(opts, realtime.WithRecoveryStore(store))
	}
	return opts, nil
}
