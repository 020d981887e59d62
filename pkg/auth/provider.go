package auth

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/vango-dev/realtime/internal/clock"
)

// DefaultRenewMargin is how long before expiry a token is renewed.
const DefaultRenewMargin = 30 * time.Second

// Options configure a Provider.
type Options struct {
	// Key is an API key of the form "keyName:keySecret".
	Key string

	// Token is a static access token.
	Token string

	// TokenDetails is a static token with known expiry.
	TokenDetails *TokenDetails

	// AuthCallback obtains tokens on demand.
	AuthCallback AuthCallback

	// RequestToken exchanges signed token requests for tokens.
	RequestToken RequestTokenFunc

	// UseTokenAuth forces token mode when only a key is configured.
	UseTokenAuth bool

	// ClientID is the identity requested for tokens.
	ClientID string

	// DefaultTokenParams fill in fields missing from per-call params.
	DefaultTokenParams TokenParams

	// RenewMargin is the renewal lead time. Default: 30s.
	RenewMargin time.Duration

	// Clock drives expiry checks and renewal timers. Default: real time.
	Clock clock.Clock

	// Nonce generates token request nonces. Default: 16 random bytes.
	Nonce func() string

	// Logger for auth events. Default: slog.Default().
	Logger *slog.Logger
}

// Provider supplies handshake credentials and renews tokens.
type Provider struct {
	opts      Options
	clock     clock.Clock
	logger    *slog.Logger
	keyName   string
	keySecret string
	mode      Mode

	mu    sync.Mutex
	token *TokenDetails
}

// NewProvider validates opts and returns a Provider.
func NewProvider(opts Options) (*Provider, error) {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RenewMargin <= 0 {
		opts.RenewMargin = DefaultRenewMargin
	}
	if opts.Nonce == nil {
		opts.Nonce = randomNonce
	}

	p := &Provider{
		opts:   opts,
		clock:  opts.Clock,
		logger: opts.Logger.With("component", "auth"),
	}

	if opts.Key != "" {
		name, secret, ok := strings.Cut(opts.Key, ":")
		if !ok || name == "" || secret == "" {
			return nil, ErrInvalidKey
		}
		p.keyName, p.keySecret = name, secret
	}

	switch {
	case opts.TokenDetails != nil:
		td := *opts.TokenDetails
		p.token = &td
		p.mode = ModeToken
	case opts.Token != "":
		p.token = &TokenDetails{Token: opts.Token}
		p.mode = ModeToken
	case opts.AuthCallback != nil, opts.UseTokenAuth:
		p.mode = ModeToken
	case opts.Key != "":
		p.mode = ModeBasic
	case opts.RequestToken != nil:
		return nil, fmt.Errorf("%w: RequestToken needs a key or AuthCallback", ErrNoCredentials)
	default:
		return nil, ErrNoCredentials
	}

	if p.mode == ModeToken && opts.UseTokenAuth && opts.AuthCallback == nil && opts.Key == "" && p.token == nil {
		return nil, ErrNoCredentials
	}
	return p, nil
}

// Mode returns the credential mode.
func (p *Provider) Mode() Mode {
	return p.mode
}

// KeyName returns the name part of the configured key.
func (p *Provider) KeyName() string {
	return p.keyName
}

// ClientID returns the configured or token-bound client identity.
func (p *Provider) ClientID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token != nil && p.token.ClientID != "" {
		return p.token.ClientID
	}
	return p.opts.ClientID
}

// RenewMargin returns the configured renewal lead time.
func (p *Provider) RenewMargin() time.Duration {
	return p.opts.RenewMargin
}

// Clock returns the provider clock.
func (p *Provider) Clock() clock.Clock {
	return p.clock
}

// CanRenew reports whether the provider can obtain a new token.
func (p *Provider) CanRenew() bool {
	if p.mode == ModeBasic {
		return false
	}
	return p.opts.AuthCallback != nil || (p.keySecret != "" && p.opts.RequestToken != nil)
}

// TokenDetails returns the current token, or nil.
func (p *Provider) TokenDetails() *TokenDetails {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.token == nil {
		return nil
	}
	td := *p.token
	return &td
}

// Credentials returns handshake credentials, obtaining a token first when
// none is held or the current one has expired.
func (p *Provider) Credentials(ctx context.Context) (Credentials, error) {
	if p.mode == ModeBasic {
		return Credentials{Key: p.opts.Key}, nil
	}
	td, err := p.ensureToken(ctx)
	if err != nil {
		return Credentials{}, err
	}
	return Credentials{AccessToken: td.Token}, nil
}

// AuthHeader returns an Authorization header value for HTTP collaborators.
func (p *Provider) AuthHeader(ctx context.Context) (string, error) {
	if p.mode == ModeBasic {
		return "Basic " + base64.StdEncoding.EncodeToString([]byte(p.opts.Key)), nil
	}
	td, err := p.ensureToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + base64.StdEncoding.EncodeToString([]byte(td.Token)), nil
}

func (p *Provider) ensureToken(ctx context.Context) (*TokenDetails, error) {
	p.mu.Lock()
	current := p.token
	p.mu.Unlock()

	if current.ValidAt(p.clock.Now()) {
		td := *current
		return &td, nil
	}
	if !p.CanRenew() {
		if current != nil {
			return nil, fmt.Errorf("%w: %w", ErrAuthExpired, ErrNoMeansToRenew)
		}
		return nil, ErrNoMeansToRenew
	}
	return p.Authorize(ctx)
}

// Authorize obtains a new token regardless of the current one.
func (p *Provider) Authorize(ctx context.Context) (*TokenDetails, error) {
	if p.mode == ModeBasic {
		return nil, fmt.Errorf("auth: authorize: provider uses basic auth")
	}
	if !p.CanRenew() {
		return nil, ErrNoMeansToRenew
	}

	params := p.mergeParams(TokenParams{})
	var (
		td  *TokenDetails
		err error
	)
	if cb := p.opts.AuthCallback; cb != nil {
		td, err = p.fromCallback(ctx, cb, params)
	} else {
		var req *TokenRequest
		req, err = p.CreateTokenRequest(params)
		if err == nil {
			td, err = p.opts.RequestToken(ctx, req)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("auth: authorize: %w", err)
	}
	if td == nil || td.Token == "" {
		return nil, fmt.Errorf("auth: authorize: empty token")
	}
	now := p.clock.Now()
	if !td.Expires.IsZero() && !now.Before(td.Expires) {
		return nil, fmt.Errorf("auth: authorize: token already expired at %s", td.Expires.Format(time.RFC3339))
	}

	stored := *td
	p.mu.Lock()
	p.token = &stored
	p.mu.Unlock()

	p.logger.Debug("token obtained", "expires", td.Expires, "client_id", td.ClientID)
	out := stored
	return &out, nil
}

func (p *Provider) fromCallback(ctx context.Context, cb AuthCallback, params TokenParams) (*TokenDetails, error) {
	result, err := cb(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("callback: %w", err)
	}
	switch v := result.(type) {
	case *TokenDetails:
		return v, nil
	case TokenDetails:
		return &v, nil
	case string:
		return &TokenDetails{Token: v}, nil
	case *TokenRequest, TokenRequest:
		req, ok := v.(*TokenRequest)
		if !ok {
			r := v.(TokenRequest)
			req = &r
		}
		if p.opts.RequestToken == nil {
			return nil, fmt.Errorf("callback returned a token request but no RequestToken is configured")
		}
		return p.opts.RequestToken(ctx, req)
	default:
		return nil, fmt.Errorf("callback returned unsupported %T", result)
	}
}

func (p *Provider) mergeParams(params TokenParams) TokenParams {
	def := p.opts.DefaultTokenParams
	if params.TTL == 0 {
		params.TTL = def.TTL
	}
	if params.Capability == "" {
		params.Capability = def.Capability
	}
	if params.ClientID == "" {
		params.ClientID = def.ClientID
	}
	if params.ClientID == "" {
		params.ClientID = p.opts.ClientID
	}
	if params.Timestamp.IsZero() {
		params.Timestamp = def.Timestamp
	}
	return params
}

// CreateTokenRequest signs a token request with the configured key.
func (p *Provider) CreateTokenRequest(params TokenParams) (*TokenRequest, error) {
	if p.keySecret == "" {
		return nil, fmt.Errorf("auth: create token request: %w", ErrInvalidKey)
	}
	params = p.mergeParams(params)
	ts := params.Timestamp
	if ts.IsZero() {
		ts = p.clock.Now()
	}
	req := &TokenRequest{
		KeyName:    p.keyName,
		TTL:        params.TTL.Milliseconds(),
		Capability: params.Capability,
		ClientID:   params.ClientID,
		Timestamp:  ts.UnixMilli(),
		Nonce:      p.opts.Nonce(),
	}
	req.MAC = Sign(p.keySecret, req)
	return req, nil
}

// Sign computes the MAC of req: base64(HMAC-SHA256(secret, fields)) where
// each field is followed by a newline.
func Sign(secret string, req *TokenRequest) string {
	ttl := ""
	if req.TTL != 0 {
		ttl = strconv.FormatInt(req.TTL, 10)
	}
	text := strings.Join([]string{
		req.KeyName,
		ttl,
		req.Capability,
		req.ClientID,
		strconv.FormatInt(req.Timestamp, 10),
		req.Nonce,
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(text))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify reports whether req carries a valid MAC for secret.
func Verify(secret string, req *TokenRequest) bool {
	want := Sign(secret, req)
	return hmac.Equal([]byte(want), []byte(req.MAC))
}

func randomNonce() string {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("auth: crypto/rand failed: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(b[:])
}
