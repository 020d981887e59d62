package auth

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Mode is the credential mode of a Provider.
type Mode int

const (
	ModeBasic Mode = iota
	ModeToken
)

// String returns "basic" or "token".
func (m Mode) String() string {
	if m == ModeBasic {
		return "basic"
	}
	return "token"
}

// Errors returned by the auth package.
var (
	// ErrAuthExpired reports that the token expired and could not be renewed.
	ErrAuthExpired = errors.New("auth: token expired and renewal failed")

	// ErrNoMeansToRenew reports a token mode provider with no way to
	// obtain a new token.
	ErrNoMeansToRenew = errors.New("auth: no means provided to renew auth token")

	// ErrInvalidKey reports a key not in "keyName:keySecret" form.
	ErrInvalidKey = errors.New("auth: key must be of the form keyName:keySecret")

	// ErrNoCredentials reports options without any key or token source.
	ErrNoCredentials = errors.New("auth: no key, token or auth callback provided")
)

// TokenDetails is an issued access token.
type TokenDetails struct {
	Token      string
	Issued     time.Time
	Expires    time.Time
	Capability string
	ClientID   string
}

// ValidAt reports whether the token may be used at t. A token is valid in
// [Issued, Expires). Tokens without an expiry never expire locally.
func (t *TokenDetails) ValidAt(now time.Time) bool {
	if t == nil || t.Token == "" {
		return false
	}
	if !t.Issued.IsZero() && now.Before(t.Issued) {
		return false
	}
	return t.Expires.IsZero() || now.Before(t.Expires)
}

type tokenDetailsJSON struct {
	Token      string `json:"token"`
	Issued     int64  `json:"issued,omitempty"`
	Expires    int64  `json:"expires,omitempty"`
	Capability string `json:"capability,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
}

// MarshalJSON encodes times as milliseconds since epoch.
func (t TokenDetails) MarshalJSON() ([]byte, error) {
	return json.Marshal(tokenDetailsJSON{
		Token:      t.Token,
		Issued:     unixMilli(t.Issued),
		Expires:    unixMilli(t.Expires),
		Capability: t.Capability,
		ClientID:   t.ClientID,
	})
}

// UnmarshalJSON decodes the millisecond time representation.
func (t *TokenDetails) UnmarshalJSON(data []byte) error {
	var w tokenDetailsJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = TokenDetails{
		Token:      w.Token,
		Issued:     fromMilli(w.Issued),
		Expires:    fromMilli(w.Expires),
		Capability: w.Capability,
		ClientID:   w.ClientID,
	}
	return nil
}

// TokenParams customise a token request.
type TokenParams struct {
	TTL        time.Duration
	Capability string
	ClientID   string
	// Timestamp overrides the request time. Zero uses the provider clock.
	Timestamp time.Time
}

// TokenRequest is a signed request for a token, suitable for handing to a
// client that does not hold the key.
type TokenRequest struct {
	KeyName    string `json:"keyName"`
	TTL        int64  `json:"ttl,omitempty"` // milliseconds
	Capability string `json:"capability,omitempty"`
	ClientID   string `json:"clientId,omitempty"`
	Timestamp  int64  `json:"timestamp"` // milliseconds since epoch
	Nonce      string `json:"nonce"`
	MAC        string `json:"mac"`
}

// Credentials are the handshake credentials for a connection. Exactly one
// field is set.
type Credentials struct {
	Key         string
	AccessToken string
}

// AuthCallback produces a token. It may return a *TokenDetails, a
// *TokenRequest (exchanged through RequestToken) or a token string.
type AuthCallback func(ctx context.Context, params TokenParams) (any, error)

// RequestTokenFunc exchanges a signed TokenRequest for a token.
type RequestTokenFunc func(ctx context.Context, req *TokenRequest) (*TokenDetails, error)

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
