package transport

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/protocol"
)

// ProtocolVersion is the wire protocol version requested on connect.
const ProtocolVersion = "3"

// Params are the handshake query parameters.
type Params struct {
	Credentials auth.Credentials
	Format      protocol.Format
	Version     string
	ClientID    string
	// Resume is the connection key of a previous connection to resume.
	Resume string
	// Recover is a connection key restored from persisted state.
	Recover string
	// ConnectionSerial accompanies Resume or Recover. NoSerial omits it.
	ConnectionSerial int64
	// Echo controls whether the service echoes our own messages. Nil
	// leaves the service default.
	Echo *bool
	// Extra holds additional parameters. Reserved keys are overwritten.
	Extra url.Values
}

// Values renders the parameters as a query.
func (p Params) Values() url.Values {
	v := url.Values{}
	for k, vals := range p.Extra {
		for _, s := range vals {
			v.Add(k, s)
		}
	}
	version := p.Version
	if version == "" {
		version = ProtocolVersion
	}
	v.Set("v", version)
	format := p.Format
	if format == "" {
		format = protocol.FormatMsgpack
	}
	v.Set("format", string(format))
	v.Set("heartbeats", "true")
	if p.Credentials.AccessToken != "" {
		v.Set("accessToken", p.Credentials.AccessToken)
	} else if p.Credentials.Key != "" {
		v.Set("key", p.Credentials.Key)
	}
	if p.ClientID != "" {
		v.Set("clientId", p.ClientID)
	}
	switch {
	case p.Resume != "":
		v.Set("resume", p.Resume)
	case p.Recover != "":
		v.Set("recover", p.Recover)
	}
	if (p.Resume != "" || p.Recover != "") && p.ConnectionSerial >= 0 {
		v.Set("connectionSerial", strconv.FormatInt(p.ConnectionSerial, 10))
	}
	if p.Echo != nil {
		v.Set("echo", strconv.FormatBool(*p.Echo))
	}
	return v
}

// URL joins endpoint with the query parameters.
func (p Params) URL(endpoint string) (*url.URL, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("transport: endpoint: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("transport: endpoint scheme %q not supported", u.Scheme)
	}
	q := u.Query()
	for k, vals := range p.Values() {
		q[k] = vals
	}
	u.RawQuery = q.Encode()
	return u, nil
}
