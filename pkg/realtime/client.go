package realtime

import (
	"context"
	"fmt"

	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/transport"
)

// Client is a realtime client: one connection and its channels.
type Client struct {
	opts     options
	auth     *auth.Provider
	conn     *Connection
	channels *Channels
}

// New returns a client configured by opts. It starts connecting unless
// WithAutoConnect(false) is given.
func New(opts ...Option) (*Client, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.dialer == nil {
		o.dialer = &transport.WebSocketDialer{}
	}
	if o.auth.Clock == nil {
		o.auth.Clock = o.clock
	}
	if o.auth.Logger == nil {
		o.auth.Logger = o.logger
	}
	if o.suspendedRetryTimeout <= 0 {
		o.suspendedRetryTimeout = o.retryPolicy.Ceiling()
	}
	if o.maxQueuedPublishes <= 0 {
		o.maxQueuedPublishes = defaultOptions().maxQueuedPublishes
	}

	provider, err := auth.NewProvider(o.auth)
	if err != nil {
		return nil, fmt.Errorf("realtime: %w", err)
	}

	c := &Client{opts: o, auth: provider}
	c.conn = newConnection(&c.opts, provider, o.metrics, newTracer(o.tracerProvider))
	c.channels = newChannels(c.conn, &c.opts)
	c.conn.onFrame = c.channels.dispatch
	c.conn.events.On(c.channels.onConnectionStateChange)

	if o.autoConnect {
		c.conn.Connect()
	}
	return c, nil
}

// Connection returns the client's connection.
func (c *Client) Connection() *Connection { return c.conn }

// Channels returns the channel registry.
func (c *Client) Channels() *Channels { return c.channels }

// Channel returns the channel called name, creating it on first use.
func (c *Client) Channel(name string, opts ...ChannelOption) *Channel {
	return c.channels.Get(name, opts...)
}

// Auth returns the client's credential provider.
func (c *Client) Auth() *auth.Provider { return c.auth }

// ClientID returns the identity confirmed by the service, or the
// configured one before connecting.
func (c *Client) ClientID() string { return c.conn.clientID() }

// Connect starts connecting if the connection is not already up.
func (c *Client) Connect() { c.conn.Connect() }

// Authorize obtains a new token and sends it to the service.
func (c *Client) Authorize(ctx context.Context) (*auth.TokenDetails, error) {
	return c.conn.Authorize(ctx)
}

// Close closes the connection. Channels end detached.
func (c *Client) Close(ctx context.Context) error {
	return c.conn.Close(ctx)
}
