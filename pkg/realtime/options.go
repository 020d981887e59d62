package realtime

import (
	"log/slog"
	"net/url"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/recovery"
	"github.com/vango-dev/realtime/pkg/retry"
	"github.com/vango-dev/realtime/pkg/transport"
)

// DefaultEndpoint is the realtime service endpoint.
const DefaultEndpoint = "wss://realtime.ably.io"

// DefaultMaxRetries is how many consecutive failed attempts the connection
// makes before it is suspended.
const DefaultMaxRetries = 10

// Option configures a Client.
type Option func(*options)

type options struct {
	endpoint string
	format   protocol.Format
	dialer   transport.Dialer
	auth     auth.Options
	echo     *bool
	params   url.Values

	autoConnect bool
	idempotent  bool

	retryPolicy           retry.Policy
	maxRetries            int
	connectionStateTTL    time.Duration
	suspendedRetryTimeout time.Duration
	handshakeTimeout      time.Duration
	heartbeatInterval     time.Duration
	heartbeatTimeout      time.Duration
	closeTimeout          time.Duration

	attachTimeout       time.Duration
	channelRetryTimeout time.Duration
	maxQueuedPublishes  int

	recoveryStore recovery.Store

	clock          clock.Clock
	logger         *slog.Logger
	metrics        *Metrics
	tracerProvider trace.TracerProvider
}

func defaultOptions() options {
	return options{
		endpoint:              DefaultEndpoint,
		format:                protocol.FormatMsgpack,
		autoConnect:           true,
		idempotent:            true,
		retryPolicy:           retry.Default(),
		maxRetries:            DefaultMaxRetries,
		connectionStateTTL:    2 * time.Minute,
		handshakeTimeout:      transport.DefaultHandshakeTimeout,
		heartbeatInterval:     transport.DefaultHeartbeatInterval,
		heartbeatTimeout:      transport.DefaultHeartbeatTimeout,
		closeTimeout:          5 * time.Second,
		attachTimeout:         10 * time.Second,
		channelRetryTimeout:   15 * time.Second,
		maxQueuedPublishes:    100,
		clock:                 clock.Real(),
		logger:                slog.Default(),
	}
}

// WithKey authenticates with an API key ("keyName:keySecret").
func WithKey(key string) Option {
	return func(o *options) { o.auth.Key = key }
}

// WithToken authenticates with a static token.
func WithToken(token string) Option {
	return func(o *options) { o.auth.Token = token }
}

// WithTokenDetails authenticates with a static token of known expiry.
func WithTokenDetails(td *auth.TokenDetails) Option {
	return func(o *options) { o.auth.TokenDetails = td }
}

// WithAuthCallback obtains tokens from fn.
func WithAuthCallback(fn auth.AuthCallback) Option {
	return func(o *options) { o.auth.AuthCallback = fn }
}

// WithRequestToken exchanges signed token requests through fn. Combined
// with WithKey it enables token auth with local signing.
func WithRequestToken(fn auth.RequestTokenFunc) Option {
	return func(o *options) {
		o.auth.RequestToken = fn
		o.auth.UseTokenAuth = true
	}
}

// WithAuthOptions replaces every auth setting.
func WithAuthOptions(opts auth.Options) Option {
	return func(o *options) { o.auth = opts }
}

// WithClientID sets the client identity.
func WithClientID(id string) Option {
	return func(o *options) { o.auth.ClientID = id }
}

// WithEndpoint sets the realtime endpoint URL.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithFormat selects the wire format. Default: msgpack.
func WithFormat(f protocol.Format) Option {
	return func(o *options) { o.format = f }
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithEcho controls whether our own messages are echoed back.
func WithEcho(echo bool) Option {
	return func(o *options) { o.echo = &echo }
}

// WithTransportParams adds query parameters to every connection request.
func WithTransportParams(v url.Values) Option {
	return func(o *options) { o.params = v }
}

// WithAutoConnect controls whether New starts connecting. Default: true.
func WithAutoConnect(auto bool) Option {
	return func(o *options) { o.autoConnect = auto }
}

// WithIdempotentPublishing assigns message ids on the client so retried
// publishes are deduplicated by the service. Default: true.
func WithIdempotentPublishing(enabled bool) Option {
	return func(o *options) { o.idempotent = enabled }
}

// WithRetryPolicy sets the reconnect backoff.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.retryPolicy = p }
}

// WithMaxRetries moves the connection to suspended after n consecutive
// failed attempts. Default: DefaultMaxRetries. Zero leaves only the state
// TTL.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithConnectionStateTTL sets how long connection state survives without
// a connection before the connection is suspended.
func WithConnectionStateTTL(d time.Duration) Option {
	return func(o *options) { o.connectionStateTTL = d }
}

// WithSuspendedRetryTimeout sets the retry interval while suspended.
// Default: the retry policy's ceiling.
func WithSuspendedRetryTimeout(d time.Duration) Option {
	return func(o *options) { o.suspendedRetryTimeout = d }
}

// WithHandshakeTimeout bounds each connection attempt.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(o *options) { o.handshakeTimeout = d }
}

// WithHeartbeat sets the heartbeat interval and timeout. A negative
// interval disables heartbeats.
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(o *options) {
		o.heartbeatInterval = interval
		o.heartbeatTimeout = timeout
	}
}

// WithCloseTimeout bounds the wait for CLOSED when no deadline is given.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *options) { o.closeTimeout = d }
}

// WithAttachTimeout bounds attach and detach requests.
func WithAttachTimeout(d time.Duration) Option {
	return func(o *options) { o.attachTimeout = d }
}

// WithChannelRetryTimeout sets the delay before a suspended channel
// retries its attach.
func WithChannelRetryTimeout(d time.Duration) Option {
	return func(o *options) { o.channelRetryTimeout = d }
}

// WithMaxQueuedPublishes bounds each channel's queue of publishes waiting
// for the channel to attach.
func WithMaxQueuedPublishes(n int) Option {
	return func(o *options) { o.maxQueuedPublishes = n }
}

// WithRecoveryStore loads resumable state before the first connection
// and saves it on every connect and on close.
func WithRecoveryStore(s recovery.Store) Option {
	return func(o *options) { o.recoveryStore = s }
}

// WithClock replaces the time source.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records client metrics into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithTracerProvider sets the OpenTelemetry tracer provider. Default:
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tracerProvider = tp }
}
