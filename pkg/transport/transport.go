package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/protocol"
)

// Defaults for Options.
const (
	DefaultHandshakeTimeout  = 10 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
	DefaultHeartbeatTimeout  = 10 * time.Second
	DefaultFrameBuffer       = 64
)

// Observer receives per-frame notifications. Implementations must not
// block.
type Observer interface {
	FrameReceived(action protocol.Action, size int)
	FrameSent(action protocol.Action, size int)
	FrameDropped(reason string)
}

type nopObserver struct{}

func (nopObserver) FrameReceived(protocol.Action, int) {}
func (nopObserver) FrameSent(protocol.Action, int)     {}
func (nopObserver) FrameDropped(string)                {}

// Options configure a Transport.
type Options struct {
	// Codec defaults to the codec for Params.Format.
	Codec            protocol.Codec
	HandshakeTimeout time.Duration
	// HeartbeatInterval between pings. Negative disables heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// FrameBuffer is the capacity of the Frames channel.
	FrameBuffer int
	Clock       clock.Clock
	Logger      *slog.Logger
	Observer    Observer
}

func (o *Options) normalize(format protocol.Format) error {
	if o.Codec == nil {
		if format == "" {
			format = protocol.FormatMsgpack
		}
		codec, err := protocol.NewCodec(format)
		if err != nil {
			return err
		}
		o.Codec = codec
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.HeartbeatInterval == 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if o.FrameBuffer <= 0 {
		o.FrameBuffer = DefaultFrameBuffer
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = nopObserver{}
	}
	return nil
}

type outbound struct {
	action protocol.Action
	data   []byte
}

// Transport is an established stream to the service.
type Transport struct {
	conn     Conn
	codec    protocol.Codec
	opts     Options
	logger   *slog.Logger
	clock    clock.Clock
	observer Observer
	details  *protocol.ConnectionDetails
	limiter  *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	frames chan *protocol.Frame

	// Outbound queue, drained by writeLoop.
	outMu      sync.Mutex
	outQueue   []outbound
	outWake    chan struct{}
	outClosing bool
	flushed    chan struct{}

	lastActivity atomic.Int64
	pingSeq      atomic.Uint64

	done     chan struct{}
	failOnce sync.Once
	err      error
	wg       sync.WaitGroup
}

// Dial opens a stream and performs the handshake. On success it returns
// the Transport and the CONNECTED frame.
func Dial(ctx context.Context, dialer Dialer, endpoint string, params Params, opts Options) (*Transport, *protocol.Frame, error) {
	if err := opts.normalize(params.Format); err != nil {
		return nil, nil, &Error{Kind: KindProtocol, Err: err}
	}
	if params.Format == "" {
		params.Format = opts.Codec.Format()
	}
	u, err := params.URL(endpoint)
	if err != nil {
		return nil, nil, &Error{Kind: KindProtocol, Err: err}
	}

	hctx, cancel := context.WithTimeout(ctx, opts.HandshakeTimeout)
	defer cancel()

	conn, err := dialer.Dial(hctx, u)
	if err != nil {
		return nil, nil, handshakeFailure(ctx, hctx, err)
	}

	first, err := readHandshake(hctx, conn, opts.Codec)
	if err != nil {
		conn.Close()
		var te *Error
		if errors.As(err, &te) {
			return nil, nil, te
		}
		return nil, nil, handshakeFailure(ctx, hctx, err)
	}
	opts.Observer.FrameReceived(first.Action, 0)

	switch first.Action {
	case protocol.ActionConnected:
	case protocol.ActionError:
		conn.Close()
		return nil, nil, &Error{Kind: KindProtocol, Info: errorInfoOf(first)}
	case protocol.ActionDisconnected:
		conn.Close()
		return nil, nil, &Error{Kind: KindNetwork, Info: first.Error}
	default:
		conn.Close()
		return nil, nil, &Error{Kind: KindProtocol, Err: fmt.Errorf("unexpected %s during handshake", first.Action)}
	}

	t := newTransport(conn, first.ConnectionDetails, opts)
	t.logger.Debug("connected", "connection_id", first.ConnectionID)
	return t, first, nil
}

func readHandshake(ctx context.Context, conn Conn, codec protocol.Codec) (*protocol.Frame, error) {
	data, err := conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	f, err := codec.Decode(data)
	if err == nil {
		err = protocol.ValidateFrame(f)
	}
	if err != nil {
		return nil, &Error{Kind: KindProtocol, Err: err}
	}
	return f, nil
}

func handshakeFailure(parent, hctx context.Context, err error) *Error {
	if parent.Err() == nil && errors.Is(hctx.Err(), context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: fmt.Errorf("handshake: %w", err)}
	}
	if parent.Err() != nil {
		return &Error{Kind: KindLocalClose, Err: err}
	}
	return &Error{Kind: KindNetwork, Err: err}
}

func errorInfoOf(f *protocol.Frame) *protocol.ErrorInfo {
	if f.Error != nil {
		return f.Error
	}
	return protocol.NewErrorInfo(80000, "error frame without details")
}

func newTransport(conn Conn, details *protocol.ConnectionDetails, opts Options) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		conn:     conn,
		codec:    opts.Codec,
		opts:     opts,
		logger:   opts.Logger.With("component", "transport"),
		clock:    opts.Clock,
		observer: opts.Observer,
		details:  details,
		ctx:      ctx,
		cancel:   cancel,
		frames:   make(chan *protocol.Frame, opts.FrameBuffer),
		outWake:  make(chan struct{}, 1),
		flushed:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	if details != nil && details.MaxInboundRate > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(details.MaxInboundRate), details.MaxInboundRate)
	}
	t.touch()

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
	if opts.HeartbeatInterval > 0 {
		t.wg.Add(1)
		go t.heartbeatLoop()
	}
	return t
}

// Frames delivers inbound frames in arrival order. The channel is closed
// when the transport ends; Err then reports why.
func (t *Transport) Frames() <-chan *protocol.Frame { return t.frames }

// Done is closed when the transport has ended.
func (t *Transport) Done() <-chan struct{} { return t.done }

// Err returns the terminal error, or nil while the transport is live.
func (t *Transport) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// ConnectionDetails returns the details from the CONNECTED frame.
func (t *Transport) ConnectionDetails() *protocol.ConnectionDetails { return t.details }

// Codec returns the codec used on the wire.
func (t *Transport) Codec() protocol.Codec { return t.codec }

// Send encodes f and queues it for the write loop. It never blocks on the
// network.
func (t *Transport) Send(f *protocol.Frame) error {
	data, err := t.codec.Encode(f)
	if err != nil {
		return fmt.Errorf("transport: encode %s: %w", f.Action, err)
	}

	t.outMu.Lock()
	defer t.outMu.Unlock()
	if t.outClosing || t.Err() != nil {
		return ErrNotConnected
	}
	t.outQueue = append(t.outQueue, outbound{action: f.Action, data: data})
	select {
	case t.outWake <- struct{}{}:
	default:
	}
	return nil
}

// next blocks until an outbound frame is available. It returns false when
// the queue is closed and empty or the transport has ended.
func (t *Transport) next() (outbound, bool) {
	for {
		t.outMu.Lock()
		if len(t.outQueue) > 0 {
			item := t.outQueue[0]
			t.outQueue[0] = outbound{}
			t.outQueue = t.outQueue[1:]
			t.outMu.Unlock()
			return item, true
		}
		closing := t.outClosing
		t.outMu.Unlock()
		if closing {
			return outbound{}, false
		}

		select {
		case <-t.outWake:
		case <-t.done:
			return outbound{}, false
		}
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	defer close(t.flushed)

	binary := t.codec.Binary()
	for {
		item, ok := t.next()
		if !ok {
			return
		}
		if t.limiter != nil && (item.action == protocol.ActionMessage || item.action == protocol.ActionPresence) {
			if err := t.limiter.Wait(t.ctx); err != nil {
				return
			}
		}
		if err := t.conn.WriteMessage(t.ctx, item.data, binary); err != nil {
			t.fail(&Error{Kind: KindNetwork, Err: fmt.Errorf("write: %w", err)})
			return
		}
		t.observer.FrameSent(item.action, len(item.data))
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	defer close(t.frames)

	for {
		data, err := t.conn.ReadMessage(t.ctx)
		if err != nil {
			if t.ctx.Err() != nil {
				t.fail(&Error{Kind: KindLocalClose, Err: err})
				return
			}
			if !errors.Is(err, io.EOF) {
				t.logger.Warn("read error", "error", err)
			}
			t.fail(&Error{Kind: KindNetwork, Err: fmt.Errorf("read: %w", err)})
			return
		}
		t.touch()

		f, err := t.codec.Decode(data)
		if err == nil {
			err = protocol.ValidateFrame(f)
		}
		if err != nil {
			t.logger.Warn("dropping malformed frame", "error", err, "size", len(data))
			t.observer.FrameDropped("malformed")
			continue
		}
		t.observer.FrameReceived(f.Action, len(data))
		if f.Action == protocol.ActionHeartbeat {
			continue
		}

		select {
		case t.frames <- f:
		case <-t.done:
			return
		}
	}
}

func (t *Transport) heartbeatLoop() {
	defer t.wg.Done()

	ticker := t.clock.NewTicker(t.opts.HeartbeatInterval)
	defer ticker.Stop()

	var timeout *clock.Timer
	defer func() { timeout.Stop() }()

	for {
		select {
		case <-ticker.C:
			if t.idleExpired() {
				t.fail(&Error{Kind: KindTimeout, Err: errors.New("no activity within max idle interval")})
				return
			}
			sent := t.clock.Now()
			id := strconv.FormatUint(t.pingSeq.Add(1), 10)
			ping := protocol.NewFrame(protocol.ActionHeartbeat)
			ping.ID = id
			if err := t.Send(ping); err != nil {
				return
			}
			timeout.Stop()
			timeout = t.clock.AfterFunc(t.opts.HeartbeatTimeout, func() {
				if t.lastActivity.Load() < sent.UnixNano() {
					t.fail(&Error{Kind: KindTimeout, Err: fmt.Errorf("heartbeat %s not answered within %s", id, t.opts.HeartbeatTimeout)})
				}
			})
		case <-t.done:
			return
		}
	}
}

func (t *Transport) idleExpired() bool {
	if t.details == nil || t.details.MaxIdleInterval <= 0 {
		return false
	}
	idle := t.clock.Now().Sub(time.Unix(0, t.lastActivity.Load()))
	return idle > t.details.MaxIdleInterval+t.opts.HeartbeatTimeout
}

func (t *Transport) touch() {
	t.lastActivity.Store(t.clock.Now().UnixNano())
}

// fail ends the transport with err. Only the first call has effect.
func (t *Transport) fail(err *Error) {
	t.failOnce.Do(func() {
		t.err = err
		if err.Kind != KindLocalClose {
			t.logger.Info("transport failed", "kind", err.Kind.String(), "error", err)
		}
		close(t.done)
		t.cancel()
		t.conn.Close()
	})
}

// Close performs a local close. Frames queued before Close are written
// until ctx expires; the stream is then released.
func (t *Transport) Close(ctx context.Context) error {
	t.outMu.Lock()
	t.outClosing = true
	t.outMu.Unlock()
	select {
	case t.outWake <- struct{}{}:
	default:
	}

	select {
	case <-t.flushed:
	case <-t.done:
	case <-ctx.Done():
	}
	t.fail(&Error{Kind: KindLocalClose})
	t.wg.Wait()
	return nil
}
