package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/auth"
	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/recovery"
	"github.com/vango-dev/realtime/pkg/transport"
)

// recoveryTimeout bounds a single recovery store operation.
const recoveryTimeout = 5 * time.Second

// pendingPublish is a MESSAGE or PRESENCE frame awaiting its ACK.
type pendingPublish struct {
	channel string
	frame   *protocol.Frame
	start   time.Time
	done    chan error
	once    sync.Once
}

func newPendingPublish(channel string, f *protocol.Frame, start time.Time) *pendingPublish {
	return &pendingPublish{channel: channel, frame: f, start: start, done: make(chan error, 1)}
}

func (p *pendingPublish) resolve(err error) {
	p.once.Do(func() { p.done <- err })
}

// Connection is the client's realtime connection. All state transitions
// happen under one mutex; frames from the current transport are handled
// in order by a single goroutine.
type Connection struct {
	opts     *options
	provider *auth.Provider
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *Metrics
	tracer   trace.Tracer
	events   Emitter[ConnectionStateChange]

	// onFrame receives channel-scoped frames in arrival order.
	onFrame func(*protocol.Frame)

	mu      sync.Mutex
	after   []func()
	state   ConnectionState
	stateCh chan struct{}
	reason  *protocol.ErrorInfo

	id        string
	key       string
	serial    int64
	msgSerial int64
	details   *protocol.ConnectionDetails
	stateTTL  time.Duration

	retryCount int
	// since is when connection state started to age: the last time the
	// connection left CONNECTED, or the first attempt if never connected.
	since      time.Time
	gen        uint64
	// epoch counts connections that did not resume the previous one.
	// Channel attachments from an older epoch are void.
	epoch      uint64
	tr         *transport.Transport
	cancelDial context.CancelFunc
	retryTimer *clock.Timer

	pending   []*pendingPublish
	reclaimed map[string][]*pendingPublish

	renewer      *auth.Renewer
	renewing     bool
	authExpired  bool
	forceAuth    bool
	tokenRetried bool

	recoveryLoaded bool
	recovered      *recovery.State
}

func newConnection(opts *options, provider *auth.Provider, metrics *Metrics, tracer trace.Tracer) *Connection {
	c := &Connection{
		opts:     opts,
		provider: provider,
		logger:   opts.logger.With("component", "connection"),
		clock:    opts.clock,
		metrics:  metrics,
		tracer:   tracer,
		stateCh:  make(chan struct{}),
		serial:   protocol.NoSerial,
		stateTTL: opts.connectionStateTTL,
	}
	c.renewer = c.newRenewer()
	return c
}

func (c *Connection) newRenewer() *auth.Renewer {
	return c.provider.NewRenewer(auth.RenewerOptions{
		OnRenewing: c.onRenewing,
		OnRenewed:  c.onRenewed,
		OnExpired:  c.onExpired,
	})
}

// unlock releases c.mu and then runs the work deferred with afterUnlock.
func (c *Connection) unlock() {
	fns := c.after
	c.after = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) afterUnlock(fn func()) {
	c.after = append(c.after, fn)
}

// State returns the current state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ID returns the service-assigned connection id.
func (c *Connection) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// Key returns the connection key used to resume.
func (c *Connection) Key() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

// Serial returns the last connection serial received.
func (c *Connection) Serial() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serial
}

// RetryCount returns the number of failed attempts since the last
// successful connection.
func (c *Connection) RetryCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retryCount
}

// ErrorReason returns the error behind the latest transition, if any.
func (c *Connection) ErrorReason() *protocol.ErrorInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Details returns the details of the current connection.
func (c *Connection) Details() *protocol.ConnectionDetails {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.details == nil {
		return nil
	}
	d := *c.details
	return &d
}

// On calls fn for every state change, in order, on its own goroutine.
func (c *Connection) On(fn func(ConnectionStateChange)) *Subscription[ConnectionStateChange] {
	return c.events.On(fn)
}

// StateChanges subscribes to state changes, optionally limited to the
// given states.
func (c *Connection) StateChanges(states ...ConnectionState) *Subscription[ConnectionStateChange] {
	if len(states) == 0 {
		return c.events.Subscribe(nil)
	}
	return c.events.Subscribe(func(ch ConnectionStateChange) bool {
		for _, s := range states {
			if ch.Current == s {
				return true
			}
		}
		return false
	})
}

// WaitFor blocks until the connection reaches state or ctx is done. It
// returns the failure reason early if the connection fails.
func (c *Connection) WaitFor(ctx context.Context, state ConnectionState) error {
	for {
		c.mu.Lock()
		cur, reason, ch := c.state, c.reason, c.stateCh
		c.mu.Unlock()
		if cur == state {
			return nil
		}
		if cur == ConnectionFailed {
			if reason != nil {
				return reason
			}
			return protocol.NewErrorInfo(80000, "")
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// RecoveryState returns what another process needs to resume this
// connection, or nil before the first connection.
func (c *Connection) RecoveryState() *recovery.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recoveryStateLocked()
}

func (c *Connection) recoveryStateLocked() *recovery.State {
	if c.key == "" {
		return nil
	}
	return &recovery.State{
		ConnectionID:     c.id,
		ConnectionKey:    c.key,
		ConnectionSerial: c.serial,
		MsgSerial:        c.msgSerial,
		SavedAt:          c.clock.Now(),
	}
}

func (c *Connection) saveRecovery(st *recovery.State) {
	store := c.opts.recoveryStore
	if store == nil || st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recoveryTimeout)
	defer cancel()
	if err := store.Save(ctx, st); err != nil {
		c.logger.Warn("saving recovery state failed", "error", err)
	}
}

// Connect starts connecting. It returns at once; observe progress with
// On or WaitFor.
func (c *Connection) Connect() {
	c.mu.Lock()
	defer c.unlock()
	switch c.state {
	case ConnectionConnecting, ConnectionConnected, ConnectionClosing:
		return
	case ConnectionClosed, ConnectionFailed:
		c.resetLocked()
	}
	c.connectLocked()
}

// resetLocked forgets the previous connection after CLOSED or FAILED.
func (c *Connection) resetLocked() {
	c.id, c.key = "", ""
	c.serial = protocol.NoSerial
	c.msgSerial = 0
	c.details = nil
	c.stateTTL = c.opts.connectionStateTTL
	c.retryCount = 0
	c.since = time.Time{}
	c.reason = nil
	c.authExpired = false
	c.renewing = false
	c.tokenRetried = false
	c.forceAuth = false
	c.renewer = c.newRenewer()
}

func (c *Connection) connectLocked() {
	c.stopRetryTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dropTransportLocked()

	if c.state == ConnectionDisconnected || c.state == ConnectionSuspended {
		c.metrics.reconnectAttempt()
	}
	if c.state != ConnectionConnecting {
		c.setStateLocked(ConnectionConnecting, nil, 0, false)
	}
	if c.since.IsZero() {
		c.since = c.clock.Now()
	}

	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelDial = cancel

	params := transport.Params{
		Format:           c.opts.format,
		ClientID:         c.opts.auth.ClientID,
		Resume:           c.key,
		ConnectionSerial: c.serial,
		Echo:             c.opts.echo,
		Extra:            c.opts.params,
	}
	forceAuth := c.forceAuth
	c.forceAuth = false
	loadRecovery := !c.recoveryLoaded && c.opts.recoveryStore != nil && c.key == ""
	c.recoveryLoaded = true

	go c.dial(ctx, gen, params, forceAuth, loadRecovery)
}

func (c *Connection) transportOptions() transport.Options {
	opts := transport.Options{
		HandshakeTimeout:  c.opts.handshakeTimeout,
		HeartbeatInterval: c.opts.heartbeatInterval,
		HeartbeatTimeout:  c.opts.heartbeatTimeout,
		Clock:             c.clock,
		Logger:            c.opts.logger,
	}
	if c.metrics != nil {
		opts.Observer = c.metrics
	}
	return opts
}

// authError is a failure to obtain credentials before dialing.
type authError struct {
	info  *protocol.ErrorInfo
	fatal bool
}

func (e *authError) Error() string { return e.info.Error() }
func (e *authError) Unwrap() error { return e.info }

func newAuthError(err error) *authError {
	if errors.Is(err, auth.ErrNoMeansToRenew) {
		return &authError{info: protocol.WrapErrorInfo(40171, err), fatal: true}
	}
	var info *protocol.ErrorInfo
	if errors.As(err, &info) && info.StatusCode == 403 {
		return &authError{info: info, fatal: true}
	}
	return &authError{info: protocol.WrapErrorInfo(80019, err)}
}

func (c *Connection) dial(ctx context.Context, gen uint64, params transport.Params, forceAuth, loadRecovery bool) {
	ctx, span := startSpan(ctx, c.tracer, "connect",
		attribute.String("realtime.endpoint", c.opts.endpoint),
		attribute.Bool("realtime.resume", params.Resume != ""),
	)
	var err error
	defer func() { endSpan(span, err) }()

	if loadRecovery {
		c.loadRecovery(ctx, gen, &params)
	}

	authorized := false
	if forceAuth {
		if _, err = c.provider.Authorize(ctx); err == nil {
			authorized = true
		}
	}
	var creds auth.Credentials
	if err == nil {
		creds, err = c.provider.Credentials(ctx)
	}
	if err != nil {
		c.mu.Lock()
		defer c.unlock()
		if gen == c.gen && c.state == ConnectionConnecting {
			c.cancelDial = nil
			c.handleFailureLocked(newAuthError(err))
		}
		return
	}
	params.Credentials = creds

	tr, first, err := transport.Dial(ctx, c.opts.dialer, c.opts.endpoint, params, c.transportOptions())

	c.mu.Lock()
	defer c.unlock()
	if gen != c.gen || c.state != ConnectionConnecting {
		if tr != nil {
			c.afterUnlock(func() { c.closeTransport(tr) })
		}
		return
	}
	c.cancelDial = nil
	if err != nil {
		c.handleFailureLocked(err)
		return
	}
	if authorized {
		c.authExpired = false
	}
	c.connectedLocked(tr, first)
}

func (c *Connection) loadRecovery(ctx context.Context, gen uint64, params *transport.Params) {
	lctx, cancel := context.WithTimeout(ctx, recoveryTimeout)
	st, err := c.opts.recoveryStore.Load(lctx)
	cancel()
	if err != nil {
		if !errors.Is(err, recovery.ErrNoState) {
			c.logger.Warn("loading recovery state failed", "error", err)
		}
		return
	}
	if !st.Valid() || st.Expired(c.clock.Now(), c.opts.connectionStateTTL) {
		c.logger.Debug("ignoring stale recovery state", "connection_id", st.ConnectionID)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.key != "" {
		return
	}
	c.recovered = st
	params.Recover = st.ConnectionKey
	params.ConnectionSerial = st.ConnectionSerial
	c.logger.Info("recovering connection", "connection_id", st.ConnectionID, "serial", st.ConnectionSerial)
}

func (c *Connection) connectedLocked(tr *transport.Transport, first *protocol.Frame) {
	resumed := false
	if st := c.recovered; st != nil {
		c.recovered = nil
		if first.ConnectionID == st.ConnectionID {
			resumed = true
			c.id = st.ConnectionID
			c.serial = st.ConnectionSerial
			c.msgSerial = st.MsgSerial
		}
	} else {
		resumed = c.id != "" && first.ConnectionID == c.id
	}

	if !resumed {
		c.epoch++
		c.serial = first.ConnectionSerial
		c.msgSerial = 0
		if len(c.pending) > 0 {
			if c.reclaimed == nil {
				c.reclaimed = make(map[string][]*pendingPublish)
			}
			for _, p := range c.pending {
				c.reclaimed[p.channel] = append(c.reclaimed[p.channel], p)
			}
			c.pending = nil
		}
	}

	c.id = first.ConnectionID
	c.key = first.ConnectionKey
	c.details = first.ConnectionDetails
	if d := c.details; d != nil {
		if c.key == "" {
			c.key = d.ConnectionKey
		}
		if d.ConnectionStateTTL > 0 {
			c.stateTTL = d.ConnectionStateTTL
		}
	}
	c.retryCount = 0
	c.since = time.Time{}
	c.tokenRetried = false
	c.tr = tr
	go c.readLoop(tr)

	c.setStateLocked(ConnectionConnected, first.Error, 0, resumed)

	if resumed {
		for _, p := range c.pending {
			if err := tr.Send(p.frame); err != nil {
				break
			}
		}
	}

	if c.provider.Mode() == auth.ModeToken {
		td, r := c.provider.TokenDetails(), c.renewer
		c.afterUnlock(func() { r.Schedule(td) })
	}
	st := c.recoveryStateLocked()
	c.afterUnlock(func() { c.saveRecovery(st) })
}

func (c *Connection) readLoop(tr *transport.Transport) {
	for f := range tr.Frames() {
		c.handleFrame(tr, f)
	}

	c.mu.Lock()
	defer c.unlock()
	if c.tr != tr {
		return
	}
	if c.state == ConnectionClosing {
		c.closedLocked(nil)
		return
	}
	c.handleFailureLocked(tr.Err())
}

func (c *Connection) handleFrame(tr *transport.Transport, f *protocol.Frame) {
	c.mu.Lock()
	if c.tr != tr {
		c.unlock()
		return
	}

	if f.ConnectionSerial >= 0 {
		if f.ConnectionSerial <= c.serial {
			c.logger.Debug("dropping duplicate frame", "action", f.Action, "serial", f.ConnectionSerial, "last", c.serial)
			c.metrics.FrameDropped("duplicate")
			c.unlock()
			return
		}
		if f.ConnectionSerial > c.serial+1 {
			c.logger.Warn("connection serial gap", "expected", c.serial+1, "got", f.ConnectionSerial)
			c.emitUpdateLocked(protocol.NewErrorInfo(80013, "connection serial gap"))
		}
		c.serial = f.ConnectionSerial
	}

	switch f.Action {
	case protocol.ActionAck, protocol.ActionNack:
		done := c.takePendingLocked(f.MsgSerial, f.Count)
		c.unlock()
		var err error
		if f.Action == protocol.ActionNack {
			err = errorInfoOrDefault(f.Error, 50000)
		}
		for _, p := range done {
			p.resolve(err)
		}
		return

	case protocol.ActionConnected:
		if f.ConnectionDetails != nil {
			c.details = f.ConnectionDetails
		}
		if f.ConnectionKey != "" {
			c.key = f.ConnectionKey
		}
		c.emitUpdateLocked(f.Error)

	case protocol.ActionDisconnected:
		info := errorInfoOrDefault(f.Error, 80003)
		if info.IsTokenError() {
			c.handleFailureLocked(info)
		} else {
			c.disconnectLocked(info)
		}

	case protocol.ActionClosed:
		c.closedLocked(f.Error)

	case protocol.ActionError:
		if f.Channel != "" {
			c.forwardLocked(f)
			return
		}
		c.handleFailureLocked(errorInfoOrDefault(f.Error, 80000))

	case protocol.ActionAuth:
		if c.provider.CanRenew() {
			r := c.renewer
			c.afterUnlock(r.RenewNow)
		} else {
			c.logger.Warn("service requested reauthorization but the token cannot be renewed")
		}

	default:
		if f.Channel != "" {
			c.forwardLocked(f)
			return
		}
		c.logger.Debug("ignoring frame", "action", f.Action)
	}
	c.unlock()
}

// forwardLocked releases the lock and hands f to the channel registry.
func (c *Connection) forwardLocked(f *protocol.Frame) {
	sink := c.onFrame
	c.unlock()
	if sink != nil {
		sink(f)
	}
}

func errorInfoOrDefault(info *protocol.ErrorInfo, code int) *protocol.ErrorInfo {
	if info != nil {
		return info
	}
	return protocol.NewErrorInfo(code, "")
}

// takePendingLocked removes the publishes acknowledged by an ACK or NACK
// covering [serial, serial+count).
func (c *Connection) takePendingLocked(serial int64, count int) []*pendingPublish {
	if count <= 0 {
		count = 1
	}
	end := serial + int64(count)
	var done []*pendingPublish
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.frame.MsgSerial >= serial && p.frame.MsgSerial < end {
			done = append(done, p)
		} else {
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(c.pending); i++ {
		c.pending[i] = nil
	}
	c.pending = kept
	return done
}

type failure int

const (
	failIgnore failure = iota
	failRetry
	failToken
	failFatal
)

// classify maps an error to the transition it causes and the reason
// reported with it.
func classify(err error) (failure, *protocol.ErrorInfo) {
	var ae *authError
	if errors.As(err, &ae) {
		if ae.fatal {
			return failFatal, ae.info
		}
		return failRetry, ae.info
	}

	var te *transport.Error
	if errors.As(err, &te) {
		if te.Kind == transport.KindLocalClose {
			return failIgnore, nil
		}
		if te.Info != nil {
			return classifyInfo(te.Info)
		}
		switch te.Kind {
		case transport.KindProtocol:
			return failFatal, protocol.WrapErrorInfo(80013, te)
		case transport.KindTimeout:
			return failRetry, protocol.WrapErrorInfo(80014, te)
		default:
			return failRetry, protocol.WrapErrorInfo(80003, te)
		}
	}

	var info *protocol.ErrorInfo
	if errors.As(err, &info) {
		return classifyInfo(info)
	}
	return failRetry, protocol.WrapErrorInfo(80003, err)
}

func classifyInfo(info *protocol.ErrorInfo) (failure, *protocol.ErrorInfo) {
	switch {
	case info.IsTokenError():
		return failToken, info
	case info.IsFatal():
		return failFatal, info
	default:
		return failRetry, info
	}
}

func (c *Connection) handleFailureLocked(err error) {
	kind, info := classify(err)
	switch kind {
	case failIgnore:
		return
	case failFatal:
		c.failLocked(info)
	case failToken:
		if !c.provider.CanRenew() {
			reason := protocol.NewErrorInfo(40171, "")
			reason.Cause = info
			c.failLocked(reason)
			return
		}
		if c.tokenRetried {
			c.disconnectLocked(info)
			return
		}
		c.logger.Info("token rejected, renewing before reconnect", "code", info.Code)
		c.tokenRetried = true
		c.forceAuth = true
		c.reason = info
		c.connectLocked()
	default:
		c.disconnectLocked(info)
	}
}

func (c *Connection) disconnectLocked(reason *protocol.ErrorInfo) {
	wasConnected := c.state == ConnectionConnected
	c.dropTransportLocked()
	now := c.clock.Now()
	if wasConnected || c.since.IsZero() {
		c.since = now
	}
	c.retryCount++

	ttlExpired := now.Sub(c.since) >= c.stateTTL
	if ttlExpired || (c.opts.maxRetries > 0 && c.retryCount > c.opts.maxRetries) {
		c.suspendLocked(reason, ttlExpired)
		return
	}

	delay := c.opts.retryPolicy.Delay(c.retryCount - 1)
	c.setStateLocked(ConnectionDisconnected, reason, delay, false)
	c.scheduleRetryLocked(delay)
}

func (c *Connection) suspendLocked(cause *protocol.ErrorInfo, stateLost bool) {
	if stateLost {
		c.key = ""
	}
	reason := protocol.NewErrorInfo(80002, "")
	reason.Cause = cause
	delay := c.opts.suspendedRetryTimeout
	c.setStateLocked(ConnectionSuspended, reason, delay, false)
	c.failPendingLocked(reason)
	c.scheduleRetryLocked(delay)
}

func (c *Connection) failLocked(reason *protocol.ErrorInfo) {
	c.gen++
	c.stopRetryTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dropTransportLocked()
	c.setStateLocked(ConnectionFailed, reason, 0, false)
	c.failPendingLocked(reason)
	// The renewer may be the caller; stop it from another goroutine.
	r := c.renewer
	c.afterUnlock(func() { go r.Stop() })
}

func (c *Connection) closedLocked(reason *protocol.ErrorInfo) {
	c.gen++
	c.stopRetryTimerLocked()
	if c.cancelDial != nil {
		c.cancelDial()
		c.cancelDial = nil
	}
	c.dropTransportLocked()
	c.setStateLocked(ConnectionClosed, reason, 0, false)
	c.failPendingLocked(protocol.NewErrorInfo(80017, ""))
}

func (c *Connection) scheduleRetryLocked(delay time.Duration) {
	c.stopRetryTimerLocked()
	gen := c.gen
	retry := func() {
		c.mu.Lock()
		defer c.unlock()
		if gen != c.gen {
			return
		}
		if c.state == ConnectionDisconnected || c.state == ConnectionSuspended {
			c.connectLocked()
		}
	}
	if delay <= 0 {
		c.afterUnlock(retry)
		return
	}
	c.retryTimer = c.clock.AfterFunc(delay, retry)
}

func (c *Connection) stopRetryTimerLocked() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

func (c *Connection) dropTransportLocked() {
	if c.tr == nil {
		return
	}
	tr := c.tr
	c.tr = nil
	c.afterUnlock(func() { c.closeTransport(tr) })
}

func (c *Connection) closeTransport(tr *transport.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.closeTimeout)
	defer cancel()
	tr.Close(ctx)
}

func (c *Connection) failPendingLocked(reason error) {
	var failed []*pendingPublish
	failed = append(failed, c.pending...)
	c.pending = nil
	for _, ps := range c.reclaimed {
		failed = append(failed, ps...)
	}
	c.reclaimed = nil
	if len(failed) == 0 {
		return
	}
	c.afterUnlock(func() {
		for _, p := range failed {
			p.resolve(reason)
		}
	})
}

func (c *Connection) setStateLocked(next ConnectionState, reason *protocol.ErrorInfo, retryIn time.Duration, resumed bool) bool {
	prev := c.state
	if prev == next {
		return false
	}
	if !prev.CanTransition(next) {
		c.logger.Error("invalid connection transition", "from", prev, "to", next)
		return false
	}
	c.state = next
	c.reason = reason
	c.metrics.connectionTransition(prev, next)

	attrs := []any{"from", prev.String(), "to", next.String()}
	if reason != nil {
		attrs = append(attrs, "reason", reason.Error())
	}
	if retryIn > 0 {
		attrs = append(attrs, "retry_in", retryIn)
	}
	c.logger.Info("connection state changed", attrs...)

	c.events.Emit(ConnectionStateChange{
		Previous: prev,
		Current:  next,
		Event:    next.String(),
		Reason:   reason,
		RetryIn:  retryIn,
		Resumed:  resumed,
		gen:      c.gen,
	})
	close(c.stateCh)
	c.stateCh = make(chan struct{})
	return true
}

func (c *Connection) emitUpdateLocked(reason *protocol.ErrorInfo) {
	if reason != nil {
		c.reason = reason
	}
	c.events.Emit(ConnectionStateChange{
		Previous: c.state,
		Current:  c.state,
		Event:    EventUpdate,
		Reason:   reason,
		Resumed:  true,
		gen:      c.gen,
	})
}

// Close closes the connection, waiting for the service to confirm until
// ctx ends or the close timeout passes. Pending retries and token renewal
// are cancelled.
func (c *Connection) Close(ctx context.Context) error {
	ctx, span := startSpan(ctx, c.tracer, "close")
	ctx, cancel := context.WithTimeout(ctx, c.opts.closeTimeout)
	defer cancel()

	c.mu.Lock()
	r := c.renewer
	switch c.state {
	case ConnectionClosed, ConnectionFailed:
		c.unlock()
		endSpan(span, nil)
		return nil
	case ConnectionConnected:
		c.setStateLocked(ConnectionClosing, nil, 0, false)
		if c.tr == nil || c.tr.Send(protocol.NewFrame(protocol.ActionClose)) != nil {
			c.closedLocked(nil)
		}
	case ConnectionClosing:
	default:
		c.closedLocked(nil)
	}
	c.unlock()

	r.Stop()

	var err error
	if werr := c.WaitFor(ctx, ConnectionClosed); werr != nil && ctx.Err() != nil {
		c.mu.Lock()
		if c.state == ConnectionClosing {
			c.logger.Warn("no CLOSED from service, closing locally")
			c.closedLocked(nil)
		}
		c.unlock()
	} else {
		err = werr
	}

	c.saveRecovery(c.RecoveryState())
	endSpan(span, err)
	return err
}

// Authorize obtains a new token now. While connected the token is sent to
// the service in an AUTH frame. Success reopens publishing after an
// expired renewal.
func (c *Connection) Authorize(ctx context.Context) (*auth.TokenDetails, error) {
	ctx, span := startSpan(ctx, c.tracer, "authorize")
	td, err := c.provider.Authorize(ctx)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	c.mu.Lock()
	c.authExpired = false
	r := c.renewer
	if c.state == ConnectionConnected {
		c.sendAuthLocked(td)
		c.emitUpdateLocked(nil)
	}
	c.unlock()

	r.Schedule(td)
	endSpan(span, nil)
	return td, nil
}

func (c *Connection) sendAuthLocked(td *auth.TokenDetails) {
	if c.tr == nil {
		return
	}
	f := protocol.NewFrame(protocol.ActionAuth)
	f.Auth = &protocol.AuthDetails{AccessToken: td.Token}
	if err := c.tr.Send(f); err != nil {
		c.logger.Warn("sending AUTH failed", "error", err)
	}
}

func (c *Connection) onRenewing() {
	c.mu.Lock()
	defer c.unlock()
	c.renewing = true
	if c.state == ConnectionConnected {
		c.emitUpdateLocked(nil)
	}
}

func (c *Connection) onRenewed(td *auth.TokenDetails) {
	c.mu.Lock()
	defer c.unlock()
	c.renewing = false
	c.authExpired = false
	if c.state == ConnectionConnected {
		c.sendAuthLocked(td)
		c.emitUpdateLocked(nil)
	}
}

func (c *Connection) onExpired(err error) {
	c.mu.Lock()
	defer c.unlock()
	c.renewing = false
	c.authExpired = true
	info := protocol.WrapErrorInfo(40142, err)
	c.logger.Error("token renewal failed, publishing paused until Authorize succeeds", "error", err)
	if c.state == ConnectionConnected {
		c.emitUpdateLocked(info)
	} else {
		c.reason = info
	}
}

// PublishingOpen reports whether publishes are sent immediately.
func (c *Connection) PublishingOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gateOpenLocked()
}

func (c *Connection) gateOpenLocked() bool {
	return c.state == ConnectionConnected && c.tr != nil && !c.renewing && !c.authExpired
}

// sendPublish assigns the next msgSerial and sends p, or returns
// errGateClosed when publishing is paused or the channel's attachment
// belongs to an earlier epoch.
func (c *Connection) sendPublish(p *pendingPublish, epoch uint64) error {
	c.mu.Lock()
	defer c.unlock()
	if !c.gateOpenLocked() || epoch != c.epoch {
		return errGateClosed
	}
	p.frame.MsgSerial = c.msgSerial
	c.msgSerial++
	c.pending = append(c.pending, p)
	if err := c.tr.Send(p.frame); err != nil {
		c.logger.Debug("publish queued for resend", "msg_serial", p.frame.MsgSerial, "error", err)
	}
	return nil
}

// sentOn identifies the connection attempt and epoch that carried a frame.
type sentOn struct {
	gen   uint64
	epoch uint64
}

// sendFrame sends a control frame such as ATTACH or DETACH.
func (c *Connection) sendFrame(f *protocol.Frame) (sentOn, error) {
	c.mu.Lock()
	defer c.unlock()
	if c.state != ConnectionConnected || c.tr == nil {
		return sentOn{}, transport.ErrNotConnected
	}
	return sentOn{gen: c.gen, epoch: c.epoch}, c.tr.Send(f)
}

// reclaim hands back a channel's publishes left unacknowledged by a
// connection that could not be resumed.
func (c *Connection) reclaim(channel string) []*pendingPublish {
	c.mu.Lock()
	defer c.mu.Unlock()
	ps := c.reclaimed[channel]
	delete(c.reclaimed, channel)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].frame.MsgSerial < ps[j].frame.MsgSerial })
	return ps
}

// clientID returns the identity confirmed by the service, falling back to
// the configured one.
func (c *Connection) clientID() string {
	c.mu.Lock()
	details := c.details
	c.mu.Unlock()
	if details != nil && details.ClientID != "" {
		return details.ClientID
	}
	return c.provider.ClientID()
}
