package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vango-dev/realtime/internal/clock"
	"github.com/vango-dev/realtime/pkg/protocol"
)

// ChannelOption configures a channel.
type ChannelOption func(*channelOptions)

type channelOptions struct {
	params map[string]string
	modes  []protocol.Mode
}

// WithChannelParams sends params with every ATTACH.
func WithChannelParams(params map[string]string) ChannelOption {
	return func(o *channelOptions) { o.params = params }
}

// WithChannelModes requests the given modes on attach.
func WithChannelModes(modes ...protocol.Mode) ChannelOption {
	return func(o *channelOptions) { o.modes = modes }
}

// Channel is a named channel on the client's connection.
type Channel struct {
	name   string
	conn   *Connection
	opts   *options
	chOpts channelOptions
	logger *slog.Logger

	events   Emitter[ChannelStateChange]
	messages Emitter[*protocol.Message]
	presence *Presence

	mu            sync.Mutex
	state         ChannelState
	stateCh       chan struct{}
	reason        *protocol.ErrorInfo
	flags         protocol.Flags
	attachSerial  string
	channelSerial string
	everAttached  bool
	attachTimer   *clock.Timer
	attachGen     uint64
	attachSentOn  sentOn
	// attachedEpoch is the connection epoch of the current attachment.
	attachedEpoch uint64
	retryTimer    *clock.Timer
	detachTimer   *clock.Timer
	queue         []*pendingPublish
	released      bool
}

func newChannel(name string, conn *Connection, opts *options, chOpts channelOptions) *Channel {
	ch := &Channel{
		name:    name,
		conn:    conn,
		opts:    opts,
		chOpts:  chOpts,
		logger:  opts.logger.With("component", "channel", "channel", name),
		stateCh: make(chan struct{}),
	}
	ch.presence = newPresence(ch)
	return ch
}

// Name returns the channel name.
func (ch *Channel) Name() string { return ch.name }

// Presence returns the channel's presence set.
func (ch *Channel) Presence() *Presence { return ch.presence }

// State returns the current state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// ErrorReason returns the error behind the latest transition, if any.
func (ch *Channel) ErrorReason() *protocol.ErrorInfo {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.reason
}

// Flags returns the flags of the last ATTACHED.
func (ch *Channel) Flags() protocol.Flags {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.flags
}

// AttachSerial returns the channel serial of the last ATTACHED.
func (ch *Channel) AttachSerial() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.attachSerial
}

// QueueLen returns the number of publishes waiting for the channel.
func (ch *Channel) QueueLen() int {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return len(ch.queue)
}

// On calls fn for every state change, in order.
func (ch *Channel) On(fn func(ChannelStateChange)) *Subscription[ChannelStateChange] {
	return ch.events.On(fn)
}

// StateChanges subscribes to the channel's state changes.
func (ch *Channel) StateChanges() *Subscription[ChannelStateChange] {
	return ch.events.Subscribe(nil)
}

// Attach attaches the channel and waits for the outcome.
func (ch *Channel) Attach(ctx context.Context) error {
	ctx, span := startSpan(ctx, ch.conn.tracer, "attach", attribute.String("realtime.channel", ch.name))
	err := ch.attach(ctx)
	endSpan(span, err)
	return err
}

func (ch *Channel) attach(ctx context.Context) error {
	if err := ch.connectionUsable(); err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.released {
		ch.mu.Unlock()
		return channelStateError("attach", ch.state, protocol.NewErrorInfo(90001, "channel released"))
	}
	if ch.state != ChannelAttached {
		ch.requestAttachLocked(nil)
	}
	ch.mu.Unlock()

	for {
		ch.mu.Lock()
		state, reason, wait := ch.state, ch.reason, ch.stateCh
		ch.mu.Unlock()
		switch state {
		case ChannelAttached:
			return nil
		case ChannelAttaching:
		default:
			return channelStateError("attach", state, reason)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// connectionUsable rejects attach while the connection cannot carry it,
// and starts connecting a connection that never tried.
func (ch *Channel) connectionUsable() error {
	switch st := ch.conn.State(); st {
	case ConnectionClosing, ConnectionClosed, ConnectionFailed, ConnectionSuspended:
		reason := ch.conn.ErrorReason()
		if reason == nil {
			reason = protocol.NewErrorInfo(90001, "connection "+st.String())
		}
		return fmt.Errorf("attach: %w", reason)
	case ConnectionInitialized:
		ch.conn.Connect()
	}
	return nil
}

// requestAttachLocked moves to Attaching and sends ATTACH when connected;
// otherwise the ATTACH goes out once the connection is up.
func (ch *Channel) requestAttachLocked(reason *protocol.ErrorInfo) {
	ch.stopTimerLocked(&ch.retryTimer)
	ch.stopTimerLocked(&ch.detachTimer)
	if ch.state != ChannelAttaching {
		ch.setStateLocked(ChannelAttaching, reason, false)
	}
	if ch.conn.State() == ConnectionConnected {
		ch.sendAttachLocked()
	}
}

func (ch *Channel) sendAttachLocked() {
	f := protocol.NewFrame(protocol.ActionAttach)
	f.Channel = ch.name
	f.Params = ch.chOpts.params
	f.Flags = protocol.ModeFlags(ch.chOpts.modes...)
	if ch.everAttached {
		f.Flags |= protocol.FlagAttachResume
		f.ChannelSerial = ch.channelSerial
	}

	ch.stopTimerLocked(&ch.attachTimer)
	ch.attachGen++
	gen := ch.attachGen
	ch.attachTimer = ch.conn.clock.AfterFunc(ch.opts.attachTimeout, func() { ch.onAttachTimeout(gen) })
	on, err := ch.conn.sendFrame(f)
	if err != nil {
		ch.logger.Debug("ATTACH deferred until connected", "error", err)
		ch.stopTimerLocked(&ch.attachTimer)
		return
	}
	ch.attachSentOn = on
}

// attachedOn reports whether the channel already attached, or has an
// ATTACH in flight, on connection attempt gen. Lifecycle events reach
// channels asynchronously, so a channel created after CONNECTED may see
// that event late.
func (ch *Channel) attachedOn(gen uint64) bool {
	if ch.attachSentOn.gen != gen {
		return false
	}
	return ch.state == ChannelAttached || (ch.state == ChannelAttaching && ch.attachTimer != nil)
}

func (ch *Channel) onAttachTimeout(gen uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelAttaching || gen != ch.attachGen {
		return
	}
	ch.attachTimer = nil
	ch.suspendLocked(protocol.NewErrorInfo(90007, ""))
}

// suspendLocked suspends the channel and retries the attach later if the
// connection is still up.
func (ch *Channel) suspendLocked(reason *protocol.ErrorInfo) {
	ch.setStateLocked(ChannelSuspended, reason, false)
	ch.stopTimerLocked(&ch.retryTimer)
	ch.retryTimer = ch.conn.clock.AfterFunc(ch.opts.channelRetryTimeout, func() {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		ch.retryTimer = nil
		if ch.state == ChannelSuspended && ch.conn.State() == ConnectionConnected {
			ch.requestAttachLocked(nil)
		}
	})
}

// Detach detaches the channel and waits for the outcome.
func (ch *Channel) Detach(ctx context.Context) error {
	ctx, span := startSpan(ctx, ch.conn.tracer, "detach", attribute.String("realtime.channel", ch.name))
	err := ch.detach(ctx)
	endSpan(span, err)
	return err
}

func (ch *Channel) detach(ctx context.Context) error {
	ch.mu.Lock()
	switch ch.state {
	case ChannelInitialized, ChannelDetached:
		ch.mu.Unlock()
		return nil
	case ChannelFailed:
		err := channelStateError("detach", ch.state, ch.reason)
		ch.mu.Unlock()
		return err
	case ChannelSuspended:
		ch.detachedLocked(nil)
		ch.mu.Unlock()
		return nil
	}
	if ch.conn.State() != ConnectionConnected {
		ch.detachedLocked(nil)
		ch.mu.Unlock()
		return nil
	}
	if ch.state != ChannelDetaching {
		ch.stopTimerLocked(&ch.attachTimer)
		ch.setStateLocked(ChannelDetaching, nil, false)
		f := protocol.NewFrame(protocol.ActionDetach)
		f.Channel = ch.name
		if _, err := ch.conn.sendFrame(f); err != nil {
			ch.detachedLocked(nil)
			ch.mu.Unlock()
			return nil
		}
		ch.detachTimer = ch.conn.clock.AfterFunc(ch.opts.attachTimeout, ch.onDetachTimeout)
	}
	ch.mu.Unlock()

	for {
		ch.mu.Lock()
		state, reason, wait := ch.state, ch.reason, ch.stateCh
		ch.mu.Unlock()
		switch state {
		case ChannelDetached:
			return nil
		case ChannelDetaching:
		default:
			return channelStateError("detach", state, reason)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (ch *Channel) onDetachTimeout() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelDetaching {
		return
	}
	ch.detachTimer = nil
	ch.setStateLocked(ChannelAttached, protocol.NewErrorInfo(90007, "detach timed out"), false)
}

func (ch *Channel) detachedLocked(reason *protocol.ErrorInfo) {
	ch.stopTimersLocked()
	ch.setStateLocked(ChannelDetached, reason, false)
}

func (ch *Channel) stopTimerLocked(t **clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (ch *Channel) stopTimersLocked() {
	ch.stopTimerLocked(&ch.attachTimer)
	ch.stopTimerLocked(&ch.retryTimer)
	ch.stopTimerLocked(&ch.detachTimer)
}

// Subscribe attaches the channel if needed and returns a subscription to
// messages with any of the given names, or all messages when none are
// given.
func (ch *Channel) Subscribe(names ...string) *Subscription[*protocol.Message] {
	var filter func(*protocol.Message) bool
	if len(names) > 0 {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			set[n] = struct{}{}
		}
		filter = func(m *protocol.Message) bool {
			_, ok := set[m.Name]
			return ok
		}
	}
	sub := ch.messages.Subscribe(filter)
	ch.implicitAttach()
	return sub
}

func (ch *Channel) implicitAttach() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.state != ChannelInitialized || ch.released {
		return
	}
	if ch.conn.State() == ConnectionInitialized {
		ch.conn.Connect()
	}
	ch.requestAttachLocked(nil)
}

// Publish publishes msgs as one frame and waits for the service to
// acknowledge it. Messages are not modified.
func (ch *Channel) Publish(ctx context.Context, msgs ...*protocol.Message) error {
	ctx, span := startSpan(ctx, ch.conn.tracer, "publish",
		attribute.String("realtime.channel", ch.name),
		attribute.Int("realtime.messages", len(msgs)),
	)
	err := ch.publish(ctx, msgs)
	endSpan(span, err)
	return err
}

// PublishData publishes a single message.
func (ch *Channel) PublishData(ctx context.Context, name string, data any) error {
	return ch.Publish(ctx, &protocol.Message{Name: name, Data: data})
}

func (ch *Channel) publish(ctx context.Context, msgs []*protocol.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	f := protocol.NewFrame(protocol.ActionMessage)
	f.Channel = ch.name
	var base string
	if ch.opts.idempotent {
		base = ulid.Make().String()
	}
	for i, m := range msgs {
		out := *m
		if out.Encoding == "" {
			data, enc, err := protocol.EncodeData(m.Data)
			if err != nil {
				return fmt.Errorf("publish: %w", err)
			}
			out.Data, out.Encoding = data, enc
		}
		if base != "" && out.ID == "" {
			out.ID = base + ":" + strconv.Itoa(i)
		}
		f.Messages = append(f.Messages, &out)
	}
	return ch.submit(ctx, "publish", f)
}

// submit sends f once the channel is attached and the publishing gate is
// open, then waits for its ACK or NACK.
func (ch *Channel) submit(ctx context.Context, op string, f *protocol.Frame) error {
	conn := ch.conn
	start := conn.clock.Now()
	p := newPendingPublish(ch.name, f, start)

	ch.mu.Lock()
	switch ch.state {
	case ChannelDetaching, ChannelDetached, ChannelFailed:
		err := channelStateError(op, ch.state, ch.reason)
		ch.mu.Unlock()
		return err
	case ChannelInitialized:
		if conn.State() == ConnectionInitialized {
			conn.Connect()
		}
		ch.requestAttachLocked(nil)
	}
	if !ch.sendOrQueueLocked(p) {
		ch.mu.Unlock()
		conn.metrics.publishDone(start, conn.clock.Now(), ErrBackpressure)
		return fmt.Errorf("%s: %w", op, ErrBackpressure)
	}
	ch.mu.Unlock()

	select {
	case err := <-p.done:
		conn.metrics.publishDone(start, conn.clock.Now(), err)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return nil
	case <-ctx.Done():
		ch.abandon(p)
		return ctx.Err()
	}
}

// sendOrQueueLocked sends p directly when nothing is queued ahead of it,
// or appends it to the queue. It reports false when the queue is full.
func (ch *Channel) sendOrQueueLocked(p *pendingPublish) bool {
	if ch.state == ChannelAttached && len(ch.queue) == 0 {
		if ch.conn.sendPublish(p, ch.attachedEpoch) == nil {
			return true
		}
	}
	if len(ch.queue) >= ch.opts.maxQueuedPublishes {
		return false
	}
	ch.queue = append(ch.queue, p)
	ch.conn.metrics.queued(1)
	return true
}

// abandon drops p from the queue after its caller gave up. A publish
// already sent stays pending on the connection.
func (ch *Channel) abandon(p *pendingPublish) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	for i, q := range ch.queue {
		if q == p {
			ch.queue = append(ch.queue[:i], ch.queue[i+1:]...)
			ch.conn.metrics.queued(-1)
			return
		}
	}
}

// flushLocked sends queued publishes in order until the queue empties or
// the publishing gate closes.
func (ch *Channel) flushLocked() {
	if ch.state != ChannelAttached {
		return
	}
	n := 0
	for _, p := range ch.queue {
		if ch.conn.sendPublish(p, ch.attachedEpoch) != nil {
			break
		}
		n++
	}
	if n == 0 {
		return
	}
	for i := 0; i < n; i++ {
		ch.queue[i] = nil
	}
	ch.queue = ch.queue[n:]
	ch.conn.metrics.queued(-n)
}

func (ch *Channel) failQueueLocked(reason error) {
	if len(ch.queue) == 0 {
		return
	}
	q := ch.queue
	ch.queue = nil
	ch.conn.metrics.queued(-len(q))
	for _, p := range q {
		p.resolve(reason)
	}
}

func (ch *Channel) setStateLocked(next ChannelState, reason *protocol.ErrorInfo, resumed bool) bool {
	prev := ch.state
	if prev == next {
		return false
	}
	if !prev.CanTransition(next) {
		ch.logger.Error("invalid channel transition", "from", prev, "to", next)
		return false
	}
	ch.state = next
	ch.reason = reason
	ch.conn.metrics.channelTransition(next)

	attrs := []any{"from", prev.String(), "to", next.String()}
	if reason != nil {
		attrs = append(attrs, "reason", reason.Error())
	}
	ch.logger.Info("channel state changed", attrs...)

	switch next {
	case ChannelSuspended, ChannelFailed, ChannelDetached:
		r := reason
		if r == nil {
			r = protocol.NewErrorInfo(90001, "channel "+next.String())
		}
		ch.failQueueLocked(r)
	}
	switch next {
	case ChannelDetached, ChannelFailed:
		ch.presence.clear()
	}

	ch.events.Emit(ChannelStateChange{
		Previous: prev,
		Current:  next,
		Event:    next.String(),
		Reason:   reason,
		Resumed:  resumed,
	})
	close(ch.stateCh)
	ch.stateCh = make(chan struct{})
	return true
}

func (ch *Channel) emitUpdateLocked(reason *protocol.ErrorInfo, resumed bool) {
	ch.events.Emit(ChannelStateChange{
		Previous: ch.state,
		Current:  ch.state,
		Event:    EventUpdate,
		Reason:   reason,
		Resumed:  resumed,
	})
}

// onConnectionStateChange follows the connection's lifecycle.
func (ch *Channel) onConnectionStateChange(change ConnectionStateChange) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.released {
		return
	}

	switch change.Current {
	case ConnectionConnected:
		if change.Event == EventUpdate || ch.attachedOn(change.gen) {
			ch.flushLocked()
			return
		}
		if !change.Resumed {
			ch.reclaimLocked()
			ch.presence.markStale()
			switch ch.state {
			case ChannelAttached, ChannelSuspended:
				ch.requestAttachLocked(nil)
			case ChannelAttaching:
				ch.sendAttachLocked()
			}
			return
		}
		switch ch.state {
		case ChannelAttached:
			ch.flushLocked()
		case ChannelAttaching:
			ch.sendAttachLocked()
		case ChannelSuspended:
			ch.requestAttachLocked(nil)
		}

	case ConnectionDisconnected:
		ch.stopTimerLocked(&ch.attachTimer)

	case ConnectionSuspended:
		switch ch.state {
		case ChannelAttaching, ChannelAttached:
			ch.stopTimersLocked()
			ch.setStateLocked(ChannelSuspended, change.Reason, false)
		}

	case ConnectionFailed:
		switch ch.state {
		case ChannelAttaching, ChannelAttached, ChannelSuspended, ChannelDetaching:
			ch.stopTimersLocked()
			reason := change.Reason
			if reason == nil {
				reason = protocol.NewErrorInfo(80000, "")
			}
			ch.setStateLocked(ChannelFailed, reason, false)
		}

	case ConnectionClosed:
		switch ch.state {
		case ChannelAttaching, ChannelAttached, ChannelSuspended, ChannelDetaching:
			ch.detachedLocked(protocol.NewErrorInfo(80017, ""))
		}
	}
}

// reclaimLocked puts publishes sent on a lost connection back at the
// front of the queue so they go out again after re-attach.
func (ch *Channel) reclaimLocked() {
	ps := ch.conn.reclaim(ch.name)
	if len(ps) == 0 {
		return
	}
	ch.logger.Info("requeueing unacknowledged publishes", "count", len(ps))
	ch.queue = append(ps, ch.queue...)
	ch.conn.metrics.queued(len(ps))
}

// handleFrame applies a channel-scoped frame.
func (ch *Channel) handleFrame(f *protocol.Frame) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.released {
		return
	}

	switch f.Action {
	case protocol.ActionAttached:
		ch.onAttachedLocked(f)

	case protocol.ActionDetached:
		switch ch.state {
		case ChannelDetaching:
			ch.detachedLocked(f.Error)
		case ChannelAttached:
			ch.logger.Warn("channel detached by service, reattaching", "reason", f.Error)
			ch.requestAttachLocked(f.Error)
		case ChannelAttaching:
			ch.stopTimerLocked(&ch.attachTimer)
			reason := f.Error
			if reason == nil {
				reason = protocol.NewErrorInfo(90000, "attach rejected")
			}
			ch.suspendLocked(reason)
		}

	case protocol.ActionError:
		ch.stopTimersLocked()
		ch.setStateLocked(ChannelFailed, errorInfoOrDefault(f.Error, 90000), false)

	case protocol.ActionMessage:
		ch.onMessagesLocked(f)

	case protocol.ActionPresence:
		if ch.state == ChannelAttached {
			ch.presence.apply(f, false)
		}

	case protocol.ActionSync:
		if ch.state == ChannelAttached {
			ch.presence.sync(f)
		}

	default:
		ch.logger.Debug("ignoring channel frame", "action", f.Action)
	}
}

func (ch *Channel) onAttachedLocked(f *protocol.Frame) {
	resumed := f.HasFlag(protocol.FlagResumed)
	switch ch.state {
	case ChannelAttaching:
	case ChannelAttached:
		// Unsolicited ATTACHED: the service reattached us and continuity
		// may be lost.
		ch.flags = f.Flags
		if !resumed {
			ch.presence.markStale()
			ch.presence.onAttached(f.HasFlag(protocol.FlagHasPresence))
		}
		ch.emitUpdateLocked(f.Error, resumed)
		return
	default:
		ch.logger.Debug("ignoring ATTACHED", "state", ch.state)
		return
	}

	ch.stopTimerLocked(&ch.attachTimer)
	ch.flags = f.Flags
	ch.attachSerial = f.ChannelSerial
	if f.ChannelSerial != "" {
		ch.channelSerial = f.ChannelSerial
	}
	ch.everAttached = true
	ch.attachedEpoch = ch.attachSentOn.epoch
	ch.setStateLocked(ChannelAttached, f.Error, resumed)
	if !resumed {
		ch.presence.markStale()
	}
	ch.presence.onAttached(f.HasFlag(protocol.FlagHasPresence))
	ch.flushLocked()
}

func (ch *Channel) onMessagesLocked(f *protocol.Frame) {
	if ch.state != ChannelAttached {
		ch.logger.Debug("dropping MESSAGE while not attached", "state", ch.state)
		return
	}
	for i, m := range f.Messages {
		if m.ID == "" && f.ID != "" {
			m.ID = f.ID + ":" + strconv.Itoa(i)
		}
		if m.ConnectionID == "" {
			m.ConnectionID = f.ConnectionID
		}
		if m.Timestamp == 0 {
			m.Timestamp = f.Timestamp
		}
		if err := m.Decode(); err != nil {
			ch.logger.Warn("message decoding failed", "id", m.ID, "encoding", m.Encoding, "error", err)
		}
		ch.messages.Emit(m)
	}
	if f.ChannelSerial != "" {
		ch.channelSerial = f.ChannelSerial
	}
}

// release detaches the channel from the registry. Later operations fail.
func (ch *Channel) release() {
	ch.mu.Lock()
	ch.stopTimersLocked()
	ch.failQueueLocked(protocol.NewErrorInfo(90001, "channel released"))
	ch.released = true
	ch.mu.Unlock()
	ch.events.Close()
	ch.messages.Close()
	ch.presence.events.Close()
}
