package realtime

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/vango-dev/realtime/pkg/protocol"
)

// Presence is the set of members present on a channel. Its state is
// guarded by the channel's mutex.
type Presence struct {
	ch     *Channel
	events Emitter[*protocol.PresenceMessage]

	members  map[string]*protocol.PresenceMessage
	syncing  bool
	residual map[string]struct{}
	synced   bool
	syncDone chan struct{}
}

func newPresence(ch *Channel) *Presence {
	return &Presence{
		ch:       ch,
		members:  make(map[string]*protocol.PresenceMessage),
		syncDone: make(chan struct{}),
	}
}

// Subscribe returns a subscription to presence events with any of the
// given actions, or all events when none are given. The channel is
// attached if needed.
func (p *Presence) Subscribe(actions ...protocol.PresenceAction) *Subscription[*protocol.PresenceMessage] {
	var filter func(*protocol.PresenceMessage) bool
	if len(actions) > 0 {
		filter = func(m *protocol.PresenceMessage) bool {
			for _, a := range actions {
				if m.Action == a {
					return true
				}
			}
			return false
		}
	}
	sub := p.events.Subscribe(filter)
	p.ch.implicitAttach()
	return sub
}

// Enter enters this client into the channel's presence set.
func (p *Presence) Enter(ctx context.Context, data any) error {
	return p.send(ctx, protocol.PresenceEnter, "", data)
}

// Update updates this client's presence data.
func (p *Presence) Update(ctx context.Context, data any) error {
	return p.send(ctx, protocol.PresenceUpdate, "", data)
}

// Leave removes this client from the presence set.
func (p *Presence) Leave(ctx context.Context, data any) error {
	return p.send(ctx, protocol.PresenceLeave, "", data)
}

// EnterClient enters clientID on behalf of another client. The
// connection needs a wildcard client identity.
func (p *Presence) EnterClient(ctx context.Context, clientID string, data any) error {
	return p.send(ctx, protocol.PresenceEnter, clientID, data)
}

// UpdateClient updates clientID's presence data.
func (p *Presence) UpdateClient(ctx context.Context, clientID string, data any) error {
	return p.send(ctx, protocol.PresenceUpdate, clientID, data)
}

// LeaveClient removes clientID from the presence set.
func (p *Presence) LeaveClient(ctx context.Context, clientID string, data any) error {
	return p.send(ctx, protocol.PresenceLeave, clientID, data)
}

func (p *Presence) send(ctx context.Context, action protocol.PresenceAction, clientID string, data any) error {
	op := "presence " + action.String()
	if clientID == "" {
		clientID = p.ch.conn.clientID()
	}
	if clientID == "" || clientID == "*" {
		return fmt.Errorf("%s: %w", op, ErrNoClientID)
	}
	encoded, encoding, err := protocol.EncodeData(data)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	f := protocol.NewFrame(protocol.ActionPresence)
	f.Channel = p.ch.name
	f.Presence = []*protocol.PresenceMessage{{
		Action:   action,
		ClientID: clientID,
		Data:     encoded,
		Encoding: encoding,
	}}
	ctx, span := startSpan(ctx, p.ch.conn.tracer, "presence")
	err = p.ch.submit(ctx, op, f)
	endSpan(span, err)
	return err
}

// Get waits for the presence set to be in sync and returns its members
// sorted by client id.
func (p *Presence) Get(ctx context.Context) ([]*protocol.PresenceMessage, error) {
	p.ch.implicitAttach()
	for {
		p.ch.mu.Lock()
		state, reason := p.ch.state, p.ch.reason
		if state == ChannelAttached && p.synced {
			members := p.snapshotLocked()
			p.ch.mu.Unlock()
			return members, nil
		}
		stateCh, syncDone := p.ch.stateCh, p.syncDone
		p.ch.mu.Unlock()

		switch state {
		case ChannelAttaching, ChannelAttached:
		case ChannelSuspended:
			return nil, channelStateError("presence get", state, protocol.NewErrorInfo(91005, ""))
		default:
			return nil, channelStateError("presence get", state, reason)
		}
		select {
		case <-stateCh:
		case <-syncDone:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Members returns the current members without waiting for a sync.
func (p *Presence) Members() []*protocol.PresenceMessage {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.snapshotLocked()
}

// SyncComplete reports whether the member set is in sync.
func (p *Presence) SyncComplete() bool {
	p.ch.mu.Lock()
	defer p.ch.mu.Unlock()
	return p.synced
}

func (p *Presence) snapshotLocked() []*protocol.PresenceMessage {
	out := make([]*protocol.PresenceMessage, 0, len(p.members))
	for _, m := range p.members {
		if m.Action == protocol.PresenceAbsent {
			continue
		}
		c := *m
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ClientID != out[j].ClientID {
			return out[i].ClientID < out[j].ClientID
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// apply merges the members of a PRESENCE or SYNC frame.
func (p *Presence) apply(f *protocol.Frame, fromSync bool) {
	for i, m := range f.Presence {
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
			p.ch.logger.Warn("presence decoding failed", "id", m.ID, "encoding", m.Encoding, "error", err)
		}
		if p.put(m, fromSync) {
			p.events.Emit(m)
		}
	}
}

// put records m and reports whether it changed the set.
func (p *Presence) put(m *protocol.PresenceMessage, fromSync bool) bool {
	key := m.MemberKey()
	if p.syncing {
		delete(p.residual, key)
	}
	if old, ok := p.members[key]; ok && !newer(m, old) {
		return false
	}

	switch m.Action {
	case protocol.PresenceLeave:
		if p.syncing && fromSync {
			stored := *m
			stored.Action = protocol.PresenceAbsent
			p.members[key] = &stored
		} else {
			delete(p.members, key)
		}
	default:
		stored := *m
		stored.Action = protocol.PresencePresent
		p.members[key] = &stored
	}
	return true
}

// newer reports whether a supersedes b. Ids of the form
// connectionId:msgSerial:index from the same connection are compared
// numerically; otherwise the later timestamp wins.
func newer(a, b *protocol.PresenceMessage) bool {
	as, aok := presenceSerial(a)
	bs, bok := presenceSerial(b)
	if aok && bok {
		if as[0] != bs[0] {
			return as[0] > bs[0]
		}
		return as[1] > bs[1]
	}
	return a.Timestamp >= b.Timestamp
}

func presenceSerial(m *protocol.PresenceMessage) ([2]int64, bool) {
	var out [2]int64
	if m.ConnectionID == "" || !strings.HasPrefix(m.ID, m.ConnectionID+":") {
		return out, false
	}
	parts := strings.Split(strings.TrimPrefix(m.ID, m.ConnectionID+":"), ":")
	if len(parts) != 2 {
		return out, false
	}
	for i, s := range parts {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return out, false
		}
		out[i] = n
	}
	return out, true
}

// sync applies one SYNC frame. The channel serial has the form
// "sequence:cursor"; an empty cursor ends the sync.
func (p *Presence) sync(f *protocol.Frame) {
	_, cursor, _ := strings.Cut(f.ChannelSerial, ":")
	if !p.syncing {
		p.startSync()
	}
	p.apply(f, true)
	if cursor == "" {
		p.endSync()
	}
}

func (p *Presence) startSync() {
	p.syncing = true
	p.residual = make(map[string]struct{}, len(p.members))
	for k := range p.members {
		p.residual[k] = struct{}{}
	}
}

// endSync removes members that were not seen during the sync and marks
// the set in sync.
func (p *Presence) endSync() {
	keys := make([]string, 0, len(p.residual))
	for k := range p.residual {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		m, ok := p.members[k]
		if !ok {
			continue
		}
		delete(p.members, k)
		if m.Action != protocol.PresenceAbsent {
			p.events.Emit(leaveFor(m, p.ch.conn.clock.Now().UnixMilli()))
		}
	}
	for k, m := range p.members {
		if m.Action == protocol.PresenceAbsent {
			delete(p.members, k)
		}
	}
	p.syncing = false
	p.residual = nil
	p.markSynced()
}

func (p *Presence) markSynced() {
	if p.synced {
		return
	}
	p.synced = true
	close(p.syncDone)
}

// markStale flags the set as out of date until the next sync completes.
func (p *Presence) markStale() {
	if !p.synced {
		return
	}
	p.synced = false
	p.syncDone = make(chan struct{})
}

// onAttached starts waiting for a sync, or empties the set when the
// service reports no members.
func (p *Presence) onAttached(hasPresence bool) {
	if hasPresence {
		if !p.synced && !p.syncing {
			p.startSync()
		}
		return
	}
	now := p.ch.conn.clock.Now().UnixMilli()
	keys := make([]string, 0, len(p.members))
	for k := range p.members {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if m := p.members[k]; m.Action != protocol.PresenceAbsent {
			p.events.Emit(leaveFor(m, now))
		}
	}
	p.members = make(map[string]*protocol.PresenceMessage)
	p.syncing = false
	p.residual = nil
	p.markSynced()
}

// clear drops every member after the channel detaches or fails.
func (p *Presence) clear() {
	p.members = make(map[string]*protocol.PresenceMessage)
	p.syncing = false
	p.residual = nil
	p.markStale()
}

func leaveFor(m *protocol.PresenceMessage, now int64) *protocol.PresenceMessage {
	leave := *m
	leave.Action = protocol.PresenceLeave
	leave.ID = ""
	leave.Timestamp = now
	return &leave
}
