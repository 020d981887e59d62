package realtime

import (
	"context"
	"sort"
	"sync"

	"github.com/vango-dev/realtime/pkg/protocol"
)

// Channels is the client's channel registry. Each name maps to one
// Channel for the life of the client or until Release.
type Channels struct {
	conn *Connection
	opts *options

	mu       sync.Mutex
	channels map[string]*Channel
}

func newChannels(conn *Connection, opts *options) *Channels {
	return &Channels{
		conn:     conn,
		opts:     opts,
		channels: make(map[string]*Channel),
	}
}

// Get returns the channel called name, creating it on first use. Options
// apply only when the channel is created.
func (r *Channels) Get(name string, opts ...ChannelOption) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	var chOpts channelOptions
	for _, opt := range opts {
		opt(&chOpts)
	}
	ch := newChannel(name, r.conn, r.opts, chOpts)
	r.channels[name] = ch
	return ch
}

// Exists reports whether a channel called name has been created.
func (r *Channels) Exists(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.channels[name]
	return ok
}

// Names returns the names of all channels, sorted.
func (r *Channels) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Release detaches the channel and removes it from the registry. A later
// Get creates a fresh channel.
func (r *Channels) Release(ctx context.Context, name string) error {
	r.mu.Lock()
	ch, ok := r.channels[name]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	err := ch.Detach(ctx)

	r.mu.Lock()
	if r.channels[name] == ch {
		delete(r.channels, name)
	}
	r.mu.Unlock()
	ch.release()
	return err
}

func (r *Channels) lookup(name string) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[name]
}

func (r *Channels) snapshot() []*Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		out = append(out, ch)
	}
	return out
}

// dispatch routes a channel-scoped frame to its channel.
func (r *Channels) dispatch(f *protocol.Frame) {
	ch := r.lookup(f.Channel)
	if ch == nil {
		r.opts.logger.Debug("frame for unknown channel", "channel", f.Channel, "action", f.Action)
		return
	}
	ch.handleFrame(f)
}

func (r *Channels) onConnectionStateChange(change ConnectionStateChange) {
	for _, ch := range r.snapshot() {
		ch.onConnectionStateChange(change)
	}
}
