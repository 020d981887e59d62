package realtime

import (
	"time"

	"github.com/vango-dev/realtime/pkg/protocol"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	ConnectionInitialized ConnectionState = iota
	ConnectionConnecting
	ConnectionConnected
	ConnectionDisconnected
	ConnectionSuspended
	ConnectionClosing
	ConnectionClosed
	ConnectionFailed
)

var connectionStateNames = [...]string{
	"initialized", "connecting", "connected", "disconnected",
	"suspended", "closing", "closed", "failed",
}

func (s ConnectionState) String() string {
	if s >= 0 && int(s) < len(connectionStateNames) {
		return connectionStateNames[s]
	}
	return "unknown"
}

// ConnectionStates lists every connection state.
func ConnectionStates() []ConnectionState {
	return []ConnectionState{
		ConnectionInitialized, ConnectionConnecting, ConnectionConnected, ConnectionDisconnected,
		ConnectionSuspended, ConnectionClosing, ConnectionClosed, ConnectionFailed,
	}
}

var connectionTransitions = map[ConnectionState][]ConnectionState{
	ConnectionInitialized:  {ConnectionConnecting, ConnectionClosed},
	ConnectionConnecting:   {ConnectionConnected, ConnectionDisconnected, ConnectionSuspended, ConnectionClosed, ConnectionFailed},
	ConnectionConnected:    {ConnectionConnecting, ConnectionDisconnected, ConnectionClosing, ConnectionClosed, ConnectionFailed},
	ConnectionDisconnected: {ConnectionConnecting, ConnectionClosed},
	ConnectionSuspended:    {ConnectionConnecting, ConnectionClosed},
	ConnectionClosing:      {ConnectionClosed, ConnectionFailed},
	ConnectionClosed:       {ConnectionConnecting},
	ConnectionFailed:       {ConnectionConnecting},
}

// CanTransition reports whether the connection may move from s to next.
func (s ConnectionState) CanTransition(next ConnectionState) bool {
	for _, to := range connectionTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// EventUpdate is the event of a state change that keeps the state. Every
// other event is named after the state entered.
const EventUpdate = "update"

// ConnectionStateChange describes one connection transition.
type ConnectionStateChange struct {
	Previous ConnectionState
	Current  ConnectionState
	Event    string
	Reason   *protocol.ErrorInfo
	// RetryIn is the delay before the next connection attempt, when one
	// is scheduled.
	RetryIn time.Duration
	// Resumed is set on CONNECTED when the previous connection was
	// resumed with its state intact.
	Resumed bool

	// gen identifies the connection attempt the change belongs to.
	gen uint64
}

// ChannelState is the lifecycle state of a Channel.
type ChannelState int

const (
	ChannelInitialized ChannelState = iota
	ChannelAttaching
	ChannelAttached
	ChannelDetaching
	ChannelDetached
	ChannelSuspended
	ChannelFailed
)

var channelStateNames = [...]string{
	"initialized", "attaching", "attached", "detaching",
	"detached", "suspended", "failed",
}

func (s ChannelState) String() string {
	if s >= 0 && int(s) < len(channelStateNames) {
		return channelStateNames[s]
	}
	return "unknown"
}

// ChannelStates lists every channel state.
func ChannelStates() []ChannelState {
	return []ChannelState{
		ChannelInitialized, ChannelAttaching, ChannelAttached, ChannelDetaching,
		ChannelDetached, ChannelSuspended, ChannelFailed,
	}
}

var channelTransitions = map[ChannelState][]ChannelState{
	ChannelInitialized: {ChannelAttaching, ChannelDetached, ChannelFailed},
	ChannelAttaching:   {ChannelAttached, ChannelDetaching, ChannelDetached, ChannelSuspended, ChannelFailed},
	ChannelAttached:    {ChannelAttaching, ChannelDetaching, ChannelDetached, ChannelSuspended, ChannelFailed},
	ChannelDetaching:   {ChannelAttaching, ChannelAttached, ChannelDetached, ChannelSuspended, ChannelFailed},
	ChannelDetached:    {ChannelAttaching, ChannelFailed},
	ChannelSuspended:   {ChannelAttaching, ChannelDetached, ChannelFailed},
	ChannelFailed:      {ChannelAttaching},
}

// CanTransition reports whether the channel may move from s to next.
func (s ChannelState) CanTransition(next ChannelState) bool {
	for _, to := range channelTransitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

// ChannelStateChange describes one channel transition.
type ChannelStateChange struct {
	Previous ChannelState
	Current  ChannelState
	Event    string
	Reason   *protocol.ErrorInfo
	// Resumed is set on ATTACHED when message continuity was preserved.
	Resumed bool
}
