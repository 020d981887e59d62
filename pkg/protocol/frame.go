package protocol

import "time"

// NoSerial marks an absent ConnectionSerial or MsgSerial.
const NoSerial int64 = -1

// Frame is a single protocol message exchanged with the service.
//
// ConnectionSerial and MsgSerial use NoSerial when absent; the decoders
// set them to NoSerial when the field is missing on the wire.
type Frame struct {
	Action            Action
	Flags             Flags
	Count             int
	Error             *ErrorInfo
	ID                string
	Channel           string
	ChannelSerial     string
	ConnectionID      string
	ConnectionKey     string
	ConnectionSerial  int64
	MsgSerial         int64
	Timestamp         int64 // milliseconds since epoch
	Messages          []*Message
	Presence          []*PresenceMessage
	Auth              *AuthDetails
	ConnectionDetails *ConnectionDetails
	Params            map[string]string
}

// NewFrame returns a frame for action with both serials unset.
func NewFrame(action Action) *Frame {
	return &Frame{
		Action:           action,
		ConnectionSerial: NoSerial,
		MsgSerial:        NoSerial,
	}
}

// HasFlag reports whether the frame carries flag.
func (f *Frame) HasFlag(flag Flags) bool {
	return f.Flags.Has(flag)
}

// Time returns the frame timestamp, or the zero time when unset.
func (f *Frame) Time() time.Time {
	return msToTime(f.Timestamp)
}

// Message is a single application message on a channel.
// A Message must not be modified after it has been published.
type Message struct {
	ID           string
	ClientID     string
	ConnectionID string
	Name         string
	// Data is nil, a string, a []byte, or a JSON-compatible value.
	Data      any
	Encoding  string
	Timestamp int64
	Extras    map[string]any
}

// Time returns the message timestamp, or the zero time when unset.
func (m *Message) Time() time.Time {
	return msToTime(m.Timestamp)
}

// PresenceMessage describes a change in a channel member's presence.
type PresenceMessage struct {
	Action       PresenceAction
	ID           string
	ClientID     string
	ConnectionID string
	Data         any
	Encoding     string
	Timestamp    int64
}

// MemberKey identifies a presence member: one client on one connection.
func (p *PresenceMessage) MemberKey() string {
	return p.ConnectionID + ":" + p.ClientID
}

// AuthDetails carries a replacement access token in an AUTH frame.
type AuthDetails struct {
	AccessToken string
}

// ConnectionDetails are the connection parameters announced by the service
// in the CONNECTED frame.
type ConnectionDetails struct {
	ClientID           string
	ConnectionKey      string
	ConnectionStateTTL time.Duration
	MaxIdleInterval    time.Duration
	MaxMessageSize     int
	MaxFrameSize       int
	MaxInboundRate     int
	ServerID           string
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
