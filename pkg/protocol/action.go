package protocol

import "strconv"

// Action identifies the purpose of a Frame.
type Action int

const (
	ActionHeartbeat    Action = 0
	ActionAck          Action = 1
	ActionNack         Action = 2
	ActionConnect      Action = 3
	ActionConnected    Action = 4
	ActionDisconnect   Action = 5
	ActionDisconnected Action = 6
	ActionClose        Action = 7
	ActionClosed       Action = 8
	ActionError        Action = 9
	ActionAttach       Action = 10
	ActionAttached     Action = 11
	ActionDetach       Action = 12
	ActionDetached     Action = 13
	ActionPresence     Action = 14
	ActionMessage      Action = 15
	ActionSync         Action = 16
	ActionAuth         Action = 17
	ActionActivate     Action = 18
	ActionObject       Action = 19
	ActionObjectSync   Action = 20
	ActionAnnotation   Action = 21
)

var actionNames = [...]string{
	"HEARTBEAT", "ACK", "NACK", "CONNECT", "CONNECTED", "DISCONNECT",
	"DISCONNECTED", "CLOSE", "CLOSED", "ERROR", "ATTACH", "ATTACHED",
	"DETACH", "DETACHED", "PRESENCE", "MESSAGE", "SYNC", "AUTH",
	"ACTIVATE", "OBJECT", "OBJECT_SYNC", "ANNOTATION",
}

// Known reports whether a is one of the defined protocol actions.
func (a Action) Known() bool {
	return a >= 0 && int(a) < len(actionNames)
}

// String returns the protocol name of the action, or UNKNOWN(n).
func (a Action) String() string {
	if a.Known() {
		return actionNames[a]
	}
	return "UNKNOWN(" + strconv.Itoa(int(a)) + ")"
}

// Flags is the attach/channel flag bitmask.
type Flags uint32

const (
	FlagPresence          Flags = 1 << 0
	FlagPublish           Flags = 1 << 1
	FlagSubscribe         Flags = 1 << 2
	FlagPresenceSubscribe Flags = 1 << 3
	FlagHasPresence       Flags = 1 << 16
	FlagHasBacklog        Flags = 1 << 17
	FlagResumed           Flags = 1 << 18
	FlagTransient         Flags = 1 << 19
	FlagAttachResume      Flags = 1 << 20
)

// Has returns true if f contains every bit of flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Mode is a channel mode requested on attach.
type Mode string

const (
	ModePresence          Mode = "presence"
	ModePublish           Mode = "publish"
	ModeSubscribe         Mode = "subscribe"
	ModePresenceSubscribe Mode = "presence_subscribe"
)

// ModeFlags converts channel modes to their attach flags. Unknown modes
// are ignored.
func ModeFlags(modes ...Mode) Flags {
	var f Flags
	for _, m := range modes {
		switch m {
		case ModePresence:
			f |= FlagPresence
		case ModePublish:
			f |= FlagPublish
		case ModeSubscribe:
			f |= FlagSubscribe
		case ModePresenceSubscribe:
			f |= FlagPresenceSubscribe
		}
	}
	return f
}

// PresenceAction is the action of a PresenceMessage.
type PresenceAction int

const (
	PresenceAbsent  PresenceAction = 0
	PresencePresent PresenceAction = 1
	PresenceEnter   PresenceAction = 2
	PresenceLeave   PresenceAction = 3
	PresenceUpdate  PresenceAction = 4
)

// String returns the lowercase name of the presence action.
func (p PresenceAction) String() string {
	switch p {
	case PresenceAbsent:
		return "absent"
	case PresencePresent:
		return "present"
	case PresenceEnter:
		return "enter"
	case PresenceLeave:
		return "leave"
	case PresenceUpdate:
		return "update"
	default:
		return "unknown(" + strconv.Itoa(int(p)) + ")"
	}
}
