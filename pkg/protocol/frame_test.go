package protocol

import (
	"errors"
	"testing"
	"time"
)

func TestActionString(t *testing.T) {
	tests := []struct {
		a    Action
		want string
	}{
		{ActionHeartbeat, "HEARTBEAT"},
		{ActionConnected, "CONNECTED"},
		{ActionAuth, "AUTH"},
		{ActionObjectSync, "OBJECT_SYNC"},
		{ActionAnnotation, "ANNOTATION"},
		{Action(22), "UNKNOWN(22)"},
		{Action(-1), "UNKNOWN(-1)"},
	}
	for _, tc := range tests {
		if got := tc.a.String(); got != tc.want {
			t.Errorf("Action(%d).String() = %q, want %q", int(tc.a), got, tc.want)
		}
	}
}

func TestActionKnown(t *testing.T) {
	for a := Action(0); a <= ActionAnnotation; a++ {
		if !a.Known() {
			t.Errorf("%v should be known", a)
		}
	}
	for _, a := range []Action{-1, 22, 255} {
		if a.Known() {
			t.Errorf("Action(%d) should be unknown", int(a))
		}
	}
}

func TestFlagsAndModes(t *testing.T) {
	f := ModeFlags(ModePresence, ModeSubscribe, Mode("bogus"))
	if f != FlagPresence|FlagSubscribe {
		t.Errorf("ModeFlags() = %b", f)
	}
	if !f.Has(FlagPresence) || f.Has(FlagPublish) {
		t.Errorf("Has() mismatch for %b", f)
	}
	frame := &Frame{Flags: FlagResumed | FlagHasPresence}
	if !frame.HasFlag(FlagResumed) || frame.HasFlag(FlagHasBacklog) {
		t.Errorf("HasFlag() mismatch for %b", frame.Flags)
	}
	if FlagAttachResume != 1<<20 || FlagHasPresence != 1<<16 {
		t.Error("flag bit positions changed")
	}
}

func TestPresenceActionString(t *testing.T) {
	if PresenceEnter.String() != "enter" || PresenceAction(9).String() != "unknown(9)" {
		t.Error("PresenceAction.String() mismatch")
	}
	p := &PresenceMessage{ClientID: "a", ConnectionID: "c"}
	if p.MemberKey() != "c:a" {
		t.Errorf("MemberKey() = %q", p.MemberKey())
	}
}

func TestFrameTime(t *testing.T) {
	f := &Frame{Timestamp: 1700000000000}
	if !f.Time().Equal(time.UnixMilli(1700000000000)) {
		t.Errorf("Time() = %v", f.Time())
	}
	if !(&Message{}).Time().IsZero() {
		t.Error("zero timestamp should give zero time")
	}
}

func TestValidateFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr bool
	}{
		{"nil", nil, true},
		{"unknown_action", &Frame{Action: 42, MsgSerial: -1}, true},
		{"attach_without_channel", &Frame{Action: ActionAttach}, true},
		{"ack_without_serial", &Frame{Action: ActionAck, MsgSerial: -1}, true},
		{"nil_message", &Frame{Action: ActionMessage, Channel: "c", Messages: []*Message{nil}}, true},
		{"nil_presence", &Frame{Action: ActionPresence, Channel: "c", Presence: []*PresenceMessage{nil}}, true},
		{"connected", NewFrame(ActionConnected), false},
		{"message", &Frame{Action: ActionMessage, Channel: "c", Messages: []*Message{{}}}, false},
		{"ack", &Frame{Action: ActionAck, MsgSerial: 0, Count: 1}, false},
		{"forward_action", NewFrame(ActionObject), false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFrame(tc.frame)
			if (err != nil) != tc.wantErr {
				t.Fatalf("ValidateFrame() error = %v, wantErr %v", err, tc.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("error %v does not match ErrMalformedFrame", err)
			}
		})
	}
}
