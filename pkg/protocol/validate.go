package protocol

import (
	"errors"
	"fmt"
)

// ErrMalformedFrame is matched by every frame decoding or validation failure.
var ErrMalformedFrame = errors.New("protocol: malformed frame")

// MalformedFrameError describes why a frame could not be used.
type MalformedFrameError struct {
	Format Format
	Action Action
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *MalformedFrameError) Error() string {
	s := "protocol: malformed " + string(e.Format) + " frame"
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap returns the underlying decode error.
func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// Is matches ErrMalformedFrame.
func (e *MalformedFrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

// ValidateFrame checks that f is usable by the connection layer.
func ValidateFrame(f *Frame) error {
	if f == nil {
		return &MalformedFrameError{Reason: "nil frame"}
	}
	if !f.Action.Known() {
		return &MalformedFrameError{Action: f.Action, Reason: fmt.Sprintf("unknown action %d", int(f.Action))}
	}
	switch f.Action {
	case ActionAttach, ActionAttached, ActionDetach, ActionDetached,
		ActionMessage, ActionPresence, ActionSync:
		if f.Channel == "" {
			return &MalformedFrameError{Action: f.Action, Reason: f.Action.String() + " without channel"}
		}
	case ActionAck, ActionNack:
		if f.MsgSerial < 0 {
			return &MalformedFrameError{Action: f.Action, Reason: f.Action.String() + " without msgSerial"}
		}
	}
	for i, p := range f.Presence {
		if p == nil {
			return &MalformedFrameError{Action: f.Action, Reason: fmt.Sprintf("nil presence message at %d", i)}
		}
	}
	for i, m := range f.Messages {
		if m == nil {
			return &MalformedFrameError{Action: f.Action, Reason: fmt.Sprintf("nil message at %d", i)}
		}
	}
	return nil
}
