package protocol

import "fmt"

// Format selects the wire serialization.
type Format string

const (
	FormatJSON    Format = "json"
	FormatMsgpack Format = "msgpack"
)

// ParseFormat parses a format name. The empty string selects msgpack.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", string(FormatMsgpack), "binary":
		return FormatMsgpack, nil
	case string(FormatJSON), "text":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("protocol: unknown format %q", s)
	}
}

// Binary reports whether frames in this format are sent as binary
// WebSocket messages.
func (f Format) Binary() bool {
	return f == FormatMsgpack
}

// Codec converts frames to and from their wire representation.
type Codec interface {
	Encode(f *Frame) ([]byte, error)
	Decode(data []byte) (*Frame, error)
	Format() Format
	Binary() bool
}

// NewCodec returns the codec for format.
func NewCodec(format Format) (Codec, error) {
	switch format {
	case FormatJSON:
		return jsonCodec{}, nil
	case FormatMsgpack:
		return msgpackCodec{limits: DefaultLimits()}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown format %q", format)
	}
}

// NewMsgpackCodec returns a binary codec using custom decode limits.
func NewMsgpackCodec(limits Limits) Codec {
	return msgpackCodec{limits: limits}
}
