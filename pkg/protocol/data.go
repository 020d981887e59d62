package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Encoding tags understood by the data encoding chain.
const (
	EncodingJSON   = "json"
	EncodingUTF8   = "utf-8"
	EncodingBase64 = "base64"
)

// EncodeData prepares an application value for publishing. Strings and
// byte slices pass through unchanged; any other value is serialized to a
// JSON string tagged "json".
func EncodeData(data any) (any, string, error) {
	switch v := data.(type) {
	case nil, string, []byte:
		return v, "", nil
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, "", fmt.Errorf("protocol: encode data: %w", err)
		}
		return string(raw), EncodingJSON, nil
	}
}

// DecodeData unwinds the encoding chain right to left. Decoding stops at the
// first tag it does not understand (such as a cipher tag); the tags that
// remain are returned so the caller can hand them to another layer.
func DecodeData(data any, encoding string) (any, string, error) {
	rest := encoding
	for rest != "" {
		var tag string
		rest, tag = splitLastEncoding(rest)
		switch tag {
		case EncodingBase64:
			s, ok := data.(string)
			if !ok {
				return data, appendEncoding(rest, tag), fmt.Errorf("protocol: base64 tag on %T data", data)
			}
			b, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				return data, appendEncoding(rest, tag), fmt.Errorf("protocol: decode base64: %w", err)
			}
			data = b
		case EncodingUTF8:
			if b, ok := data.([]byte); ok {
				if !utf8.Valid(b) {
					return data, appendEncoding(rest, tag), fmt.Errorf("protocol: invalid utf-8 data")
				}
				data = string(b)
			}
		case EncodingJSON:
			var raw []byte
			switch v := data.(type) {
			case string:
				raw = []byte(v)
			case []byte:
				raw = v
			default:
				return data, appendEncoding(rest, tag), fmt.Errorf("protocol: json tag on %T data", data)
			}
			var out any
			if err := json.Unmarshal(raw, &out); err != nil {
				return data, appendEncoding(rest, tag), fmt.Errorf("protocol: decode json: %w", err)
			}
			data = out
		default:
			return data, appendEncoding(rest, tag), nil
		}
	}
	return data, "", nil
}

// NewMessage builds a message with data run through EncodeData.
func NewMessage(name string, data any) (*Message, error) {
	d, enc, err := EncodeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Name: name, Data: d, Encoding: enc}, nil
}

// Decode replaces Data with its decoded form and leaves any tags that
// could not be processed in Encoding.
func (m *Message) Decode() error {
	data, enc, err := DecodeData(m.Data, m.Encoding)
	if err != nil {
		return err
	}
	m.Data, m.Encoding = data, enc
	return nil
}

// Decode replaces Data with its decoded form.
func (p *PresenceMessage) Decode() error {
	data, enc, err := DecodeData(p.Data, p.Encoding)
	if err != nil {
		return err
	}
	p.Data, p.Encoding = data, enc
	return nil
}

// Normalize rewrites string data whose encoding chain ends in a base64 tag
// into the decoded bytes and drops that tag, for every message and presence
// message in f. The text format carries binary data exactly that way, so its
// decoder cannot tell the two apart and always yields the normalized form.
// Decode(Encode(f)) equals f for any frame Normalize leaves unchanged.
func (f *Frame) Normalize() error {
	for _, m := range f.Messages {
		data, enc, err := normalizeData(m.Data, m.Encoding)
		if err != nil {
			return err
		}
		m.Data, m.Encoding = data, enc
	}
	for _, p := range f.Presence {
		data, enc, err := normalizeData(p.Data, p.Encoding)
		if err != nil {
			return err
		}
		p.Data, p.Encoding = data, enc
	}
	return nil
}

func normalizeData(data any, encoding string) (any, string, error) {
	s, ok := data.(string)
	if !ok {
		return data, encoding, nil
	}
	rest, last := splitLastEncoding(encoding)
	if last != EncodingBase64 {
		return data, encoding, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return data, encoding, fmt.Errorf("protocol: decode base64: %w", err)
	}
	return b, rest, nil
}

// IsEncrypted reports whether the encoding chain contains a cipher tag.
func IsEncrypted(encoding string) bool {
	return strings.Contains(encoding, "cipher+")
}
