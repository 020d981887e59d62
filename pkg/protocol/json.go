package protocol

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"
)

// jsonCodec encodes frames as JSON text. []byte payloads are carried as
// base64 strings with a trailing "base64" encoding tag, and decoding turns
// every such string back into bytes (see Frame.Normalize).
type jsonCodec struct{}

func (jsonCodec) Format() Format { return FormatJSON }
func (jsonCodec) Binary() bool   { return false }

type jsonFrame struct {
	Action            *int                   `json:"action"`
	Flags             uint32                 `json:"flags,omitempty"`
	Count             int                    `json:"count,omitempty"`
	Error             *jsonErrorInfo         `json:"error,omitempty"`
	ID                string                 `json:"id,omitempty"`
	Channel           string                 `json:"channel,omitempty"`
	ChannelSerial     string                 `json:"channelSerial,omitempty"`
	ConnectionID      string                 `json:"connectionId,omitempty"`
	ConnectionKey     string                 `json:"connectionKey,omitempty"`
	ConnectionSerial  *int64                 `json:"connectionSerial,omitempty"`
	MsgSerial         *int64                 `json:"msgSerial,omitempty"`
	Timestamp         int64                  `json:"timestamp,omitempty"`
	Messages          []*jsonMessage         `json:"messages,omitempty"`
	Presence          []*jsonPresence        `json:"presence,omitempty"`
	Auth              *jsonAuth              `json:"auth,omitempty"`
	ConnectionDetails *jsonConnectionDetails `json:"connectionDetails,omitempty"`
	Params            map[string]string      `json:"params,omitempty"`
}

type jsonErrorInfo struct {
	Code       int            `json:"code"`
	StatusCode int            `json:"statusCode,omitempty"`
	Message    string         `json:"message,omitempty"`
	Href       string         `json:"href,omitempty"`
	Cause      *jsonErrorInfo `json:"cause,omitempty"`
}

type jsonMessage struct {
	ID           string          `json:"id,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Name         string          `json:"name,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Encoding     string          `json:"encoding,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
	Extras       map[string]any  `json:"extras,omitempty"`
}

type jsonPresence struct {
	Action       int             `json:"action"`
	ID           string          `json:"id,omitempty"`
	ClientID     string          `json:"clientId,omitempty"`
	ConnectionID string          `json:"connectionId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	Encoding     string          `json:"encoding,omitempty"`
	Timestamp    int64           `json:"timestamp,omitempty"`
}

type jsonAuth struct {
	AccessToken string `json:"accessToken,omitempty"`
}

type jsonConnectionDetails struct {
	ClientID           string `json:"clientId,omitempty"`
	ConnectionKey      string `json:"connectionKey,omitempty"`
	ConnectionStateTTL int64  `json:"connectionStateTtl,omitempty"`
	MaxIdleInterval    int64  `json:"maxIdleInterval,omitempty"`
	MaxMessageSize     int    `json:"maxMessageSize,omitempty"`
	MaxFrameSize       int    `json:"maxFrameSize,omitempty"`
	MaxInboundRate     int    `json:"maxInboundRate,omitempty"`
	ServerID           string `json:"serverId,omitempty"`
}

// Encode implements Codec.
func (jsonCodec) Encode(f *Frame) ([]byte, error) {
	action := int(f.Action)
	jf := jsonFrame{
		Action:        &action,
		Flags:         uint32(f.Flags),
		Count:         f.Count,
		Error:         toJSONError(f.Error),
		ID:            f.ID,
		Channel:       f.Channel,
		ChannelSerial: f.ChannelSerial,
		ConnectionID:  f.ConnectionID,
		ConnectionKey: f.ConnectionKey,
		Timestamp:     f.Timestamp,
		Params:        f.Params,
	}
	if f.ConnectionSerial >= 0 {
		v := f.ConnectionSerial
		jf.ConnectionSerial = &v
	}
	if f.MsgSerial >= 0 {
		v := f.MsgSerial
		jf.MsgSerial = &v
	}
	for _, m := range f.Messages {
		jm, err := toJSONMessage(m)
		if err != nil {
			return nil, err
		}
		jf.Messages = append(jf.Messages, jm)
	}
	for _, p := range f.Presence {
		jp, err := toJSONPresence(p)
		if err != nil {
			return nil, err
		}
		jf.Presence = append(jf.Presence, jp)
	}
	if f.Auth != nil {
		jf.Auth = &jsonAuth{AccessToken: f.Auth.AccessToken}
	}
	if cd := f.ConnectionDetails; cd != nil {
		jf.ConnectionDetails = &jsonConnectionDetails{
			ClientID:           cd.ClientID,
			ConnectionKey:      cd.ConnectionKey,
			ConnectionStateTTL: cd.ConnectionStateTTL.Milliseconds(),
			MaxIdleInterval:    cd.MaxIdleInterval.Milliseconds(),
			MaxMessageSize:     cd.MaxMessageSize,
			MaxFrameSize:       cd.MaxFrameSize,
			MaxInboundRate:     cd.MaxInboundRate,
			ServerID:           cd.ServerID,
		}
	}
	return json.Marshal(&jf)
}

// Decode implements Codec.
func (jsonCodec) Decode(data []byte) (*Frame, error) {
	var jf jsonFrame
	if err := json.Unmarshal(data, &jf); err != nil {
		return nil, &MalformedFrameError{Format: FormatJSON, Err: err}
	}
	if jf.Action == nil {
		return nil, &MalformedFrameError{Format: FormatJSON, Reason: "missing action"}
	}
	f := NewFrame(Action(*jf.Action))
	f.Flags = Flags(jf.Flags)
	f.Count = jf.Count
	f.Error = fromJSONError(jf.Error)
	f.ID = jf.ID
	f.Channel = jf.Channel
	f.ChannelSerial = jf.ChannelSerial
	f.ConnectionID = jf.ConnectionID
	f.ConnectionKey = jf.ConnectionKey
	f.Timestamp = jf.Timestamp
	if len(jf.Params) > 0 {
		f.Params = jf.Params
	}
	if jf.ConnectionSerial != nil {
		f.ConnectionSerial = *jf.ConnectionSerial
	}
	if jf.MsgSerial != nil {
		f.MsgSerial = *jf.MsgSerial
	}
	for i, jm := range jf.Messages {
		m, err := fromJSONMessage(jm)
		if err != nil {
			return nil, &MalformedFrameError{Format: FormatJSON, Action: f.Action, Reason: "message " + strconv.Itoa(i), Err: err}
		}
		f.Messages = append(f.Messages, m)
	}
	for i, jp := range jf.Presence {
		p, err := fromJSONPresence(jp)
		if err != nil {
			return nil, &MalformedFrameError{Format: FormatJSON, Action: f.Action, Reason: "presence " + strconv.Itoa(i), Err: err}
		}
		f.Presence = append(f.Presence, p)
	}
	if jf.Auth != nil {
		f.Auth = &AuthDetails{AccessToken: jf.Auth.AccessToken}
	}
	if cd := jf.ConnectionDetails; cd != nil {
		f.ConnectionDetails = &ConnectionDetails{
			ClientID:           cd.ClientID,
			ConnectionKey:      cd.ConnectionKey,
			ConnectionStateTTL: time.Duration(cd.ConnectionStateTTL) * time.Millisecond,
			MaxIdleInterval:    time.Duration(cd.MaxIdleInterval) * time.Millisecond,
			MaxMessageSize:     cd.MaxMessageSize,
			MaxFrameSize:       cd.MaxFrameSize,
			MaxInboundRate:     cd.MaxInboundRate,
			ServerID:           cd.ServerID,
		}
	}
	return f, nil
}

func toJSONError(e *ErrorInfo) *jsonErrorInfo {
	if e == nil {
		return nil
	}
	return &jsonErrorInfo{
		Code:       e.Code,
		StatusCode: e.StatusCode,
		Message:    e.Message,
		Href:       e.Href,
		Cause:      toJSONError(e.Cause),
	}
}

func fromJSONError(e *jsonErrorInfo) *ErrorInfo {
	if e == nil {
		return nil
	}
	return &ErrorInfo{
		Code:       e.Code,
		StatusCode: e.StatusCode,
		Message:    e.Message,
		Href:       e.Href,
		Cause:      fromJSONError(e.Cause),
	}
}

func toJSONMessage(m *Message) (*jsonMessage, error) {
	if m == nil {
		return &jsonMessage{}, nil
	}
	data, enc, err := marshalData(m.Data, m.Encoding)
	if err != nil {
		return nil, err
	}
	return &jsonMessage{
		ID:           m.ID,
		ClientID:     m.ClientID,
		ConnectionID: m.ConnectionID,
		Name:         m.Name,
		Data:         data,
		Encoding:     enc,
		Timestamp:    m.Timestamp,
		Extras:       m.Extras,
	}, nil
}

func fromJSONMessage(jm *jsonMessage) (*Message, error) {
	if jm == nil {
		return &Message{}, nil
	}
	data, enc, err := unmarshalData(jm.Data, jm.Encoding)
	if err != nil {
		return nil, err
	}
	m := &Message{
		ID:           jm.ID,
		ClientID:     jm.ClientID,
		ConnectionID: jm.ConnectionID,
		Name:         jm.Name,
		Data:         data,
		Encoding:     enc,
		Timestamp:    jm.Timestamp,
	}
	if len(jm.Extras) > 0 {
		m.Extras = jm.Extras
	}
	return m, nil
}

func toJSONPresence(p *PresenceMessage) (*jsonPresence, error) {
	if p == nil {
		return &jsonPresence{}, nil
	}
	data, enc, err := marshalData(p.Data, p.Encoding)
	if err != nil {
		return nil, err
	}
	return &jsonPresence{
		Action:       int(p.Action),
		ID:           p.ID,
		ClientID:     p.ClientID,
		ConnectionID: p.ConnectionID,
		Data:         data,
		Encoding:     enc,
		Timestamp:    p.Timestamp,
	}, nil
}

func fromJSONPresence(jp *jsonPresence) (*PresenceMessage, error) {
	if jp == nil {
		return &PresenceMessage{}, nil
	}
	data, enc, err := unmarshalData(jp.Data, jp.Encoding)
	if err != nil {
		return nil, err
	}
	return &PresenceMessage{
		Action:       PresenceAction(jp.Action),
		ID:           jp.ID,
		ClientID:     jp.ClientID,
		ConnectionID: jp.ConnectionID,
		Data:         data,
		Encoding:     enc,
		Timestamp:    jp.Timestamp,
	}, nil
}

// marshalData renders message data for the text format. Binary data is
// base64 encoded and the tag appended to the encoding chain.
func marshalData(data any, encoding string) (json.RawMessage, string, error) {
	switch v := data.(type) {
	case nil:
		return nil, encoding, nil
	case []byte:
		raw, err := json.Marshal(base64.StdEncoding.EncodeToString(v))
		return raw, appendEncoding(encoding, EncodingBase64), err
	default:
		raw, err := json.Marshal(v)
		return raw, encoding, err
	}
}

// unmarshalData reverses marshalData. Base64 tagged strings come back as
// bytes whether or not they started out as []byte.
func unmarshalData(raw json.RawMessage, encoding string) (any, string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, encoding, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, "", err
	}
	data, enc, err := normalizeData(v, encoding)
	if err != nil {
		return nil, "", errors.New("invalid base64 data")
	}
	return data, enc, nil
}

func appendEncoding(encoding, tag string) string {
	if encoding == "" {
		return tag
	}
	return encoding + "/" + tag
}

func splitLastEncoding(encoding string) (rest, last string) {
	if encoding == "" {
		return "", ""
	}
	i := strings.LastIndexByte(encoding, '/')
	if i < 0 {
		return "", encoding
	}
	return encoding[:i], encoding[i+1:]
}
