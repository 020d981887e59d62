package protocol

import (
	"fmt"
	"time"
)

// msgpackCodec encodes frames as MessagePack maps keyed by the same field
// names as the JSON format.
type msgpackCodec struct {
	limits Limits
}

func (msgpackCodec) Format() Format { return FormatMsgpack }
func (msgpackCodec) Binary() bool   { return true }

// Encode implements Codec.
func (c msgpackCodec) Encode(f *Frame) ([]byte, error) {
	e := NewEncoder()
	if err := encodeFrame(e, f); err != nil {
		return nil, err
	}
	return e.Bytes(), nil
}

// Decode implements Codec.
func (c msgpackCodec) Decode(data []byte) (*Frame, error) {
	d := NewDecoderWithLimits(data, c.limits)
	f, err := decodeFrame(d)
	if err != nil {
		return nil, &MalformedFrameError{Format: FormatMsgpack, Err: err}
	}
	return f, nil
}

// fieldWriter collects map entries so the header count is known up front.
type fieldWriter struct {
	fields []string
	values []func(e *Encoder) error
}

func (w *fieldWriter) add(name string, fn func(e *Encoder) error) {
	w.fields = append(w.fields, name)
	w.values = append(w.values, fn)
}

func (w *fieldWriter) str(name, v string) {
	if v != "" {
		w.add(name, func(e *Encoder) error { e.WriteString(v); return nil })
	}
}

func (w *fieldWriter) num(name string, v int64, omit bool) {
	if !omit {
		w.add(name, func(e *Encoder) error { e.WriteInt(v); return nil })
	}
}

func (w *fieldWriter) flush(e *Encoder) error {
	e.WriteMapHeader(len(w.fields))
	for i, name := range w.fields {
		e.WriteString(name)
		if err := w.values[i](e); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

func encodeFrame(e *Encoder, f *Frame) error {
	var w fieldWriter
	w.num("action", int64(f.Action), false)
	w.num("flags", int64(f.Flags), f.Flags == 0)
	w.num("count", int64(f.Count), f.Count == 0)
	if f.Error != nil {
		w.add("error", func(e *Encoder) error { return encodeErrorInfo(e, f.Error) })
	}
	w.str("id", f.ID)
	w.str("channel", f.Channel)
	w.str("channelSerial", f.ChannelSerial)
	w.str("connectionId", f.ConnectionID)
	w.str("connectionKey", f.ConnectionKey)
	w.num("connectionSerial", f.ConnectionSerial, f.ConnectionSerial < 0)
	w.num("msgSerial", f.MsgSerial, f.MsgSerial < 0)
	w.num("timestamp", f.Timestamp, f.Timestamp == 0)
	if len(f.Messages) > 0 {
		w.add("messages", func(e *Encoder) error {
			e.WriteArrayHeader(len(f.Messages))
			for _, m := range f.Messages {
				if err := encodeMessage(e, m); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if len(f.Presence) > 0 {
		w.add("presence", func(e *Encoder) error {
			e.WriteArrayHeader(len(f.Presence))
			for _, p := range f.Presence {
				if err := encodePresence(e, p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if f.Auth != nil {
		w.add("auth", func(e *Encoder) error {
			var aw fieldWriter
			aw.str("accessToken", f.Auth.AccessToken)
			return aw.flush(e)
		})
	}
	if f.ConnectionDetails != nil {
		w.add("connectionDetails", func(e *Encoder) error {
			return encodeConnectionDetails(e, f.ConnectionDetails)
		})
	}
	if len(f.Params) > 0 {
		w.add("params", func(e *Encoder) error { return e.WriteValue(f.Params) })
	}
	return w.flush(e)
}

func encodeErrorInfo(e *Encoder, ei *ErrorInfo) error {
	var w fieldWriter
	w.num("code", int64(ei.Code), false)
	w.num("statusCode", int64(ei.StatusCode), ei.StatusCode == 0)
	w.str("message", ei.Message)
	w.str("href", ei.Href)
	if ei.Cause != nil {
		w.add("cause", func(e *Encoder) error { return encodeErrorInfo(e, ei.Cause) })
	}
	return w.flush(e)
}

func encodeMessage(e *Encoder, m *Message) error {
	if m == nil {
		e.WriteNil()
		return nil
	}
	var w fieldWriter
	w.str("id", m.ID)
	w.str("clientId", m.ClientID)
	w.str("connectionId", m.ConnectionID)
	w.str("name", m.Name)
	if m.Data != nil {
		w.add("data", func(e *Encoder) error { return e.WriteValue(m.Data) })
	}
	w.str("encoding", m.Encoding)
	w.num("timestamp", m.Timestamp, m.Timestamp == 0)
	if len(m.Extras) > 0 {
		w.add("extras", func(e *Encoder) error { return e.WriteValue(m.Extras) })
	}
	return w.flush(e)
}

func encodePresence(e *Encoder, p *PresenceMessage) error {
	if p == nil {
		e.WriteNil()
		return nil
	}
	var w fieldWriter
	w.num("action", int64(p.Action), false)
	w.str("id", p.ID)
	w.str("clientId", p.ClientID)
	w.str("connectionId", p.ConnectionID)
	if p.Data != nil {
		w.add("data", func(e *Encoder) error { return e.WriteValue(p.Data) })
	}
	w.str("encoding", p.Encoding)
	w.num("timestamp", p.Timestamp, p.Timestamp == 0)
	return w.flush(e)
}

func encodeConnectionDetails(e *Encoder, cd *ConnectionDetails) error {
	var w fieldWriter
	w.str("clientId", cd.ClientID)
	w.str("connectionKey", cd.ConnectionKey)
	w.num("connectionStateTtl", cd.ConnectionStateTTL.Milliseconds(), cd.ConnectionStateTTL == 0)
	w.num("maxIdleInterval", cd.MaxIdleInterval.Milliseconds(), cd.MaxIdleInterval == 0)
	w.num("maxMessageSize", int64(cd.MaxMessageSize), cd.MaxMessageSize == 0)
	w.num("maxFrameSize", int64(cd.MaxFrameSize), cd.MaxFrameSize == 0)
	w.num("maxInboundRate", int64(cd.MaxInboundRate), cd.MaxInboundRate == 0)
	w.str("serverId", cd.ServerID)
	return w.flush(e)
}

// readFields walks a map, calling fn for each key. Unknown keys must be
// skipped by fn via d.Skip.
func readFields(d *Decoder, fn func(key string) error) error {
	if err := d.depth.enter(); err != nil {
		return err
	}
	defer d.depth.leave()
	n, err := d.ReadMapHeader()
	if err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		key, err := d.ReadString()
		if err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

func decodeFrame(d *Decoder) (*Frame, error) {
	f := NewFrame(0)
	sawAction := false
	err := readFields(d, func(key string) error {
		var err error
		var v int64
		switch key {
		case "action":
			v, err = d.ReadInt()
			f.Action = Action(v)
			sawAction = true
		case "flags":
			v, err = d.ReadInt()
			f.Flags = Flags(v)
		case "count":
			v, err = d.ReadInt()
			f.Count = int(v)
		case "error":
			f.Error, err = decodeErrorInfo(d)
		case "id":
			f.ID, err = d.ReadString()
		case "channel":
			f.Channel, err = d.ReadString()
		case "channelSerial":
			f.ChannelSerial, err = d.ReadString()
		case "connectionId":
			f.ConnectionID, err = d.ReadString()
		case "connectionKey":
			f.ConnectionKey, err = d.ReadString()
		case "connectionSerial":
			f.ConnectionSerial, err = d.ReadInt()
		case "msgSerial":
			f.MsgSerial, err = d.ReadInt()
		case "timestamp":
			f.Timestamp, err = d.ReadInt()
		case "messages":
			f.Messages, err = decodeMessages(d)
		case "presence":
			f.Presence, err = decodePresenceList(d)
		case "auth":
			f.Auth = &AuthDetails{}
			err = readFields(d, func(key string) error {
				if key == "accessToken" {
					var err error
					f.Auth.AccessToken, err = d.ReadString()
					return err
				}
				return d.Skip()
			})
		case "connectionDetails":
			f.ConnectionDetails, err = decodeConnectionDetails(d)
		case "params":
			f.Params, err = decodeStringMap(d)
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if !sawAction {
		return nil, fmt.Errorf("missing action")
	}
	if !d.EOF() {
		return nil, fmt.Errorf("%d trailing bytes", d.Remaining())
	}
	return f, nil
}

func decodeErrorInfo(d *Decoder) (*ErrorInfo, error) {
	if isNil, err := d.IsNil(); err != nil || isNil {
		return nil, err
	}
	ei := &ErrorInfo{}
	err := readFields(d, func(key string) error {
		var err error
		var v int64
		switch key {
		case "code":
			v, err = d.ReadInt()
			ei.Code = int(v)
		case "statusCode":
			v, err = d.ReadInt()
			ei.StatusCode = int(v)
		case "message":
			ei.Message, err = d.ReadString()
		case "href":
			ei.Href, err = d.ReadString()
		case "cause":
			ei.Cause, err = decodeErrorInfo(d)
		default:
			err = d.Skip()
		}
		return err
	})
	return ei, err
}

func decodeMessages(d *Decoder) ([]*Message, error) {
	n, err := d.ReadArrayHeader()
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]*Message, n)
	for i := range out {
		m := &Message{}
		err := readFields(d, func(key string) error {
			var err error
			switch key {
			case "id":
				m.ID, err = d.ReadString()
			case "clientId":
				m.ClientID, err = d.ReadString()
			case "connectionId":
				m.ConnectionID, err = d.ReadString()
			case "name":
				m.Name, err = d.ReadString()
			case "data":
				m.Data, err = d.ReadValue()
			case "encoding":
				m.Encoding, err = d.ReadString()
			case "timestamp":
				m.Timestamp, err = d.ReadInt()
			case "extras":
				m.Extras, err = decodeAnyMap(d)
			default:
				err = d.Skip()
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		out[i] = m
	}
	return out, nil
}

func decodePresenceList(d *Decoder) ([]*PresenceMessage, error) {
	n, err := d.ReadArrayHeader()
	if err != nil || n == 0 {
		return nil, err
	}
	out := make([]*PresenceMessage, n)
	for i := range out {
		p := &PresenceMessage{}
		err := readFields(d, func(key string) error {
			var err error
			var v int64
			switch key {
			case "action":
				v, err = d.ReadInt()
				p.Action = PresenceAction(v)
			case "id":
				p.ID, err = d.ReadString()
			case "clientId":
				p.ClientID, err = d.ReadString()
			case "connectionId":
				p.ConnectionID, err = d.ReadString()
			case "data":
				p.Data, err = d.ReadValue()
			case "encoding":
				p.Encoding, err = d.ReadString()
			case "timestamp":
				p.Timestamp, err = d.ReadInt()
			default:
				err = d.Skip()
			}
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("presence %d: %w", i, err)
		}
		out[i] = p
	}
	return out, nil
}

func decodeConnectionDetails(d *Decoder) (*ConnectionDetails, error) {
	if isNil, err := d.IsNil(); err != nil || isNil {
		return nil, err
	}
	cd := &ConnectionDetails{}
	err := readFields(d, func(key string) error {
		var err error
		var v int64
		switch key {
		case "clientId":
			cd.ClientID, err = d.ReadString()
		case "connectionKey":
			cd.ConnectionKey, err = d.ReadString()
		case "connectionStateTtl":
			v, err = d.ReadInt()
			cd.ConnectionStateTTL = time.Duration(v) * time.Millisecond
		case "maxIdleInterval":
			v, err = d.ReadInt()
			cd.MaxIdleInterval = time.Duration(v) * time.Millisecond
		case "maxMessageSize":
			v, err = d.ReadInt()
			cd.MaxMessageSize = int(v)
		case "maxFrameSize":
			v, err = d.ReadInt()
			cd.MaxFrameSize = int(v)
		case "maxInboundRate":
			v, err = d.ReadInt()
			cd.MaxInboundRate = int(v)
		case "serverId":
			cd.ServerID, err = d.ReadString()
		default:
			err = d.Skip()
		}
		return err
	})
	return cd, err
}

func decodeStringMap(d *Decoder) (map[string]string, error) {
	out := make(map[string]string)
	err := readFields(d, func(key string) error {
		v, err := d.ReadString()
		out[key] = v
		return err
	})
	if len(out) == 0 {
		out = nil
	}
	return out, err
}

func decodeAnyMap(d *Decoder) (map[string]any, error) {
	v, err := d.ReadValue()
	if err != nil || v == nil {
		return nil, err
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("expected map, got %T", v)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}
