package protocol

import (
	"bytes"
	"errors"
	"reflect"
	"strings"
	"testing"
	"time"
)

func roundTripFrames() []struct {
	name  string
	frame *Frame
	text  *Frame
} {
	return []struct {
		name  string
		frame *Frame
		// text is what the JSON codec decodes frame to, when that differs.
		text  *Frame
	}{
		{
			name:  "heartbeat",
			frame: NewFrame(ActionHeartbeat),
		},
		{
			name: "connected",
			frame: &Frame{
				Action:           ActionConnected,
				ConnectionID:     "conn-1",
				ConnectionKey:    "key-1",
				ConnectionSerial: -1,
				MsgSerial:        -1,
				ConnectionDetails: &ConnectionDetails{
					ClientID:           "alice",
					ConnectionKey:      "key-1",
					ConnectionStateTTL: 2 * time.Minute,
					MaxIdleInterval:    15 * time.Second,
					MaxMessageSize:     65536,
					MaxFrameSize:       524288,
					MaxInboundRate:     50,
					ServerID:           "srv-7",
				},
			},
		},
		{
			name: "message_string_and_binary",
			frame: &Frame{
				Action:           ActionMessage,
				Channel:          "chat",
				ChannelSerial:    "abc:1",
				ConnectionSerial: 42,
				MsgSerial:        -1,
				Timestamp:        1700000000123,
				Messages: []*Message{
					{ID: "m1", Name: "greeting", Data: "hello"},
					{ID: "m2", Name: "blob", Data: []byte{0x00, 0xff, 0x10}, ClientID: "bob"},
					{ID: "m3", Name: "typed", Data: []byte("raw"), Encoding: "utf-8"},
				},
			},
		},
		{
			name: "message_base64_string",
			frame: &Frame{
				Action:           ActionMessage,
				Channel:          "chat",
				ConnectionSerial: 9,
				MsgSerial:        -1,
				Messages: []*Message{
					{ID: "m1", Name: "wire", Data: "aGk=", Encoding: "base64"},
					{ID: "m2", Name: "chain", Data: "eyJhIjoxfQ==", Encoding: "json/base64"},
				},
			},
			text: &Frame{
				Action:           ActionMessage,
				Channel:          "chat",
				ConnectionSerial: 9,
				MsgSerial:        -1,
				Messages: []*Message{
					{ID: "m1", Name: "wire", Data: []byte("hi")},
					{ID: "m2", Name: "chain", Data: []byte(`{"a":1}`), Encoding: "json"},
				},
			},
		},
		{
			name: "message_structured_data",
			frame: &Frame{
				Action:           ActionMessage,
				Channel:          "chat",
				ConnectionSerial: 0,
				MsgSerial:        -1,
				Messages: []*Message{
					{
						Name: "obj",
						Data: map[string]any{"text": "hi", "score": 1.5, "ok": true, "tags": []any{"a", "b"}},
						Extras: map[string]any{
							"headers": map[string]any{"trace": "t-1"},
						},
					},
				},
			},
		},
		{
			name: "publish_with_msg_serial",
			frame: &Frame{
				Action:           ActionMessage,
				Channel:          "orders",
				ConnectionSerial: -1,
				MsgSerial:        7,
				Messages:         []*Message{{Name: "created", Data: "order-1"}},
			},
		},
		{
			name: "presence_sync",
			frame: &Frame{
				Action:           ActionSync,
				Channel:          "room",
				ChannelSerial:    "seq1:cursor2",
				ConnectionSerial: 5,
				MsgSerial:        -1,
				Presence: []*PresenceMessage{
					{Action: PresencePresent, ClientID: "alice", ConnectionID: "c1", Data: "here"},
					{Action: PresenceEnter, ClientID: "bob", ConnectionID: "c2", ID: "c2:0:0", Timestamp: 1700000000000},
				},
			},
		},
		{
			name: "attach_with_flags_and_params",
			frame: &Frame{
				Action:           ActionAttach,
				Channel:          "room",
				Flags:            FlagPresence | FlagSubscribe | FlagAttachResume,
				ConnectionSerial: -1,
				MsgSerial:        -1,
				Params:           map[string]string{"rewind": "1"},
			},
		},
		{
			name: "ack",
			frame: &Frame{
				Action:           ActionAck,
				MsgSerial:        3,
				Count:            2,
				ConnectionSerial: -1,
			},
		},
		{
			name: "error_with_cause",
			frame: &Frame{
				Action:           ActionError,
				ConnectionSerial: -1,
				MsgSerial:        -1,
				Error: &ErrorInfo{
					Code:       40142,
					StatusCode: 401,
					Message:    "Token expired",
					Href:       "https://help.ably.io/error/40142",
					Cause:      &ErrorInfo{Code: 40140, StatusCode: 401, Message: "Token error"},
				},
			},
		},
		{
			name: "auth",
			frame: &Frame{
				Action:           ActionAuth,
				ConnectionSerial: -1,
				MsgSerial:        -1,
				Auth:             &AuthDetails{AccessToken: "tok"},
			},
		},
		{
			name: "unknown_action_preserved",
			frame: &Frame{
				Action:           Action(99),
				ConnectionSerial: -1,
				MsgSerial:        -1,
			},
		},
	}
}

func TestCodecRoundTrip(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		codec, err := NewCodec(format)
		if err != nil {
			t.Fatalf("NewCodec(%s) error = %v", format, err)
		}
		for _, tc := range roundTripFrames() {
			t.Run(string(format)+"/"+tc.name, func(t *testing.T) {
				data, err := codec.Encode(tc.frame)
				if err != nil {
					t.Fatalf("Encode() error = %v", err)
				}
				got, err := codec.Decode(data)
				if err != nil {
					t.Fatalf("Decode() error = %v", err)
				}
				want := tc.frame
				if format == FormatJSON && tc.text != nil {
					want = tc.text
				}
				if !reflect.DeepEqual(got, want) {
					t.Errorf("round trip mismatch\n got: %#v\nwant: %#v", got, want)
				}
			})
		}
	}
}

func TestNormalize(t *testing.T) {
	for _, tc := range roundTripFrames() {
		t.Run(tc.name, func(t *testing.T) {
			want := tc.frame
			if tc.text != nil {
				want = tc.text
			}
			if err := tc.frame.Normalize(); err != nil {
				t.Fatalf("Normalize() error = %v", err)
			}
			if !reflect.DeepEqual(tc.frame, want) {
				t.Errorf("Normalize() = %#v, want %#v", tc.frame, want)
			}
		})
	}

	f := NewFrame(ActionPresence)
	f.Presence = []*PresenceMessage{{Data: "!!", Encoding: "base64"}}
	if err := f.Normalize(); err == nil {
		t.Error("Normalize() with invalid base64 should fail")
	}
}

// Normalized frames survive the text format exactly.
func TestJSONRoundTripAfterNormalize(t *testing.T) {
	codec, _ := NewCodec(FormatJSON)
	for _, tc := range roundTripFrames() {
		if tc.text == nil {
			continue
		}
		data, err := codec.Encode(tc.text)
		if err != nil {
			t.Fatalf("%s: Encode() error = %v", tc.name, err)
		}
		got, err := codec.Decode(data)
		if err != nil {
			t.Fatalf("%s: Decode() error = %v", tc.name, err)
		}
		if !reflect.DeepEqual(got, tc.text) {
			t.Errorf("%s: round trip mismatch\n got: %#v\nwant: %#v", tc.name, got, tc.text)
		}
	}
}

func TestCodecBinaryFlags(t *testing.T) {
	jc, _ := NewCodec(FormatJSON)
	mc, _ := NewCodec(FormatMsgpack)
	if jc.Binary() || jc.Format() != FormatJSON {
		t.Errorf("json codec: Binary() = %v, Format() = %q", jc.Binary(), jc.Format())
	}
	if !mc.Binary() || mc.Format() != FormatMsgpack {
		t.Errorf("msgpack codec: Binary() = %v, Format() = %q", mc.Binary(), mc.Format())
	}
	if _, err := NewCodec("xml"); err == nil {
		t.Error("NewCodec(xml) should fail")
	}
}

func TestJSONCarriesBinaryAsBase64(t *testing.T) {
	codec, _ := NewCodec(FormatJSON)
	f := NewFrame(ActionMessage)
	f.Channel = "c"
	f.Messages = []*Message{{Data: []byte("hi"), Encoding: "utf-8"}}

	data, err := codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	s := string(data)
	if !strings.Contains(s, `"data":"aGk="`) {
		t.Errorf("encoded = %s, want base64 data", s)
	}
	if !strings.Contains(s, `"encoding":"utf-8/base64"`) {
		t.Errorf("encoded = %s, want base64 tag appended", s)
	}
	if strings.Contains(s, "connectionSerial") || strings.Contains(s, "msgSerial") {
		t.Errorf("encoded = %s, unset serials must be omitted", s)
	}
}

func TestMsgpackCarriesBinaryExactly(t *testing.T) {
	codec, _ := NewCodec(FormatMsgpack)
	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	f := NewFrame(ActionMessage)
	f.Channel = "c"
	f.Messages = []*Message{{Data: payload}}

	data, err := codec.Encode(f)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, append([]byte{0xc4, 0x04}, payload...)) {
		t.Errorf("encoded frame does not contain bin8 payload: %x", data)
	}
	got, err := codec.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Messages[0].Encoding != "" {
		t.Errorf("Encoding = %q, want empty", got.Messages[0].Encoding)
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		codec, _ := NewCodec(FormatJSON)
		f, err := codec.Decode([]byte(`{"action":4,"connectionId":"c1","futureField":{"x":[1,2]},"messages":[{"name":"n","shiny":true}]}`))
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if f.Action != ActionConnected || f.ConnectionID != "c1" || f.Messages[0].Name != "n" {
			t.Errorf("decoded = %#v", f)
		}
	})

	t.Run("msgpack", func(t *testing.T) {
		e := NewEncoder()
		e.WriteMapHeader(4)
		e.WriteString("futureField")
		_ = e.WriteValue(map[string]any{"nested": []any{int64(1), "two", nil}})
		e.WriteString("action")
		e.WriteInt(int64(ActionConnected))
		e.WriteString("extension")
		e.buf = append(e.buf, 0xd6, 0x01, 0x00, 0x00, 0x00, 0x00) // fixext4
		e.WriteString("connectionId")
		e.WriteString("c1")

		codec, _ := NewCodec(FormatMsgpack)
		f, err := codec.Decode(e.Bytes())
		if err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if f.Action != ActionConnected || f.ConnectionID != "c1" {
			t.Errorf("decoded = %#v", f)
		}
		if f.ConnectionSerial != NoSerial || f.MsgSerial != NoSerial {
			t.Errorf("absent serials = %d/%d, want NoSerial", f.ConnectionSerial, f.MsgSerial)
		}
	})
}

func TestDecodeMalformed(t *testing.T) {
	jc, _ := NewCodec(FormatJSON)
	mc, _ := NewCodec(FormatMsgpack)

	tests := []struct {
		name  string
		codec Codec
		data  []byte
	}{
		{"json_garbage", jc, []byte("{not json")},
		{"json_missing_action", jc, []byte(`{"channel":"x"}`)},
		{"json_bad_base64", jc, []byte(`{"action":15,"channel":"c","messages":[{"data":"!!","encoding":"base64"}]}`)},
		{"msgpack_empty", mc, nil},
		{"msgpack_not_map", mc, []byte{0x93, 0x01, 0x02, 0x03}},
		{"msgpack_truncated", mc, []byte{0x81, 0xa6, 'a', 'c', 't'}},
		{"msgpack_missing_action", mc, []byte{0x80}},
		{"msgpack_trailing", mc, []byte{0x81, 0xa6, 'a', 'c', 't', 'i', 'o', 'n', 0x04, 0x00}},
		{"msgpack_huge_string", mc, []byte{0x81, 0xdb, 0xff, 0xff, 0xff, 0xff}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.codec.Decode(tc.data)
			if err == nil {
				t.Fatal("Decode() should fail")
			}
			if !errors.Is(err, ErrMalformedFrame) {
				t.Errorf("error %v does not match ErrMalformedFrame", err)
			}
			var mfe *MalformedFrameError
			if !errors.As(err, &mfe) {
				t.Errorf("error %T is not *MalformedFrameError", err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatMsgpack, false},
		{"msgpack", FormatMsgpack, false},
		{"binary", FormatMsgpack, false},
		{"json", FormatJSON, false},
		{"text", FormatJSON, false},
		{"yaml", "", true},
	}
	for _, tc := range tests {
		got, err := ParseFormat(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("ParseFormat(%q) = %q, %v", tc.in, got, err)
		}
	}
	if !FormatMsgpack.Binary() || FormatJSON.Binary() {
		t.Error("Format.Binary() mismatch")
	}
}
