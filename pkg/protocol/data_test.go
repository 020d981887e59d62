package protocol

import (
	"reflect"
	"testing"
)

func TestEncodeData(t *testing.T) {
	tests := []struct {
		name    string
		in      any
		want    any
		wantEnc string
	}{
		{"nil", nil, nil, ""},
		{"string", "hello", "hello", ""},
		{"bytes", []byte{1, 2}, []byte{1, 2}, ""},
		{"map", map[string]any{"x": 1}, `{"x":1}`, EncodingJSON},
		{"slice", []int{1, 2}, `[1,2]`, EncodingJSON},
		{"number", 3.5, `3.5`, EncodingJSON},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, enc, err := EncodeData(tc.in)
			if err != nil {
				t.Fatalf("EncodeData() error = %v", err)
			}
			if !reflect.DeepEqual(got, tc.want) || enc != tc.wantEnc {
				t.Errorf("EncodeData() = %#v, %q; want %#v, %q", got, enc, tc.want, tc.wantEnc)
			}
		})
	}

	if _, _, err := EncodeData(make(chan int)); err == nil {
		t.Error("EncodeData(chan) should fail")
	}
}

func TestDecodeData(t *testing.T) {
	tests := []struct {
		name     string
		data     any
		encoding string
		want     any
		wantRest string
		wantErr  bool
	}{
		{"plain", "x", "", "x", "", false},
		{"json", `{"a":true}`, "json", map[string]any{"a": true}, "", false},
		{"base64", "aGk=", "base64", []byte("hi"), "", false},
		{"utf8_base64", "aGk=", "utf-8/base64", "hi", "", false},
		{"json_utf8_base64", "eyJhIjoxfQ==", "json/utf-8/base64", map[string]any{"a": 1.0}, "", false},
		{"stops_at_cipher", "aGk=", "utf-8/cipher+aes-128-cbc/base64", []byte("hi"), "utf-8/cipher+aes-128-cbc", false},
		{"bad_base64", "!!", "base64", "!!", "base64", true},
		{"bad_json", "{", "json", "{", "json", true},
		{"json_on_number", 1.0, "json", 1.0, "json", true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, rest, err := DecodeData(tc.data, tc.encoding)
			if (err != nil) != tc.wantErr {
				t.Fatalf("DecodeData() error = %v, wantErr %v", err, tc.wantErr)
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("data = %#v, want %#v", got, tc.want)
			}
			if rest != tc.wantRest {
				t.Errorf("remaining encoding = %q, want %q", rest, tc.wantRest)
			}
		})
	}
}

func TestMessageEncodeDecodeThroughCodec(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatMsgpack} {
		t.Run(string(format), func(t *testing.T) {
			codec, _ := NewCodec(format)
			msg, err := NewMessage("evt", map[string]any{"count": 2.0})
			if err != nil {
				t.Fatal(err)
			}
			f := NewFrame(ActionMessage)
			f.Channel = "c"
			f.Messages = []*Message{msg}

			raw, err := codec.Encode(f)
			if err != nil {
				t.Fatal(err)
			}
			got, err := codec.Decode(raw)
			if err != nil {
				t.Fatal(err)
			}
			m := got.Messages[0]
			if err := m.Decode(); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if !reflect.DeepEqual(m.Data, map[string]any{"count": 2.0}) || m.Encoding != "" {
				t.Errorf("decoded message = %#v / %q", m.Data, m.Encoding)
			}
		})
	}
}

func TestPresenceDecode(t *testing.T) {
	p := &PresenceMessage{Data: "WzFd", Encoding: "json/base64"}
	if err := p.Decode(); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(p.Data, []any{1.0}) {
		t.Errorf("Data = %#v", p.Data)
	}
}

func TestIsEncrypted(t *testing.T) {
	if !IsEncrypted("utf-8/cipher+aes-256-cbc/base64") {
		t.Error("cipher tag not detected")
	}
	if IsEncrypted("json/base64") {
		t.Error("false positive")
	}
}
