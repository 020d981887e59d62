package protocol

import "testing"

// FuzzMsgpackDecode tests that decoding arbitrary bytes doesn't panic and
// that anything accepted re-encodes.
func FuzzMsgpackDecode(f *testing.F) {
	codec, _ := NewCodec(FormatMsgpack)
	for _, tc := range roundTripFrames() {
		data, err := codec.Encode(tc.frame)
		if err == nil {
			f.Add(data)
		}
	}
	f.Add([]byte{0x81, 0xdb, 0xff, 0xff, 0xff, 0xff})
	f.Add([]byte{0xdf, 0xff, 0xff, 0xff, 0xff})

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := codec.Decode(data)
		if err != nil {
			return
		}
		if _, err := codec.Encode(frame); err != nil {
			t.Fatalf("re-encode of decoded frame failed: %v", err)
		}
	})
}

// FuzzJSONDecode tests that decoding arbitrary text doesn't panic.
func FuzzJSONDecode(f *testing.F) {
	codec, _ := NewCodec(FormatJSON)
	for _, tc := range roundTripFrames() {
		data, err := codec.Encode(tc.frame)
		if err == nil {
			f.Add(data)
		}
	}
	f.Add([]byte(`{"action":15,"messages":[{"data":"AA==","encoding":"base64"}]}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		frame, err := codec.Decode(data)
		if err != nil {
			return
		}
		_ = ValidateFrame(frame)
	})
}

// FuzzDecodeData tests the encoding chain against arbitrary input.
func FuzzDecodeData(f *testing.F) {
	f.Add("aGk=", "utf-8/base64")
	f.Add(`{"a":1}`, "json")
	f.Add("x", "cipher+aes/base64")

	f.Fuzz(func(t *testing.T, data, encoding string) {
		_, _, _ = DecodeData(data, encoding)
	})
}
