// Package protocol implements the realtime wire protocol.
//
// Every exchange between client and service is a single Frame carried in one
// WebSocket message. Frames can be serialized in two formats:
//
//   - FormatJSON: text frames, []byte payloads carried as base64
//   - FormatMsgpack: binary frames, []byte payloads carried byte-exactly
//
// Both formats satisfy the round-trip law Decode(Encode(f)) == f and ignore
// fields they do not recognise.
//
// # Actions
//
// The frame Action selects its meaning:
//
//	HEARTBEAT(0) ACK(1) NACK(2) CONNECT(3) CONNECTED(4) DISCONNECT(5)
//	DISCONNECTED(6) CLOSE(7) CLOSED(8) ERROR(9) ATTACH(10) ATTACHED(11)
//	DETACH(12) DETACHED(13) PRESENCE(14) MESSAGE(15) SYNC(16) AUTH(17)
//	ACTIVATE(18) OBJECT(19) OBJECT_SYNC(20) ANNOTATION(21)
//
// Any other integer still decodes. The resulting Action reports Known() ==
// false and ValidateFrame rejects the frame with ErrMalformedFrame, so the
// caller decides whether to drop it or fail.
//
// # Message data
//
// Message payloads pass through an encoding chain recorded in the Encoding
// field as slash separated tags ("json/base64"). EncodeData and DecodeData
// apply and unwind that chain:
//
//	data, enc, err := protocol.EncodeData(map[string]any{"x": 1.0})
//	// data == `{"x":1}`, enc == "json"
//
// # Limits
//
// The binary decoder bounds allocations, collection sizes and nesting depth
// so a hostile peer cannot exhaust memory with forged length prefixes.
package protocol
