// Package transport carries protocol frames over a single duplex stream.
//
// Dial opens a stream through a Dialer, performs the handshake and returns
// a Transport once the service answers CONNECTED. After that:
//
//   - Frames delivers inbound frames in arrival order. Malformed frames
//     and frames with unknown actions are logged and dropped; HEARTBEAT
//     frames only refresh liveness.
//   - Send queues an outbound frame without blocking. A single write loop
//     writes frames in Send order. MESSAGE and PRESENCE frames are paced
//     by the service's announced inbound rate.
//   - A heartbeat loop pings the service and fails the transport with
//     KindTimeout when nothing arrives in time.
//
// Every failure is reported once as an *Error whose Kind tells the
// connection layer whether to retry. Close performs a local close: queued
// frames are flushed within the context deadline, then the stream is
// released.
//
// WebSocket framing and TLS are provided by gorilla/websocket through
// WebSocketDialer; tests use the in-memory transporttest package.
package transport
