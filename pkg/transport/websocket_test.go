package transport_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/transport"
)

// echoService answers the handshake and echoes every MESSAGE frame back
// with a connection serial. A message named "bye" drops the stream.
func echoService(t *testing.T) *httptest.Server {
	t.Helper()
	codec, _ := protocol.NewCodec(protocol.FormatMsgpack)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		connected := protocol.NewFrame(protocol.ActionConnected)
		connected.ConnectionID = "ws-conn"
		connected.ConnectionDetails = &protocol.ConnectionDetails{ConnectionKey: "ws-key", MaxInboundRate: 100}
		data, _ := codec.Encode(connected)
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return
		}

		var serial int64
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f, err := codec.Decode(msg)
			if err != nil || f.Action != protocol.ActionMessage {
				continue
			}
			if len(f.Messages) > 0 && f.Messages[0].Name == "bye" {
				return
			}
			f.ConnectionSerial = serial
			serial++
			out, _ := codec.Encode(f)
			if err := conn.WriteMessage(websocket.BinaryMessage, out); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestWebSocketRoundTrip(t *testing.T) {
	srv := echoService(t)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	params := transport.Params{Format: protocol.FormatMsgpack}
	params.Credentials.Key = "app.key:secret"
	tr, first, err := transport.Dial(context.Background(), &transport.WebSocketDialer{}, endpoint, params, transport.Options{HeartbeatInterval: -1})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer tr.Close(context.Background())

	if first.ConnectionID != "ws-conn" {
		t.Errorf("ConnectionID = %q", first.ConnectionID)
	}
	if d := tr.ConnectionDetails(); d == nil || d.MaxInboundRate != 100 {
		t.Errorf("details = %+v", d)
	}

	payload := []byte{0x00, 0xff, 0x10}
	for i := 0; i < 3; i++ {
		f := protocol.NewFrame(protocol.ActionMessage)
		f.Channel = "room"
		f.Messages = []*protocol.Message{{Name: "bin", Data: payload}}
		if err := tr.Send(f); err != nil {
			t.Fatal(err)
		}
	}
	for i := int64(0); i < 3; i++ {
		f := nextFrame(t, tr)
		if f.ConnectionSerial != i {
			t.Fatalf("serial = %d, want %d", f.ConnectionSerial, i)
		}
		got, ok := f.Messages[0].Data.([]byte)
		if !ok || string(got) != string(payload) {
			t.Fatalf("data = %#v, want %v", f.Messages[0].Data, payload)
		}
	}
}

func TestWebSocketRejectedUpgrade(t *testing.T) {
	srv := echoService(t)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err := transport.Dial(ctx, &transport.WebSocketDialer{}, endpoint, transport.Params{}, transport.Options{})
	var he *transport.HandshakeError
	if !errors.As(err, &he) {
		t.Fatalf("err = %v, want *HandshakeError", err)
	}
	if he.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d", he.StatusCode)
	}
	if kind, _ := transport.KindOf(err); kind != transport.KindNetwork {
		t.Errorf("kind = %v", kind)
	}
}

func TestWebSocketRemoteClose(t *testing.T) {
	srv := echoService(t)
	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	params := transport.Params{}
	params.Credentials.Key = "k:s"
	tr, _, err := transport.Dial(context.Background(), &transport.WebSocketDialer{}, endpoint, params, transport.Options{HeartbeatInterval: -1})
	if err != nil {
		t.Fatal(err)
	}
	bye := protocol.NewFrame(protocol.ActionMessage)
	bye.Channel = "room"
	bye.Messages = []*protocol.Message{{Name: "bye"}}
	if err := tr.Send(bye); err != nil {
		t.Fatal(err)
	}
	select {
	case <-tr.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("transport did not notice remote close")
	}
	if kind, _ := transport.KindOf(tr.Err()); kind != transport.KindNetwork {
		t.Errorf("Err = %v", tr.Err())
	}
}
