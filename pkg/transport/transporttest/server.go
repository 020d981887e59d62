package transporttest

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/vango-dev/realtime/pkg/protocol"
	"github.com/vango-dev/realtime/pkg/transport"
)

// DefaultTimeout bounds Accept and Expect when the context has no
// deadline.
const DefaultTimeout = 5 * time.Second

// Server is a scripted fake service. Each successful Dial produces a
// ServerConn that the test retrieves with Accept and drives by hand.
type Server struct {
	Codec protocol.Codec

	mu       sync.Mutex
	dialErrs []error
	dials    []*url.URL
	conns    chan *ServerConn
}

// NewServer returns a fake service speaking format.
func NewServer(format protocol.Format) *Server {
	codec, err := protocol.NewCodec(format)
	if err != nil {
		panic(err)
	}
	return &Server{Codec: codec, conns: make(chan *ServerConn, 16)}
}

// FailNextDial makes the next Dial return err.
func (s *Server) FailNextDial(err error) {
	s.mu.Lock()
	s.dialErrs = append(s.dialErrs, err)
	s.mu.Unlock()
}

// Dial implements transport.Dialer.
func (s *Server) Dial(ctx context.Context, u *url.URL) (transport.Conn, error) {
	s.mu.Lock()
	s.dials = append(s.dials, u)
	if len(s.dialErrs) > 0 {
		err := s.dialErrs[0]
		s.dialErrs = s.dialErrs[1:]
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	client, server := Pipe()
	sc := &ServerConn{URL: u, Conn: server, codec: s.Codec}
	select {
	case s.conns <- sc:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return client, nil
}

// Dials returns the URLs of every Dial so far.
func (s *Server) Dials() []*url.URL {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*url.URL(nil), s.dials...)
}

// Accept returns the next dialed connection.
func (s *Server) Accept(ctx context.Context) (*ServerConn, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	select {
	case sc := <-s.conns:
		return sc, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transporttest: accept: %w", ctx.Err())
	}
}

// ServerConn is the service side of one dialed connection.
type ServerConn struct {
	URL   *url.URL
	Conn  *PipeConn
	codec protocol.Codec
}

// Send encodes and writes f to the client.
func (c *ServerConn) Send(f *protocol.Frame) error {
	data, err := c.codec.Encode(f)
	if err != nil {
		return err
	}
	return c.Conn.WriteMessage(context.Background(), data, c.codec.Binary())
}

// SendRaw writes bytes to the client without encoding.
func (c *ServerConn) SendRaw(data []byte) error {
	return c.Conn.WriteMessage(context.Background(), data, c.codec.Binary())
}

// Connected answers the handshake with a CONNECTED frame.
func (c *ServerConn) Connected(id, key string, details *protocol.ConnectionDetails) error {
	f := protocol.NewFrame(protocol.ActionConnected)
	f.ConnectionID = id
	f.ConnectionKey = key
	if details == nil {
		details = &protocol.ConnectionDetails{ConnectionKey: key}
	}
	f.ConnectionDetails = details
	return c.Send(f)
}

// Recv returns the next frame from the client.
func (c *ServerConn) Recv(ctx context.Context) (*protocol.Frame, error) {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	data, err := c.Conn.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}
	return c.codec.Decode(data)
}

// Expect returns the next non-HEARTBEAT frame and checks its action.
func (c *ServerConn) Expect(ctx context.Context, action protocol.Action) (*protocol.Frame, error) {
	for {
		f, err := c.Recv(ctx)
		if err != nil {
			return nil, fmt.Errorf("transporttest: expecting %s: %w", action, err)
		}
		if f.Action == protocol.ActionHeartbeat && action != protocol.ActionHeartbeat {
			continue
		}
		if f.Action != action {
			return f, fmt.Errorf("transporttest: got %s, want %s", f.Action, action)
		}
		return f, nil
	}
}

// Drop simulates a network failure.
func (c *ServerConn) Drop() error { return c.Conn.Close() }

// WaitClosed blocks until the client closes its end or ctx expires.
func (c *ServerConn) WaitClosed(ctx context.Context) error {
	ctx, cancel := withDefaultTimeout(ctx)
	defer cancel()
	select {
	case <-c.Conn.peer.closed:
		return nil
	case <-ctx.Done():
		return errors.New("transporttest: client did not close")
	}
}

func withDefaultTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, DefaultTimeout)
}
