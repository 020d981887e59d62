// Package transporttest provides an in-memory stream and a scripted fake
// service for testing code built on package transport.
package transporttest

import (
	"context"
	"errors"
	"io"
	"sync"
)

// ErrClosed is returned by operations on a closed end of a pipe.
var ErrClosed = errors.New("transporttest: closed pipe")

// PipeConn is one end of an in-memory message pipe. It implements
// transport.Conn.
type PipeConn struct {
	in   <-chan message
	out  chan<- message
	self *pipeState
	peer *pipeState
}

type message struct {
	data   []byte
	binary bool
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() { close(s.closed) })
}

// Pipe returns two connected ends.
func Pipe() (*PipeConn, *PipeConn) {
	ab := make(chan message, 256)
	ba := make(chan message, 256)
	a := &pipeState{closed: make(chan struct{})}
	b := &pipeState{closed: make(chan struct{})}
	return &PipeConn{in: ba, out: ab, self: a, peer: b},
		&PipeConn{in: ab, out: ba, self: b, peer: a}
}

// ReadMessage returns the next message from the peer. Messages already
// buffered are delivered before io.EOF from a peer close.
func (c *PipeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case m := <-c.in:
		return m.data, nil
	default:
	}
	select {
	case m := <-c.in:
		return m.data, nil
	case <-c.self.closed:
		return nil, ErrClosed
	case <-c.peer.closed:
		select {
		case m := <-c.in:
			return m.data, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteMessage sends data to the peer.
func (c *PipeConn) WriteMessage(ctx context.Context, data []byte, binary bool) error {
	select {
	case <-c.self.closed:
		return ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	default:
	}
	buf := append([]byte(nil), data...)
	select {
	case c.out <- message{data: buf, binary: binary}:
		return nil
	case <-c.self.closed:
		return ErrClosed
	case <-c.peer.closed:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes this end. The peer reads io.EOF once drained.
func (c *PipeConn) Close() error {
	c.self.close()
	return nil
}

// Closed is closed when this end has been closed.
func (c *PipeConn) Closed() <-chan struct{} { return c.self.closed }
