package muxer

import (
	"context"
	"io"
	"net"
	"time"
)

// StreamConn adapts a *Stream to io.ReadWriteCloser bound to a fixed
// context, so a stream can stand in wherever a plain connection value is
// expected. No deadlines: the engine boundary has no notion of them.
type StreamConn struct {
	s   *Stream
	ctx context.Context
}

// NewStreamConn wraps s so Read and Write use ctx.
func NewStreamConn(s *Stream, ctx context.Context) *StreamConn {
	return &StreamConn{s: s, ctx: ctx}
}

// Read translates the stream's bare (0, nil) end-of-stream result to
// io.EOF so io.Copy over a StreamConn terminates when the peer finishes.
func (c *StreamConn) Read(p []byte) (int, error) {
	n, err := c.s.Read(c.ctx, p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

func (c *StreamConn) Write(p []byte) (int, error) { return c.s.Write(c.ctx, p) }

// Close half-closes the write side and gives the peer a couple of seconds
// to acknowledge before tearing the stream down unconditionally. Callers
// that bridge a Stream into something like pipeio.Pipe call Close from
// both copy directions once either side returns, so it must never block
// indefinitely.
func (c *StreamConn) Close() error {
	shutCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := c.s.Shutdown(shutCtx)
	c.s.Destroy()
	return err
}

// RemoteAddr reports the address of the peer the stream's connection is
// talking to.
func (c *StreamConn) RemoteAddr() net.Addr { return c.s.conn.RemoteAddr() }
