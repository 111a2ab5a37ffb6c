package muxer

import (
	"context"
	"io"
	"sync"

	"github.com/quicmux/quicmux/pkg/engine"
)

type streamStatus int

const (
	statusLive streamStatus = iota
	statusFinishing
	statusFinished
)

// finisher is installed in Conn.finishers for every stream whose write side
// has been handed to a caller. done is nil until Shutdown is in flight; the
// driver closes it (after setting err, if any) exactly once.
type finisher struct {
	done chan struct{}
	err  error
}

// Stream is one bidirectional substream. Read, Write, Shutdown, and Destroy
// are safe to call from multiple goroutines; a second concurrent Read (or
// Write) replaces whichever one was already parked, which then wakes and
// retries rather than hanging forever.
type Stream struct {
	conn *Conn
	id   engine.StreamID

	mu     sync.Mutex
	status streamStatus
	finish *finisher // set while status == statusFinishing
}

func newStream(c *Conn, id engine.StreamID) *Stream {
	return &Stream{conn: c, id: id, status: statusLive}
}

// ID returns the identifier the engine assigned this stream.
func (s *Stream) ID() engine.StreamID { return s.id }

func (s *Stream) loadStatus() streamStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Read reads bytes written by the peer. It returns (0, nil) once the peer
// has finished writing (a clean stream EOF, not io.EOF: callers comparing
// against io.EOF should use the io.Reader adapter instead).
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	c := s.conn
	for {
		if s.loadStatus() == statusFinished {
			return 0, &engine.ExpiredStreamError{Stream: s.id}
		}

		c.mu.Lock()
		outcome := c.eng.Read(s.id, buf)
		if outcome.Unknown {
			c.mu.Unlock()
			return 0, &engine.ExpiredStreamError{Stream: s.id}
		}
		if outcome.Reset != nil {
			wakeMapLocked(c.readers, s.id)
			c.mu.Unlock()
			return 0, &engine.ResetError{Code: *outcome.Reset}
		}
		if !outcome.Blocked {
			c.mu.Unlock()
			if outcome.N > 0 {
				c.kickDriver()
			}
			return outcome.N, nil
		}
		if c.closeReason != nil {
			reason := c.closeReason
			c.mu.Unlock()
			if isQuietClose(reason) {
				return 0, nil
			}
			return 0, reason
		}
		ch := installMapWakerLocked(c.readers, s.id)
		c.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.mu.Lock()
			clearMapWakerLocked(c.readers, s.id, ch)
			c.mu.Unlock()
			return 0, ctx.Err()
		}
	}
}

// Write writes bytes to be delivered to the peer in order. A zero-length
// buf always returns (0, nil) immediately.
func (s *Stream) Write(ctx context.Context, buf []byte) (int, error) {
	c := s.conn
	for {
		if s.loadStatus() != statusLive {
			return 0, &engine.ExpiredStreamError{Stream: s.id}
		}

		c.mu.Lock()
		if _, ok := c.finishers[s.id]; !ok {
			c.mu.Unlock()
			return 0, &engine.ExpiredStreamError{Stream: s.id}
		}
		if c.closeReason != nil {
			reason := c.closeReason
			c.mu.Unlock()
			return 0, reason
		}
		outcome := c.eng.Write(s.id, buf)
		if outcome.Unknown {
			c.mu.Unlock()
			return 0, &engine.ExpiredStreamError{Stream: s.id}
		}
		if outcome.Stopped != nil {
			delete(c.finishers, s.id)
			wakeMapLocked(c.writers, s.id)
			c.finisherRemovedLocked()
			c.mu.Unlock()
			s.mu.Lock()
			s.status = statusFinished
			s.mu.Unlock()
			return 0, &engine.StoppedError{Code: *outcome.Stopped}
		}
		if !outcome.Blocked {
			c.mu.Unlock()
			if outcome.N > 0 {
				c.kickDriver()
			}
			return outcome.N, nil
		}
		ch := installMapWakerLocked(c.writers, s.id)
		c.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.mu.Lock()
			clearMapWakerLocked(c.writers, s.id, ch)
			c.mu.Unlock()
			return 0, ctx.Err()
		}
	}
}

// Shutdown half-closes the write side and waits for the engine to confirm
// the peer has seen it finish (or for it to report Stopped first). It is
// idempotent: calling it again on an already-finished stream returns nil
// immediately, even when the first call reported Stopped.
func (s *Stream) Shutdown(ctx context.Context) error {
	c := s.conn

	s.mu.Lock()
	switch s.status {
	case statusFinished:
		s.mu.Unlock()
		return nil
	case statusFinishing:
		s.mu.Unlock()
		return s.awaitFinish(ctx)
	}
	s.mu.Unlock()

	c.mu.Lock()
	f, ok := c.finishers[s.id]
	if !ok {
		c.mu.Unlock()
		return &engine.ExpiredStreamError{Stream: s.id}
	}
	outcome := c.eng.Finish(s.id)
	if outcome.Unknown {
		delete(c.finishers, s.id)
		c.finisherRemovedLocked()
		c.mu.Unlock()
		s.mu.Lock()
		s.status = statusFinished
		s.mu.Unlock()
		return &engine.ExpiredStreamError{Stream: s.id}
	}
	if outcome.Stopped != nil {
		delete(c.finishers, s.id)
		c.finisherRemovedLocked()
		c.mu.Unlock()
		s.mu.Lock()
		s.status = statusFinished
		s.mu.Unlock()
		return &engine.StoppedError{Code: *outcome.Stopped}
	}
	f.done = make(chan struct{})
	c.mu.Unlock()
	c.kickDriver()

	s.mu.Lock()
	s.status = statusFinishing
	s.finish = f
	s.mu.Unlock()

	return s.awaitFinish(ctx)
}

func (s *Stream) awaitFinish(ctx context.Context) error {
	s.mu.Lock()
	f := s.finish
	s.mu.Unlock()

	select {
	case <-f.done:
		s.mu.Lock()
		if s.status != statusFinished {
			s.status = statusFinished
		}
		s.mu.Unlock()
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy tears the stream down without waiting for confirmation: readers
// and writers parked on it wake with ExpiredStreamError, and if it was
// still live and the connection is not already closing, a best-effort
// finish plus stop_sending(0) is issued so the peer is not left waiting.
// Safe to call more than once; calls after the first are no-ops.
func (s *Stream) Destroy() {
	s.mu.Lock()
	prev := s.status
	s.status = statusFinished
	s.mu.Unlock()
	if prev == statusFinished {
		return
	}

	c := s.conn
	c.mu.Lock()
	wakeMapLocked(c.readers, s.id)
	wakeMapLocked(c.writers, s.id)
	if f, ok := c.finishers[s.id]; ok {
		delete(c.finishers, s.id)
		if f.done != nil {
			f.err = &engine.ExpiredStreamError{Stream: s.id}
			close(f.done)
		}
		c.finisherRemovedLocked()
	}
	if prev == statusLive && c.closeReason == nil {
		c.eng.Finish(s.id)
		c.eng.StopSending(s.id, 0)
	}
	c.mu.Unlock()
	c.kickDriver()
}

// reader/writer adapt Stream to io.Reader/io.Writer, binding a fixed
// context so the stream drops into code that expects plain blocking I/O.
type reader struct {
	s   *Stream
	ctx context.Context
}

// Reader returns an io.Reader bound to ctx. The stream's bare (0, nil)
// end-of-stream result is translated to io.EOF here, since io.Copy and
// friends treat a zero-byte nil-error Read as "try again".
func (s *Stream) Reader(ctx context.Context) io.Reader { return reader{s: s, ctx: ctx} }

func (r reader) Read(p []byte) (int, error) {
	n, err := r.s.Read(r.ctx, p)
	if n == 0 && err == nil && len(p) > 0 {
		return 0, io.EOF
	}
	return n, err
}

type writer struct {
	s   *Stream
	ctx context.Context
}

// Writer returns an io.Writer bound to ctx.
func (s *Stream) Writer(ctx context.Context) io.Writer { return writer{s: s, ctx: ctx} }

func (w writer) Write(p []byte) (int, error) { return w.s.Write(w.ctx, p) }
