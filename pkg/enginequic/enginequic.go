// Package enginequic adapts a real quic-go connection to the engine.Conn
// contract pkg/muxer drives. quic-go's public API is blocking
// (Connection.AcceptStream, Stream.Read/Write all block); this package
// turns that into the non-blocking, poll-style surface engine.Conn expects
// the same way pkg/muxer turns futures into context-aware calls: background
// goroutines translate blocking completions into buffered state plus queued
// Events, and every exported method only ever touches that buffered state.
//
// It does not reimplement QUIC flow control: quic-go owns congestion
// control, loss recovery, and wire-format framing entirely. This adapter's
// own "Blocked" reporting for Write is a bounded in-memory queue in front
// of quic-go's blocking Stream.Write, not a reflection of quic-go's actual
// flow-control window — documented here because it is the one place this
// package's behavior only approximates the opaque engine contract rather
// than exposing it directly.
package enginequic

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"github.com/quicmux/quicmux/pkg/engine"
)

// maxPendingWriteBytes bounds how much a single stream may buffer ahead of
// quic-go's own (blocking) Write before Write reports Blocked.
const maxPendingWriteBytes = 1 << 20

// Conn adapts one *quic.Conn. Construct with New once the QUIC
// handshake has completed (quic-go's Dial/Listener.Accept already block
// until then for anything other than 0-RTT, which quicmux does not use).
type Conn struct {
	qc   *quic.Conn
	wake chan struct{}

	mu       sync.Mutex
	events   []engine.Event
	closed   bool
	drained  bool
	closeErr error

	streams       map[engine.StreamID]*qStream
	availableOpen []engine.StreamID
	acceptQueue   []engine.StreamID
	openWaiting   bool

	cred *cryptoSession
}

type qStream struct {
	id     engine.StreamID
	stream *quic.Stream

	readMu    sync.Mutex
	readBuf   []byte
	readFIN   bool
	readReset *engine.ApplicationErrorCode

	writeMu      sync.Mutex
	pending      [][]byte
	pendingBytes int
	finishQueued bool
	writeStopped *engine.ApplicationErrorCode
	writeKick    chan struct{}
}

// New wraps an established *quic.Conn (e.g. returned by quic.Transport's
// Dial or by a *quic.Listener's Accept).
func New(qc *quic.Conn) *Conn {
	c := &Conn{
		qc:      qc,
		wake:    make(chan struct{}, 1),
		streams: make(map[engine.StreamID]*qStream),
		cred:    &cryptoSession{qc: qc},
	}
	c.events = append(c.events, engine.Event{Kind: engine.EventConnected})

	go c.acceptLoop()
	go c.watchClose()

	return c
}

func (c *Conn) pushEvent(ev engine.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Conn) acceptLoop() {
	for {
		s, err := c.qc.AcceptStream(context.Background())
		if err != nil {
			return
		}
		id := engine.StreamID(s.StreamID())
		c.registerStream(id, s)
		c.mu.Lock()
		c.acceptQueue = append(c.acceptQueue, id)
		c.mu.Unlock()
		c.pushEvent(engine.Event{Kind: engine.EventStreamOpened, Dir: engine.DirBi, Stream: id})
	}
}

// openWaiter runs only after an Open call hit the peer's stream limit: it
// blocks until the limit is raised, parks the freshly opened stream in
// availableOpen, and announces StreamAvailable so the driver retries its
// queued requesters.
func (c *Conn) openWaiter() {
	s, err := c.qc.OpenStreamSync(context.Background())
	c.mu.Lock()
	c.openWaiting = false
	c.mu.Unlock()
	if err != nil {
		return
	}
	id := engine.StreamID(s.StreamID())
	c.registerStream(id, s)
	c.mu.Lock()
	c.availableOpen = append(c.availableOpen, id)
	c.mu.Unlock()
	c.pushEvent(engine.Event{Kind: engine.EventStreamAvailable, Dir: engine.DirBi})
}

func (c *Conn) watchClose() {
	<-c.qc.Context().Done()
	cause := context.Cause(c.qc.Context())
	err := errConnectionLost(cause)
	c.mu.Lock()
	c.closed = true
	c.drained = true
	c.closeErr = err
	c.mu.Unlock()
	ev := engine.Event{Kind: engine.EventConnectionLost, Err: err}
	var appErr *quic.ApplicationError
	if errors.As(cause, &appErr) {
		code := engine.ApplicationErrorCode(appErr.ErrorCode)
		ev.CloseCode = &code
	}
	c.pushEvent(ev)
}

func (c *Conn) registerStream(id engine.StreamID, s *quic.Stream) *qStream {
	qs := &qStream{id: id, stream: s, writeKick: make(chan struct{}, 1)}
	c.mu.Lock()
	c.streams[id] = qs
	c.mu.Unlock()
	go qs.readPump(c)
	go qs.writePump(c)
	return qs
}

func (qs *qStream) readPump(c *Conn) {
	buf := make([]byte, 32*1024)
	for {
		n, err := qs.stream.Read(buf)
		if n > 0 {
			qs.readMu.Lock()
			qs.readBuf = append(qs.readBuf, buf[:n]...)
			qs.readMu.Unlock()
			c.pushEvent(engine.Event{Kind: engine.EventStreamReadable, Stream: qs.id})
		}
		if err != nil {
			var streamErr *quic.StreamError
			if errors.As(err, &streamErr) {
				code := engine.ApplicationErrorCode(streamErr.ErrorCode)
				qs.readMu.Lock()
				qs.readReset = &code
				qs.readMu.Unlock()
			} else {
				qs.readMu.Lock()
				qs.readFIN = true
				qs.readMu.Unlock()
			}
			c.pushEvent(engine.Event{Kind: engine.EventStreamReadable, Stream: qs.id})
			return
		}
	}
}

func (qs *qStream) writePump(c *Conn) {
	for {
		qs.writeMu.Lock()
		if len(qs.pending) == 0 {
			if qs.finishQueued {
				qs.writeMu.Unlock()
				_ = qs.stream.Close()
				c.pushEvent(engine.Event{Kind: engine.EventStreamFinished, Stream: qs.id})
				return
			}
			qs.writeMu.Unlock()
			<-qs.writeKick
			continue
		}
		chunk := qs.pending[0]
		qs.pending = qs.pending[1:]
		qs.pendingBytes -= len(chunk)
		qs.writeMu.Unlock()

		c.pushEvent(engine.Event{Kind: engine.EventStreamWritable, Stream: qs.id})

		if _, err := qs.stream.Write(chunk); err != nil {
			var streamErr *quic.StreamError
			if errors.As(err, &streamErr) {
				code := engine.ApplicationErrorCode(streamErr.ErrorCode)
				qs.writeMu.Lock()
				qs.writeStopped = &code
				qs.writeMu.Unlock()
				c.pushEvent(engine.Event{Kind: engine.EventStreamFinished, Stream: qs.id, StopReason: &code})
			}
			return
		}
	}
}

func (qs *qStream) kick() {
	select {
	case qs.writeKick <- struct{}{}:
	default:
	}
}

func (c *Conn) HandleEvent(engine.ConnectionEvent) {}

func (c *Conn) HandleTimeout(time.Time) {}

// PollTimeout always reports no deadline: quic-go runs its own internal
// timers and this adapter never needs HandleTimeout driven from outside.
func (c *Conn) PollTimeout() (time.Time, bool) { return time.Time{}, false }

// PollTransmit and PollEndpointEvents always report nothing: quic-go owns
// the UDP socket and endpoint-facing control messages directly, so nothing
// ever needs relaying through pkg/muxer's driver for this adapter.
func (c *Conn) PollTransmit(time.Time) (engine.Transmit, bool) { return engine.Transmit{}, false }

func (c *Conn) PollEndpointEvents() (engine.EndpointEvent, bool) {
	return engine.EndpointEvent{}, false
}

func (c *Conn) Poll() (engine.Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.events) == 0 {
		return engine.Event{}, false
	}
	ev := c.events[0]
	c.events = c.events[1:]
	return ev, true
}

func (c *Conn) Open(dir engine.Dir) (engine.StreamID, bool) {
	if dir != engine.DirBi {
		return 0, false
	}
	c.mu.Lock()
	if len(c.availableOpen) > 0 {
		id := c.availableOpen[0]
		c.availableOpen = c.availableOpen[1:]
		c.mu.Unlock()
		return id, true
	}
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, false
	}

	s, err := c.qc.OpenStream()
	if err != nil {
		// Stream limit reached. Leave one waiter blocking on the limit;
		// when it opens, a StreamAvailable event brings the caller back.
		c.mu.Lock()
		if !c.openWaiting {
			c.openWaiting = true
			go c.openWaiter()
		}
		c.mu.Unlock()
		return 0, false
	}
	id := engine.StreamID(s.StreamID())
	c.registerStream(id, s)
	return id, true
}

func (c *Conn) Accept(dir engine.Dir) (engine.StreamID, bool) {
	if dir != engine.DirBi {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.acceptQueue) == 0 {
		return 0, false
	}
	id := c.acceptQueue[0]
	c.acceptQueue = c.acceptQueue[1:]
	return id, true
}

func (c *Conn) lookup(id engine.StreamID) (*qStream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	qs, ok := c.streams[id]
	return qs, ok
}

func (c *Conn) Read(id engine.StreamID, buf []byte) engine.ReadOutcome {
	qs, ok := c.lookup(id)
	if !ok {
		return engine.ReadOutcome{Unknown: true}
	}
	qs.readMu.Lock()
	defer qs.readMu.Unlock()
	if qs.readReset != nil {
		code := *qs.readReset
		return engine.ReadOutcome{Reset: &code}
	}
	if len(qs.readBuf) == 0 {
		if qs.readFIN {
			return engine.ReadOutcome{FIN: true}
		}
		return engine.ReadOutcome{Blocked: true}
	}
	n := copy(buf, qs.readBuf)
	qs.readBuf = qs.readBuf[n:]
	return engine.ReadOutcome{N: n}
}

func (c *Conn) Write(id engine.StreamID, buf []byte) engine.WriteOutcome {
	qs, ok := c.lookup(id)
	if !ok {
		return engine.WriteOutcome{Unknown: true}
	}
	if len(buf) == 0 {
		return engine.WriteOutcome{N: 0}
	}
	qs.writeMu.Lock()
	if qs.writeStopped != nil {
		code := *qs.writeStopped
		qs.writeMu.Unlock()
		return engine.WriteOutcome{Stopped: &code}
	}
	if qs.pendingBytes+len(buf) > maxPendingWriteBytes {
		qs.writeMu.Unlock()
		return engine.WriteOutcome{Blocked: true}
	}
	chunk := append([]byte(nil), buf...)
	qs.pending = append(qs.pending, chunk)
	qs.pendingBytes += len(chunk)
	qs.writeMu.Unlock()
	qs.kick()
	return engine.WriteOutcome{N: len(buf)}
}

func (c *Conn) Finish(id engine.StreamID) engine.FinishOutcome {
	qs, ok := c.lookup(id)
	if !ok {
		return engine.FinishOutcome{Unknown: true}
	}
	qs.writeMu.Lock()
	if qs.writeStopped != nil {
		code := *qs.writeStopped
		qs.writeMu.Unlock()
		return engine.FinishOutcome{Stopped: &code}
	}
	qs.finishQueued = true
	qs.writeMu.Unlock()
	qs.kick()
	return engine.FinishOutcome{}
}

func (c *Conn) StopSending(id engine.StreamID, code engine.ApplicationErrorCode) {
	qs, ok := c.lookup(id)
	if !ok {
		return
	}
	qs.stream.CancelRead(quic.StreamErrorCode(code))
}

func (c *Conn) Close(now time.Time, code engine.ApplicationErrorCode, reason string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	_ = c.qc.CloseWithError(quic.ApplicationErrorCode(code), reason)
	// watchClose observes qc.Context() being cancelled and sets
	// closed/drained from there, so the ConnectionLost event still flows
	// through Poll exactly once even for a locally-initiated close.
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) IsDrained() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drained
}

// IsHandshaking always reports false: quic-go's Dial/Listener.Accept do not
// return a Connection until the handshake (sans 0-RTT, which quicmux does
// not use) has already completed.
func (c *Conn) IsHandshaking() bool { return false }

func (c *Conn) CryptoSession() engine.CryptoSession { return c.cred }

// Wake fires whenever one of the background pump goroutines queued a new
// event, so the pkg/muxer driver re-polls without needing an external kick.
func (c *Conn) Wake() <-chan struct{} { return c.wake }

func (c *Conn) RemoteAddr() net.Addr { return c.qc.RemoteAddr() }

type cryptoSession struct {
	qc *quic.Conn
}

func (s *cryptoSession) PeerCertificate() ([]byte, bool) {
	state := s.qc.ConnectionState().TLS
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	return state.PeerCertificates[0].Raw, true
}

var _ engine.Conn = (*Conn)(nil)

// errConnectionLost wraps whatever quic-go's connection context reports,
// giving pkg/endpoint a concrete type to match on if it wants to
// distinguish an idle timeout from an application close.
var errConnectionLost = func(cause error) error {
	if cause == nil {
		return fmt.Errorf("quic connection closed")
	}
	return fmt.Errorf("quic connection closed: %w", cause)
}
