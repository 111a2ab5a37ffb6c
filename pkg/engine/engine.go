// Package engine defines the boundary between the connection driver in
// pkg/muxer and the QUIC protocol state machine that actually parses
// packets, tracks loss recovery, and runs congestion control.
//
// The state machine itself is treated as an opaque collaborator: this
// package only declares the shape a driver needs to push it forward
// (HandleEvent, HandleTimeout), drain work out of it (PollTransmit,
// PollEndpointEvents, Poll), and drive individual streams (Open, Accept,
// Read, Write, Finish, StopSending). pkg/enginequic and pkg/enginefake are
// the two concrete implementations; pkg/muxer never imports either one.
package engine

import (
	"net"
	"time"
)

// StreamID identifies a bidirectional stream within one connection.
type StreamID int64

// ApplicationErrorCode is an application-defined reason code carried on
// stream resets, stops, and connection closes. Only codes 0 (graceful) and
// 1 (reset-on-drop) are assigned meaning above this layer; see CodeGraceful
// and CodeResetOnDrop below.
type ApplicationErrorCode uint64

const (
	// CodeGraceful is used for an orderly Close.
	CodeGraceful ApplicationErrorCode = 0
	// CodeResetOnDrop is used when a stream or connection is torn down
	// without a graceful handshake, e.g. when the driver aborts the
	// connection on a protocol violation.
	CodeResetOnDrop ApplicationErrorCode = 1
)

// Dir distinguishes stream directions. quicmux only ever asks for Bi;
// Uni exists so an engine can report a peer's forbidden use of
// unidirectional streams through the same Event type.
type Dir int

const (
	DirBi Dir = iota
	DirUni
)

// Transmit is one outbound UDP datagram produced by the state machine.
type Transmit struct {
	Dest  net.Addr
	Bytes []byte
	ECN   uint8
}

// ConnectionEvent is one endpoint-delivered input: a newly received packet,
// a changed remote address, or any other signal the endpoint layer routes
// to a specific connection. Its contents are opaque to pkg/muxer; only the
// engine interprets them.
type ConnectionEvent struct {
	payload any
}

// NewConnectionEvent wraps an engine-specific payload (e.g. a decoded QUIC
// datagram) so it can travel through the endpoint -> driver channel without
// pkg/endpoint or pkg/muxer needing to know its concrete type.
func NewConnectionEvent(payload any) ConnectionEvent { return ConnectionEvent{payload: payload} }

// Payload returns the engine-specific value passed to NewConnectionEvent.
func (e ConnectionEvent) Payload() any { return e.payload }

// EndpointEvent is a message the state machine needs delivered to the
// endpoint layer (e.g. retire a connection ID). Opaque for the same reason
// as ConnectionEvent.
type EndpointEvent struct {
	payload any
}

func NewEndpointEvent(payload any) EndpointEvent { return EndpointEvent{payload: payload} }
func (e EndpointEvent) Payload() any             { return e.payload }

// EventKind discriminates the variants of Event.
type EventKind int

const (
	EventStreamReadable EventKind = iota
	EventStreamWritable
	EventStreamOpened
	EventStreamAvailable
	EventStreamFinished
	EventConnected
	EventConnectionLost
	EventDatagramReceived
)

// Event is one item yielded by Conn.Poll. Only the fields relevant to Kind
// are populated; the rest are zero.
type Event struct {
	Kind       EventKind
	Dir        Dir
	Stream     StreamID
	StopReason *ApplicationErrorCode // StreamFinished: nil unless the peer asked us to stop
	Err        error                 // ConnectionLost: the opaque closing reason
	CloseCode  *ApplicationErrorCode // ConnectionLost: set iff the loss was an application-level close
}

// ReadOutcome is the result of one non-blocking Read call.
type ReadOutcome struct {
	N       int
	FIN     bool // peer closed the read side cleanly, no more bytes ever
	Blocked bool
	Reset   *ApplicationErrorCode
	Unknown bool // UnknownStream: the id is not (or no longer) known to the engine
}

// WriteOutcome is the result of one non-blocking Write call.
type WriteOutcome struct {
	N       int
	Blocked bool
	Stopped *ApplicationErrorCode
	Unknown bool
}

// FinishOutcome is the result of a Finish (half-close) call.
type FinishOutcome struct {
	Stopped *ApplicationErrorCode
	Unknown bool
}

// Conn is the opaque per-connection QUIC state machine, shaped like a
// sans-I/O protocol core: the driver pushes inputs in and polls outputs
// back out. Every method is called from inside pkg/muxer's single
// per-connection critical section; implementations need not be safe for
// concurrent use by multiple callers.
type Conn interface {
	// HandleEvent ingests one endpoint-delivered event.
	HandleEvent(ConnectionEvent)
	// HandleTimeout advances loss/idle/PTO timers as of now.
	HandleTimeout(now time.Time)
	// PollTimeout returns the next deadline the driver must wake up for,
	// if any.
	PollTimeout() (time.Time, bool)
	// PollTransmit dequeues the next outbound datagram, if any.
	PollTransmit(now time.Time) (Transmit, bool)
	// PollEndpointEvents dequeues the next message bound for the
	// endpoint layer, if any.
	PollEndpointEvents() (EndpointEvent, bool)
	// Poll dequeues the next connection/stream event, if any.
	Poll() (Event, bool)

	// Open attempts to open a new outbound bidirectional stream.
	Open(Dir) (StreamID, bool)
	// Accept attempts to pop a stream the peer opened.
	Accept(Dir) (StreamID, bool)

	Read(id StreamID, buf []byte) ReadOutcome
	Write(id StreamID, buf []byte) WriteOutcome
	Finish(id StreamID) FinishOutcome
	StopSending(id StreamID, code ApplicationErrorCode)

	// Close starts a graceful or forced close; reason is carried to the
	// peer as the CONNECTION_CLOSE payload.
	Close(now time.Time, code ApplicationErrorCode, reason string)
	IsClosed() bool
	IsDrained() bool
	IsHandshaking() bool
	// CryptoSession exposes the completed TLS session so the Upgrade step
	// (pkg/muxer.Handshake) can extract the peer's certificate.
	CryptoSession() CryptoSession

	// Wake returns a channel that receives a token whenever the engine may
	// have produced new work (events, readable data, stream capacity)
	// outside of a call the driver itself made. A sans-I/O engine that only
	// ever produces work synchronously, inside HandleEvent/HandleTimeout,
	// may return nil; the driver then relies on its own ingress and timer
	// signals alone.
	Wake() <-chan struct{}

	// RemoteAddr is a non-blocking accessor, not part of the critical
	// section discipline of the other methods; it never mutates state.
	RemoteAddr() net.Addr
}

// CryptoSession is the minimal view of a completed TLS session the
// handshake step needs: exactly one peer certificate.
type CryptoSession interface {
	// PeerCertificate returns the single certificate the verifier
	// guaranteed was presented, or false if the handshake has not
	// completed yet.
	PeerCertificate() (cert []byte, ok bool)
}
