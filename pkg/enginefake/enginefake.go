// Package enginefake is an in-memory engine.Conn test double: two peered
// connections that deliver stream reads/writes and lifecycle events to each
// other synchronously, without a real QUIC wire format or a real endpoint.
//
// It intentionally does not implement flow-control timing, loss, or
// retransmission; pkg/muxer's tests drive edge cases (backpressure, resets,
// protocol violations) through the explicit Simulate*/Grant* hooks below
// rather than by waiting on a simulated network, the same way mocks/mockudp.go
// exposes WaitForListener instead of reproducing real UDP timing.
package enginefake

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/quicmux/quicmux/pkg/engine"
)

// Conn is one side of a fake peered connection. The zero value is not
// usable; construct pairs with NewPair.
type Conn struct {
	mu   *sync.Mutex // shared with peer: cross-side mutation needs one lock
	peer *Conn

	isClient bool
	nextID   engine.StreamID

	remoteAddr net.Addr
	cred       *fakeCrypto

	handshaking bool
	closed      bool
	drained     bool
	closeCode   *engine.ApplicationErrorCode
	closeReason string

	openQuota    int
	streams      map[engine.StreamID]*fakeStream
	inboundQueue []engine.StreamID

	// manualFinishAck makes Finish stop queueing StreamFinished on its
	// own; tests fire it explicitly with AckFinish to model the gap
	// between sending a FIN and the peer acknowledging it.
	manualFinishAck bool

	events []engine.Event
	wake   chan struct{}
}

type fakeStream struct {
	readBuf   []byte
	readFIN   bool
	readReset *engine.ApplicationErrorCode

	writeQuota    int
	writeStopped  *engine.ApplicationErrorCode
	writeFinished bool
	finishAcked   bool

	gone bool
}

type fakeCrypto struct {
	peerCert []byte
	ready    func() bool
}

func (c *fakeCrypto) PeerCertificate() ([]byte, bool) {
	if !c.ready() {
		return nil, false
	}
	return c.peerCert, true
}

// NewPair builds two linked, still-handshaking connections. clientCert and
// serverCert are the raw leaf certificates each side's CryptoSession will
// report as belonging to the peer once CompleteHandshake runs.
func NewPair(clientCert, serverCert []byte) (client, server *Conn) {
	var mu sync.Mutex
	client = &Conn{
		mu:          &mu,
		isClient:    true,
		nextID:      0,
		handshaking: true,
		remoteAddr:  &net.UDPAddr{IP: net.IPv4(10, 0, 0, 2), Port: 4242},
		openQuota:   1 << 20,
		streams:     make(map[engine.StreamID]*fakeStream),
		wake:        make(chan struct{}, 1),
	}
	server = &Conn{
		mu:          &mu,
		isClient:    false,
		nextID:      1,
		handshaking: true,
		remoteAddr:  &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 4242},
		openQuota:   1 << 20,
		streams:     make(map[engine.StreamID]*fakeStream),
		wake:        make(chan struct{}, 1),
	}
	client.peer = server
	server.peer = client
	client.cred = &fakeCrypto{peerCert: serverCert, ready: func() bool { return !client.handshaking }}
	server.cred = &fakeCrypto{peerCert: clientCert, ready: func() bool { return !server.handshaking }}
	return client, server
}

// pushLocked queues ev on c and signals c's wake channel so a parked
// driver re-polls. The shared mu must be held.
func (c *Conn) pushLocked(ev engine.Event) {
	c.events = append(c.events, ev)
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// CompleteHandshake marks both ends of the pair connected and queues
// Connected on each. Safe to call from either side; a no-op once done.
func (c *Conn) CompleteHandshake() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.handshaking {
		return
	}
	c.handshaking = false
	c.peer.handshaking = false
	c.pushLocked(engine.Event{Kind: engine.EventConnected})
	c.peer.pushLocked(engine.Event{Kind: engine.EventConnected})
}

// SetOpenQuota caps how many more Open calls succeed before reporting
// no availability. Set to 0 to force the next Open to fail, then use
// GrantOpenQuota to simulate the peer raising its stream limit.
func (c *Conn) SetOpenQuota(n int) {
	c.mu.Lock()
	c.openQuota = n
	c.mu.Unlock()
}

// GrantOpenQuota raises the open quota by n and queues StreamAvailable,
// mirroring a peer's MAX_STREAMS update arriving.
func (c *Conn) GrantOpenQuota(n int) {
	c.mu.Lock()
	c.openQuota += n
	c.pushLocked(engine.Event{Kind: engine.EventStreamAvailable, Dir: engine.DirBi})
	c.mu.Unlock()
}

// SetWriteQuota caps how many bytes a single Write on id may send before
// reporting Blocked. Use GrantWriteQuota to simulate the peer raising its
// receive window.
func (c *Conn) SetWriteQuota(id engine.StreamID, n int) {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.writeQuota = n
	}
	c.mu.Unlock()
}

// GrantWriteQuota raises id's write quota by n and queues StreamWritable.
func (c *Conn) GrantWriteQuota(id engine.StreamID, n int) {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.writeQuota += n
		c.pushLocked(engine.Event{Kind: engine.EventStreamWritable, Stream: id})
	}
	c.mu.Unlock()
}

// SimulatePeerReset makes the next Read on id observe a reset, as if the
// peer had abandoned its send side with the given code.
func (c *Conn) SimulatePeerReset(id engine.StreamID, code engine.ApplicationErrorCode) {
	c.mu.Lock()
	if st, ok := c.streams[id]; ok {
		st.readReset = &code
		c.pushLocked(engine.Event{Kind: engine.EventStreamReadable, Stream: id})
	}
	c.mu.Unlock()
}

// SimulatePeerOpenedUnidirectional queues a StreamOpened(Uni) event, the
// trigger for the core's unidirectional-stream protocol violation path.
func (c *Conn) SimulatePeerOpenedUnidirectional() {
	c.mu.Lock()
	c.pushLocked(engine.Event{Kind: engine.EventStreamOpened, Dir: engine.DirUni})
	c.mu.Unlock()
}

// SimulateDatagramReceived queues a DatagramReceived event.
func (c *Conn) SimulateDatagramReceived() {
	c.mu.Lock()
	c.pushLocked(engine.Event{Kind: engine.EventDatagramReceived})
	c.mu.Unlock()
}

// SimulateConnectionLost queues ConnectionLost carrying err.
func (c *Conn) SimulateConnectionLost(err error) {
	c.mu.Lock()
	c.pushLocked(engine.Event{Kind: engine.EventConnectionLost, Err: err})
	c.mu.Unlock()
}

func (c *Conn) HandleEvent(engine.ConnectionEvent) {}

func (c *Conn) HandleTimeout(time.Time) {}

func (c *Conn) PollTimeout() (time.Time, bool) { return time.Time{}, false }

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
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir != engine.DirBi || c.handshaking || c.openQuota <= 0 {
		return 0, false
	}
	c.openQuota--
	id := c.nextID
	c.nextID += 2
	c.streams[id] = &fakeStream{writeQuota: 1 << 20}
	c.peer.streams[id] = &fakeStream{writeQuota: 1 << 20}
	c.peer.inboundQueue = append(c.peer.inboundQueue, id)
	c.peer.pushLocked(engine.Event{Kind: engine.EventStreamOpened, Dir: engine.DirBi, Stream: id})
	return id, true
}

func (c *Conn) Accept(dir engine.Dir) (engine.StreamID, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if dir != engine.DirBi || len(c.inboundQueue) == 0 {
		return 0, false
	}
	id := c.inboundQueue[0]
	c.inboundQueue = c.inboundQueue[1:]
	return id, true
}

func (c *Conn) Read(id engine.StreamID, buf []byte) engine.ReadOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok || st.gone {
		return engine.ReadOutcome{Unknown: true}
	}
	if st.readReset != nil {
		code := *st.readReset
		// Observing the reset consumes the stream: subsequent calls see
		// UnknownStream, matching how a real engine forgets a stream once
		// its terminal state has been surfaced.
		st.gone = true
		return engine.ReadOutcome{Reset: &code}
	}
	if len(st.readBuf) == 0 {
		if st.readFIN {
			return engine.ReadOutcome{FIN: true}
		}
		return engine.ReadOutcome{Blocked: true}
	}
	n := copy(buf, st.readBuf)
	st.readBuf = st.readBuf[n:]
	return engine.ReadOutcome{N: n}
}

func (c *Conn) Write(id engine.StreamID, buf []byte) engine.WriteOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok || st.gone {
		return engine.WriteOutcome{Unknown: true}
	}
	if st.writeStopped != nil {
		code := *st.writeStopped
		return engine.WriteOutcome{Stopped: &code}
	}
	if len(buf) == 0 {
		return engine.WriteOutcome{N: 0}
	}
	if len(buf) > st.writeQuota {
		return engine.WriteOutcome{Blocked: true}
	}
	st.writeQuota -= len(buf)
	peerSt, ok := c.peer.streams[id]
	if !ok || peerSt.gone {
		return engine.WriteOutcome{Unknown: true}
	}
	peerSt.readBuf = append(peerSt.readBuf, buf...)
	c.peer.pushLocked(engine.Event{Kind: engine.EventStreamReadable, Stream: id})
	return engine.WriteOutcome{N: len(buf)}
}

func (c *Conn) Finish(id engine.StreamID) engine.FinishOutcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok || st.gone {
		return engine.FinishOutcome{Unknown: true}
	}
	if st.writeStopped != nil {
		code := *st.writeStopped
		return engine.FinishOutcome{Stopped: &code}
	}
	if st.writeFinished {
		return engine.FinishOutcome{}
	}
	st.writeFinished = true
	if peerSt, ok := c.peer.streams[id]; ok && !peerSt.gone {
		peerSt.readFIN = true
		c.peer.pushLocked(engine.Event{Kind: engine.EventStreamReadable, Stream: id})
	}
	if c.manualFinishAck {
		return engine.FinishOutcome{}
	}
	st.finishAcked = true
	c.pushLocked(engine.Event{Kind: engine.EventStreamFinished, Stream: id})
	return engine.FinishOutcome{}
}

// SetManualFinishAck switches Finish into a two-step mode: the FIN is still
// delivered to the peer immediately, but StreamFinished is withheld until
// the test calls AckFinish, modeling the in-flight window between sending a
// FIN and the peer acknowledging it.
func (c *Conn) SetManualFinishAck(v bool) {
	c.mu.Lock()
	c.manualFinishAck = v
	c.mu.Unlock()
}

// AckFinish queues the StreamFinished event for a stream whose Finish was
// issued under SetManualFinishAck(true). A no-op unless the stream has an
// unacknowledged FIN outstanding.
func (c *Conn) AckFinish(id engine.StreamID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok || st.gone || !st.writeFinished || st.finishAcked {
		return
	}
	st.finishAcked = true
	c.pushLocked(engine.Event{Kind: engine.EventStreamFinished, Stream: id})
}

func (c *Conn) StopSending(id engine.StreamID, code engine.ApplicationErrorCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[id]
	if !ok || st.gone {
		return
	}
	if peerSt, ok := c.peer.streams[id]; ok && !peerSt.gone {
		cc := code
		peerSt.writeStopped = &cc
		// Wake any writer parked on the peer side so it re-polls and
		// observes Stopped.
		c.peer.pushLocked(engine.Event{Kind: engine.EventStreamWritable, Stream: id})
	}
}

func (c *Conn) Close(now time.Time, code engine.ApplicationErrorCode, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.drained = true
	cc := code
	c.closeCode = &cc
	c.closeReason = reason
	if !c.peer.closed {
		peerCode := code
		c.peer.pushLocked(engine.Event{
			Kind:      engine.EventConnectionLost,
			Err:       fmt.Errorf("peer closed the connection: %s", reason),
			CloseCode: &peerCode,
		})
	}
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

func (c *Conn) IsHandshaking() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaking
}

func (c *Conn) CryptoSession() engine.CryptoSession { return c.cred }

func (c *Conn) Wake() <-chan struct{} { return c.wake }

func (c *Conn) RemoteAddr() net.Addr { return c.remoteAddr }

var _ engine.Conn = (*Conn)(nil)
