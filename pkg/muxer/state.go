package muxer

import (
	"net"
	"sync"
	"time"

	"github.com/quicmux/quicmux/pkg/engine"
	"github.com/quicmux/quicmux/pkg/log"
)

// Role distinguishes which side of the handshake a Conn is on.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

type connector struct {
	result chan connectResult
}

type connectResult struct {
	id  engine.StreamID
	err error
}

// Conn drives one QUIC connection. Create with New; it spawns the driver
// goroutine immediately. Handshake must complete (via Handshake) before the
// peer identity is known, but OpenStream/AcceptStream are safe to call
// beforehand — they simply block until the driver has something to give
// them or the connection fails.
type Conn struct {
	eng  engine.Conn
	ep   Endpoint
	role Role

	mu sync.Mutex

	readers map[engine.StreamID]chan struct{}
	writers map[engine.StreamID]chan struct{}

	finishers map[engine.StreamID]*finisher

	connectors    []*connector // push front, pop front: LIFO, no ordering contract
	pendingStream *engine.StreamID

	acceptWaker    chan struct{}
	handshakeWaker chan struct{}
	closeWaker     chan struct{}

	closeReason *ConnectionError

	pendingTransmit *engine.Transmit
	pendingEndpoint *engine.EndpointEvent

	// driver-owned, never touched under mu
	timer         *time.Timer
	timerDeadline time.Time
	timerArmed    bool

	kick     chan struct{}
	stopOnce sync.Once
	stopped  chan struct{}

	logger *log.Logger
}

// New constructs a Conn around eng and ep and starts its driver goroutine.
func New(eng engine.Conn, ep Endpoint, role Role, logger *log.Logger) *Conn {
	if logger == nil {
		logger = log.Default()
	}
	c := &Conn{
		eng:       eng,
		ep:        ep,
		role:      role,
		readers:   make(map[engine.StreamID]chan struct{}),
		writers:   make(map[engine.StreamID]chan struct{}),
		finishers: make(map[engine.StreamID]*finisher),
		kick:      make(chan struct{}, 1),
		stopped:   make(chan struct{}),
		logger:    logger,
	}
	go c.run()
	return c
}

func (c *Conn) kickDriver() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// RemoteAddr reports the peer's network address. Non-blocking, safe at any
// point in the connection's lifetime.
func (c *Conn) RemoteAddr() net.Addr { return c.eng.RemoteAddr() }

// ConnectionState reports read-only facts about the connection's current
// phase, for logging and routing above this layer.
type ConnectionState struct {
	HandshakeComplete bool
	Closed            bool
}

// ConnectionState never blocks beyond the shared critical section.
func (c *Conn) ConnectionState() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnectionState{
		HandshakeComplete: !c.eng.IsHandshaking(),
		Closed:            c.closeReason != nil || c.eng.IsClosed(),
	}
}

func installMapWakerLocked(m map[engine.StreamID]chan struct{}, id engine.StreamID) chan struct{} {
	if old, ok := m[id]; ok {
		close(old)
	}
	ch := make(chan struct{})
	m[id] = ch
	return ch
}

func clearMapWakerLocked(m map[engine.StreamID]chan struct{}, id engine.StreamID, ch chan struct{}) {
	if cur, ok := m[id]; ok && cur == ch {
		delete(m, id)
	}
}

func wakeMapLocked(m map[engine.StreamID]chan struct{}, id engine.StreamID) {
	if ch, ok := m[id]; ok {
		delete(m, id)
		close(ch)
	}
}

// finisherRemovedLocked wakes a parked Close when the last finisher
// disappears through a path other than StreamFinished (a peer stop, a
// Shutdown on an expired stream, Destroy); Close re-checks and completes.
func (c *Conn) finisherRemovedLocked() {
	if len(c.finishers) == 0 {
		wakeSlotLocked(&c.closeWaker)
	}
}

func installSlotLocked(slot *chan struct{}) chan struct{} {
	if *slot != nil {
		close(*slot)
	}
	ch := make(chan struct{})
	*slot = ch
	return ch
}

func clearSlotLocked(slot *chan struct{}, ch chan struct{}) {
	if *slot == ch {
		*slot = nil
	}
}

func wakeSlotLocked(slot *chan struct{}) {
	if *slot != nil {
		close(*slot)
		*slot = nil
	}
}
