package muxer

import (
	"context"
	"time"

	"github.com/quicmux/quicmux/pkg/engine"
)

// run is the one goroutine per connection that owns the engine. It
// repeats: drain the timer, pump pending transmits, drain any buffered
// ingress, drain engine events, forward endpoint events, serve queued
// stream opens. Once a full pass makes no progress it parks until something wakes
// it: a facade kick, the timer, the engine, or an inbound event.
func (c *Conn) run() {
	defer c.stopOnce.Do(func() { close(c.stopped) })

	ingress := c.ep.Events()
	for {
		now := time.Now()
		progressed := false

		if c.driveTimer(now) {
			progressed = true
		}
		if c.pumpTransmit() {
			progressed = true
		}
		if c.pumpIngress(ingress) {
			progressed = true
		}
		if c.drainEngineEvents() {
			progressed = true
		}
		if c.pumpEndpointEvents() {
			progressed = true
		}
		if c.serveConnectors() {
			progressed = true
		}

		c.mu.Lock()
		drained := c.eng.IsDrained()
		c.mu.Unlock()
		if drained {
			c.logger.VerboseMsg("connection drained, driver exiting")
			return
		}
		if progressed {
			continue
		}

		select {
		case <-c.kick:
		case <-c.timerChan():
		case <-c.eng.Wake():
		case ev, ok := <-ingress:
			if !ok {
				ingress = nil
				c.mu.Lock()
				if c.closeReason == nil {
					c.closeReason = &ConnectionError{Message: "endpoint closed"}
					c.shutdownLocked(CodeGraceful)
				}
				c.mu.Unlock()
				continue
			}
			c.mu.Lock()
			c.eng.HandleEvent(ev)
			c.mu.Unlock()
		}
	}
}

func (c *Conn) timerChan() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

func (c *Conn) driveTimer(now time.Time) bool {
	progressed := false
	for {
		c.mu.Lock()
		deadline, ok := c.eng.PollTimeout()
		if !ok {
			c.mu.Unlock()
			if c.timer != nil {
				c.timer.Stop()
				c.timer = nil
			}
			c.timerArmed = false
			return progressed
		}
		if !deadline.After(now) {
			c.eng.HandleTimeout(now)
			c.mu.Unlock()
			progressed = true
			continue
		}
		c.mu.Unlock()
		if !c.timerArmed || deadline != c.timerDeadline {
			if c.timer != nil {
				c.timer.Stop()
			}
			c.timer = time.NewTimer(time.Until(deadline))
			c.timerDeadline = deadline
			c.timerArmed = true
		}
		return progressed
	}
}

// pumpTransmit sends any pending datagram first, then drains PollTransmit,
// matching the at-most-one-pending-transmit invariant.
func (c *Conn) pumpTransmit() bool {
	progressed := false
	for {
		c.mu.Lock()
		if c.pendingTransmit == nil {
			t, ok := c.eng.PollTransmit(time.Now())
			if !ok {
				c.mu.Unlock()
				return progressed
			}
			c.pendingTransmit = &t
		}
		t := *c.pendingTransmit
		c.mu.Unlock()

		if err := c.ep.SendPacket(c.driverCtx(), t); err != nil {
			return progressed
		}
		c.mu.Lock()
		c.pendingTransmit = nil
		c.mu.Unlock()
		progressed = true
	}
}

func (c *Conn) pumpEndpointEvents() bool {
	progressed := false
	for {
		c.mu.Lock()
		if c.pendingEndpoint == nil {
			ev, ok := c.eng.PollEndpointEvents()
			if !ok {
				c.mu.Unlock()
				return progressed
			}
			c.pendingEndpoint = &ev
		}
		ev := *c.pendingEndpoint
		c.mu.Unlock()

		if err := c.ep.ReportEvent(c.driverCtx(), ev); err != nil {
			return progressed
		}
		c.mu.Lock()
		c.pendingEndpoint = nil
		c.mu.Unlock()
		progressed = true
	}
}

// pumpIngress opportunistically drains any already-buffered inbound
// ConnectionEvents without blocking, so endpoint-event back-pressure
// (pumpEndpointEvents) never stalls ingress.
func (c *Conn) pumpIngress(ingress <-chan engine.ConnectionEvent) bool {
	progressed := false
	for {
		select {
		case ev, ok := <-ingress:
			if !ok {
				return progressed
			}
			c.mu.Lock()
			c.eng.HandleEvent(ev)
			c.mu.Unlock()
			progressed = true
		default:
			return progressed
		}
	}
}

// serveConnectors hands freshly opened streams to queued OpenStream
// callers. StreamAvailable only fires when exhausted capacity comes back,
// so a requester queued while the engine still has room is served here, on
// the driver pass its kick triggered.
func (c *Conn) serveConnectors() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	progressed := false
	for len(c.connectors) > 0 && c.closeReason == nil {
		before := len(c.connectors)
		c.deliverPendingOutboundLocked()
		if len(c.connectors) == before {
			break
		}
		progressed = true
	}
	return progressed
}

func (c *Conn) drainEngineEvents() bool {
	progressed := false
	for {
		c.mu.Lock()
		ev, ok := c.eng.Poll()
		if !ok {
			c.mu.Unlock()
			return progressed
		}
		c.dispatchLocked(ev)
		c.mu.Unlock()
		progressed = true
	}
}

func (c *Conn) dispatchLocked(ev engine.Event) {
	switch ev.Kind {
	case engine.EventStreamReadable:
		wakeMapLocked(c.readers, ev.Stream)
	case engine.EventStreamWritable:
		wakeMapLocked(c.writers, ev.Stream)
	case engine.EventStreamOpened:
		if ev.Dir == engine.DirUni {
			c.protocolViolationLocked("peer opened a unidirectional stream")
			return
		}
		wakeSlotLocked(&c.acceptWaker)
	case engine.EventStreamAvailable:
		if ev.Dir == engine.DirUni {
			c.protocolViolationLocked("peer advertised a unidirectional stream slot")
			return
		}
		c.deliverPendingOutboundLocked()
	case engine.EventStreamFinished:
		if w, ok := c.writers[ev.Stream]; ok {
			delete(c.writers, ev.Stream)
			close(w)
		}
		if f, ok := c.finishers[ev.Stream]; ok {
			delete(c.finishers, ev.Stream)
			if f.done != nil {
				close(f.done)
			}
		}
		if len(c.finishers) == 0 && c.closeWaker != nil && c.closeReason == nil {
			code := CodeGraceful
			c.closeReason = &ConnectionError{Message: "connection closed locally", Locally: true, Code: &code}
			c.shutdownLocked(CodeGraceful)
		}
	case engine.EventConnected:
		wakeSlotLocked(&c.handshakeWaker)
	case engine.EventConnectionLost:
		if c.closeReason == nil {
			c.closeReason = &ConnectionError{Message: "connection lost", Reason: ev.Err, Code: ev.CloseCode}
			c.logger.VerboseMsg("connection lost: %s", ev.Err)
		}
		c.shutdownLocked(CodeGraceful)
	case engine.EventDatagramReceived:
		c.protocolViolationLocked("peer sent a QUIC datagram")
	}
}

func (c *Conn) protocolViolationLocked(msg string) {
	if c.closeReason == nil {
		c.closeReason = &ConnectionError{Message: "protocol violation: " + msg}
		c.logger.ErrorMsg("aborting connection: %s", msg)
	}
	c.shutdownLocked(CodeResetOnDrop)
}

// deliverPendingOutboundLocked opens one stream and hands it to the first
// requester still listening; requesters that have given up are skipped. If
// every requester has given up, the opened id is cached so the next
// OpenStream call picks it up for free.
func (c *Conn) deliverPendingOutboundLocked() {
	if len(c.connectors) == 0 && c.pendingStream != nil {
		return
	}
	id, ok := c.eng.Open(engine.DirBi)
	if !ok {
		return
	}
	for len(c.connectors) > 0 {
		req := c.connectors[0]
		c.connectors = c.connectors[1:]
		select {
		case req.result <- connectResult{id: id}:
			c.finishers[id] = &finisher{}
			return
		default:
		}
	}
	c.pendingStream = &id
}

// shutdownLocked wakes every parked call, truncates the connector queue,
// and — if the engine has not already closed itself — issues the real
// close. c.closeReason must already be set by the caller.
func (c *Conn) shutdownLocked(code ApplicationErrorCode) {
	for id, ch := range c.readers {
		delete(c.readers, id)
		close(ch)
	}
	for id, ch := range c.writers {
		delete(c.writers, id)
		close(ch)
	}
	wakeSlotLocked(&c.acceptWaker)
	wakeSlotLocked(&c.handshakeWaker)
	for id, f := range c.finishers {
		if f.done != nil {
			f.err = c.closeReason
			close(f.done)
		}
		delete(c.finishers, id)
	}
	wakeSlotLocked(&c.closeWaker)
	for _, req := range c.connectors {
		reason := c.closeReason
		select {
		case req.result <- connectResult{err: reason}:
		default:
		}
	}
	c.connectors = nil
	c.pendingStream = nil

	if !c.eng.IsClosed() {
		c.eng.Close(time.Now(), code, c.closeReason.Message)
		for {
			ev, ok := c.eng.Poll()
			if !ok {
				break
			}
			c.dispatchLocked(ev)
		}
	}
}

// driverCtx is cancelled once the connection has a close reason, so a slow
// SendPacket/ReportEvent call during teardown does not hang the driver
// forever. It is cheap to recompute per call since it only reads one field.
func (c *Conn) driverCtx() context.Context {
	c.mu.Lock()
	closing := c.closeReason != nil
	c.mu.Unlock()
	if closing {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}
	return context.Background()
}
