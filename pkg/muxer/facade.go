package muxer

import (
	"context"
	"fmt"

	"github.com/quicmux/quicmux/pkg/engine"
)

// OpenStream opens a new outbound bidirectional stream. It blocks until the
// engine has room to open one, the connection fails, or ctx is done.
//
// If ctx is done while a requester is still queued, the request is removed
// before returning. If the driver had already handed it a stream in the
// meantime, that stream is torn down rather than leaked.
func (c *Conn) OpenStream(ctx context.Context) (*Stream, error) {
	c.mu.Lock()
	if c.closeReason != nil {
		reason := c.closeReason
		c.mu.Unlock()
		return nil, reason
	}
	if c.pendingStream != nil {
		id := *c.pendingStream
		c.pendingStream = nil
		c.finishers[id] = &finisher{}
		c.mu.Unlock()
		return newStream(c, id), nil
	}
	req := &connector{result: make(chan connectResult, 1)}
	c.connectors = append([]*connector{req}, c.connectors...)
	c.mu.Unlock()
	c.kickDriver()

	select {
	case res := <-req.result:
		if res.err != nil {
			return nil, res.err
		}
		return newStream(c, res.id), nil
	case <-ctx.Done():
		c.mu.Lock()
		removed := false
		for i, r := range c.connectors {
			if r == req {
				c.connectors = append(c.connectors[:i], c.connectors[i+1:]...)
				removed = true
				break
			}
		}
		c.mu.Unlock()
		if removed {
			return nil, ctx.Err()
		}
		select {
		case res := <-req.result:
			if res.err == nil {
				newStream(c, res.id).Destroy()
			}
		default:
		}
		return nil, ctx.Err()
	}
}

// AcceptStream waits for the peer to open a bidirectional stream. It blocks
// until one is available, the connection fails, or ctx is done.
func (c *Conn) AcceptStream(ctx context.Context) (*Stream, error) {
	for {
		c.mu.Lock()
		if id, ok := c.eng.Accept(engine.DirBi); ok {
			c.finishers[id] = &finisher{}
			c.mu.Unlock()
			c.kickDriver()
			return newStream(c, id), nil
		}
		if c.closeReason != nil {
			reason := c.closeReason
			c.mu.Unlock()
			return nil, reason
		}
		ch := installSlotLocked(&c.acceptWaker)
		c.mu.Unlock()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.mu.Lock()
			clearSlotLocked(&c.acceptWaker, ch)
			c.mu.Unlock()
			return nil, ctx.Err()
		}
	}
}

// Close gracefully closes the connection: every stream whose write side is
// already handed to a caller is given a chance to finish before the engine
// is actually closed. Calling Close more than once, or after the
// connection has already failed, returns nil immediately.
//
// opts is variadic so the zero-value call (the common case) reads cleanly;
// passing more than one CloseOptions is a caller error; if any of them sets
// DrainOnClose, Close returns an error without closing anything.
func (c *Conn) Close(ctx context.Context, opts ...CloseOptions) error {
	for _, o := range opts {
		if o.DrainOnClose {
			return fmt.Errorf("muxer: CloseOptions.DrainOnClose is not implemented")
		}
	}
	for {
		c.mu.Lock()
		if c.closeReason != nil || c.eng.IsClosed() {
			c.mu.Unlock()
			return nil
		}
		if len(c.finishers) == 0 {
			code := CodeGraceful
			c.closeReason = &ConnectionError{Message: "connection closed locally", Locally: true, Code: &code}
			c.shutdownLocked(CodeGraceful)
			c.mu.Unlock()
			c.kickDriver()
			return nil
		}
		ch := installSlotLocked(&c.closeWaker)
		for id, f := range c.finishers {
			if f.done != nil {
				continue
			}
			outcome := c.eng.Finish(id)
			if outcome.Unknown || outcome.Stopped != nil {
				// Already terminal; no StreamFinished will ever come, so
				// reap the entry here instead of waiting for one.
				delete(c.finishers, id)
			}
		}
		if len(c.finishers) == 0 {
			c.mu.Unlock()
			c.kickDriver()
			continue
		}
		c.mu.Unlock()
		c.kickDriver()

		select {
		case <-ch:
			// Might be a real completion, or this slot got replaced by a
			// concurrent Close call; recheck at the top rather than assume.
			continue
		case <-ctx.Done():
			c.mu.Lock()
			clearSlotLocked(&c.closeWaker, ch)
			c.mu.Unlock()
			return ctx.Err()
		}
	}
}
