package endpoint

import (
	"context"

	"github.com/quicmux/quicmux/pkg/engine"
)

// passthroughEndpoint implements muxer.Endpoint for connections built on
// pkg/enginequic. A real quic-go connection owns its own UDP I/O and never
// produces a Transmit, EndpointEvent, or out-of-band ConnectionEvent for
// pkg/muxer to relay (PollTransmit/PollEndpointEvents on enginequic.Conn
// always report nothing), so every method here is a no-op; it exists only
// to satisfy the interface pkg/muxer.New requires of every collaborator,
// independent of which engine.Conn backs it.
type passthroughEndpoint struct {
	events chan engine.ConnectionEvent
}

func newPassthroughEndpoint() *passthroughEndpoint {
	return &passthroughEndpoint{events: make(chan engine.ConnectionEvent)}
}

func (e *passthroughEndpoint) SendPacket(context.Context, engine.Transmit) error { return nil }

func (e *passthroughEndpoint) ReportEvent(context.Context, engine.EndpointEvent) error { return nil }

func (e *passthroughEndpoint) Accepted(context.Context) error { return nil }

func (e *passthroughEndpoint) Events() <-chan engine.ConnectionEvent { return e.events }
