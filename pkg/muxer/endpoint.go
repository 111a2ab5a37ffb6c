package muxer

import (
	"context"

	"github.com/quicmux/quicmux/pkg/engine"
)

// Endpoint is the driver's one collaborator outside the engine: the socket
// layer that actually moves datagrams and control messages. pkg/endpoint
// supplies the real implementation; tests can use a no-op stub since
// pkg/enginefake's paired connections never produce transmits or endpoint
// events of their own.
type Endpoint interface {
	// SendPacket delivers one outbound datagram. It may block on socket
	// back-pressure but must return promptly once ctx is done.
	SendPacket(ctx context.Context, t engine.Transmit) error
	// ReportEvent delivers one engine-originated control message (e.g.
	// retire a connection ID) to the endpoint.
	ReportEvent(ctx context.Context, ev engine.EndpointEvent) error
	// Accepted notifies the endpoint that a server-role handshake just
	// completed, so it can stop counting this connection against its
	// half-open budget. Client-role connections never call it.
	Accepted(ctx context.Context) error
	// Events yields ConnectionEvents addressed to this connection. The
	// endpoint closes it when it can no longer deliver anything further.
	Events() <-chan engine.ConnectionEvent
}
