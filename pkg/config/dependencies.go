package config

import (
	"context"
	"net"
	"time"

	"github.com/quicmux/quicmux/pkg/semaphore"
)

// Dependencies contains injectable dependencies for testing and
// customization. All fields are optional and fall back to real network
// calls when nil. They cover what quicmux's transport layer actually dials
// and listens on: TCP for the demo CLI's local bridge side, raw packet
// listeners for pkg/endpoint's UDP socket.
type Dependencies struct {
	TCPDialer      TCPDialerFunc
	TCPListener    TCPListenerFunc
	PacketListener PacketListenerFunc
	ConnSem        *semaphore.ConnSemaphore
}

// TCPDialerFunc dials a TCP connection using the provided context.
type TCPDialerFunc func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error)

// TCPListenerFunc creates a TCP listener.
type TCPListenerFunc func(network string, laddr *net.TCPAddr) (net.Listener, error)

// PacketListenerFunc creates a packet listener, the seam pkg/endpoint uses
// so tests can substitute an in-memory net.PacketConn for a real UDP socket.
type PacketListenerFunc func(network, address string) (net.PacketConn, error)

// GetTCPDialerFunc returns deps.TCPDialer, or a default dialer using
// net.Dialer with a conservative timeout so dials stay cancelable.
func GetTCPDialerFunc(deps *Dependencies) TCPDialerFunc {
	if deps != nil && deps.TCPDialer != nil {
		return deps.TCPDialer
	}
	return func(ctx context.Context, network string, laddr, raddr *net.TCPAddr) (net.Conn, error) {
		d := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
		return d.DialContext(ctx, network, raddr.String())
	}
}

// GetTCPListenerFunc returns deps.TCPListener, or net.ListenTCP.
func GetTCPListenerFunc(deps *Dependencies) TCPListenerFunc {
	if deps != nil && deps.TCPListener != nil {
		return deps.TCPListener
	}
	return func(network string, laddr *net.TCPAddr) (net.Listener, error) {
		return net.ListenTCP(network, laddr)
	}
}

// GetPacketListenerFunc returns deps.PacketListener, or net.ListenPacket.
func GetPacketListenerFunc(deps *Dependencies) PacketListenerFunc {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener
	}
	return func(network, address string) (net.PacketConn, error) {
		return net.ListenPacket(network, address)
	}
}
