// Package tcp provides the TCP half of quicmux-forward's bridge: dialing or
// listening on a local TCP address and handing off each connection to be
// piped to a muxer stream.
package tcp

import (
	"context"
	"fmt"
	"net"

	"github.com/quicmux/quicmux/pkg/config"
)

// Dialer dials the same TCP address repeatedly, e.g. once per accepted
// muxer stream in quicmux-forward's listen mode.
type Dialer struct {
	tcpAddr  *net.TCPAddr
	dialerFn config.TCPDialerFunc
}

// NewDialer creates a new TCP dialer for the specified address.
// The deps parameter is optional and can be nil to use default implementations.
func NewDialer(addr string, deps *config.Dependencies) (*Dialer, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	return &Dialer{
		tcpAddr:  tcpAddr,
		dialerFn: config.GetTCPDialerFunc(deps),
	}, nil
}

// Dial establishes a TCP connection to the configured address.
func (d *Dialer) Dial(ctx context.Context) (net.Conn, error) {
	conn, err := d.dialerFn(ctx, "tcp", nil, d.tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial(tcp, %s): %w", d.tcpAddr.String(), err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetKeepAlive(true)
	}
	return conn, nil
}
