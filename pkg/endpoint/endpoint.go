// Package endpoint is the concrete collaborator pkg/muxer's Conn needs but
// never imports directly: one UDP socket, multiplexed by quic-go into many
// QUIC connections, each wrapped by pkg/enginequic into an engine.Conn and
// handed to muxer.New.
package endpoint

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"syscall"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/sync/errgroup"

	"github.com/quicmux/quicmux/pkg/config"
	"github.com/quicmux/quicmux/pkg/enginequic"
	"github.com/quicmux/quicmux/pkg/log"
	"github.com/quicmux/quicmux/pkg/muxer"
	"github.com/quicmux/quicmux/pkg/semaphore"
)

// Config carries the transport knobs pkg/config.Transport exposes to this
// package: idle/keep-alive timers, the connection cap, and the
// accept-queue depth.
type Config struct {
	MaxIdleTimeout  time.Duration
	KeepAlive       time.Duration
	MaxConnections  int
	AcceptQueueSize int
}

func (c Config) quicConfig() *quic.Config {
	maxIdle := c.MaxIdleTimeout
	if maxIdle <= 0 {
		maxIdle = 30 * time.Second
	}
	keepAlive := c.KeepAlive
	if keepAlive <= 0 {
		keepAlive = maxIdle / 3
	}
	return &quic.Config{
		MaxIdleTimeout:  maxIdle,
		KeepAlivePeriod: keepAlive,
	}
}

func (c Config) maxConnections() int {
	if c.MaxConnections <= 0 {
		return 100
	}
	return c.MaxConnections
}

func (c Config) acceptQueueSize() int {
	if c.AcceptQueueSize <= 0 {
		return 16
	}
	return c.AcceptQueueSize
}

// Socket owns one UDP transport. A Socket created via Listen accepts
// incoming connections in the background; one created via Dial has no
// accept loop and exists only to carry the outbound connection's
// quic.Transport so Close tears the UDP socket down too.
type Socket struct {
	packetConn net.PacketConn
	transport  *quic.Transport
	listener   *quic.Listener

	logger *log.Logger
	accept chan acceptResult

	group  *errgroup.Group
	cancel context.CancelFunc
}

type acceptResult struct {
	conn *muxer.Conn
	err  error
}

// Listen binds addr (with SO_REUSEADDR unless deps overrides the packet
// listener), starts a QUIC listener over it, and begins accepting
// connections in the background. Accept drains them. deps may be nil to use
// the real network and a freshly built connection semaphore.
func Listen(ctx context.Context, addr string, cert tls.Certificate, cfg Config, logger *log.Logger, deps *config.Dependencies) (*Socket, error) {
	if logger == nil {
		logger = log.Default()
	}

	pc, err := openPacketConn(ctx, addr, deps)
	if err != nil {
		return nil, fmt.Errorf("openPacketConn(%s): %w", addr, err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"quicmux"},
		// Both ends present self-signed, CA-less certificates: identity is
		// derived from the certificate's public key after the handshake
		// (pkg/identity.CertToPeerID), not from chain validation, so a
		// client certificate is required but never checked here.
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
	}

	tr := &quic.Transport{Conn: pc}
	ql, err := tr.Listen(tlsConf, cfg.quicConfig())
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("quic.Transport.Listen: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s := &Socket{
		packetConn: pc,
		transport:  tr,
		listener:   ql,
		logger:     logger,
		accept:     make(chan acceptResult, cfg.acceptQueueSize()),
		cancel:     cancel,
	}

	g, gctx := errgroup.WithContext(runCtx)
	s.group = g
	sem := connSemaphore(deps, cfg.maxConnections())
	g.Go(func() error {
		return s.acceptLoop(gctx, sem)
	})

	return s, nil
}

func (s *Socket) acceptLoop(ctx context.Context, sem *semaphore.ConnSemaphore) error {
	for {
		qc, err := s.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("quic.Listener.Accept: %w", err)
		}

		if err := sem.Acquire(ctx); err != nil {
			_ = qc.CloseWithError(0, "server busy")
			continue
		}

		go func() {
			defer sem.Release()
			s.logger.VerboseMsg("accepted QUIC connection from %s", qc.RemoteAddr())
			eng := enginequic.New(qc)
			mc := muxer.New(eng, newPassthroughEndpoint(), muxer.RoleServer, s.logger)
			select {
			case s.accept <- acceptResult{conn: mc}:
			case <-ctx.Done():
			}
		}()
	}
}

// Accept returns the next inbound connection from a Socket created with
// Listen. Callers must call Handshake on the returned Conn themselves;
// Accept only hands back a driver that has been constructed, not one that
// has necessarily finished its TLS handshake.
func (s *Socket) Accept(ctx context.Context) (*muxer.Conn, error) {
	select {
	case r := <-s.accept:
		return r.conn, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dial establishes one outbound QUIC connection and wraps it as a
// muxer.Conn in the client role. The local UDP socket is owned by the
// returned Socket and is torn down when Close is called. deps may be nil.
func Dial(ctx context.Context, addr string, cert tls.Certificate, cfg Config, logger *log.Logger, deps *config.Dependencies) (*muxer.Conn, *Socket, error) {
	if logger == nil {
		logger = log.Default()
	}

	remoteAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("net.ResolveUDPAddr(udp, %s): %w", addr, err)
	}

	pc, err := config.GetPacketListenerFunc(deps)("udp", ":0")
	if err != nil {
		return nil, nil, fmt.Errorf("listen local udp socket: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates:       []tls.Certificate{cert},
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{"quicmux"},
		InsecureSkipVerify: true, // identity is verified after the handshake via CertToPeerID, not the TLS stack
	}

	tr := &quic.Transport{Conn: pc}
	qc, err := tr.Dial(ctx, remoteAddr, tlsConf, cfg.quicConfig())
	if err != nil {
		pc.Close()
		return nil, nil, fmt.Errorf("quic.Transport.Dial(%s): %w", addr, err)
	}

	s := &Socket{packetConn: pc, transport: tr, logger: logger}

	eng := enginequic.New(qc)
	mc := muxer.New(eng, newPassthroughEndpoint(), muxer.RoleClient, logger)
	return mc, s, nil
}

// Addr returns the local UDP address this socket is bound to.
func (s *Socket) Addr() net.Addr {
	return s.packetConn.LocalAddr()
}

// Close shuts the socket down: the listener (if any), then the underlying
// UDP connection. Established muxer.Conns are unaffected until their own
// Close is called or the connection is lost.
func (s *Socket) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.group != nil {
		_ = s.group.Wait()
	}
	return s.packetConn.Close()
}

// openPacketConn honors deps.PacketListener when the caller supplied one
// (e.g. an in-memory net.PacketConn for tests); otherwise it binds addr
// with SO_REUSEADDR so a restarted listener can rebind immediately.
func openPacketConn(ctx context.Context, addr string, deps *config.Dependencies) (net.PacketConn, error) {
	if deps != nil && deps.PacketListener != nil {
		return deps.PacketListener("udp", addr)
	}

	lc := &net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = setSockoptReuseAddr(fd)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	return lc.ListenPacket(ctx, "udp", addr)
}

// connSemaphore honors deps.ConnSem when the caller supplied a shared
// semaphore (e.g. to cap connections across several endpoint.Sockets);
// otherwise it builds a fresh one sized to cfg's connection limit.
func connSemaphore(deps *config.Dependencies, n int) *semaphore.ConnSemaphore {
	if deps != nil && deps.ConnSem != nil {
		return deps.ConnSem
	}
	return semaphore.New(n, 30*time.Second)
}
