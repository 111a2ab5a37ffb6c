// Package forward wires pkg/endpoint, pkg/identity, pkg/muxer,
// pkg/transport/tcp and pkg/pipeio into the two run modes of
// quicmux-forward, keeping that logic separate from CLI argument parsing.
package forward

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/quicmux/quicmux/pkg/config"
	"github.com/quicmux/quicmux/pkg/debugfeed"
	"github.com/quicmux/quicmux/pkg/endpoint"
	"github.com/quicmux/quicmux/pkg/format"
	"github.com/quicmux/quicmux/pkg/identity"
	"github.com/quicmux/quicmux/pkg/log"
	"github.com/quicmux/quicmux/pkg/muxer"
	"github.com/quicmux/quicmux/pkg/pipeio"
	"github.com/quicmux/quicmux/pkg/transport/tcp"
)

// ListenConfig configures Listen: bind a QUIC endpoint at
// Transport.Host:Port and, for every stream a peer opens, dial ForwardTo
// over TCP and bridge the two.
type ListenConfig struct {
	Transport config.Transport
	ForwardTo string
	// Feed, if non-nil, is published to for every handshake and stream
	// lifecycle transition.
	Feed *debugfeed.Feed
}

// DialConfig configures Dial: connect once to RemoteAddr and, for every
// local TCP connection accepted on ListenAddr, open a new muxer stream and
// bridge the two.
type DialConfig struct {
	Transport  config.Transport
	RemoteAddr string
	ListenAddr string
	Feed       *debugfeed.Feed
}

// Listen runs the server side of the bridge until ctx is cancelled or the
// QUIC socket fails irrecoverably.
func Listen(ctx context.Context, cfg ListenConfig) error {
	logger := cfg.Transport.Logger
	if logger == nil {
		logger = log.Default()
	}

	cert, err := identity.Generate(cfg.Transport.IdentitySeed)
	if err != nil {
		return fmt.Errorf("identity.Generate: %w", err)
	}

	addr := format.Addr(cfg.Transport.Host, cfg.Transport.Port)
	sock, err := endpoint.Listen(ctx, addr, cert, endpointConfig(cfg.Transport), logger, cfg.Transport.Deps)
	if err != nil {
		return fmt.Errorf("endpoint.Listen(%s): %w", addr, err)
	}
	defer sock.Close()
	logger.InfoMsg("listening on %s, forwarding every stream to %s\n", sock.Addr(), cfg.ForwardTo)

	for {
		mc, err := sock.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("Accept: %w", err)
		}
		go acceptPeer(ctx, mc, cfg, logger)
	}
}

func acceptPeer(ctx context.Context, mc *muxer.Conn, cfg ListenConfig, logger *log.Logger) {
	defer mc.Close(ctx)

	peerID, err := mc.Handshake(ctx, identity.MuxerCertToPeerID)
	if err != nil {
		logger.ErrorMsg("Handshake: %s\n", err)
		return
	}
	logger.InfoMsg("peer %s connected from %s\n", peerID, mc.RemoteAddr())
	publish(cfg.Feed, debugfeed.Event{Time: time.Now(), Kind: "handshake", PeerID: peerID, Detail: mc.RemoteAddr().String()})

	for {
		s, err := mc.AcceptStream(ctx)
		if err != nil {
			return
		}
		go bridgeToTCP(ctx, s, cfg.ForwardTo, peerID, cfg.Feed, logger)
	}
}

func bridgeToTCP(ctx context.Context, s *muxer.Stream, forwardTo, peerID string, feed *debugfeed.Feed, logger *log.Logger) {
	dialer, err := tcp.NewDialer(forwardTo, nil)
	if err != nil {
		logger.ErrorMsg("tcp.NewDialer(%s): %s\n", forwardTo, err)
		s.Destroy()
		return
	}
	local, err := dialer.Dial(ctx)
	if err != nil {
		logger.ErrorMsg("dial(%s): %s\n", forwardTo, err)
		s.Destroy()
		return
	}

	publish(feed, debugfeed.Event{Time: time.Now(), Kind: "stream_opened", PeerID: peerID, Stream: uint64(s.ID())})
	pipeio.Pipe(ctx, muxer.NewStreamConn(s, context.Background()), local, func(err error) {
		logger.VerboseMsg("pipe(stream, %s): %s\n", forwardTo, err)
	})
	publish(feed, debugfeed.Event{Time: time.Now(), Kind: "stream_closed", PeerID: peerID, Stream: uint64(s.ID())})
}

// Dial runs the client side of the bridge: one QUIC connection shared by
// every local TCP connection accepted on ListenAddr, each becoming its own
// stream. Runs until ctx is cancelled.
func Dial(ctx context.Context, cfg DialConfig) error {
	logger := cfg.Transport.Logger
	if logger == nil {
		logger = log.Default()
	}

	cert, err := identity.Generate(cfg.Transport.IdentitySeed)
	if err != nil {
		return fmt.Errorf("identity.Generate: %w", err)
	}

	mc, sock, err := endpoint.Dial(ctx, cfg.RemoteAddr, cert, endpointConfig(cfg.Transport), logger, cfg.Transport.Deps)
	if err != nil {
		return fmt.Errorf("endpoint.Dial(%s): %w", cfg.RemoteAddr, err)
	}
	defer sock.Close()
	defer mc.Close(ctx)

	peerID, err := mc.Handshake(ctx, identity.MuxerCertToPeerID)
	if err != nil {
		return fmt.Errorf("Handshake: %w", err)
	}
	logger.InfoMsg("connected to %s as peer %s, forwarding %s\n", cfg.RemoteAddr, peerID, cfg.ListenAddr)
	publish(cfg.Feed, debugfeed.Event{Time: time.Now(), Kind: "handshake", PeerID: peerID, Detail: cfg.RemoteAddr})

	handler := func(conn net.Conn) error {
		s, err := mc.OpenStream(ctx)
		if err != nil {
			return fmt.Errorf("OpenStream: %w", err)
		}
		publish(cfg.Feed, debugfeed.Event{Time: time.Now(), Kind: "stream_opened", PeerID: peerID, Stream: uint64(s.ID())})
		pipeio.Pipe(ctx, muxer.NewStreamConn(s, context.Background()), conn, func(err error) {
			logger.VerboseMsg("pipe(%s, stream): %s\n", cfg.ListenAddr, err)
		})
		publish(cfg.Feed, debugfeed.Event{Time: time.Now(), Kind: "stream_closed", PeerID: peerID, Stream: uint64(s.ID())})
		return nil
	}

	return tcp.ListenAndServe(ctx, cfg.ListenAddr, cfg.Transport.HandshakeTimeout, handler, logger, cfg.Transport.Deps)
}

func endpointConfig(t config.Transport) endpoint.Config {
	return endpoint.Config{
		MaxIdleTimeout:  t.MaxIdleTimeout,
		KeepAlive:       t.KeepAlive,
		MaxConnections:  t.MaxConnections,
		AcceptQueueSize: t.AcceptQueueSize,
	}
}

func publish(feed *debugfeed.Feed, ev debugfeed.Event) {
	if feed != nil {
		feed.Publish(ev)
	}
}
