// Package shared provides the CLI flag definitions and signal handling
// common to quicmux-forward's listen and dial commands.
package shared

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
)

const categoryCommon = "common"

// HostFlag is the name of the flag giving the local QUIC bind address
// (listen mode only; dial always binds the wildcard address).
const HostFlag = "host"

// PortFlag is the name of the flag giving the local QUIC port to bind
// (listen mode). Ignored by dial, which always binds an ephemeral port.
const PortFlag = "port"

// IdentitySeedFlag is the name of the flag fixing the local TLS identity
// (and the peer ID a remote derives from it) across restarts.
const IdentitySeedFlag = "identity-seed"

// VerboseFlag is the name of the flag enabling verbose driver logging.
const VerboseFlag = "verbose"

// HandshakeTimeoutFlag is the name of the flag, in milliseconds, bounding
// the QUIC+peer-ID handshake and, in dial mode, doubling as the TCP
// accept-semaphore wait.
const HandshakeTimeoutFlag = "handshake-timeout"

// MaxIdleTimeoutFlag is the name of the flag for the QUIC idle timeout, in
// milliseconds.
const MaxIdleTimeoutFlag = "max-idle-timeout"

// KeepAliveFlag is the name of the flag for the QUIC keep-alive interval,
// in milliseconds.
const KeepAliveFlag = "keep-alive"

// MaxConnectionsFlag is the name of the flag capping concurrent QUIC
// connections (listen mode).
const MaxConnectionsFlag = "max-connections"

// DebugFeedFlag is the name of the flag giving a local address to serve a
// structured WebSocket event feed on; empty disables it.
const DebugFeedFlag = "debug-feed"

// AcceptQueueSizeFlag is the name of the flag sizing the backlog of
// accepted-but-not-yet-drained QUIC connections (listen mode).
const AcceptQueueSizeFlag = "accept-queue-size"

// GetCommonFlags returns the flags shared by listen and dial.
func GetCommonFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     IdentitySeedFlag,
			Usage:    "Seed for a reproducible local TLS identity; empty generates a fresh one",
			Category: categoryCommon,
			Value:    "",
		},
		&cli.BoolFlag{
			Name:     VerboseFlag,
			Aliases:  []string{"v"},
			Usage:    "Verbose driver logging",
			Category: categoryCommon,
			Value:    false,
		},
		&cli.IntFlag{
			Name:     HandshakeTimeoutFlag,
			Usage:    "Timeout for the QUIC and peer-identity handshake, in milliseconds",
			Category: categoryCommon,
			Value:    10000,
		},
		&cli.IntFlag{
			Name:     MaxIdleTimeoutFlag,
			Usage:    "QUIC idle timeout, in milliseconds",
			Category: categoryCommon,
			Value:    30000,
		},
		&cli.IntFlag{
			Name:     KeepAliveFlag,
			Usage:    "QUIC keep-alive interval, in milliseconds",
			Category: categoryCommon,
			Value:    10000,
		},
		&cli.StringFlag{
			Name:     DebugFeedFlag,
			Usage:    "Serve a structured WebSocket lifecycle-event feed on this address, e.g. 127.0.0.1:9090",
			Category: categoryCommon,
			Value:    "",
		},
	}
}

// SetupSignalHandling cancels the run on the first interrupt/termination
// signal and forces an exit on a second.
func SetupSignalHandling(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 2)

	sigs := []os.Signal{os.Interrupt}
	if runtime.GOOS != "windows" {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGHUP)
		signal.Ignore(syscall.SIGPIPE)
	}
	signal.Notify(sigCh, sigs...)

	go func() {
		s := <-sigCh
		cancel()

		select {
		case <-sigCh:
			if ss, ok := s.(syscall.Signal); ok {
				os.Exit(128 + int(ss))
			}
			os.Exit(1)
		case <-time.After(5 * time.Second):
			os.Exit(0)
		}
	}()
}
