// Package config defines the configuration structures and validation logic
// for quicmux: the transport knobs pkg/endpoint and pkg/enginequic need
// (TLS identity seed, handshake/idle timeouts, keep-alive interval,
// accept-queue depth), with a Dependencies-injection seam so tests can
// override socket/dial behavior without touching the real network.
package config

import (
	"fmt"
	"time"

	"github.com/quicmux/quicmux/pkg/log"
)

// Transport holds the settings pkg/endpoint.Config and pkg/identity.Generate
// are built from. Zero values fall back to conservative defaults (30s idle
// timeout, 100 connections).
type Transport struct {
	Host string
	Port int

	// IdentitySeed makes the local TLS certificate (and thus the peer.ID a
	// remote derives from it) reproducible; empty means a fresh random key.
	IdentitySeed string

	HandshakeTimeout time.Duration
	MaxIdleTimeout   time.Duration
	KeepAlive        time.Duration
	MaxConnections   int
	AcceptQueueSize  int

	Verbose bool
	Logger  *log.Logger
	Deps    *Dependencies
}

// Validate checks the Transport configuration for errors, accumulating
// every problem instead of stopping at the first.
func (c *Transport) Validate() []error {
	var errs []error

	if err := validatePort(c.Port); err != nil {
		errs = append(errs, fmt.Errorf("'--port': %s", err))
	}
	if c.MaxIdleTimeout < 0 {
		errs = append(errs, fmt.Errorf("'--max-idle-timeout' must not be negative"))
	}
	if c.KeepAlive < 0 {
		errs = append(errs, fmt.Errorf("'--keep-alive' must not be negative"))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("'--max-connections' must not be negative"))
	}

	return errs
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("port %d out of range [0, 65535]", port)
	}
	return nil
}
