package muxer

import (
	"context"
	"crypto/x509"
	"fmt"
)

// CertToPeerID derives a stable peer identity from a verified leaf
// certificate. pkg/identity supplies the go-libp2p-backed implementation;
// it is injected here so pkg/muxer never depends on a specific identity
// scheme.
type CertToPeerID func(*x509.Certificate) (string, error)

// Handshake waits for the QUIC handshake to complete and then derives the
// peer's identity from its certificate. It is the only place BadCertificate
// is produced. Calling it more than once, or after the connection has
// already failed, is safe: it returns the same outcome every time.
func (c *Conn) Handshake(ctx context.Context, resolve CertToPeerID) (string, error) {
	for {
		c.mu.Lock()
		handshaking := c.eng.IsHandshaking()
		reason := c.closeReason
		c.mu.Unlock()

		if !handshaking {
			break
		}
		if reason != nil {
			return "", reason
		}

		ch := func() chan struct{} {
			c.mu.Lock()
			defer c.mu.Unlock()
			return installSlotLocked(&c.handshakeWaker)
		}()

		select {
		case <-ch:
			continue
		case <-ctx.Done():
			c.mu.Lock()
			clearSlotLocked(&c.handshakeWaker, ch)
			c.mu.Unlock()
			return "", ctx.Err()
		}
	}

	if c.role == RoleServer {
		if err := c.ep.Accepted(ctx); err != nil {
			return "", fmt.Errorf("report connection accepted: %w", err)
		}
	}

	c.mu.Lock()
	certBytes, ok := c.eng.CryptoSession().PeerCertificate()
	c.mu.Unlock()
	if !ok {
		return "", &BadCertificateError{Err: fmt.Errorf("handshake completed without a peer certificate")}
	}

	cert, err := x509.ParseCertificate(certBytes)
	if err != nil {
		return "", &BadCertificateError{Err: fmt.Errorf("parse peer certificate: %w", err)}
	}

	id, err := resolve(cert)
	if err != nil {
		return "", &BadCertificateError{Err: err}
	}
	return id, nil
}
