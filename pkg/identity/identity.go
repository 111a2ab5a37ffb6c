// Package identity supplies the two things pkg/muxer's Handshake step needs
// from outside the core: a TLS certificate for the local end of the QUIC
// handshake, and a way to turn the peer's completed certificate into a
// stable identity. Certificates are self-signed ECDSA P-256, optionally
// deterministic from a seed; the identity half follows go-libp2p's model of
// turning a certificate's public key into a peer.ID.
package identity

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	mrand "math/rand"
	"time"
)

// Generate creates a self-signed leaf certificate to present during the
// QUIC TLS handshake. If seed is empty, a fresh random key is used; a
// non-empty seed makes the certificate (and thus the peer.ID a remote
// derives from it) reproducible across runs.
func Generate(seed string) (tls.Certificate, error) {
	var out tls.Certificate

	key, err := ecdsa.GenerateKey(elliptic.P256(), randReader(seed))
	if err != nil {
		return out, fmt.Errorf("ecdsa.GenerateKey: %w", err)
	}

	cn, err := randomString(8, randReader(seed))
	if err != nil {
		return out, fmt.Errorf("random common name: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(mrand.Int63()),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Date(1970, 0, 0, 0, 0, 0, 0, time.UTC),
		NotAfter:     time.Date(2063, 4, 5, 11, 0, 0, 0, time.UTC),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		IsCA:         true,
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return out, fmt.Errorf("x509.CreateCertificate: %w", err)
	}

	return tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  key,
	}, nil
}
