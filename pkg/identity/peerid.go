package identity

import (
	"crypto/ecdsa"
	"crypto/x509"
	"fmt"

	ic "github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/peer"
)

// CertToPeerID derives a go-libp2p peer.ID from a completed handshake's
// leaf certificate, the same way go-libp2p-tls turns the public key behind
// a QUIC/WebRTC TLS session into a peer identity: there is no certificate
// authority, the certificate's own public key is the identity.
func CertToPeerID(cert *x509.Certificate) (peer.ID, error) {
	key, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return "", fmt.Errorf("unsupported certificate key type %T", cert.PublicKey)
	}
	pub, err := ic.ECDSAPublicKeyFromPubKey(*key)
	if err != nil {
		return "", fmt.Errorf("ECDSAPublicKeyFromPubKey: %w", err)
	}
	id, err := peer.IDFromPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("IDFromPublicKey: %w", err)
	}
	return id, nil
}

// MuxerCertToPeerID adapts CertToPeerID to the string-returning signature
// pkg/muxer.Handshake expects, keeping pkg/muxer free of a go-libp2p
// dependency.
func MuxerCertToPeerID(cert *x509.Certificate) (string, error) {
	id, err := CertToPeerID(cert)
	if err != nil {
		return "", err
	}
	return string(id), nil
}
