package identity

import (
	"crypto/x509"
	"testing"
)

func TestGenerateIsDeterministicForSameSeed(t *testing.T) {
	t.Parallel()

	c1, err := Generate("seed-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c2, err := Generate("seed-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(c1.Certificate) == 0 || len(c2.Certificate) == 0 {
		t.Fatal("expected non-empty certificates")
	}

	// x509.CreateCertificate signs with crypto/rand.Reader regardless of
	// seed, so the signature (and thus the raw DER) varies run to run even
	// for an identical seed; what the seed pins down is the key material
	// and subject, so compare peer IDs derived from the public key instead
	// of raw certificate bytes.
	cert1, err := x509.ParseCertificate(c1.Certificate[0])
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	cert2, err := x509.ParseCertificate(c2.Certificate[0])
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}
	id1, err := CertToPeerID(cert1)
	if err != nil {
		t.Fatalf("CertToPeerID: %v", err)
	}
	id2, err := CertToPeerID(cert2)
	if err != nil {
		t.Fatalf("CertToPeerID: %v", err)
	}
	if id1 != id2 {
		t.Fatal("same seed produced different peer identities")
	}
	if cert1.Subject.CommonName != cert2.Subject.CommonName {
		t.Fatal("same seed produced different common names")
	}
}

func TestGenerateDiffersAcrossSeeds(t *testing.T) {
	t.Parallel()

	c1, err := Generate("seed-a")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	c2, err := Generate("seed-b")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if string(c1.Certificate[0]) == string(c2.Certificate[0]) {
		t.Fatal("different seeds produced identical certificates")
	}
}

func TestCertToPeerIDRoundTrip(t *testing.T) {
	t.Parallel()

	tlsCert, err := Generate("peer-seed")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	cert, err := x509.ParseCertificate(tlsCert.Certificate[0])
	if err != nil {
		t.Fatalf("x509.ParseCertificate: %v", err)
	}

	id1, err := CertToPeerID(cert)
	if err != nil {
		t.Fatalf("CertToPeerID: %v", err)
	}
	id2, err := CertToPeerID(cert)
	if err != nil {
		t.Fatalf("CertToPeerID: %v", err)
	}
	if id1 != id2 {
		t.Fatal("CertToPeerID is not a pure function of the certificate")
	}
	if id1.Validate() != nil {
		t.Fatalf("derived peer.ID failed validation: %v", id1.Validate())
	}
}
