package identity

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
)

// randReader returns a deterministic reader when seed is non-empty,
// otherwise crypto/rand.Reader. Go's ecdsa key generation reads a single
// byte off the supplied reader with 50% probability purely to make key
// generation non-deterministic (golang/go#58637), which a 1-byte Read must
// reject to keep seeded generation actually reproducible.
func randReader(seed string) io.Reader {
	if seed != "" {
		return newDRand(seed)
	}
	return rand.Reader
}

func randomString(length int, r io.Reader) (string, error) {
	b := make([]byte, length)
	if _, err := r.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length], nil
}

type dRand struct {
	next []byte
}

func newDRand(seed string) io.Reader {
	return &dRand{next: []byte(seed)}
}

func (d *dRand) cycle() []byte {
	result := sha512.Sum512(d.next)
	d.next = result[:sha512.Size/2]
	return result[sha512.Size/2:]
}

func (d *dRand) Read(b []byte) (int, error) {
	if len(b) == 1 {
		return 0, fmt.Errorf("refusing a 1-byte read: this is Go's non-determinism probe, not real key material")
	}
	n := 0
	for n < len(b) {
		out := d.cycle()
		n += copy(b[n:], out)
	}
	return n, nil
}
