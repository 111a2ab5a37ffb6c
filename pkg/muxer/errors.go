package muxer

import "fmt"

// ConnectionError reports that a connection is no longer usable: the peer
// closed it, a transport error occurred, or Close was called locally. Once
// a Conn's close reason is set it never changes; every pending and future
// call on that connection fails with the same ConnectionError.
type ConnectionError struct {
	// Message is a short, human-readable summary.
	Message string
	// Reason is the opaque underlying cause reported by the engine, if
	// any (e.g. an idle timeout or a transport-level error).
	Reason error
	// Code is set when the peer (or we) closed the connection at the
	// application layer; nil for transport-level failures.
	Code *ApplicationErrorCode
	// Locally is true when Close was called on this side rather than the
	// connection failing or being closed by the peer.
	Locally bool
}

func (e *ConnectionError) Error() string {
	if e.Reason != nil {
		return fmt.Sprintf("%s: %s", e.Message, e.Reason)
	}
	return e.Message
}

func (e *ConnectionError) Unwrap() error { return e.Reason }

// isQuietClose reports the one exception to returning ConnectionError from
// a blocked read: a graceful application close with code 0 — ours or the
// peer's — reads as a plain EOF, matching a gracefully shut down net.Conn,
// instead of surfacing as a connection error to every reader still parked
// on a stream.
func isQuietClose(e *ConnectionError) bool {
	return e != nil && e.Code != nil && *e.Code == CodeGraceful
}

// BadCertificateError reports that Handshake could not derive a peer
// identity from the completed TLS session: no certificate was presented,
// it failed to parse, or the configured resolver rejected it.
type BadCertificateError struct {
	Err error
}

func (e *BadCertificateError) Error() string { return fmt.Sprintf("bad peer certificate: %s", e.Err) }
func (e *BadCertificateError) Unwrap() error  { return e.Err }
