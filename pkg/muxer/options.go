package muxer

import "github.com/quicmux/quicmux/pkg/engine"

// ApplicationErrorCode and the two codes quicmux assigns meaning to are
// re-exported so callers never need to import pkg/engine just to close a
// connection or compare a StoppedError's code.
type ApplicationErrorCode = engine.ApplicationErrorCode

const (
	CodeGraceful    = engine.CodeGraceful
	CodeResetOnDrop = engine.CodeResetOnDrop
)

// CloseOptions configures Conn.Close.
type CloseOptions struct {
	// DrainOnClose, when true, would let outstanding Reads finish
	// draining buffered data before a close is observed instead of
	// cancelling them immediately. Not implemented: quicmux cancels
	// immediately. The field exists so a future graceful-drain variant
	// has somewhere to go without another signature change.
	DrainOnClose bool
}
