// Package muxer drives one QUIC connection's opaque state machine
// (pkg/engine) and exposes it as a small set of blocking, context-aware
// methods: OpenStream, AcceptStream, Stream.Read/Write/Shutdown/Destroy, and
// Conn.Close. A single goroutine per connection (the driver) pumps the
// engine's timers, transmits and events; the facade methods call the engine
// directly, but only while holding the connection's mutex, and wait on
// per-slot notification channels, so the engine is never entered by two
// goroutines at once.
package muxer
