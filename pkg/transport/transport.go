// Package transport holds the contract shared by the TCP side of the
// bridge: how an accepted connection is handed off to whoever bridges it.
package transport

import "net"

// Handler is a function that handles an incoming connection.
type Handler func(net.Conn) error
