//go:build unix

package endpoint

import (
	"golang.org/x/sys/unix"
)

// setSockoptReuseAddr sets SO_REUSEADDR on the socket, via
// golang.org/x/sys/unix so the underlying constants stay in sync with
// whatever Go's supported platforms actually define.
func setSockoptReuseAddr(fd uintptr) error {
	return unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
}
