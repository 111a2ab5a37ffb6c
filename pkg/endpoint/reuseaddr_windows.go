//go:build windows

package endpoint

import "syscall"

// setSockoptReuseAddr sets SO_REUSEADDR on the socket. golang.org/x/sys/windows
// exposes socket options through a different shape than unix.SetsockoptInt, so
// this one file uses syscall directly rather than reaching for x/sys only to
// wrap it right back into the same three constants.
func setSockoptReuseAddr(fd uintptr) error {
	return syscall.SetsockoptInt(syscall.Handle(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
}
