package tcp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quicmux/quicmux/pkg/config"
	"github.com/quicmux/quicmux/pkg/log"
	"github.com/quicmux/quicmux/pkg/semaphore"
	"github.com/quicmux/quicmux/pkg/transport"
)

// maxConns bounds how many bridged TCP connections ListenAndServe handles
// at once; additional accepts wait up to timeout for a slot before being
// rejected.
const maxConns = 100

// ListenAndServe creates a TCP listener and serves connections until context is cancelled.
// Up to maxConns concurrent connections are allowed; a connection beyond that
// waits up to timeout for a slot to free up before being rejected.
// The function blocks until the context is cancelled or an error occurs.
// All cleanup and resource management is handled internally.
//
// The handler function is called for each accepted connection in a separate goroutine.
// The connection is automatically closed when the handler returns.
func ListenAndServe(ctx context.Context, addr string, timeout time.Duration, handler transport.Handler, logger *log.Logger, deps *config.Dependencies) error {
	// Create listener
	listener, err := createListener(addr, deps)
	if err != nil {
		return err
	}
	defer listener.Close()

	sem := connSemaphore(deps, timeout)

	// Serve connections with context handling
	return serveConnections(ctx, listener, handler, logger, sem)
}

// connSemaphore honors deps.ConnSem when the caller supplied a shared
// semaphore; otherwise it builds one capped at maxConns, using timeout as
// the per-Accept wait for a free slot (5s if timeout is non-positive).
func connSemaphore(deps *config.Dependencies, timeout time.Duration) *semaphore.ConnSemaphore {
	if deps != nil && deps.ConnSem != nil {
		return deps.ConnSem
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return semaphore.New(maxConns, timeout)
}

// createListener creates a TCP listener on the specified address.
func createListener(addr string, deps *config.Dependencies) (net.Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}

	listenerFn := config.GetTCPListenerFunc(deps)

	nl, err := listenerFn("tcp", tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen(tcp, %s): %w", addr, err)
	}

	return nl, nil
}

// serveConnections accepts and handles connections until context is cancelled.
func serveConnections(ctx context.Context, listener net.Listener, handler transport.Handler, logger *log.Logger, sem *semaphore.ConnSemaphore) error {
	// Channel for accept loop errors
	errCh := make(chan error, 1)

	// Run accept loop in goroutine
	go func() {
		errCh <- acceptLoop(ctx, listener, handler, logger, sem)
	}()

	// Wait for either context cancellation or accept loop error
	select {
	case <-ctx.Done():
		// Context cancelled - close listener and wait for accept loop to exit
		_ = listener.Close()
		err := <-errCh
		// Treat closure due to context cancellation as graceful
		if err == nil || isListenerClosed(err) {
			return nil
		}
		return fmt.Errorf("serving after cancellation: %w", err)

	case err := <-errCh:
		// Accept loop exited on its own
		if err == nil || isListenerClosed(err) {
			return nil
		}
		return fmt.Errorf("serving: %w", err)
	}
}

// acceptLoop accepts connections and spawns handlers.
func acceptLoop(ctx context.Context, listener net.Listener, handler transport.Handler, logger *log.Logger, sem *semaphore.ConnSemaphore) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			// Treat listener closed as clean shutdown
			if isListenerClosed(err) {
				return nil
			}
			// Retry on timeouts with a short backoff
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				time.Sleep(100 * time.Millisecond)
				continue
			}
			return fmt.Errorf("Accept(): %w", err)
		}

		if err := sem.Acquire(ctx); err != nil {
			// No slot freed up in time, or the server is shutting down.
			_ = conn.Close()
			continue
		}
		go handleConnection(conn, handler, logger, sem)
	}
}

// handleConnection processes a single connection.
func handleConnection(conn net.Conn, handler transport.Handler, logger *log.Logger, sem *semaphore.ConnSemaphore) {
	// Always release slot and close connection
	defer func() {
		_ = conn.Close()
		sem.Release()
	}()

	// Prevent panic from leaking the slot
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorMsg("Handler panic: %v\n", r)
		}
	}()

	if err := handler(conn); err != nil {
		logger.ErrorMsg("Handling connection: %s\n", err)
	}
}

// isListenerClosed checks if an error indicates a closed listener.
func isListenerClosed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, net.ErrClosed) ||
		strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "listener closed")
}
