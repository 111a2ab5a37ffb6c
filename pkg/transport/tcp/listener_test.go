package tcp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quicmux/quicmux/pkg/log"
)

// listenOnFreePort picks an ephemeral port up front so ListenAndServe (which
// takes an address string, not a pre-bound listener) has somewhere fixed to
// bind while the test dials it back.
func listenOnFreePort(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func waitForListener(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("listener at %s never came up", addr)
}

func TestListenAndServe_Basic(t *testing.T) {
	tests := []struct {
		name    string
		addr    string
		wantErr bool
	}{
		{name: "valid address with port 0", addr: "127.0.0.1:0", wantErr: false},
		{name: "wildcard address", addr: ":0", wantErr: false},
		{name: "invalid address", addr: "invalid:abc", wantErr: true},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			handler := func(conn net.Conn) error {
				conn.Close()
				return nil
			}

			errCh := make(chan error, 1)
			go func() {
				errCh <- ListenAndServe(ctx, tc.addr, 10*time.Second, handler, log.NewLogger(false), nil)
			}()

			time.Sleep(50 * time.Millisecond)
			cancel()

			select {
			case err := <-errCh:
				if (err != nil) != tc.wantErr {
					t.Errorf("ListenAndServe(%q) error = %v, wantErr %v", tc.addr, err, tc.wantErr)
				}
			case <-time.After(time.Second):
				if !tc.wantErr {
					t.Error("ListenAndServe did not exit after context cancellation")
				}
			}
		})
	}
}

func TestListenAndServe_HandlerCalled(t *testing.T) {
	addr := listenOnFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlerCalled := make(chan bool, 1)
	handler := func(conn net.Conn) error {
		defer conn.Close()
		handlerCalled <- true
		return nil
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- ListenAndServe(ctx, addr, 10*time.Second, handler, log.NewLogger(false), nil)
	}()
	waitForListener(t, addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect to listener: %v", err)
	}
	conn.Close()

	select {
	case <-handlerCalled:
	case <-time.After(time.Second):
		t.Error("Handler was not called")
	}

	cancel()
	<-serveDone
}

func TestListenAndServe_ConcurrentConnections(t *testing.T) {
	addr := listenOnFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var handlerCount int
	var mu sync.Mutex
	handlerCh := make(chan bool, 10)
	handlerStarted := make(chan bool, 10)

	handler := func(conn net.Conn) error {
		defer conn.Close()
		mu.Lock()
		handlerCount++
		mu.Unlock()
		handlerStarted <- true
		<-handlerCh
		return nil
	}

	go func() {
		ListenAndServe(ctx, addr, 10*time.Second, handler, log.NewLogger(false), nil)
	}()
	waitForListener(t, addr)

	// waitForListener's probe connection is handled too; wait for its
	// handler so it is not counted among the connections below.
	select {
	case <-handlerStarted:
	case <-time.After(500 * time.Millisecond):
		t.Fatal("probe handler did not start")
	}
	mu.Lock()
	probes := handlerCount
	mu.Unlock()

	const numConns = 5
	conns := make([]net.Conn, numConns)
	for i := 0; i < numConns; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("Failed to connect %d: %v", i, err)
		}
		conns[i] = conn
		defer conn.Close()

		select {
		case <-handlerStarted:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("Handler %d did not start", i)
		}
	}

	mu.Lock()
	count := handlerCount - probes
	mu.Unlock()
	if count != numConns {
		t.Errorf("Expected %d concurrent handlers, got %d", numConns, count)
	}

	for i := 0; i < numConns+probes; i++ {
		handlerCh <- true
	}

	cancel()
	time.Sleep(100 * time.Millisecond)
}

func TestListenAndServe_HandlerError(t *testing.T) {
	addr := listenOnFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handlerCalled := make(chan bool, 1)
	handler := func(conn net.Conn) error {
		conn.Close()
		handlerCalled <- true
		return fmt.Errorf("test error")
	}

	go func() {
		ListenAndServe(ctx, addr, 10*time.Second, handler, log.NewLogger(false), nil)
	}()
	waitForListener(t, addr)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	conn.Close()

	<-handlerCalled

	conn2, err := net.Dial("tcp", addr)
	if err != nil {
		t.Error("Listener stopped accepting after handler error")
	}
	if conn2 != nil {
		conn2.Close()
	}

	cancel()
	time.Sleep(100 * time.Millisecond)
}

func TestListenAndServe_ContextCancellation(t *testing.T) {
	addr := listenOnFreePort(t)
	ctx, cancel := context.WithCancel(context.Background())

	handler := func(conn net.Conn) error {
		conn.Close()
		return nil
	}

	serveDone := make(chan error, 1)
	go func() {
		serveDone <- ListenAndServe(ctx, addr, 10*time.Second, handler, log.NewLogger(false), nil)
	}()
	waitForListener(t, addr)

	cancel()

	select {
	case err := <-serveDone:
		if err != nil {
			t.Errorf("Expected nil error after cancellation, got: %v", err)
		}
	case <-time.After(time.Second):
		t.Error("ListenAndServe did not return after context cancellation")
	}

	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err == nil && conn != nil {
		conn.Close()
		t.Error("Expected connection to fail after cancellation")
	}
}
