package muxer_test

import (
	"context"
	"crypto/x509"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quicmux/quicmux/pkg/engine"
	"github.com/quicmux/quicmux/pkg/enginefake"
	"github.com/quicmux/quicmux/pkg/muxer"
)

// nullEndpoint is a no-op muxer.Endpoint: enginefake's paired connections
// exchange state directly and never produce transmits, endpoint events, or
// inbound ConnectionEvents, so nothing needs to flow through it.
type nullEndpoint struct {
	events chan engine.ConnectionEvent
}

func newNullEndpoint() *nullEndpoint {
	return &nullEndpoint{events: make(chan engine.ConnectionEvent)}
}

func (e *nullEndpoint) SendPacket(context.Context, engine.Transmit) error   { return nil }
func (e *nullEndpoint) ReportEvent(context.Context, engine.EndpointEvent) error { return nil }
func (e *nullEndpoint) Accepted(context.Context) error                     { return nil }
func (e *nullEndpoint) Events() <-chan engine.ConnectionEvent               { return e.events }

func newPair(t *testing.T) (client, server *muxer.Conn, clientEng, serverEng *enginefake.Conn) {
	t.Helper()
	clientEng, serverEng = enginefake.NewPair([]byte("client-cert"), []byte("server-cert"))
	clientEng.CompleteHandshake()
	client = muxer.New(clientEng, newNullEndpoint(), muxer.RoleClient, nil)
	server = muxer.New(serverEng, newNullEndpoint(), muxer.RoleServer, nil)
	t.Cleanup(func() {
		bg := context.Background()
		_ = client.Close(bg)
		_ = server.Close(bg)
	})
	return client, server, clientEng, serverEng
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestOpenAcceptReadWriteRoundTrip(t *testing.T) {
	client, server, _, _ := newPair(t)

	var accepted *muxer.Stream
	done := make(chan error, 1)
	go func() {
		s, err := server.AcceptStream(ctx(t))
		accepted = s
		done <- err
	}()

	opened, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	if _, err := opened.Write(ctx(t), []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	n, err := readFull(t, accepted, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "hello" {
		t.Fatalf("got %q, want %q", buf[:n], "hello")
	}

	if err := opened.Shutdown(ctx(t)); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	n, err = accepted.Read(ctx(t), buf)
	if err != nil || n != 0 {
		t.Fatalf("Read after peer FIN: n=%d err=%v, want (0, nil)", n, err)
	}

	if st := client.ConnectionState(); !st.HandshakeComplete || st.Closed {
		t.Fatalf("ConnectionState = %+v, want handshake complete and not closed", st)
	}
	if err := client.Close(ctx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if st := client.ConnectionState(); !st.Closed {
		t.Fatalf("ConnectionState after Close = %+v, want closed", st)
	}
}

func readFull(t *testing.T, s *muxer.Stream, buf []byte) (int, error) {
	t.Helper()
	total := 0
	for total < len(buf) {
		n, err := s.Read(ctx(t), buf[total:])
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}

func TestConcurrentWriteReplacesParkedWaker(t *testing.T) {
	client, server, clientEng, _ := newPair(t)

	serverDone := make(chan error, 1)
	go func() {
		_, err := server.AcceptStream(ctx(t))
		serverDone <- err
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	clientEng.SetWriteQuota(s.ID(), 0)

	first := make(chan error, 1)
	go func() {
		_, err := s.Write(context.Background(), []byte("x"))
		first <- err
	}()
	time.Sleep(20 * time.Millisecond) // let the first Write install its waker

	var wg sync.WaitGroup
	wg.Add(1)
	second := make(chan error, 1)
	go func() {
		defer wg.Done()
		_, err := s.Write(ctx(t), []byte("y"))
		second <- err
	}()

	clientEng.GrantWriteQuota(s.ID(), 16)
	wg.Wait()

	if err := <-second; err != nil {
		t.Fatalf("second Write: %v", err)
	}
	select {
	case err := <-first:
		if err != nil {
			t.Fatalf("first Write: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first Write never woke after waker replacement")
	}
}

func TestPeerResetTerminatesRead(t *testing.T) {
	client, server, clientEng, _ := newPair(t)

	serverDone := make(chan error, 1)
	go func() {
		_, err := server.AcceptStream(ctx(t))
		serverDone <- err
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if err := <-serverDone; err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	clientEng.SimulatePeerReset(s.ID(), 7)

	readErr := make(chan error, 1)
	go func() {
		_, err := s.Read(ctx(t), make([]byte, 1))
		readErr <- err
	}()

	select {
	case err := <-readErr:
		var resetErr *engine.ResetError
		if !errors.As(err, &resetErr) {
			t.Fatalf("Read error = %v, want *engine.ResetError", err)
		}
		if resetErr.Code != 7 {
			t.Fatalf("reset code = %d, want 7", resetErr.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read never observed the reset")
	}

	_, err = s.Read(ctx(t), make([]byte, 1))
	var expired *engine.ExpiredStreamError
	if !errors.As(err, &expired) {
		t.Fatalf("Read after reset = %v, want *engine.ExpiredStreamError", err)
	}
}

func TestCloseWaitsForOutstandingFinishers(t *testing.T) {
	client, server, clientEng, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	<-serverDone

	// Withhold the FIN acknowledgement so the stream stays mid-finish and
	// Close has something to wait for.
	clientEng.SetManualFinishAck(true)

	closeDone := make(chan error, 1)
	go func() { closeDone <- client.Close(ctx(t)) }()

	select {
	case err := <-closeDone:
		t.Fatalf("Close returned early (err=%v) before the outstanding stream finished", err)
	case <-time.After(50 * time.Millisecond):
	}

	shutDone := make(chan error, 1)
	go func() { shutDone <- s.Shutdown(ctx(t)) }()
	time.Sleep(20 * time.Millisecond) // let Shutdown register its completion signal

	clientEng.AckFinish(s.ID())

	select {
	case err := <-shutDone:
		if err != nil {
			t.Fatalf("Shutdown: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown never completed after the FIN was acknowledged")
	}

	select {
	case err := <-closeDone:
		if err != nil {
			t.Fatalf("Close: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Close never completed after the last stream finished")
	}

	if err := client.Close(ctx(t)); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestCloseTurnsBlockedReadIntoQuietEOF(t *testing.T) {
	client, server, _, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	accepted := <-serverDone

	readErr := make(chan error, 1)
	readN := make(chan int, 1)
	go func() {
		n, err := s.Read(context.Background(), make([]byte, 1))
		readN <- n
		readErr <- err
	}()
	peerReadErr := make(chan error, 1)
	peerReadN := make(chan int, 1)
	go func() {
		n, err := accepted.Read(context.Background(), make([]byte, 1))
		peerReadN <- n
		peerReadErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let both Reads install their wakers

	if err := client.Close(ctx(t)); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case err := <-readErr:
		if n := <-readN; err != nil || n != 0 {
			t.Fatalf("Read after local graceful close = (%d, %v), want (0, nil)", n, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read never woke after Close")
	}

	// Close finishes every live stream before closing the connection, so
	// the peer's parked read ends on that FIN as a plain EOF, not a
	// connection error.
	select {
	case err := <-peerReadErr:
		if n := <-peerReadN; err != nil || n != 0 {
			t.Fatalf("peer Read after remote graceful close = (%d, %v), want (0, nil)", n, err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("peer Read never woke after the remote Close")
	}
}

func TestCloseRejectsUnimplementedDrainOnClose(t *testing.T) {
	client, _, _, _ := newPair(t)

	err := client.Close(ctx(t), muxer.CloseOptions{DrainOnClose: true})
	if err == nil {
		t.Fatal("Close with DrainOnClose: expected an error, got nil")
	}
}

func TestStreamConnBridgesReadWrite(t *testing.T) {
	client, server, _, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	opened, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	accepted := <-serverDone

	clientConn := muxer.NewStreamConn(opened, ctx(t))
	serverConn := muxer.NewStreamConn(accepted, ctx(t))

	if _, err := clientConn.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 4)
	n, err := readFull(t, accepted, buf)
	if err != nil || string(buf[:n]) != "ping" {
		t.Fatalf("Read = (%d, %v), want (4, nil) with %q", n, err, "ping")
	}

	if err := clientConn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if serverConn.RemoteAddr() == nil {
		t.Fatal("RemoteAddr: got nil")
	}
}

func TestDroppedOpenCachesPendingStream(t *testing.T) {
	client, _, clientEng, _ := newPair(t)
	clientEng.SetOpenQuota(0)

	cancelCtx, cancel := context.WithCancel(context.Background())
	openErr := make(chan error, 1)
	go func() {
		_, err := client.OpenStream(cancelCtx)
		openErr <- err
	}()
	time.Sleep(20 * time.Millisecond) // let it queue as a connector
	cancel()
	if err := <-openErr; err == nil {
		t.Fatal("OpenStream: expected cancellation error")
	}

	clientEng.GrantOpenQuota(1)
	time.Sleep(20 * time.Millisecond) // let the driver open and cache it

	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream from cache: %v", err)
	}
	if s == nil {
		t.Fatal("expected a cached stream, got nil")
	}
}

func TestConnectionLostFailsPendingCalls(t *testing.T) {
	client, _, clientEng, _ := newPair(t)

	acceptErr := make(chan error, 1)
	go func() {
		_, err := client.AcceptStream(context.Background())
		acceptErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	clientEng.SimulateConnectionLost(errors.New("idle timeout"))

	select {
	case err := <-acceptErr:
		var connErr *muxer.ConnectionError
		if !errors.As(err, &connErr) {
			t.Fatalf("AcceptStream error = %v, want *muxer.ConnectionError", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptStream never observed connection loss")
	}

	if _, err := client.OpenStream(ctx(t)); err == nil {
		t.Fatal("OpenStream after connection loss: expected error")
	}
}

func TestUnidirectionalStreamOpenIsProtocolViolation(t *testing.T) {
	client, _, clientEng, _ := newPair(t)

	acceptErr := make(chan error, 1)
	go func() {
		_, err := client.AcceptStream(context.Background())
		acceptErr <- err
	}()
	time.Sleep(20 * time.Millisecond)

	clientEng.SimulatePeerOpenedUnidirectional()

	select {
	case err := <-acceptErr:
		if err == nil {
			t.Fatal("AcceptStream: expected an error after a Uni-stream protocol violation")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("AcceptStream never observed the protocol violation")
	}
}

func TestZeroByteWriteReturnsImmediately(t *testing.T) {
	client, server, clientEng, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	<-serverDone

	clientEng.SetWriteQuota(s.ID(), 0) // even with no quota, an empty write never suspends
	n, err := s.Write(ctx(t), nil)
	if n != 0 || err != nil {
		t.Fatalf("zero-byte Write = (%d, %v), want (0, nil)", n, err)
	}
}

func TestShutdownAfterPeerStopReturnsStopped(t *testing.T) {
	client, server, _, serverEng := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	<-serverDone

	serverEng.StopSending(s.ID(), 9)

	err = s.Shutdown(ctx(t))
	var stopped *engine.StoppedError
	if !errors.As(err, &stopped) {
		t.Fatalf("Shutdown after peer stop = %v, want *engine.StoppedError", err)
	}
	if stopped.Code != 9 {
		t.Fatalf("stop code = %d, want 9", stopped.Code)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	client, server, _, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	<-serverDone

	s.Destroy()
	s.Destroy() // second call is a no-op

	var expired *engine.ExpiredStreamError
	if _, err := s.Read(ctx(t), make([]byte, 1)); !errors.As(err, &expired) {
		t.Fatalf("Read after Destroy = %v, want *engine.ExpiredStreamError", err)
	}
	if _, err := s.Write(ctx(t), []byte("x")); !errors.As(err, &expired) {
		t.Fatalf("Write after Destroy = %v, want *engine.ExpiredStreamError", err)
	}
}

func TestBackpressureDeliversAllBytes(t *testing.T) {
	client, server, clientEng, _ := newPair(t)

	serverDone := make(chan *muxer.Stream, 1)
	go func() {
		s, _ := server.AcceptStream(ctx(t))
		serverDone <- s
	}()
	s, err := client.OpenStream(ctx(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	accepted := <-serverDone

	const chunkSize = 16 << 10
	const chunks = 8
	payload := make([]byte, chunkSize*chunks)
	for i := range payload {
		payload[i] = byte(i)
	}

	clientEng.SetWriteQuota(s.ID(), 0) // every chunk must wait for a grant

	writeErr := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += chunkSize {
			if _, err := s.Write(ctx(t), payload[off:off+chunkSize]); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	go func() {
		for i := 0; i < chunks; i++ {
			time.Sleep(5 * time.Millisecond)
			clientEng.GrantWriteQuota(s.ID(), chunkSize)
		}
	}()

	got := make([]byte, len(payload))
	n, err := readFull(t, accepted, got)
	if err != nil {
		t.Fatalf("readFull: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("read %d bytes, want %d", n, len(payload))
	}
	for i := range got {
		if got[i] != payload[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, got[i], payload[i])
		}
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func TestHandshakeRejectsUnparsableCertificate(t *testing.T) {
	client, server, _, serverEng := newPair(t)
	_ = server

	resolve := func(cert *x509.Certificate) (string, error) {
		return "peer:" + string(cert.Raw), nil
	}

	// enginefake's cert bytes are not valid DER, so exercise only the
	// plumbing up to x509.ParseCertificate here; parsing failure is
	// itself a BadCertificateError, which is the behavior under test.
	_, err := client.Handshake(ctx(t), resolve)
	var badCert *muxer.BadCertificateError
	if !errors.As(err, &badCert) {
		t.Fatalf("Handshake error = %v, want *muxer.BadCertificateError", err)
	}
	_ = serverEng
}
