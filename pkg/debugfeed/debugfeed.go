// Package debugfeed broadcasts driver lifecycle events (handshake done,
// stream opened/closed, connection lost) to any number of connected
// operators over a WebSocket, one JSON object per text message, the structured
// counterpart to pkg/log's plain-text messages.
package debugfeed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/quicmux/quicmux/pkg/log"
)

// Event is one lifecycle notification. Kind is a short machine-readable tag
// ("handshake", "stream_opened", "stream_closed", "connection_lost");
// Detail carries a human-readable summary for operators tailing the feed.
type Event struct {
	Time   time.Time `json:"time"`
	Kind   string    `json:"kind"`
	PeerID string    `json:"peer_id,omitempty"`
	Stream uint64    `json:"stream,omitempty"`
	Detail string    `json:"detail,omitempty"`
}

// Feed is a broadcast hub: Publish is called by whatever owns the
// muxer.Conn (pkg/forward), and every currently connected
// subscriber receives the event as JSON. Publish never blocks on a slow or
// absent subscriber.
type Feed struct {
	mu          sync.Mutex
	subscribers map[chan Event]struct{}
	logger      *log.Logger
}

// New creates an empty feed with no subscribers.
func New(logger *log.Logger) *Feed {
	if logger == nil {
		logger = log.Default()
	}
	return &Feed{subscribers: make(map[chan Event]struct{}), logger: logger}
}

// Publish fans ev out to every connected subscriber. A subscriber whose
// channel is full (it fell behind) is skipped for this event rather than
// blocking the publisher.
func (f *Feed) Publish(ev Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (f *Feed) subscribe() chan Event {
	ch := make(chan Event, 64)
	f.mu.Lock()
	f.subscribers[ch] = struct{}{}
	f.mu.Unlock()
	return ch
}

func (f *Feed) unsubscribe(ch chan Event) {
	f.mu.Lock()
	delete(f.subscribers, ch)
	f.mu.Unlock()
	close(ch)
}

// ListenAndServe serves the feed as a plain-HTTP WebSocket endpoint at
// addr, one subscriber per accepted connection. It blocks until ctx is
// cancelled.
func (f *Feed) ListenAndServe(ctx context.Context, addr string) error {
	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return fmt.Errorf("net.ResolveTCPAddr(tcp, %s): %w", addr, err)
	}
	nl, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return fmt.Errorf("net.ListenTCP(tcp, %s): %w", tcpAddr, err)
	}
	defer nl.Close()

	server := &http.Server{
		Handler:           http.HandlerFunc(f.handleUpgrade),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.Serve(nl) }()

	select {
	case <-ctx.Done():
		_ = nl.Close()
		err := <-errCh
		if err == nil || isClosedErr(err) {
			return nil
		}
		return fmt.Errorf("serving debug feed after cancellation: %w", err)
	case err := <-errCh:
		if err == nil || isClosedErr(err) {
			return nil
		}
		return fmt.Errorf("http.Server.Serve(): %w", err)
	}
}

func (f *Feed) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{Subprotocols: []string{"debugfeed.v1"}})
	if err != nil {
		f.logger.ErrorMsg("websocket.Accept(): %s\n", err)
		return
	}
	defer c.Close(websocket.StatusNormalClosure, "feed closed")

	ch := f.subscribe()
	defer f.unsubscribe(ch)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
}

func isClosedErr(err error) bool {
	return errors.Is(err, http.ErrServerClosed) || errors.Is(err, net.ErrClosed)
}
