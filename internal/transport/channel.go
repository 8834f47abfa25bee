package transport

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
)

var _ PeerChannel = (*dataChannel)(nil)

// dataChannel wraps a pion data channel as a PeerChannel. Messages
// arriving before OnMessage is registered are buffered and replayed in
// order, so a session never loses the first frames of a handshake.
type dataChannel struct {
	peerID string
	dc     *webrtc.DataChannel

	mu       sync.Mutex
	onMsg    func([]byte)
	onClose  func()
	pending  [][]byte
	closed   bool
	notified bool
}

func (ch *dataChannel) PeerID() string { return ch.peerID }

func (ch *dataChannel) Send(data []byte) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	if err := ch.dc.Send(data); err != nil {
		return fmt.Errorf("data channel send: %w", err)
	}
	return nil
}

func (ch *dataChannel) OnMessage(fn func([]byte)) {
	ch.mu.Lock()
	ch.onMsg = fn
	backlog := ch.pending
	ch.pending = nil
	ch.mu.Unlock()
	if fn == nil {
		return
	}
	for _, data := range backlog {
		fn(data)
	}
}

func (ch *dataChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	// The channel may already be gone; the registration still gets its
	// notification.
	fire := ch.closed && !ch.notified && fn != nil
	if fire {
		ch.notified = true
	}
	ch.mu.Unlock()
	if fire {
		fn()
	}
}

func (ch *dataChannel) Close() {
	ch.dc.Close()
}

// handleMessage runs on pion's read goroutine; the payload is copied
// before it escapes the callback.
func (ch *dataChannel) handleMessage(data []byte) {
	buf := append([]byte(nil), data...)
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	fn := ch.onMsg
	if fn == nil {
		ch.pending = append(ch.pending, buf)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn(buf)
}

// closeNotify marks the channel closed and fires the close callback
// exactly once.
func (ch *dataChannel) closeNotify() {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	fn := ch.onClose
	if fn != nil {
		ch.notified = true
	}
	ch.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// shutdown closes the channel without notifying: used when the whole
// transport is being torn down and the owner already knows.
func (ch *dataChannel) shutdown() {
	ch.mu.Lock()
	ch.closed = true
	ch.notified = true
	ch.mu.Unlock()
}
