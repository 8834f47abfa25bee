package transport

import (
	"context"
	"errors"
	"sync"
)

// MemoryNetwork links MemoryTransports in-process, standing in for the
// relay and the mesh in tests. Every transport that Connects is given
// a channel pair to every other connected transport, mirroring the
// full-mesh behavior of the real thing.
type MemoryNetwork struct {
	mu         sync.Mutex
	transports map[string]*MemoryTransport
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{transports: make(map[string]*MemoryTransport)}
}

// Transport creates a transport that will join this network under the
// given peer id when Connect is called.
func (n *MemoryNetwork) Transport(peerID string) *MemoryTransport {
	return &MemoryTransport{
		id:       peerID,
		network:  n,
		channels: make(map[string]*memoryChannel),
	}
}

func (n *MemoryNetwork) join(t *MemoryTransport) []*MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]*MemoryTransport, 0, len(n.transports))
	for _, other := range n.transports {
		peers = append(peers, other)
	}
	n.transports[t.id] = t
	return peers
}

func (n *MemoryNetwork) leave(t *MemoryTransport) {
	n.mu.Lock()
	if n.transports[t.id] == t {
		delete(n.transports, t.id)
	}
	n.mu.Unlock()
}

func (n *MemoryNetwork) lookup(peerID string) *MemoryTransport {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.transports[peerID]
}

// MemoryTransport implements Transport over in-process channel pairs.
type MemoryTransport struct {
	id      string
	network *MemoryNetwork

	mu        sync.Mutex
	connected bool
	signaling bool
	closed    bool
	channels  map[string]*memoryChannel
	onChannel func(PeerChannel)
	onStatus  func()
}

var _ Transport = (*MemoryTransport)(nil)

func (t *MemoryTransport) OnChannel(fn func(PeerChannel)) {
	t.mu.Lock()
	t.onChannel = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) OnStatus(fn func()) {
	t.mu.Lock()
	t.onStatus = fn
	t.mu.Unlock()
}

func (t *MemoryTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	if t.connected {
		t.mu.Unlock()
		return errors.New("transport already connected")
	}
	t.connected = true
	t.signaling = true
	t.mu.Unlock()

	for _, other := range t.network.join(t) {
		local, remote := newMemoryChannelPair(t, other)
		t.attach(other.id, local)
		other.attach(t.id, remote)
	}
	t.notifyStatus()
	return nil
}

func (t *MemoryTransport) Peers() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.channels)
}

func (t *MemoryTransport) SignalingConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.signaling && !t.closed
}

// SetSignalingConnected simulates losing or regaining the relay link
// without touching established channels.
func (t *MemoryTransport) SetSignalingConnected(up bool) {
	t.mu.Lock()
	t.signaling = up
	t.mu.Unlock()
	t.notifyStatus()
}

func (t *MemoryTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.signaling = false
	channels := t.channels
	t.channels = make(map[string]*memoryChannel)
	t.mu.Unlock()

	t.network.leave(t)
	for remoteID, ch := range channels {
		ch.shutdown()
		if other := t.network.lookup(remoteID); other != nil {
			other.dropChannel(t.id)
		}
	}
}

func (t *MemoryTransport) attach(remoteID string, ch *memoryChannel) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		ch.shutdown()
		return
	}
	t.channels[remoteID] = ch
	fn := t.onChannel
	t.mu.Unlock()

	if fn != nil {
		fn(ch)
	}
	t.notifyStatus()
}

// dropChannel removes the channel to remoteID and notifies its owner.
func (t *MemoryTransport) dropChannel(remoteID string) {
	t.mu.Lock()
	ch, ok := t.channels[remoteID]
	if ok {
		delete(t.channels, remoteID)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	ch.closeNotify()
	t.notifyStatus()
}

func (t *MemoryTransport) notifyStatus() {
	t.mu.Lock()
	fn := t.onStatus
	closed := t.closed
	t.mu.Unlock()
	if fn != nil && !closed {
		fn()
	}
}

// memoryChannel is one end of an in-process channel pair. Delivery
// runs on a pump goroutine per end so a Send never runs the remote
// peer's handler on the sender's stack.
type memoryChannel struct {
	owner  *MemoryTransport
	peerID string
	remote *memoryChannel

	queue chan []byte
	done  chan struct{}
	stop  sync.Once

	mu       sync.Mutex
	onMsg    func([]byte)
	onClose  func()
	pending  [][]byte
	closed   bool
	notified bool
}

var _ PeerChannel = (*memoryChannel)(nil)

func newMemoryChannelPair(a, b *MemoryTransport) (*memoryChannel, *memoryChannel) {
	left := &memoryChannel{owner: a, peerID: b.id, queue: make(chan []byte, sendBufferSize), done: make(chan struct{})}
	right := &memoryChannel{owner: b, peerID: a.id, queue: make(chan []byte, sendBufferSize), done: make(chan struct{})}
	left.remote = right
	right.remote = left
	go left.pump()
	go right.pump()
	return left, right
}

func (ch *memoryChannel) PeerID() string { return ch.peerID }

func (ch *memoryChannel) Send(data []byte) error {
	ch.mu.Lock()
	closed := ch.closed
	ch.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	buf := append([]byte(nil), data...)
	select {
	case ch.remote.queue <- buf:
		return nil
	case <-ch.remote.done:
		return ErrChannelClosed
	default:
		return ErrBackpressure
	}
}

func (ch *memoryChannel) OnMessage(fn func([]byte)) {
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

func (ch *memoryChannel) OnClose(fn func()) {
	ch.mu.Lock()
	ch.onClose = fn
	fire := ch.closed && !ch.notified && fn != nil
	if fire {
		ch.notified = true
	}
	ch.mu.Unlock()
	if fire {
		fn()
	}
}

// Close tears down both ends, like closing a real data channel.
func (ch *memoryChannel) Close() {
	ch.owner.dropChannel(ch.peerID)
	if other := ch.owner.network.lookup(ch.peerID); other != nil {
		other.dropChannel(ch.owner.id)
	}
}

func (ch *memoryChannel) pump() {
	for {
		select {
		case data := <-ch.queue:
			ch.deliver(data)
		case <-ch.done:
			return
		}
	}
}

func (ch *memoryChannel) deliver(data []byte) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	fn := ch.onMsg
	if fn == nil {
		ch.pending = append(ch.pending, data)
		ch.mu.Unlock()
		return
	}
	ch.mu.Unlock()
	fn(data)
}

func (ch *memoryChannel) closeNotify() {
	ch.stop.Do(func() { close(ch.done) })
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

func (ch *memoryChannel) shutdown() {
	ch.stop.Do(func() { close(ch.done) })
	ch.mu.Lock()
	ch.closed = true
	ch.notified = true
	ch.mu.Unlock()
}
