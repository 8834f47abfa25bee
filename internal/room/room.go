// Package room implements the signaling relay: one actor per document id,
// owning its peers and serializing every admit, relay, and heartbeat tick
// through a single loop. Rooms share nothing with each other; the registry
// holds the only cross-room state.
package room

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/metrics"
	"github.com/scribesync/scribesync/internal/models"
)

// Options configure a room's capacity and timers.
type Options struct {
	MaxPeers          int
	HeartbeatInterval time.Duration
	InactivityTimeout time.Duration
	DisposalDelay     time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxPeers <= 0 {
		o.MaxPeers = 8
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.InactivityTimeout <= 0 {
		o.InactivityTimeout = 120 * time.Second
	}
	if o.DisposalDelay <= 0 {
		o.DisposalDelay = 30 * time.Second
	}
	return o
}

type inboundMessage struct {
	from *peer
	msg  models.Message
}

// Room relays signaling messages between the peers editing one document.
type Room struct {
	id   string
	opts Options
	log  zerolog.Logger
	m    *metrics.Metrics

	register   chan *websocket.Conn
	unregister chan *peer
	inbound    chan inboundMessage

	quit     chan struct{}
	quitOnce sync.Once
	stopped  chan struct{}

	onDispose func()

	// Owned by the run loop; never touched from outside it.
	state         *state
	peers         map[string]*peer
	disposalTimer *time.Timer
}

func newRoom(id string, opts Options, log zerolog.Logger, m *metrics.Metrics, onDispose func()) *Room {
	r := &Room{
		id:         id,
		opts:       opts,
		log:        log.With().Str("room", id).Logger(),
		m:          m,
		register:   make(chan *websocket.Conn),
		unregister: make(chan *peer),
		inbound:    make(chan inboundMessage, 64),
		quit:       make(chan struct{}),
		stopped:    make(chan struct{}),
		onDispose:  onDispose,
		state:      newState(opts.MaxPeers),
		peers:      make(map[string]*peer),
	}
	go r.run()
	return r
}

func (r *Room) ID() string { return r.id }

// Admit hands an upgraded connection to the room loop. ErrDisposed means
// the loop has already exited; callers fetch a fresh room and retry.
func (r *Room) Admit(conn *websocket.Conn) error {
	select {
	case r.register <- conn:
		return nil
	case <-r.stopped:
		return ErrDisposed
	}
}

// Stop force-closes every peer and exits the loop. Returns once the loop
// is gone. Used on server shutdown, not in the normal room lifecycle.
func (r *Room) Stop() {
	r.quitOnce.Do(func() { close(r.quit) })
	<-r.stopped
}

// leave is posted by a peer's read pump when its connection dies.
func (r *Room) leave(p *peer) {
	select {
	case r.unregister <- p:
	case <-r.stopped:
	}
}

// deliver is posted by a peer's read pump for every parsed message.
func (r *Room) deliver(p *peer, msg models.Message) {
	select {
	case r.inbound <- inboundMessage{from: p, msg: msg}:
	case <-r.stopped:
	}
}

func (r *Room) run() {
	defer close(r.stopped)
	defer func() {
		if v := recover(); v != nil {
			r.log.Error().Any("panic", v).Msg("room loop panicked")
			r.closeAll(websocket.CloseInternalServerErr, "internal error")
			r.onDispose()
		}
	}()
	r.loop()
}

func (r *Room) loop() {
	heartbeat := time.NewTicker(r.opts.HeartbeatInterval)
	defer heartbeat.Stop()

	// A room that never gets a peer disposes itself like a drained one.
	r.resetDisposalTimer()

	for {
		var disposal <-chan time.Time
		if r.disposalTimer != nil {
			disposal = r.disposalTimer.C
		}

		select {
		case conn := <-r.register:
			r.admit(conn)
		case p := <-r.unregister:
			r.disconnect(p, "connection closed", 0, "")
		case in := <-r.inbound:
			r.handleMessage(in.from, in.msg)
		case now := <-heartbeat.C:
			r.heartbeatTick(now)
		case <-disposal:
			if r.state.dispose() {
				r.log.Debug().Msg("room disposed")
				r.onDispose()
				return
			}
			// Stale fire from a timer stopped after expiry.
			r.disposalTimer = nil
		case <-r.quit:
			r.closeAll(websocket.CloseGoingAway, "server shutting down")
			r.log.Debug().Msg("room stopped")
			return
		}
	}
}

func (r *Room) admit(conn *websocket.Conn) {
	now := time.Now()
	id := uuid.New().String()

	if err := r.state.addPeer(id, now); err != nil {
		r.log.Info().Err(err).Int("peers", r.state.count()).Msg("admission rejected")
		r.m.PeersRejected.WithLabelValues("room_full").Inc()
		closeConn(conn, CloseRoomFull, "room full")
		return
	}
	r.stopDisposalTimer()

	p := newPeer(id, r, conn)
	r.peers[id] = p
	go p.writePump()
	go p.readPump()

	count := r.state.count()
	r.m.PeersConnected.Inc()
	if count == 1 {
		r.m.RoomsActive.Inc()
	}
	r.log.Info().Str("peer", id).Int("peers", count).Msg("peer joined")

	r.send(p, models.Message{
		Type: models.MessageTypeJoined,
		Data: encodeData(models.JoinedData{
			PeerID:    id,
			RoomID:    r.id,
			Peers:     r.state.peerIDs(id),
			PeerCount: count,
		}),
		Timestamp: now.UnixMilli(),
	})
	r.broadcast(models.Message{
		Type:      models.MessageTypePeerJoined,
		Data:      encodeData(models.PresenceData{PeerID: id, PeerCount: count}),
		Timestamp: now.UnixMilli(),
	}, id)
}

// disconnect is the single cleanup routine shared by every removal path:
// explicit close, read failure, undeliverable write, inactivity timeout.
// A code > 0 sends a close frame telling the client why.
func (r *Room) disconnect(p *peer, cause string, code int, reason string) {
	drained, removed := r.state.removePeer(p.id, time.Now())
	if !removed {
		return // another path already cleaned this peer up
	}
	delete(r.peers, p.id)
	if code > 0 {
		p.closeWith(code, reason)
	}
	close(p.send)

	count := r.state.count()
	r.m.PeersConnected.Dec()
	r.log.Info().Str("peer", p.id).Str("cause", cause).Int("peers", count).Msg("peer left")

	r.broadcast(models.Message{
		Type:      models.MessageTypePeerLeft,
		Data:      encodeData(models.PresenceData{PeerID: p.id, PeerCount: count}),
		Timestamp: time.Now().UnixMilli(),
	}, p.id)

	if drained {
		r.m.RoomsActive.Dec()
		r.resetDisposalTimer()
	}
}

func (r *Room) handleMessage(from *peer, msg models.Message) {
	if !r.state.has(from.id) {
		return // raced with cleanup
	}
	now := time.Now()
	r.state.touch(from.id, now)

	switch {
	case msg.Type == models.MessageTypePing:
		r.send(from, models.Message{Type: models.MessageTypePong, Timestamp: now.UnixMilli()})
	case msg.Type == models.MessageTypePong:
		// Activity already recorded by touch.
	case msg.Type.Relayable():
		r.relay(from, msg, now)
	case msg.Type == models.MessageTypeJoin:
		// Admission is connection-scoped; a late join frame is harmless.
	default:
		r.log.Warn().Str("peer", from.id).Str("type", string(msg.Type)).Msg("unknown message type")
	}
}

func (r *Room) relay(from *peer, msg models.Message, now time.Time) {
	// The sender's identity and the timestamp are stamped here; clients
	// cannot spoof either.
	msg.From = from.id
	msg.Timestamp = now.UnixMilli()
	r.m.MessagesRelayed.WithLabelValues(string(msg.Type)).Inc()

	if msg.To != "" {
		target, ok := r.peers[msg.To]
		if !ok {
			// Target raced away. Drops are expected, not an error.
			r.log.Debug().Str("from", from.id).Str("to", msg.To).Msg("relay target absent")
			return
		}
		r.send(target, msg)
		return
	}
	r.broadcast(msg, from.id)
}

func (r *Room) heartbeatTick(now time.Time) {
	for _, id := range r.state.idlePeers(now, r.opts.InactivityTimeout) {
		if p, ok := r.peers[id]; ok {
			r.disconnect(p, "inactivity timeout", CloseInactivityTimeout, "inactivity timeout")
		}
	}
	if r.state.count() == 0 {
		return
	}
	r.broadcast(models.Message{Type: models.MessageTypePing, Timestamp: now.UnixMilli()}, "")
}

func (r *Room) send(p *peer, msg models.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal message")
		return
	}
	if !p.enqueue(data) {
		r.disconnect(p, "send buffer full", 0, "")
	}
}

// broadcast delivers msg to every peer except the named one. Peers whose
// buffers are full are disconnected after the sweep so the peer map is
// stable while ranging.
func (r *Room) broadcast(msg models.Message, except string) {
	data, err := json.Marshal(msg)
	if err != nil {
		r.log.Error().Err(err).Msg("marshal message")
		return
	}
	var stalled []*peer
	for id, p := range r.peers {
		if id == except {
			continue
		}
		if !p.enqueue(data) {
			stalled = append(stalled, p)
		}
	}
	for _, p := range stalled {
		r.disconnect(p, "send buffer full", 0, "")
	}
}

func (r *Room) closeAll(code int, reason string) {
	for _, p := range r.peers {
		p.closeWith(code, reason)
		close(p.send)
	}
	if n := r.state.count(); n > 0 {
		r.m.PeersConnected.Sub(float64(n))
		r.m.RoomsActive.Dec()
	}
	r.stopDisposalTimer()
}

func (r *Room) resetDisposalTimer() {
	if r.disposalTimer != nil {
		r.disposalTimer.Stop()
	}
	r.disposalTimer = time.NewTimer(r.opts.DisposalDelay)
}

func (r *Room) stopDisposalTimer() {
	if r.disposalTimer != nil {
		r.disposalTimer.Stop()
		r.disposalTimer = nil
	}
}

// encodeData marshals one of the models payload structs for Message.Data.
func encodeData(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}
