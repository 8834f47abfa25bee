package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/models"
)

// docChannelLabel is the data channel every peer pair exchanges
// document frames on.
const docChannelLabel = "doc"

// MeshOptions configures a WebRTCMesh.
type MeshOptions struct {
	// ServerURL is the relay websocket endpoint, e.g.
	// "wss://host/ws/signal".
	ServerURL string
	RoomID    string
	// Token is an optional bearer token for the relay upgrade request.
	Token string
	// ICEServers nil means the default public STUN server; an empty
	// slice means none, which is enough on a shared network segment.
	ICEServers []string
	// HandshakeWindow bounds how long a negotiation may go without
	// producing an open channel before the attempt is abandoned.
	HandshakeWindow time.Duration
	Log             zerolog.Logger
}

func (o MeshOptions) withDefaults() MeshOptions {
	if o.ICEServers == nil {
		o.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if o.HandshakeWindow <= 0 {
		o.HandshakeWindow = 15 * time.Second
	}
	return o
}

// WebRTCMesh keeps one peer connection per room peer, negotiated over
// the relay. The joiner initiates: on admission it offers to every
// peer already in the room, and peers that join later offer to it.
// Both sides therefore never offer each other at once.
//
// An abandoned or failed negotiation never surfaces as an error; the
// peer simply does not appear in Peers until a later attempt succeeds.
type WebRTCMesh struct {
	opts MeshOptions
	log  zerolog.Logger

	mu        sync.Mutex
	signal    *SignalingClient
	peers     map[string]*meshPeer
	onChannel func(PeerChannel)
	onStatus  func()
	closed    bool
}

// meshPeer tracks one negotiation. The map entry and the channel and
// handshake fields are guarded by WebRTCMesh.mu. remoteSet and
// pendingCandidates are only touched on the signaling read pump, which
// dispatches serially.
type meshPeer struct {
	id        string
	pc        *webrtc.PeerConnection
	channel   *dataChannel
	handshake *time.Timer

	remoteSet         bool
	pendingCandidates []webrtc.ICECandidateInit
}

var _ Transport = (*WebRTCMesh)(nil)

// NewWebRTCMesh prepares a mesh for one room. Call OnChannel and
// OnStatus before Connect.
func NewWebRTCMesh(opts MeshOptions) *WebRTCMesh {
	opts = opts.withDefaults()
	return &WebRTCMesh{
		opts:  opts,
		log:   opts.Log.With().Str("component", "mesh").Str("room_id", opts.RoomID).Logger(),
		peers: make(map[string]*meshPeer),
	}
}

func (m *WebRTCMesh) OnChannel(fn func(PeerChannel)) {
	m.mu.Lock()
	m.onChannel = fn
	m.mu.Unlock()
}

func (m *WebRTCMesh) OnStatus(fn func()) {
	m.mu.Lock()
	m.onStatus = fn
	m.mu.Unlock()
}

// Connect dials the relay and starts negotiating with whoever is in
// the room. It returns once the relay link is up; channels appear via
// OnChannel as handshakes complete.
func (m *WebRTCMesh) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.signal != nil {
		m.mu.Unlock()
		return errors.New("mesh already connected")
	}
	sig := NewSignalingClient(m.opts.ServerURL, m.opts.RoomID, m.opts.Token, m.opts.Log)
	m.signal = sig
	m.mu.Unlock()

	sig.OnJoined = func(d models.JoinedData) {
		m.log.Info().Str("peer_id", d.PeerID).Int("peer_count", d.PeerCount).Msg("joined room")
		for _, id := range d.Peers {
			m.initiate(id)
		}
		m.notifyStatus()
	}
	sig.OnPeerJoined = func(d models.PresenceData) {
		// The newcomer initiates toward us; nothing to do yet.
		m.log.Debug().Str("peer_id", d.PeerID).Msg("peer joined, awaiting offer")
	}
	sig.OnPeerLeft = func(d models.PresenceData) {
		m.dropPeer(d.PeerID)
	}
	sig.OnSignal = m.handleSignal
	sig.OnClosed = func(err error) {
		if err != nil {
			m.log.Warn().Err(err).Msg("relay connection lost")
		}
		// Established peer channels keep working without the relay.
		m.notifyStatus()
	}

	if err := sig.Connect(ctx); err != nil {
		m.mu.Lock()
		m.signal = nil
		m.mu.Unlock()
		return err
	}
	m.notifyStatus()
	return nil
}

func (m *WebRTCMesh) Peers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.peers {
		if p.channel != nil {
			n++
		}
	}
	return n
}

func (m *WebRTCMesh) SignalingConnected() bool {
	m.mu.Lock()
	sig := m.signal
	m.mu.Unlock()
	return sig != nil && sig.Connected()
}

// Close tears down the relay link and every peer connection. Channel
// close callbacks are not fired; the caller is the one closing.
func (m *WebRTCMesh) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	sig := m.signal
	peers := make([]*meshPeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
		if p.handshake != nil {
			p.handshake.Stop()
		}
	}
	m.peers = make(map[string]*meshPeer)
	m.mu.Unlock()

	if sig != nil {
		sig.Close()
	}
	for _, p := range peers {
		if p.channel != nil {
			p.channel.shutdown()
		}
		p.pc.Close()
	}
}

// initiate creates a peer connection toward an existing room peer and
// sends it an offer. Runs on the signaling read pump.
func (m *WebRTCMesh) initiate(peerID string) {
	peer, err := m.addPeer(peerID)
	if err != nil {
		m.log.Warn().Err(err).Str("peer_id", peerID).Msg("creating peer connection failed")
		return
	}

	ordered := true
	dc, err := peer.pc.CreateDataChannel(docChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		m.log.Warn().Err(err).Str("peer_id", peerID).Msg("creating data channel failed")
		m.dropPeer(peerID)
		return
	}
	m.wireChannel(peer, dc)

	offer, err := peer.pc.CreateOffer(nil)
	if err != nil {
		m.log.Warn().Err(err).Str("peer_id", peerID).Msg("creating offer failed")
		m.dropPeer(peerID)
		return
	}
	if err := peer.pc.SetLocalDescription(offer); err != nil {
		m.log.Warn().Err(err).Str("peer_id", peerID).Msg("setting local description failed")
		m.dropPeer(peerID)
		return
	}
	m.sendSignal(models.MessageTypeOffer, peerID, peer.pc.LocalDescription())
}

// handleSignal dispatches relayed negotiation messages. Runs on the
// signaling read pump, so per-peer negotiation state needs no lock.
func (m *WebRTCMesh) handleSignal(msg models.Message) {
	if msg.From == "" {
		return
	}
	switch msg.Type {
	case models.MessageTypeOffer:
		m.handleOffer(msg)
	case models.MessageTypeAnswer:
		m.handleAnswer(msg)
	case models.MessageTypeCandidate:
		m.handleCandidate(msg)
	}
}

func (m *WebRTCMesh) handleOffer(msg models.Message) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("malformed offer")
		return
	}

	peer, err := m.addPeer(msg.From)
	if err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("creating peer connection failed")
		return
	}

	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("applying offer failed")
		m.dropPeer(msg.From)
		return
	}
	peer.remoteSet = true

	answer, err := peer.pc.CreateAnswer(nil)
	if err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("creating answer failed")
		m.dropPeer(msg.From)
		return
	}
	if err := peer.pc.SetLocalDescription(answer); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("setting local description failed")
		m.dropPeer(msg.From)
		return
	}
	m.sendSignal(models.MessageTypeAnswer, msg.From, peer.pc.LocalDescription())
}

func (m *WebRTCMesh) handleAnswer(msg models.Message) {
	peer := m.lookup(msg.From)
	if peer == nil {
		m.log.Debug().Str("peer_id", msg.From).Msg("answer for unknown peer")
		return
	}
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(msg.Data, &desc); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("malformed answer")
		return
	}
	if err := peer.pc.SetRemoteDescription(desc); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("applying answer failed")
		m.dropPeer(msg.From)
		return
	}
	peer.remoteSet = true
	for _, c := range peer.pendingCandidates {
		if err := peer.pc.AddICECandidate(c); err != nil {
			m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("adding buffered candidate failed")
		}
	}
	peer.pendingCandidates = nil
}

func (m *WebRTCMesh) handleCandidate(msg models.Message) {
	peer := m.lookup(msg.From)
	if peer == nil {
		// The relay preserves per-sender order, so candidates cannot
		// precede their offer; an unknown peer here was already dropped.
		m.log.Debug().Str("peer_id", msg.From).Msg("candidate for unknown peer")
		return
	}
	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(msg.Data, &candidate); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("malformed candidate")
		return
	}
	if !peer.remoteSet {
		peer.pendingCandidates = append(peer.pendingCandidates, candidate)
		return
	}
	if err := peer.pc.AddICECandidate(candidate); err != nil {
		m.log.Warn().Err(err).Str("peer_id", msg.From).Msg("adding candidate failed")
	}
}

// addPeer creates and registers a peer connection. An existing entry
// for the same id is replaced: a peer that dropped and rejoined can
// send a fresh offer before its peer-left broadcast reaches us.
func (m *WebRTCMesh) addPeer(peerID string) (*meshPeer, error) {
	pc, err := m.newPeerConnection()
	if err != nil {
		return nil, err
	}
	peer := &meshPeer{id: peerID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		m.sendSignal(models.MessageTypeCandidate, peerID, c.ToJSON())
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		if state == webrtc.ICEConnectionStateFailed {
			m.log.Warn().Str("peer_id", peerID).Msg("peer connection failed")
			m.dropPeer(peerID)
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != docChannelLabel {
			m.log.Debug().Str("peer_id", peerID).Str("label", dc.Label()).Msg("ignoring unexpected data channel")
			return
		}
		m.wireChannel(peer, dc)
	})

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		pc.Close()
		return nil, ErrClosed
	}
	old := m.peers[peerID]
	if old != nil && old.handshake != nil {
		old.handshake.Stop()
	}
	m.peers[peerID] = peer
	peer.handshake = time.AfterFunc(m.opts.HandshakeWindow, func() {
		m.handshakeExpired(peerID, peer)
	})
	m.mu.Unlock()

	if old != nil {
		if old.channel != nil {
			old.channel.closeNotify()
		}
		old.pc.Close()
	}
	return peer, nil
}

// wireChannel hooks a data channel up as the peer's PeerChannel.
func (m *WebRTCMesh) wireChannel(peer *meshPeer, dc *webrtc.DataChannel) {
	ch := &dataChannel{peerID: peer.id, dc: dc}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		ch.handleMessage(msg.Data)
	})
	dc.OnClose(func() {
		m.dropPeer(peer.id)
	})
	dc.OnOpen(func() {
		m.mu.Lock()
		current, ok := m.peers[peer.id]
		if m.closed || !ok || current != peer {
			m.mu.Unlock()
			return
		}
		peer.channel = ch
		if peer.handshake != nil {
			peer.handshake.Stop()
			peer.handshake = nil
		}
		onChannel := m.onChannel
		m.mu.Unlock()

		m.log.Info().Str("peer_id", peer.id).Msg("doc channel open")
		if onChannel != nil {
			onChannel(ch)
		}
		m.notifyStatus()
	})
}

// dropPeer removes a peer and closes everything it owns. Idempotent;
// every failure path funnels through here.
func (m *WebRTCMesh) dropPeer(peerID string) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	peer, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerID)
	if peer.handshake != nil {
		peer.handshake.Stop()
		peer.handshake = nil
	}
	channel := peer.channel
	m.mu.Unlock()

	if channel != nil {
		channel.closeNotify()
	}
	peer.pc.Close()
	m.log.Debug().Str("peer_id", peerID).Msg("peer dropped")
	m.notifyStatus()
}

// handshakeExpired abandons a negotiation that never produced an open
// channel. The session stays usable locally; the peer may retry.
func (m *WebRTCMesh) handshakeExpired(peerID string, peer *meshPeer) {
	m.mu.Lock()
	current, ok := m.peers[peerID]
	if !ok || current != peer || peer.channel != nil {
		m.mu.Unlock()
		return
	}
	delete(m.peers, peerID)
	m.mu.Unlock()

	m.log.Warn().Str("peer_id", peerID).Dur("window", m.opts.HandshakeWindow).Msg("handshake window expired")
	peer.pc.Close()
	m.notifyStatus()
}

func (m *WebRTCMesh) lookup(peerID string) *meshPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[peerID]
}

func (m *WebRTCMesh) sendSignal(t models.MessageType, to string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn().Err(err).Str("type", string(t)).Msg("encoding signal failed")
		return
	}
	m.mu.Lock()
	sig := m.signal
	m.mu.Unlock()
	if sig == nil {
		return
	}
	if err := sig.Send(models.Message{Type: t, To: to, Data: data}); err != nil {
		m.log.Warn().Err(err).Str("type", string(t)).Str("to", to).Msg("sending signal failed")
	}
}

func (m *WebRTCMesh) notifyStatus() {
	m.mu.Lock()
	fn := m.onStatus
	closed := m.closed
	m.mu.Unlock()
	if fn != nil && !closed {
		fn()
	}
}

// newPeerConnection builds a pion connection with loopback candidates
// enabled, so two instances on one machine can reach each other.
func (m *WebRTCMesh) newPeerConnection() (*webrtc.PeerConnection, error) {
	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(true)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	var cfg webrtc.Configuration
	if len(m.opts.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: m.opts.ICEServers}}
	}
	return api.NewPeerConnection(cfg)
}
