package room

import (
	"errors"
	"sort"
	"time"
)

// Phase tracks a room through its lifecycle. Disposed is terminal: the
// registry creates a fresh instance on the next connection for the same id.
type Phase int

const (
	PhaseEmpty Phase = iota
	PhaseActive
	PhaseDraining
	PhaseDisposed
)

func (p Phase) String() string {
	switch p {
	case PhaseEmpty:
		return "empty"
	case PhaseActive:
		return "active"
	case PhaseDraining:
		return "draining"
	case PhaseDisposed:
		return "disposed"
	}
	return "unknown"
}

// PeerPhase tracks one peer within a room.
type PeerPhase int

const (
	// PeerJoined means the peer has an id and is registered. It becomes
	// PeerActive on its first inbound message.
	PeerJoined PeerPhase = iota
	PeerActive
	PeerDisconnected
)

var (
	ErrRoomFull      = errors.New("room full")
	ErrDuplicatePeer = errors.New("peer id already registered")
	ErrDisposed      = errors.New("room disposed")
)

// peerInfo is the pure bookkeeping for one registered peer.
type peerInfo struct {
	phase      PeerPhase
	joinedAt   time.Time
	lastActive time.Time
}

// state holds a room's peer registry and lifecycle phase. Methods perform
// no I/O and are not safe for concurrent use: the room loop owns the only
// instance and serializes all access.
type state struct {
	phase      Phase
	maxPeers   int
	peers      map[string]*peerInfo
	lastActive time.Time
}

func newState(maxPeers int) *state {
	return &state{
		phase:    PhaseEmpty,
		maxPeers: maxPeers,
		peers:    make(map[string]*peerInfo),
	}
}

// addPeer registers a peer and moves the room to Active. Admission during
// Draining is what cancels a pending disposal; the caller stops its timer
// whenever addPeer succeeds.
func (s *state) addPeer(id string, now time.Time) error {
	if s.phase == PhaseDisposed {
		return ErrDisposed
	}
	if len(s.peers) >= s.maxPeers {
		return ErrRoomFull
	}
	if _, exists := s.peers[id]; exists {
		return ErrDuplicatePeer
	}
	s.peers[id] = &peerInfo{phase: PeerJoined, joinedAt: now, lastActive: now}
	s.phase = PhaseActive
	s.lastActive = now
	return nil
}

// removePeer drops a peer. The returned drained flag reports that the last
// peer just left (Active → Draining) and disposal should be scheduled.
func (s *state) removePeer(id string, now time.Time) (drained, removed bool) {
	info, ok := s.peers[id]
	if !ok {
		return false, false
	}
	info.phase = PeerDisconnected
	delete(s.peers, id)
	s.lastActive = now
	if len(s.peers) == 0 && s.phase == PhaseActive {
		s.phase = PhaseDraining
		return true, true
	}
	return false, true
}

// touch records inbound traffic from a peer.
func (s *state) touch(id string, now time.Time) {
	info, ok := s.peers[id]
	if !ok {
		return
	}
	if info.phase == PeerJoined {
		info.phase = PeerActive
	}
	info.lastActive = now
	s.lastActive = now
}

// idlePeers returns the ids of peers silent for longer than timeout.
func (s *state) idlePeers(now time.Time, timeout time.Duration) []string {
	var idle []string
	for id, info := range s.peers {
		if now.Sub(info.lastActive) > timeout {
			idle = append(idle, id)
		}
	}
	sort.Strings(idle)
	return idle
}

// dispose marks the room dead. It succeeds only while the room is empty;
// a rejoin between timer start and firing keeps the room alive.
func (s *state) dispose() bool {
	if len(s.peers) > 0 {
		return false
	}
	if s.phase != PhaseEmpty && s.phase != PhaseDraining {
		return false
	}
	s.phase = PhaseDisposed
	return true
}

func (s *state) has(id string) bool {
	_, ok := s.peers[id]
	return ok
}

func (s *state) count() int { return len(s.peers) }

// peerIDs returns all registered ids except the given one, sorted.
func (s *state) peerIDs(except string) []string {
	ids := make([]string, 0, len(s.peers))
	for id := range s.peers {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
