package session

import (
	"context"
	"errors"
	"time"

	"github.com/scribesync/scribesync/internal/codec"
	"github.com/scribesync/scribesync/internal/crdt"
	"github.com/scribesync/scribesync/internal/notes"
	"github.com/scribesync/scribesync/internal/transport"
)

// Frame kinds of the document exchange. Every frame crosses the wire
// CBOR-encoded and sealed with the room key.
const (
	frameSyncRequest = "sync-request"
	frameSyncReply   = "sync-reply"
	frameUpdate      = "update"
)

// syncFrame is one protocol message between two replicas. A request
// carries the sender's version; the reply carries the updates that
// version is missing, or a full state when the replier's history
// cannot reach back that far.
type syncFrame struct {
	Kind    string            `cbor:"kind"`
	Version map[string]uint64 `cbor:"version,omitempty"`
	Payload [][]byte          `cbor:"payload,omitempty"`
	State   []byte            `cbor:"state,omitempty"`
}

// handleChannel adopts a freshly opened peer channel and opens the
// exchange with a sync request.
func (s *Session) handleChannel(ch transport.PeerChannel) {
	peerID := ch.PeerID()
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.channels[peerID] = ch
	sealed := s.sealLocked(syncFrame{Kind: frameSyncRequest, Version: s.doc.Version()})
	s.mu.Unlock()

	ch.OnMessage(func(payload []byte) { s.handleFrame(ch, payload) })
	ch.OnClose(func() { s.forgetChannel(peerID, ch) })
	s.sendSealed(ch, sealed)
	s.log.Debug().Str("peer_id", peerID).Msg("peer channel up")
	s.notifyStatus()
}

// forgetChannel drops a closed channel, unless the peer already came
// back and replaced it.
func (s *Session) forgetChannel(peerID string, ch transport.PeerChannel) {
	s.mu.Lock()
	if s.destroyed || s.channels[peerID] != ch {
		s.mu.Unlock()
		return
	}
	delete(s.channels, peerID)
	s.mu.Unlock()

	s.log.Debug().Str("peer_id", peerID).Msg("peer channel down")
	s.notifyStatus()
}

func (s *Session) handleFrame(ch transport.PeerChannel, sealed []byte) {
	// Decryption happens under the session lock so a concurrent Close
	// cannot wipe the key out from under it.
	s.mu.Lock()
	if s.destroyed || s.key == nil {
		s.mu.Unlock()
		return
	}
	plain, err := s.key.Open(sealed)
	s.mu.Unlock()
	if err != nil {
		s.recordDecryptFailure(ch.PeerID())
		return
	}

	var f syncFrame
	if err := codec.Unmarshal(plain, &f); err != nil {
		s.log.Warn().Err(err).Str("peer_id", ch.PeerID()).Msg("malformed sync frame")
		return
	}
	switch f.Kind {
	case frameSyncRequest:
		s.handleSyncRequest(ch, f)
	case frameSyncReply:
		s.handleSyncReply(ch, f)
	case frameUpdate:
		s.handleUpdate(ch, f)
	default:
		s.log.Debug().Str("kind", f.Kind).Msg("ignoring unknown sync frame")
	}
}

// handleSyncRequest answers with the updates the requester is missing,
// or with full state when our history cannot serve the gap.
func (s *Session) handleSyncRequest(ch transport.PeerChannel, f syncFrame) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	reply := syncFrame{Kind: frameSyncReply, Version: s.doc.Version()}
	updates, err := s.doc.UpdatesSince(f.Version)
	switch {
	case err == nil:
		reply.Payload = updates
	case errors.Is(err, crdt.ErrIncompleteHistory):
		state, encErr := s.doc.EncodeState()
		if encErr != nil {
			s.mu.Unlock()
			s.log.Error().Err(encErr).Msg("encoding state for sync reply failed")
			return
		}
		reply.State = state
	default:
		s.mu.Unlock()
		s.log.Warn().Err(err).Msg("computing sync reply failed")
		return
	}
	sealed := s.sealLocked(reply)
	s.mu.Unlock()

	s.sendSealed(ch, sealed)
}

// handleSyncReply merges whatever the peer sent. A full state only
// replaces a document that has no content of its own: the version
// exchange exists precisely so content is never clobbered.
func (s *Session) handleSyncReply(ch transport.PeerChannel, f syncFrame) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	if f.State != nil {
		if !s.doc.IsEmpty() {
			s.log.Warn().Str("peer_id", ch.PeerID()).Msg("peer sent full state but the document has content, keeping ours")
		} else if err := s.doc.ApplyState(f.State); err != nil {
			s.log.Warn().Err(err).Str("peer_id", ch.PeerID()).Msg("applying peer state failed")
			return
		}
	}
	for _, update := range f.Payload {
		if err := s.doc.ApplyUpdate(update); err != nil {
			s.log.Warn().Err(err).Str("peer_id", ch.PeerID()).Msg("applying peer update failed")
		}
	}
	s.markRemote()
}

func (s *Session) handleUpdate(ch transport.PeerChannel, f syncFrame) {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return
	}

	for _, update := range f.Payload {
		if err := s.doc.ApplyUpdate(update); err != nil {
			s.log.Warn().Err(err).Str("peer_id", ch.PeerID()).Msg("applying peer update failed")
			return
		}
	}
	s.markRemote()
}

// markRemote settles the remote half of the readiness race after a
// successfully decrypted and applied exchange.
func (s *Session) markRemote() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.readyLocked(readyRemote)
	s.mu.Unlock()
	s.notifyStatus()
}

func (s *Session) recordDecryptFailure(peerID string) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.decryptFailures++
	n := s.decryptFailures
	if !s.remoteReady {
		s.syncState = SyncStateDecryptFailed
	}
	s.mu.Unlock()

	s.log.Warn().Str("peer_id", peerID).Int("failures", n).Msg("discarding frame that does not decrypt under the room key")
	s.notifyStatus()
}

// documentChanged is the document observer: every applied change is
// persisted, local ones are broadcast, and metadata fields wake the
// mirror. Readiness counts local edits too; typing into a fresh note
// is content as much as a loaded replica is.
func (s *Session) documentChanged(c crdt.Change) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.persistLocked(c)
	var sends []outboundFrame
	if c.Origin == crdt.OriginLocal {
		s.readyLocked(readyLocal)
		if c.Update != nil {
			sends = s.sealForAllLocked(syncFrame{Kind: frameUpdate, Payload: [][]byte{c.Update}})
		}
	}
	mirror := touchesMetadata(c.Fields)
	s.mu.Unlock()

	for _, out := range sends {
		s.sendSealed(out.ch, out.sealed)
	}
	if mirror {
		select {
		case s.mirrorCh <- struct{}{}:
		default:
		}
	}
	s.notifyStatus()
}

// persistLocked writes a change to the replica: updates append to the
// log, state merges and compaction thresholds write snapshots. Caller
// holds mu.
func (s *Session) persistLocked(c crdt.Change) {
	if c.Update == nil {
		s.snapshotLocked()
		return
	}
	pending, err := s.opts.Replica.AppendUpdate(s.documentID, c.Update)
	if err != nil {
		s.log.Warn().Err(err).Msg("persisting update failed")
		return
	}
	if pending >= s.opts.CompactAfter {
		s.snapshotLocked()
	}
}

func (s *Session) snapshotLocked() {
	state, err := s.doc.EncodeState()
	if err != nil {
		s.log.Warn().Err(err).Msg("encoding state for snapshot failed")
		return
	}
	if err := s.opts.Replica.WriteSnapshot(s.documentID, state); err != nil {
		s.log.Warn().Err(err).Msg("writing replica snapshot failed")
	}
}

// outboundFrame pairs a sealed payload with its destination so sends
// happen outside the session lock.
type outboundFrame struct {
	ch     transport.PeerChannel
	sealed []byte
}

// sealLocked encodes and seals one frame. Caller holds mu; returns nil
// when the session has no key.
func (s *Session) sealLocked(f syncFrame) []byte {
	if s.key == nil {
		return nil
	}
	plain, err := codec.Marshal(f)
	if err != nil {
		s.log.Error().Err(err).Str("kind", f.Kind).Msg("encoding sync frame failed")
		return nil
	}
	sealed, err := s.key.Seal(plain)
	if err != nil {
		s.log.Warn().Err(err).Str("kind", f.Kind).Msg("sealing sync frame failed")
		return nil
	}
	return sealed
}

// sealForAllLocked seals a frame once per open channel, each with its
// own nonce. Caller holds mu.
func (s *Session) sealForAllLocked(f syncFrame) []outboundFrame {
	out := make([]outboundFrame, 0, len(s.channels))
	for _, ch := range s.channels {
		if sealed := s.sealLocked(f); sealed != nil {
			out = append(out, outboundFrame{ch: ch, sealed: sealed})
		}
	}
	return out
}

func (s *Session) sendSealed(ch transport.PeerChannel, sealed []byte) {
	if sealed == nil {
		return
	}
	if err := ch.Send(sealed); err != nil {
		s.log.Warn().Err(err).Str("peer_id", ch.PeerID()).Msg("sending sync frame failed")
	}
}

func touchesMetadata(fields []crdt.Field) bool {
	for _, f := range fields {
		if f == crdt.FieldTitle || f == crdt.FieldTags {
			return true
		}
	}
	return false
}

// mirrorLoop pushes title and tag changes into the note store, one
// write at a time, coalescing bursts.
func (s *Session) mirrorLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.mirrorCh:
			s.mirrorMetadata()
		}
	}
}

func (s *Session) mirrorMetadata() {
	s.mu.Lock()
	if s.destroyed || s.opts.Notes == nil || s.key == nil {
		s.mu.Unlock()
		return
	}
	title := s.doc.Text(crdt.FieldTitle)
	tags := s.doc.List(crdt.FieldTags)
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	meta, err := s.opts.Notes.Get(ctx, s.documentID)
	if err != nil {
		if !errors.Is(err, notes.ErrNotFound) {
			s.log.Warn().Err(err).Msg("reading note metadata failed")
		}
		return
	}
	if meta.Title == title && equalStrings(meta.Tags, tags) {
		return
	}
	meta.Title = title
	meta.Tags = tags
	if err := s.opts.Notes.Update(ctx, meta); err != nil {
		s.log.Warn().Err(err).Msg("mirroring note metadata failed")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
