// Package session orchestrates one collaborative note: it loads the
// local replica into a document, unlocks the room key, connects the
// peer transport, and keeps replica, peers, and the note index in step
// with every edit.
//
// A session is usable offline from the moment Open returns. Readiness
// is raced: existing local content, the first confirmed exchange with
// a peer, and a fallback timer all compete to mark the document ready,
// and whichever fires first wins. Everything a peer sends or receives
// crosses the wire sealed with the room key; the relay and the data
// channels only ever carry ciphertext.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/crdt"
	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/notes"
	"github.com/scribesync/scribesync/internal/replica"
	"github.com/scribesync/scribesync/internal/roomkey"
	"github.com/scribesync/scribesync/internal/transport"
)

// ErrClosed reports use of a session after Close.
var ErrClosed = errors.New("session closed")

// State is the lifecycle position of a session.
type State int

const (
	// StateLocked means no room key has been supplied yet. The replica
	// is loaded but content stays gated and no transport runs.
	StateLocked State = iota
	// StateOpening means the session is waiting for its first
	// readiness signal.
	StateOpening
	// StatePartiallyReady means one of local content or a confirmed
	// peer exchange has arrived.
	StatePartiallyReady
	// StateReady means the document is fully settled, or was assumed
	// new after the fallback window.
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLocked:
		return "locked"
	case StateOpening:
		return "opening"
	case StatePartiallyReady:
		return "partially-ready"
	case StateReady:
		return "ready"
	default:
		return "closed"
	}
}

// SyncState qualifies what the session actually knows about the
// document's content.
type SyncState int

const (
	// SyncStateOpening: nothing confirmed yet.
	SyncStateOpening SyncState = iota
	// SyncStateLocalOnly: local content exists, no peer has confirmed.
	SyncStateLocalOnly
	// SyncStateSynced: at least one exchange with a peer succeeded.
	SyncStateSynced
	// SyncStateAssumedNew: the fallback window elapsed with nothing
	// local or remote, so the document is treated as new. Deliberately
	// distinct from SyncStateSynced: nothing has been confirmed.
	SyncStateAssumedNew
	// SyncStateDecryptFailed: peers are sending frames that do not
	// decrypt under our key. Retryable by reopening with the right
	// key; no plaintext has been exposed.
	SyncStateDecryptFailed
)

func (s SyncState) String() string {
	switch s {
	case SyncStateOpening:
		return "opening"
	case SyncStateLocalOnly:
		return "local-only"
	case SyncStateSynced:
		return "synced"
	case SyncStateAssumedNew:
		return "assumed-new"
	default:
		return "decrypt-failed"
	}
}

// ConnectionStatus is a point-in-time snapshot of the session,
// recomputed on every transport and sync event.
type ConnectionStatus struct {
	State              State
	SyncState          SyncState
	Connected          bool // at least one open peer channel
	PeerCount          int
	SignalingConnected bool
	DecryptFailures    int
}

// Options configures a session. Replica and NewTransport are required.
type Options struct {
	// NewTransport builds the peer transport for a document's room.
	// Called once the room key is available, never while locked.
	NewTransport func(documentID string) transport.Transport

	// Replica persists document state locally. The session flushes and
	// releases its document on Close; the store itself stays open for
	// other sessions.
	Replica *replica.Store

	// Notes, when set, receives title and tag changes and generated
	// KDF salts. Nil disables mirroring.
	Notes notes.Store

	// Key unlocks the document immediately. Leave nil to open locked
	// and call SupplyKey or SupplyPassword later. The session owns the
	// key and wipes it on Close.
	Key *roomkey.Key

	// FallbackReady bounds how long an empty document waits for a peer
	// before being assumed new. Zero means 2 seconds.
	FallbackReady time.Duration

	// CompactAfter is how many logged updates accumulate before the
	// replica folds them into a snapshot. Zero means 64.
	CompactAfter int

	// NewDocument overrides the document implementation. Zero means
	// crdt.NewMemDoc.
	NewDocument func() crdt.Document

	Log zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.FallbackReady <= 0 {
		o.FallbackReady = 2 * time.Second
	}
	if o.CompactAfter <= 0 {
		o.CompactAfter = 64
	}
	if o.NewDocument == nil {
		o.NewDocument = func() crdt.Document { return crdt.NewMemDoc() }
	}
	return o
}

// WebRTCTransport returns a transport factory that connects documents
// through the signaling relay at serverURL, one mesh per document in
// the room named by its id.
func WebRTCTransport(serverURL, token string, iceServers []string, log zerolog.Logger) func(documentID string) transport.Transport {
	return func(documentID string) transport.Transport {
		return transport.NewWebRTCMesh(transport.MeshOptions{
			ServerURL:  serverURL,
			RoomID:     documentID,
			Token:      token,
			ICEServers: iceServers,
			Log:        log,
		})
	}
}

// readySource names which half of the readiness race fired.
type readySource int

const (
	readyLocal readySource = iota
	readyRemote
)

// Session is one open collaborative document.
type Session struct {
	documentID string
	opts       Options
	log        zerolog.Logger
	doc        crdt.Document

	mu              sync.Mutex
	state           State
	syncState       SyncState
	key             *roomkey.Key
	transport       transport.Transport
	channels        map[string]transport.PeerChannel
	localReady      bool
	remoteReady     bool
	decryptFailures int
	fallback        *time.Timer
	subs            map[int]func(ConnectionStatus)
	subID           int
	lastStatus      ConnectionStatus
	destroyed       bool

	cancelObserve func()
	done          chan struct{}
	mirrorCh      chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

// Open loads the document's replica and starts the session. It always
// succeeds for a loadable replica, peers or not: the transport side
// degrades to local-only on failure. Without opts.Key the session
// opens locked; supply a key to start syncing.
func Open(ctx context.Context, documentID string, opts Options) (*Session, error) {
	if documentID == "" {
		return nil, errors.New("empty document id")
	}
	if opts.Replica == nil {
		return nil, errors.New("replica store required")
	}
	if opts.NewTransport == nil {
		return nil, errors.New("transport factory required")
	}
	opts = opts.withDefaults()

	s := &Session{
		documentID: documentID,
		opts:       opts,
		log:        opts.Log.With().Str("component", "session").Str("document_id", documentID).Logger(),
		doc:        opts.NewDocument(),
		state:      StateLocked,
		syncState:  SyncStateOpening,
		channels:   make(map[string]transport.PeerChannel),
		subs:       make(map[int]func(ConnectionStatus)),
		done:       make(chan struct{}),
		mirrorCh:   make(chan struct{}, 1),
	}

	// The replica loads even while locked; content stays gated until a
	// key arrives.
	snapshot, updates, err := opts.Replica.Load(documentID)
	if err != nil {
		return nil, fmt.Errorf("loading replica: %w", err)
	}
	if snapshot != nil {
		if err := s.doc.ApplyState(snapshot); err != nil {
			return nil, fmt.Errorf("applying replica snapshot: %w", err)
		}
	}
	for _, update := range updates {
		if err := s.doc.ApplyUpdate(update); err != nil {
			s.log.Warn().Err(err).Msg("skipping bad logged update")
		}
	}

	// Observation starts after replay so replayed updates are not
	// persisted a second time.
	s.cancelObserve = s.doc.Observe(s.documentChanged)
	go s.mirrorLoop()

	if opts.Key != nil {
		if err := s.unlock(ctx, opts.Key); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SupplyKey unlocks the session with an existing key, typically parsed
// from a share-link fragment. The session takes ownership of the key.
func (s *Session) SupplyKey(ctx context.Context, key *roomkey.Key) error {
	if key == nil {
		return errors.New("nil key")
	}
	return s.unlock(ctx, key)
}

// SupplyPassword derives the room key for a password-protected note.
// The salt comes from the note's metadata; for a note that has none
// yet, a fresh salt is generated and mirrored back to the note store.
func (s *Session) SupplyPassword(ctx context.Context, password string) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.key != nil {
		s.mu.Unlock()
		return errors.New("key already supplied")
	}
	store := s.opts.Notes
	s.mu.Unlock()

	var salt []byte
	var meta models.NoteMetadata
	haveMeta := false
	if store != nil {
		m, err := store.Get(ctx, s.documentID)
		switch {
		case err == nil:
			meta, haveMeta = m, true
			if m.Salt != "" {
				if salt, err = roomkey.DecodeSalt(m.Salt); err != nil {
					return fmt.Errorf("note salt: %w", err)
				}
			}
		case errors.Is(err, notes.ErrNotFound):
		default:
			return fmt.Errorf("reading note metadata: %w", err)
		}
	}

	key, salt, err := roomkey.DeriveKey(password, salt)
	if err != nil {
		return err
	}
	if haveMeta && meta.Salt == "" {
		meta.Salt = roomkey.EncodeSalt(salt)
		if err := store.Update(ctx, meta); err != nil {
			key.Zero()
			return fmt.Errorf("storing derivation salt: %w", err)
		}
	}
	return s.unlock(ctx, key)
}

// unlock installs the key, settles the local half of the readiness
// race, and brings up the transport. A transport that cannot connect
// leaves the session working local-only.
func (s *Session) unlock(ctx context.Context, key *roomkey.Key) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.key != nil {
		s.mu.Unlock()
		return errors.New("key already supplied")
	}
	s.key = key
	s.state = StateOpening
	if !s.doc.IsEmpty() {
		s.readyLocked(readyLocal)
	} else {
		s.fallback = time.AfterFunc(s.opts.FallbackReady, s.fallbackExpired)
	}
	tr := s.opts.NewTransport(s.documentID)
	s.transport = tr
	s.mu.Unlock()

	tr.OnChannel(s.handleChannel)
	tr.OnStatus(s.notifyStatus)
	if err := tr.Connect(ctx); err != nil {
		s.log.Warn().Err(err).Msg("transport connect failed, staying local-only")
	}
	s.notifyStatus()
	return nil
}

// Document exposes the replicated document. It is nil while the
// session is locked or after Close; nothing is readable or editable
// without the key.
func (s *Session) Document() crdt.Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || s.key == nil {
		return nil
	}
	return s.doc
}

// Status returns the current snapshot.
func (s *Session) Status() ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Subscribe registers fn for status changes. The returned function
// cancels the subscription.
func (s *Session) Subscribe(fn func(ConnectionStatus)) (cancel func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.destroyed || fn == nil {
		return func() {}
	}
	id := s.subID
	s.subID++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *Session) statusLocked() ConnectionStatus {
	st := ConnectionStatus{
		State:           s.state,
		SyncState:       s.syncState,
		PeerCount:       len(s.channels),
		DecryptFailures: s.decryptFailures,
	}
	st.Connected = st.PeerCount > 0
	if s.transport != nil {
		st.SignalingConnected = s.transport.SignalingConnected()
	}
	return st
}

// notifyStatus publishes the current status to subscribers if it
// differs from the last one published.
func (s *Session) notifyStatus() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	st := s.statusLocked()
	if st == s.lastStatus {
		s.mu.Unlock()
		return
	}
	s.lastStatus = st
	subs := make([]func(ConnectionStatus), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(st)
	}
}

// readyLocked advances the readiness race. The first source to fire
// transitions state; the other side completing later upgrades quietly,
// never re-transitions. Caller holds mu.
func (s *Session) readyLocked(via readySource) {
	if s.destroyed || s.state == StateClosed {
		return
	}
	already := s.localReady || s.remoteReady
	if via == readyLocal {
		if s.localReady {
			return
		}
		s.localReady = true
	} else {
		if s.remoteReady {
			return
		}
		s.remoteReady = true
	}
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}

	switch {
	case s.localReady && s.remoteReady:
		s.state = StateReady
	case !already && s.state == StateOpening:
		s.state = StatePartiallyReady
	}
	if s.remoteReady {
		s.syncState = SyncStateSynced
	} else if s.syncState == SyncStateOpening {
		s.syncState = SyncStateLocalOnly
	}
}

// fallbackExpired fires when the fallback window elapses with nothing
// confirmed. The document is assumed new; a peer showing up later
// still upgrades the status. Frames that failed to decrypt suppress
// the assumption: the document demonstrably exists somewhere.
func (s *Session) fallbackExpired() {
	s.mu.Lock()
	if s.destroyed || s.state != StateOpening || s.localReady || s.remoteReady || s.decryptFailures > 0 {
		s.mu.Unlock()
		return
	}
	s.state = StateReady
	s.syncState = SyncStateAssumedNew
	s.mu.Unlock()

	s.log.Debug().Dur("window", s.opts.FallbackReady).Msg("no local or remote content, assuming new document")
	s.notifyStatus()
}

// Close tears the session down exactly once: timers and observers are
// deregistered, the transport is closed, the replica is flushed and
// its handle released, and the key is wiped. In-flight callbacks see
// the destroyed flag and become no-ops.
func (s *Session) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.shutdown() })
	return s.closeErr
}

func (s *Session) shutdown() error {
	s.mu.Lock()
	s.destroyed = true
	s.state = StateClosed
	if s.fallback != nil {
		s.fallback.Stop()
		s.fallback = nil
	}
	tr := s.transport
	s.transport = nil
	s.channels = make(map[string]transport.PeerChannel)
	if s.key != nil {
		s.key.Zero()
		s.key = nil
	}
	subs := make([]func(ConnectionStatus), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subs = make(map[int]func(ConnectionStatus))
	final := s.statusLocked()
	s.mu.Unlock()

	close(s.done)
	if s.cancelObserve != nil {
		s.cancelObserve()
	}
	if tr != nil {
		tr.Close()
	}

	var firstErr error
	// An untouched document gets no files; anything else is flushed to
	// a snapshot so the next open replays nothing.
	if len(s.doc.Version()) > 0 {
		if state, err := s.doc.EncodeState(); err != nil {
			firstErr = fmt.Errorf("encoding final state: %w", err)
		} else if err := s.opts.Replica.WriteSnapshot(s.documentID, state); err != nil {
			firstErr = fmt.Errorf("flushing replica: %w", err)
		}
	}
	if err := s.opts.Replica.CloseDoc(s.documentID); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing replica: %w", err)
	}

	for _, fn := range subs {
		fn(final)
	}
	s.log.Info().Msg("session closed")
	return firstErr
}
