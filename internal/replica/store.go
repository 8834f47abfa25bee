// Package replica persists a document's state on the local disk: a
// compacted snapshot plus an append-only log of updates not yet folded
// into it. Sessions replay the snapshot and then the log on open, so a
// device always comes back with everything it had, connected or not.
//
// Records are CBOR items written back to back; CBOR is self-delimiting,
// so the log needs no framing. Snapshots are written to a temp file and
// renamed into place. The snapshot is renamed before the log is
// truncated: a crash in between leaves updates the snapshot already
// contains, and replay dedupes those by version.
package replica

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/codec"
)

const (
	snapshotSuffix = ".snap"
	logSuffix      = ".log"
)

var (
	// ErrClosed reports use of a store after Close.
	ErrClosed = errors.New("replica store closed")

	// Document ids become file names; anything else is refused.
	validDocID = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Store reads and writes per-document replica files under one
// directory. Safe for concurrent use.
type Store struct {
	dir string
	log zerolog.Logger

	mu      sync.Mutex
	open    map[string]*os.File
	pending map[string]int
	closed  bool
}

// NewStore creates dir if needed and returns a store rooted there.
// Replica files hold note content, so everything is owner-only.
func NewStore(dir string, log zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating replica directory: %w", err)
	}
	return &Store{
		dir:     dir,
		log:     log.With().Str("component", "replica").Logger(),
		open:    make(map[string]*os.File),
		pending: make(map[string]int),
	}, nil
}

// Load returns the stored snapshot (nil if none) and the updates
// appended since it was written, in append order.
func (s *Store) Load(docID string) (snapshot []byte, updates [][]byte, err error) {
	if err := checkDocID(docID); err != nil {
		return nil, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, ErrClosed
	}

	snapshot, err = os.ReadFile(s.path(docID, snapshotSuffix))
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, nil, fmt.Errorf("reading snapshot: %w", err)
		}
		snapshot = nil
	}

	updates, err = s.replay(docID)
	if err != nil {
		return nil, nil, err
	}
	return snapshot, updates, nil
}

// AppendUpdate adds one update to the document's log and reports how
// many updates the log now holds, so the caller can decide when to
// fold them into a snapshot.
func (s *Store) AppendUpdate(docID string, update []byte) (pending int, err error) {
	if err := checkDocID(docID); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	file, err := s.handle(docID)
	if err != nil {
		return 0, err
	}
	frame, err := codec.Marshal(update)
	if err != nil {
		return 0, fmt.Errorf("encoding update record: %w", err)
	}
	if _, err := file.Write(frame); err != nil {
		return 0, fmt.Errorf("appending update: %w", err)
	}
	s.pending[docID]++
	return s.pending[docID], nil
}

// WriteSnapshot replaces the document's snapshot with state and
// truncates its update log.
func (s *Store) WriteSnapshot(docID string, state []byte) error {
	if err := checkDocID(docID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if err := s.writeFile(s.path(docID, snapshotSuffix), state); err != nil {
		return err
	}

	if file, ok := s.open[docID]; ok {
		if err := file.Truncate(0); err != nil {
			return fmt.Errorf("truncating update log: %w", err)
		}
	} else if err := os.Remove(s.path(docID, logSuffix)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing update log: %w", err)
	}
	s.pending[docID] = 0
	return nil
}

// CloseDoc releases the open log handle for one document, leaving its
// files intact. Sessions call it on teardown so a long-lived store does
// not accumulate handles for documents nobody has open.
func (s *Store) CloseDoc(docID string) error {
	if err := checkDocID(docID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	file, ok := s.open[docID]
	if !ok {
		return nil
	}
	delete(s.open, docID)
	if err := file.Close(); err != nil {
		return fmt.Errorf("closing log for %s: %w", docID, err)
	}
	return nil
}

// Remove deletes everything stored for the document.
func (s *Store) Remove(docID string) error {
	if err := checkDocID(docID); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	if file, ok := s.open[docID]; ok {
		file.Close()
		delete(s.open, docID)
	}
	delete(s.pending, docID)
	for _, suffix := range []string{snapshotSuffix, logSuffix} {
		if err := os.Remove(s.path(docID, suffix)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing replica file: %w", err)
		}
	}
	return nil
}

// Close releases all open log handles. The store refuses further use.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var firstErr error
	for docID, file := range s.open {
		if err := file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing log for %s: %w", docID, err)
		}
	}
	s.open = nil
	s.pending = nil
	return firstErr
}

// replay reads the document's update log and refreshes the pending
// count. A torn record at the end of the log — the residue of a crash
// mid-append — is discarded and the log rewritten without it. Caller
// holds mu.
func (s *Store) replay(docID string) ([][]byte, error) {
	raw, err := os.ReadFile(s.path(docID, logSuffix))
	if err != nil {
		if os.IsNotExist(err) {
			s.pending[docID] = 0
			return nil, nil
		}
		return nil, fmt.Errorf("reading update log: %w", err)
	}

	var updates [][]byte
	rest := raw
	for len(rest) > 0 {
		var update []byte
		next, err := codec.UnmarshalFirst(rest, &update)
		if err != nil {
			s.log.Warn().
				Str("doc_id", docID).
				Int("discarded_bytes", len(rest)).
				Msg("discarding torn tail of update log")
			if err := s.rewriteLog(docID, updates); err != nil {
				return nil, err
			}
			break
		}
		updates = append(updates, update)
		rest = next
	}
	s.pending[docID] = len(updates)
	return updates, nil
}

// handle returns the open append handle for docID, opening it on first
// use. The log is replayed first if this store has never seen the
// document, so pending counts reflect the file rather than just this
// process's appends. Caller holds mu.
func (s *Store) handle(docID string) (*os.File, error) {
	if file, ok := s.open[docID]; ok {
		return file, nil
	}
	if _, counted := s.pending[docID]; !counted {
		if _, err := s.replay(docID); err != nil {
			return nil, err
		}
	}
	file, err := os.OpenFile(s.path(docID, logSuffix), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening update log: %w", err)
	}
	s.open[docID] = file
	return file, nil
}

// rewriteLog replaces the log file with just the given records,
// dropping whatever followed them. Caller holds mu.
func (s *Store) rewriteLog(docID string, records [][]byte) error {
	var buf []byte
	for _, r := range records {
		frame, err := codec.Marshal(r)
		if err != nil {
			return fmt.Errorf("encoding update record: %w", err)
		}
		buf = append(buf, frame...)
	}

	if file, ok := s.open[docID]; ok {
		file.Close()
		delete(s.open, docID)
	}
	return s.writeFile(s.path(docID, logSuffix), buf)
}

// writeFile atomically replaces path with data via temp file + rename.
// Caller holds mu.
func (s *Store) writeFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, "replica-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}

	success = true
	return nil
}

func (s *Store) path(docID, suffix string) string {
	return filepath.Join(s.dir, docID+suffix)
}

func checkDocID(docID string) error {
	if !validDocID.MatchString(docID) {
		return fmt.Errorf("invalid document id %q", docID)
	}
	return nil
}
