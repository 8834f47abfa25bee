// Package crdt defines the replicated document model that collaboration
// sessions keep in sync. A document holds named text fields and list
// fields; every mutation produces an opaque update blob that can be
// persisted, shipped to peers, and reapplied elsewhere.
//
// The merge algorithm itself is pluggable: anything satisfying Document
// slots into a session. The bundled MemDoc applies operations by index
// and is deliberately not conflict-free; it exists so sync, persistence,
// and session logic are fully testable without a CRDT engine.
package crdt

import "errors"

var (
	// ErrOutOfRange reports an index outside the current field bounds.
	ErrOutOfRange = errors.New("index out of range")

	// ErrIncompleteHistory reports that the document cannot produce the
	// updates a remote version is missing, typically because it was
	// bootstrapped from a snapshot. Callers fall back to EncodeState.
	ErrIncompleteHistory = errors.New("update history incomplete")
)

// Origin distinguishes edits made through this document's mutators from
// updates applied on behalf of a peer or a replayed log.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

func (o Origin) String() string {
	if o == OriginLocal {
		return "local"
	}
	return "remote"
}

// Field names a text or list field within a document. Fields spring
// into existence on first use; these are the ones scribesync notes use.
type Field string

const (
	FieldTitle Field = "title"
	FieldBody  Field = "body"
	FieldTags  Field = "tags"
)

// Change describes one applied mutation. Update holds the encoded
// operation so observers can persist or broadcast it; it is nil when a
// whole snapshot was merged via ApplyState.
type Change struct {
	Origin Origin
	Fields []Field
	Update []byte
}

// Document is the replicated object a session manages. Implementations
// must be safe for concurrent use. Observe callbacks run after the
// mutation commits, outside any internal lock, so they may call back
// into the document.
type Document interface {
	// Insert splices text into a text field at a rune index.
	Insert(field Field, index int, text string) error
	// Delete removes count runes from a text field starting at index.
	Delete(field Field, index, count int) error
	// Text returns the current contents of a text field.
	Text(field Field) string

	// ListInsert inserts a value into a list field at index.
	ListInsert(field Field, index int, value string) error
	// ListRemove removes the element of a list field at index.
	ListRemove(field Field, index int) error
	// List returns a copy of a list field.
	List(field Field) []string

	// ApplyUpdate merges an update produced by another replica (or
	// replayed from the local log). Redelivery is a no-op.
	ApplyUpdate(update []byte) error
	// ApplyState replaces the document with a full encoded snapshot.
	// Callers gate it; a session only merges snapshots into a document
	// that has no content of its own.
	ApplyState(state []byte) error
	// EncodeState serializes the whole document, version included.
	EncodeState() ([]byte, error)

	// Version reports the highest sequence number seen per site.
	Version() map[string]uint64
	// UpdatesSince returns, in application order, the updates a replica
	// at the given version is missing. ErrIncompleteHistory means the
	// gap predates this document's history.
	UpdatesSince(version map[string]uint64) ([][]byte, error)

	// Observe registers an observer for applied changes. The returned
	// function cancels the registration.
	Observe(fn func(Change)) (cancel func())
	// IsEmpty reports whether no field holds any content.
	IsEmpty() bool
}
