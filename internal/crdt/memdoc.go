package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/scribesync/scribesync/internal/codec"
)

// Op kinds carried inside update blobs.
const (
	opInsert     = "insert"
	opDelete     = "delete"
	opListInsert = "list-insert"
	opListRemove = "list-remove"
)

// op is the wire form of a single mutation.
type op struct {
	Site  string `cbor:"site"`
	Seq   uint64 `cbor:"seq"`
	Kind  string `cbor:"kind"`
	Field Field  `cbor:"field"`
	Index int    `cbor:"index,omitempty"`
	Text  string `cbor:"text,omitempty"` // inserted text, or the list value
	Count int    `cbor:"count,omitempty"`
}

// docState is the wire form of a full snapshot.
type docState struct {
	Texts   map[Field]string   `cbor:"texts,omitempty"`
	Lists   map[Field][]string `cbor:"lists,omitempty"`
	Version map[string]uint64  `cbor:"version,omitempty"`
}

// MemDoc is the reference Document: named rune buffers and string
// lists, a per-site version vector for dedupe, and an in-memory op
// history for delta sync. Operations apply at face-value indexes, so
// concurrent edits do not converge the way a real CRDT would; callers
// that need merge quality bring their own Document.
type MemDoc struct {
	mu   sync.Mutex
	site string
	seq  uint64

	texts map[Field][]rune
	lists map[Field][]string

	// version is a per-site watermark, not a causal barrier: an update
	// arriving above the watermark is applied and the watermark jumps.
	version map[string]uint64
	// baseline marks where history starts. Versions below it predate
	// this replica's knowledge and cannot be served deltas.
	baseline map[string]uint64
	history  []historyEntry

	handlers  map[int]func(Change)
	handlerID int
}

type historyEntry struct {
	site string
	seq  uint64
	raw  []byte
}

// NewMemDoc returns an empty document with a fresh site identity.
func NewMemDoc() *MemDoc {
	return &MemDoc{
		site:     uuid.NewString(),
		texts:    make(map[Field][]rune),
		lists:    make(map[Field][]string),
		version:  make(map[string]uint64),
		baseline: make(map[string]uint64),
		handlers: make(map[int]func(Change)),
	}
}

var _ Document = (*MemDoc)(nil)

func (m *MemDoc) Insert(field Field, index int, text string) error {
	if text == "" {
		return nil
	}
	m.mu.Lock()
	if index < 0 || index > len(m.texts[field]) {
		m.mu.Unlock()
		return ErrOutOfRange
	}
	change, fns, err := m.commitLocal(op{Kind: opInsert, Field: field, Index: index, Text: text})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	dispatch(fns, change)
	return nil
}

func (m *MemDoc) Delete(field Field, index, count int) error {
	if count == 0 {
		return nil
	}
	m.mu.Lock()
	if index < 0 || count < 0 || index+count > len(m.texts[field]) {
		m.mu.Unlock()
		return ErrOutOfRange
	}
	change, fns, err := m.commitLocal(op{Kind: opDelete, Field: field, Index: index, Count: count})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	dispatch(fns, change)
	return nil
}

func (m *MemDoc) Text(field Field) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return string(m.texts[field])
}

func (m *MemDoc) ListInsert(field Field, index int, value string) error {
	m.mu.Lock()
	if index < 0 || index > len(m.lists[field]) {
		m.mu.Unlock()
		return ErrOutOfRange
	}
	change, fns, err := m.commitLocal(op{Kind: opListInsert, Field: field, Index: index, Text: value})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	dispatch(fns, change)
	return nil
}

func (m *MemDoc) ListRemove(field Field, index int) error {
	m.mu.Lock()
	if index < 0 || index >= len(m.lists[field]) {
		m.mu.Unlock()
		return ErrOutOfRange
	}
	change, fns, err := m.commitLocal(op{Kind: opListRemove, Field: field, Index: index})
	m.mu.Unlock()
	if err != nil {
		return err
	}
	dispatch(fns, change)
	return nil
}

func (m *MemDoc) List(field Field) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.lists[field]...)
}

func (m *MemDoc) ApplyUpdate(update []byte) error {
	var o op
	if err := codec.Unmarshal(update, &o); err != nil {
		return fmt.Errorf("decoding update: %w", err)
	}
	if o.Site == "" || o.Seq == 0 {
		return errors.New("update missing site or seq")
	}

	m.mu.Lock()
	if o.Seq <= m.version[o.Site] {
		m.mu.Unlock()
		return nil
	}
	raw := append([]byte(nil), update...)
	m.apply(o)
	m.record(o, raw)
	fns := m.handlerList()
	m.mu.Unlock()

	dispatch(fns, Change{Origin: OriginRemote, Fields: []Field{o.Field}, Update: raw})
	return nil
}

func (m *MemDoc) ApplyState(state []byte) error {
	var s docState
	if err := codec.Unmarshal(state, &s); err != nil {
		return fmt.Errorf("decoding state: %w", err)
	}

	m.mu.Lock()
	m.texts = make(map[Field][]rune, len(s.Texts))
	for f, t := range s.Texts {
		m.texts[f] = []rune(t)
	}
	m.lists = make(map[Field][]string, len(s.Lists))
	for f, l := range s.Lists {
		m.lists[f] = append([]string(nil), l...)
	}
	m.version = make(map[string]uint64, len(s.Version))
	m.baseline = make(map[string]uint64, len(s.Version))
	for site, seq := range s.Version {
		m.version[site] = seq
		m.baseline[site] = seq
	}
	if m.version[m.site] > m.seq {
		m.seq = m.version[m.site]
	}
	m.history = nil

	fields := make([]Field, 0, len(s.Texts)+len(s.Lists))
	for f := range s.Texts {
		fields = append(fields, f)
	}
	for f := range s.Lists {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i] < fields[j] })
	fns := m.handlerList()
	m.mu.Unlock()

	dispatch(fns, Change{Origin: OriginRemote, Fields: fields})
	return nil
}

func (m *MemDoc) EncodeState() ([]byte, error) {
	m.mu.Lock()
	s := docState{
		Texts:   make(map[Field]string, len(m.texts)),
		Lists:   make(map[Field][]string, len(m.lists)),
		Version: make(map[string]uint64, len(m.version)),
	}
	for f, r := range m.texts {
		if len(r) > 0 {
			s.Texts[f] = string(r)
		}
	}
	for f, l := range m.lists {
		if len(l) > 0 {
			s.Lists[f] = append([]string(nil), l...)
		}
	}
	for site, seq := range m.version {
		s.Version[site] = seq
	}
	m.mu.Unlock()
	return codec.Marshal(s)
}

func (m *MemDoc) Version() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.version))
	for site, seq := range m.version {
		out[site] = seq
	}
	return out
}

func (m *MemDoc) UpdatesSince(version map[string]uint64) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for site, have := range m.version {
		if version[site] >= have {
			continue
		}
		if version[site] < m.baseline[site] {
			return nil, ErrIncompleteHistory
		}
	}
	var out [][]byte
	for _, e := range m.history {
		if e.seq > version[e.site] {
			out = append(out, e.raw)
		}
	}
	return out, nil
}

func (m *MemDoc) Observe(fn func(Change)) (cancel func()) {
	m.mu.Lock()
	id := m.handlerID
	m.handlerID++
	m.handlers[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.handlers, id)
		m.mu.Unlock()
	}
}

func (m *MemDoc) IsEmpty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.texts {
		if len(r) > 0 {
			return false
		}
	}
	for _, l := range m.lists {
		if len(l) > 0 {
			return false
		}
	}
	return true
}

// commitLocal stamps o with this site's next sequence number, encodes
// it, and applies it. Caller holds mu and has validated indexes.
func (m *MemDoc) commitLocal(o op) (Change, []func(Change), error) {
	o.Site = m.site
	o.Seq = m.seq + 1
	raw, err := codec.Marshal(o)
	if err != nil {
		return Change{}, nil, err
	}
	m.seq = o.Seq
	m.apply(o)
	m.record(o, raw)
	change := Change{Origin: OriginLocal, Fields: []Field{o.Field}, Update: raw}
	return change, m.handlerList(), nil
}

// apply mutates field state. Indexes are clamped rather than rejected:
// remote operations routinely carry positions that drifted past
// concurrent edits, and keeping the content beats keeping the position.
func (m *MemDoc) apply(o op) {
	switch o.Kind {
	case opInsert:
		runes := m.texts[o.Field]
		i := clamp(o.Index, 0, len(runes))
		ins := []rune(o.Text)
		next := make([]rune, 0, len(runes)+len(ins))
		next = append(next, runes[:i]...)
		next = append(next, ins...)
		next = append(next, runes[i:]...)
		m.texts[o.Field] = next
	case opDelete:
		runes := m.texts[o.Field]
		i := clamp(o.Index, 0, len(runes))
		end := clamp(o.Index+o.Count, i, len(runes))
		m.texts[o.Field] = append(runes[:i], runes[end:]...)
	case opListInsert:
		list := m.lists[o.Field]
		i := clamp(o.Index, 0, len(list))
		next := make([]string, 0, len(list)+1)
		next = append(next, list[:i]...)
		next = append(next, o.Text)
		next = append(next, list[i:]...)
		m.lists[o.Field] = next
	case opListRemove:
		list := m.lists[o.Field]
		if o.Index >= 0 && o.Index < len(list) {
			m.lists[o.Field] = append(list[:o.Index], list[o.Index+1:]...)
		}
	}
}

// record advances the version watermark and remembers the encoded op
// for delta sync. Caller holds mu and has deduped.
func (m *MemDoc) record(o op, raw []byte) {
	m.version[o.Site] = o.Seq
	if o.Site == m.site && o.Seq > m.seq {
		// Keep the local counter ahead of anything attributed to this site.
		m.seq = o.Seq
	}
	m.history = append(m.history, historyEntry{site: o.Site, seq: o.Seq, raw: raw})
}

// handlerList snapshots observers under mu. Callbacks run after the
// lock is released so they may call back into the document.
func (m *MemDoc) handlerList() []func(Change) {
	if len(m.handlers) == 0 {
		return nil
	}
	fns := make([]func(Change), 0, len(m.handlers))
	for _, fn := range m.handlers {
		fns = append(fns, fn)
	}
	return fns
}

func dispatch(fns []func(Change), c Change) {
	for _, fn := range fns {
		fn(c)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
