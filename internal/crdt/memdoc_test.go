package crdt

import (
	"errors"
	"reflect"
	"testing"
)

// recorder captures changes and the updates they carry.
type recorder struct {
	changes []Change
}

func (r *recorder) observe(c Change) {
	r.changes = append(r.changes, c)
}

func (r *recorder) updates() [][]byte {
	var out [][]byte
	for _, c := range r.changes {
		if c.Update != nil {
			out = append(out, c.Update)
		}
	}
	return out
}

func TestInsertDeleteText(t *testing.T) {
	d := NewMemDoc()

	if err := d.Insert(FieldBody, 0, "héllo world"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := d.Insert(FieldBody, 5, ","); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if got := d.Text(FieldBody); got != "héllo, world" {
		t.Fatalf("Text = %q, want %q", got, "héllo, world")
	}

	// Indexes count runes, not bytes: deleting 6 from 0 removes "héllo,".
	if err := d.Delete(FieldBody, 0, 6); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := d.Text(FieldBody); got != " world" {
		t.Fatalf("Text = %q, want %q", got, " world")
	}
}

func TestOutOfRangeLocalEdits(t *testing.T) {
	d := NewMemDoc()
	if err := d.Insert(FieldBody, 0, "abc"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := d.Insert(FieldBody, 4, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Insert past end = %v, want ErrOutOfRange", err)
	}
	if err := d.Insert(FieldBody, -1, "x"); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Insert negative = %v, want ErrOutOfRange", err)
	}
	if err := d.Delete(FieldBody, 1, 3); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("Delete past end = %v, want ErrOutOfRange", err)
	}
	if err := d.ListRemove(FieldTags, 0); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("ListRemove on empty = %v, want ErrOutOfRange", err)
	}
	if got := d.Text(FieldBody); got != "abc" {
		t.Fatalf("rejected edits mutated the document: %q", got)
	}
}

func TestListOps(t *testing.T) {
	d := NewMemDoc()

	for i, tag := range []string{"draft", "work", "shared"} {
		if err := d.ListInsert(FieldTags, i, tag); err != nil {
			t.Fatalf("ListInsert(%d): %v", i, err)
		}
	}
	if err := d.ListRemove(FieldTags, 1); err != nil {
		t.Fatalf("ListRemove: %v", err)
	}
	want := []string{"draft", "shared"}
	if got := d.List(FieldTags); !reflect.DeepEqual(got, want) {
		t.Fatalf("List = %v, want %v", got, want)
	}

	// The returned slice is a copy.
	d.List(FieldTags)[0] = "mutated"
	if got := d.List(FieldTags); got[0] != "draft" {
		t.Fatalf("List exposed internal state: %v", got)
	}
}

func TestUpdatesConvergeAcrossDocs(t *testing.T) {
	a := NewMemDoc()
	b := NewMemDoc()

	var rec recorder
	cancel := a.Observe(rec.observe)
	defer cancel()

	if err := a.Insert(FieldTitle, 0, "standup notes"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.Insert(FieldBody, 0, "agenda"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.ListInsert(FieldTags, 0, "meeting"); err != nil {
		t.Fatalf("ListInsert: %v", err)
	}

	for _, u := range rec.updates() {
		if err := b.ApplyUpdate(u); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
	}

	if got := b.Text(FieldTitle); got != "standup notes" {
		t.Fatalf("title = %q", got)
	}
	if got := b.Text(FieldBody); got != "agenda" {
		t.Fatalf("body = %q", got)
	}
	if got := b.List(FieldTags); !reflect.DeepEqual(got, []string{"meeting"}) {
		t.Fatalf("tags = %v", got)
	}
	if !reflect.DeepEqual(a.Version(), b.Version()) {
		t.Fatalf("versions diverge: %v vs %v", a.Version(), b.Version())
	}
}

func TestIdempotentRedelivery(t *testing.T) {
	a := NewMemDoc()
	b := NewMemDoc()

	var rec recorder
	a.Observe(rec.observe)
	if err := a.Insert(FieldBody, 0, "once"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	update := rec.updates()[0]

	var applied recorder
	b.Observe(applied.observe)
	for i := 0; i < 3; i++ {
		if err := b.ApplyUpdate(update); err != nil {
			t.Fatalf("ApplyUpdate #%d: %v", i, err)
		}
	}

	if got := b.Text(FieldBody); got != "once" {
		t.Fatalf("redelivery duplicated content: %q", got)
	}
	if len(applied.changes) != 1 {
		t.Fatalf("observer fired %d times, want 1", len(applied.changes))
	}
}

func TestApplyUpdateRejectsGarbage(t *testing.T) {
	d := NewMemDoc()
	if err := d.ApplyUpdate([]byte("not cbor")); err == nil {
		t.Fatal("garbage update accepted")
	}
	if !d.IsEmpty() {
		t.Fatal("garbage update mutated the document")
	}
}

func TestObserveOriginsAndCancel(t *testing.T) {
	a := NewMemDoc()
	b := NewMemDoc()

	var fromA recorder
	a.Observe(fromA.observe)
	if err := a.Insert(FieldBody, 0, "x"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	local := fromA.changes[0]
	if local.Origin != OriginLocal || local.Update == nil {
		t.Fatalf("local change = %+v", local)
	}
	if !reflect.DeepEqual(local.Fields, []Field{FieldBody}) {
		t.Fatalf("local fields = %v", local.Fields)
	}

	var fromB recorder
	cancel := b.Observe(fromB.observe)
	if err := b.ApplyUpdate(local.Update); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if fromB.changes[0].Origin != OriginRemote {
		t.Fatalf("remote change origin = %v", fromB.changes[0].Origin)
	}

	cancel()
	if err := b.ApplyUpdate(mustUpdate(t, a, FieldBody, "y")); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	if len(fromB.changes) != 1 {
		t.Fatalf("cancelled observer still fired: %d changes", len(fromB.changes))
	}
}

func TestObserverMayReenterDocument(t *testing.T) {
	d := NewMemDoc()
	var encoded []byte
	d.Observe(func(Change) {
		state, err := d.EncodeState()
		if err != nil {
			t.Errorf("EncodeState from observer: %v", err)
			return
		}
		encoded = state
	})

	if err := d.Insert(FieldBody, 0, "reentrant"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if len(encoded) == 0 {
		t.Fatal("observer did not run")
	}
}

func TestUpdatesSinceDelta(t *testing.T) {
	a := NewMemDoc()
	b := NewMemDoc()

	var rec recorder
	a.Observe(rec.observe)
	if err := a.Insert(FieldBody, 0, "one "); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := b.ApplyUpdate(rec.updates()[0]); err != nil {
		t.Fatalf("ApplyUpdate: %v", err)
	}
	stale := b.Version()

	if err := a.Insert(FieldBody, 4, "two "); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.Insert(FieldBody, 8, "three"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	missing, err := a.UpdatesSince(stale)
	if err != nil {
		t.Fatalf("UpdatesSince: %v", err)
	}
	if len(missing) != 2 {
		t.Fatalf("UpdatesSince returned %d updates, want 2", len(missing))
	}
	for _, u := range missing {
		if err := b.ApplyUpdate(u); err != nil {
			t.Fatalf("ApplyUpdate: %v", err)
		}
	}
	if got := b.Text(FieldBody); got != "one two three" {
		t.Fatalf("body = %q", got)
	}

	// An up-to-date peer gets nothing.
	none, err := a.UpdatesSince(b.Version())
	if err != nil {
		t.Fatalf("UpdatesSince: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("up-to-date peer got %d updates", len(none))
	}
}

func TestSnapshotBootstrap(t *testing.T) {
	a := NewMemDoc()
	if err := a.Insert(FieldTitle, 0, "roadmap"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := a.ListInsert(FieldTags, 0, "planning"); err != nil {
		t.Fatalf("ListInsert: %v", err)
	}
	state, err := a.EncodeState()
	if err != nil {
		t.Fatalf("EncodeState: %v", err)
	}

	b := NewMemDoc()
	var rec recorder
	b.Observe(rec.observe)
	if err := b.ApplyState(state); err != nil {
		t.Fatalf("ApplyState: %v", err)
	}

	if got := b.Text(FieldTitle); got != "roadmap" {
		t.Fatalf("title = %q", got)
	}
	if got := b.List(FieldTags); !reflect.DeepEqual(got, []string{"planning"}) {
		t.Fatalf("tags = %v", got)
	}
	if !reflect.DeepEqual(a.Version(), b.Version()) {
		t.Fatalf("versions diverge: %v vs %v", a.Version(), b.Version())
	}

	// Snapshots carry no per-op history, so a fresh peer cannot be
	// served deltas from before the bootstrap point.
	if _, err := b.UpdatesSince(map[string]uint64{}); !errors.Is(err, ErrIncompleteHistory) {
		t.Fatalf("UpdatesSince from zero = %v, want ErrIncompleteHistory", err)
	}
	if got, err := b.UpdatesSince(b.Version()); err != nil || len(got) != 0 {
		t.Fatalf("UpdatesSince at head = %v, %v", got, err)
	}

	c := rec.changes[0]
	if c.Origin != OriginRemote || c.Update != nil {
		t.Fatalf("snapshot change = %+v", c)
	}
	if !reflect.DeepEqual(c.Fields, []Field{FieldTags, FieldTitle}) {
		t.Fatalf("snapshot fields = %v", c.Fields)
	}
}

func TestIsEmptyTracksContent(t *testing.T) {
	d := NewMemDoc()
	if !d.IsEmpty() {
		t.Fatal("fresh document not empty")
	}
	if err := d.Insert(FieldBody, 0, "x"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if d.IsEmpty() {
		t.Fatal("document with content reported empty")
	}
	if err := d.Delete(FieldBody, 0, 1); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !d.IsEmpty() {
		t.Fatal("emptiness is about content, not history")
	}
}

// mustUpdate performs an insert on doc and returns its encoded update.
func mustUpdate(t *testing.T, doc *MemDoc, field Field, text string) []byte {
	t.Helper()
	var rec recorder
	cancel := doc.Observe(rec.observe)
	defer cancel()
	if err := doc.Insert(field, len([]rune(doc.Text(field))), text); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	return rec.updates()[0]
}
