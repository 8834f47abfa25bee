package notes_test

import (
	"context"
	"errors"
	"testing"

	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/notes"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := notes.NewMemoryStore()
	ctx := context.Background()

	note := models.NoteMetadata{
		ID:      "note-1",
		OwnerID: "alice",
		Title:   "Groceries",
		Tags:    []string{"errands"},
		Salt:    "c2FsdHk=",
	}
	if err := store.Create(ctx, note); err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Groceries" || got.OwnerID != "alice" || got.Salt != "c2FsdHk=" {
		t.Fatalf("got %+v", got)
	}

	got.Title = "Renamed"
	got.Tags = append(got.Tags, "shared")
	if err := store.Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	updated, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get after update: %v", err)
	}
	if updated.Title != "Renamed" || len(updated.Tags) != 2 {
		t.Fatalf("updated = %+v", updated)
	}

	if err := store.Delete(ctx, "note-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, "note-1"); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("Get after delete: %v, want ErrNotFound", err)
	}
}

func TestMemoryStoreDoesNotAliasTags(t *testing.T) {
	store := notes.NewMemoryStore()
	ctx := context.Background()

	tags := []string{"draft"}
	if err := store.Create(ctx, models.NoteMetadata{ID: "note-1", OwnerID: "alice", Tags: tags}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	tags[0] = "mutated-after-create"

	got, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Tags[0] != "draft" {
		t.Fatalf("stored tag changed through caller slice: %q", got.Tags[0])
	}

	got.Tags[0] = "mutated-after-get"
	again, err := store.Get(ctx, "note-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if again.Tags[0] != "draft" {
		t.Fatalf("stored tag changed through returned slice: %q", again.Tags[0])
	}
}

func TestMemoryStoreGetByOwner(t *testing.T) {
	store := notes.NewMemoryStore()
	ctx := context.Background()

	for _, note := range []models.NoteMetadata{
		{ID: "note-b", OwnerID: "alice"},
		{ID: "note-a", OwnerID: "alice"},
		{ID: "note-c", OwnerID: "bob"},
	} {
		if err := store.Create(ctx, note); err != nil {
			t.Fatalf("Create %s: %v", note.ID, err)
		}
	}

	owned, err := store.GetByOwner(ctx, "alice")
	if err != nil {
		t.Fatalf("GetByOwner: %v", err)
	}
	if len(owned) != 2 || owned[0].ID != "note-a" || owned[1].ID != "note-b" {
		t.Fatalf("owned = %+v", owned)
	}

	none, err := store.GetByOwner(ctx, "carol")
	if err != nil {
		t.Fatalf("GetByOwner: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("carol owns %d notes, want 0", len(none))
	}
}

func TestMemoryStoreMissingNoteErrors(t *testing.T) {
	store := notes.NewMemoryStore()
	ctx := context.Background()

	if err := store.Update(ctx, models.NoteMetadata{ID: "ghost"}); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("Update: %v, want ErrNotFound", err)
	}
	if err := store.Delete(ctx, "ghost"); !errors.Is(err, notes.ErrNotFound) {
		t.Fatalf("Delete: %v, want ErrNotFound", err)
	}
}
