package notes

import (
	"context"
	"sort"
	"sync"

	"github.com/scribesync/scribesync/internal/models"
)

// MemoryStore is an in-memory Store for tests and offline sessions.
type MemoryStore struct {
	mu    sync.RWMutex
	notes map[string]models.NoteMetadata
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{notes: make(map[string]models.NoteMetadata)}
}

func (s *MemoryStore) Create(_ context.Context, note models.NoteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = cloneNote(note)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (models.NoteMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	note, ok := s.notes[id]
	if !ok {
		return models.NoteMetadata{}, ErrNotFound
	}
	return cloneNote(note), nil
}

func (s *MemoryStore) GetByOwner(_ context.Context, ownerID string) ([]models.NoteMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var owned []models.NoteMetadata
	for _, note := range s.notes {
		if note.OwnerID == ownerID {
			owned = append(owned, cloneNote(note))
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i].ID < owned[j].ID })
	return owned, nil
}

func (s *MemoryStore) Update(_ context.Context, note models.NoteMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[note.ID]; !ok {
		return ErrNotFound
	}
	s.notes[note.ID] = cloneNote(note)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.notes[id]; !ok {
		return ErrNotFound
	}
	delete(s.notes, id)
	return nil
}

// cloneNote copies the tag slice so callers never alias stored state.
func cloneNote(note models.NoteMetadata) models.NoteMetadata {
	if note.Tags != nil {
		tags := make([]string, len(note.Tags))
		copy(tags, note.Tags)
		note.Tags = tags
	}
	return note
}
