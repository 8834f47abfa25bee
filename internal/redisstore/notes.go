package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/notes"
)

// Key layout. Notes are durable and carry no TTL; only salt and metadata
// are stored here, never key material or content.
const (
	noteKeyPrefix  = "note:"
	ownerKeyPrefix = "owner:"
	ownerKeySuffix = ":notes"
)

func noteKey(id string) string       { return noteKeyPrefix + id }
func ownerKey(ownerID string) string { return ownerKeyPrefix + ownerID + ownerKeySuffix }

// NoteStore implements notes.Store on redis.
type NoteStore struct {
	client *redis.Client
}

func NewNoteStore(client *redis.Client) *NoteStore {
	return &NoteStore{client: client}
}

func (s *NoteStore) Create(ctx context.Context, note models.NoteMetadata) error {
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal note: %w", err)
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, noteKey(note.ID), data, 0)
	pipe.SAdd(ctx, ownerKey(note.OwnerID), note.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("store note: %w", err)
	}
	return nil
}

func (s *NoteStore) Get(ctx context.Context, id string) (models.NoteMetadata, error) {
	data, err := s.client.Get(ctx, noteKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return models.NoteMetadata{}, notes.ErrNotFound
	}
	if err != nil {
		return models.NoteMetadata{}, fmt.Errorf("load note: %w", err)
	}
	var note models.NoteMetadata
	if err := json.Unmarshal([]byte(data), &note); err != nil {
		return models.NoteMetadata{}, fmt.Errorf("parse note %s: %w", id, err)
	}
	return note, nil
}

func (s *NoteStore) GetByOwner(ctx context.Context, ownerID string) ([]models.NoteMetadata, error) {
	ids, err := s.client.SMembers(ctx, ownerKey(ownerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list notes for owner: %w", err)
	}
	var owned []models.NoteMetadata
	for _, id := range ids {
		note, err := s.Get(ctx, id)
		if errors.Is(err, notes.ErrNotFound) {
			continue // index entry outlived the note
		}
		if err != nil {
			return nil, err
		}
		owned = append(owned, note)
	}
	return owned, nil
}

func (s *NoteStore) Update(ctx context.Context, note models.NoteMetadata) error {
	if _, err := s.Get(ctx, note.ID); err != nil {
		return err
	}
	data, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal note: %w", err)
	}
	if err := s.client.Set(ctx, noteKey(note.ID), data, 0).Err(); err != nil {
		return fmt.Errorf("store note: %w", err)
	}
	return nil
}

func (s *NoteStore) Delete(ctx context.Context, id string) error {
	note, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, noteKey(id))
	pipe.SRem(ctx, ownerKey(note.OwnerID), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete note: %w", err)
	}
	return nil
}
