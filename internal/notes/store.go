// Package notes defines the durable index for note metadata. Note content
// never passes through it: bodies live in encrypted replicas and sync peer
// to peer. The store is what listing and search read, so sessions mirror
// title and tag changes into it.
package notes

import (
	"context"
	"errors"

	"github.com/scribesync/scribesync/internal/models"
)

var ErrNotFound = errors.New("note not found")

type Store interface {
	Create(ctx context.Context, note models.NoteMetadata) error
	Get(ctx context.Context, id string) (models.NoteMetadata, error)
	GetByOwner(ctx context.Context, ownerID string) ([]models.NoteMetadata, error)
	Update(ctx context.Context, note models.NoteMetadata) error
	Delete(ctx context.Context, id string) error
}
