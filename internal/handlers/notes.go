package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/scribesync/scribesync/internal/middleware"
	"github.com/scribesync/scribesync/internal/models"
	"github.com/scribesync/scribesync/internal/notes"
)

// Notes serves the metadata CRUD backing note listing and search. Content
// is never stored here; collaborating sessions mirror title and tag
// changes into this index.
type Notes struct {
	store notes.Store
	log   zerolog.Logger
}

func NewNotes(store notes.Store, log zerolog.Logger) *Notes {
	return &Notes{store: store, log: log}
}

// Create registers a new note owned by the authenticated user.
func (h *Notes) Create(c *gin.Context) {
	userID, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var req models.CreateNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	now := time.Now().UTC()
	note := models.NoteMetadata{
		ID:        uuid.New().String(),
		OwnerID:   userID.(string),
		Title:     req.Title,
		Tags:      req.Tags,
		Salt:      req.Salt,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(c.Request.Context(), note); err != nil {
		h.log.Error().Err(err).Msg("create note")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create note"})
		return
	}

	c.JSON(http.StatusCreated, note)
}

// Get returns one note's metadata. Any authenticated user holding the id
// may read it: note ids double as room ids, and collaborators need the
// salt to derive the key. Content stays gated by that key.
func (h *Notes) Get(c *gin.Context) {
	note, err := h.store.Get(c.Request.Context(), c.Param("noteId"))
	if errors.Is(err, notes.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("get note")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load note"})
		return
	}
	c.JSON(http.StatusOK, note)
}

// ListMine returns the metadata of every note the caller owns.
func (h *Notes) ListMine(c *gin.Context) {
	userID, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	owned, err := h.store.GetByOwner(c.Request.Context(), userID.(string))
	if err != nil {
		h.log.Error().Err(err).Msg("list notes")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list notes"})
		return
	}
	if owned == nil {
		owned = []models.NoteMetadata{}
	}
	c.JSON(http.StatusOK, owned)
}

// Update applies title, tag, or salt changes. Collaborators may update:
// session metadata mirroring writes through this path.
func (h *Notes) Update(c *gin.Context) {
	var req models.UpdateNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	note, err := h.store.Get(ctx, c.Param("noteId"))
	if errors.Is(err, notes.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("load note for update")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update note"})
		return
	}

	if req.Title != nil {
		note.Title = *req.Title
	}
	if req.Tags != nil {
		note.Tags = *req.Tags
	}
	if req.Salt != nil {
		note.Salt = *req.Salt
	}
	note.UpdatedAt = time.Now().UTC()

	if err := h.store.Update(ctx, note); err != nil {
		h.log.Error().Err(err).Msg("update note")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update note"})
		return
	}
	c.JSON(http.StatusOK, note)
}

// Delete removes a note's metadata. Owner only.
func (h *Notes) Delete(c *gin.Context) {
	userID, exists := c.Get(middleware.ContextUserID)
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	ctx := c.Request.Context()
	note, err := h.store.Get(ctx, c.Param("noteId"))
	if errors.Is(err, notes.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Note not found"})
		return
	}
	if err != nil {
		h.log.Error().Err(err).Msg("load note for delete")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete note"})
		return
	}
	if note.OwnerID != userID.(string) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the note owner can delete it"})
		return
	}

	if err := h.store.Delete(ctx, note.ID); err != nil {
		h.log.Error().Err(err).Msg("delete note")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete note"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Note deleted"})
}
