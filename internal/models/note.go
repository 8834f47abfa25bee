package models

import "time"

// NoteMetadata is the shareable record for a note. Content never appears
// here: note bodies live in encrypted replicas on devices, and only the
// key-derivation salt is stored server-side.
type NoteMetadata struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"ownerId"` // subject claim of the creating token
	Title     string    `json:"title"`
	Tags      []string  `json:"tags,omitempty"`
	Salt      string    `json:"salt,omitempty"` // base64 KDF salt for password-protected notes
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// CreateNoteRequest is the request body for creating a note.
type CreateNoteRequest struct {
	Title string   `json:"title" binding:"required,max=200"`
	Tags  []string `json:"tags,omitempty"`
	Salt  string   `json:"salt,omitempty"`
}

// UpdateNoteRequest carries the mutable fields of a note. Nil fields are
// left unchanged.
type UpdateNoteRequest struct {
	Title *string   `json:"title,omitempty"`
	Tags  *[]string `json:"tags,omitempty"`
	Salt  *string   `json:"salt,omitempty"`
}
