package store

import (
	"encoding/json"
	"time"
)

type User struct {
	ID           string    `json:"id"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"createdAt"`
}

type Document struct {
	ID        string          `json:"id"`
	Title     string          `json:"title"`
	Icon      string          `json:"icon"`
	Content   json.RawMessage `json:"content,omitempty"`
	UpdatedBy string          `json:"updatedBy"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DocumentPatch applies a partial save. Nil fields are left untouched, so a
// title-only save cannot clobber content written by another session.
type DocumentPatch struct {
	Title   *string
	Icon    *string
	Content json.RawMessage
}
