package models

import (
	"time"

	"github.com/google/uuid"
)

// ImageRecord is the metadata row for one archived listing image.
type ImageRecord struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Source          string    `json:"source" db:"source"`
	SourceListingID string    `json:"source_listing_id" db:"source_listing_id"`
	Position        int       `json:"position" db:"position"`
	OriginalURL     string    `json:"original_url" db:"original_url"`
	StorageKey      string    `json:"storage_key" db:"storage_key"`
	ContentHash     string    `json:"content_hash" db:"content_hash"`
	LocalPath       string    `json:"local_path" db:"local_path"`
	PublicURL       *string   `json:"public_url" db:"public_url"`
	MimeType        string    `json:"mime_type" db:"mime_type"`
	SizeBytes       int64     `json:"size_bytes" db:"size_bytes"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

func (r *ImageRecord) Key() string {
	return IdentityKey(r.Source, r.SourceListingID)
}
