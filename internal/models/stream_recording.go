package models

import (
	"time"

	"github.com/google/uuid"
)

// StreamRecording is the persisted artifact of one finished broadcast.
// FileSize and DurationSeconds are best-effort and nil when unknown.
type StreamRecording struct {
	ID              uuid.UUID `json:"id"`
	StreamID        uuid.UUID `json:"stream_id"`
	EventID         uuid.UUID `json:"event_id"`
	URL             string    `json:"url"`
	StoragePath     string    `json:"storage_path"`
	Title           string    `json:"title,omitempty"`
	Filename        string    `json:"filename"`
	FileSize        *int64    `json:"file_size,omitempty"`
	DurationSeconds *int      `json:"duration_seconds,omitempty"`
	StartedAt       time.Time `json:"started_at"`
	EndedAt         time.Time `json:"ended_at"`
	ViewCount       int       `json:"view_count"`
	CreatedAt       time.Time `json:"created_at"`
}
