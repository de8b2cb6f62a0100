package models

import (
	"time"

	"github.com/google/uuid"
)

// ViewerPresence is the liveness record of one viewer on one stream, keyed by (StreamID, ViewerID).
type ViewerPresence struct {
	StreamID   uuid.UUID `json:"stream_id"`
	ViewerID   string    `json:"viewer_id"`
	EventID    uuid.UUID `json:"event_id"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// PresenceEventKind describes a presence change.
type PresenceEventKind string

const (
	PresenceJoined PresenceEventKind = "joined"
	PresenceLeft   PresenceEventKind = "left"
)

// PresenceEvent is pushed on the presence feed of a stream.
type PresenceEvent struct {
	Kind     PresenceEventKind `json:"kind"`
	StreamID uuid.UUID         `json:"stream_id"`
	ViewerID string            `json:"viewer_id"`
	At       time.Time         `json:"at"`
}
