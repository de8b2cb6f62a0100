package models

import (
	"time"

	"github.com/google/uuid"
)

// BroadcastSession is one live broadcast attempt for an event.
// At most one session per event has IsActive set.
type BroadcastSession struct {
	ID          uuid.UUID  `json:"id"`
	EventID     uuid.UUID  `json:"event_id"`
	Title       string     `json:"title,omitempty"`
	IsActive    bool       `json:"is_active"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	CreatedBy   string     `json:"created_by,omitempty"`
	ViewerCount int        `json:"viewer_count"`
}

// SessionChange is pushed on the session feed whenever a session of the event starts or ends.
// Session is nil when the event has no session at all.
type SessionChange struct {
	EventID uuid.UUID         `json:"event_id"`
	Session *BroadcastSession `json:"session,omitempty"`
}

// Active reports whether the change describes a live session.
func (c SessionChange) Active() bool {
	return c.Session != nil && c.Session.IsActive
}
