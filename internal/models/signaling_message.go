package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SenderType is the role of a signaling participant.
type SenderType string

const (
	SenderBroadcaster SenderType = "broadcaster"
	SenderViewer      SenderType = "viewer"
)

// Complement returns the role this role talks to.
func (t SenderType) Complement() SenderType {
	if t == SenderBroadcaster {
		return SenderViewer
	}
	return SenderBroadcaster
}

// Valid reports whether t is a known role.
func (t SenderType) Valid() bool {
	return t == SenderBroadcaster || t == SenderViewer
}

// MessageType is the kind of handshake datum.
type MessageType string

const (
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
)

// Valid reports whether t is a known handshake message type.
func (t MessageType) Valid() bool {
	switch t {
	case MessageOffer, MessageAnswer, MessageICECandidate:
		return true
	}
	return false
}

// SignalingMessage is one immutable handshake datum relayed between a broadcaster and a viewer.
// MessageData is opaque: a session description for offer/answer, a candidate for ice-candidate.
type SignalingMessage struct {
	ID          string          `json:"id"`
	StreamID    uuid.UUID       `json:"stream_id"`
	EventID     uuid.UUID       `json:"event_id"`
	SenderType  SenderType      `json:"sender_type"`
	SenderID    string          `json:"sender_id"`
	TargetID    string          `json:"target_id,omitempty"`
	MessageType MessageType     `json:"message_type"`
	MessageData json.RawMessage `json:"message_data"`
	CreatedAt   time.Time       `json:"created_at"`
}
