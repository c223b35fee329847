package domain

import (
	"time"
)

type HangoutID string
type UserID string
type ParticipantID string
type TransportID string
type ProducerID string
type ConsumerID string

// Visibility controls who may be admitted to a hangout.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// HangoutStatus is the room-level lifecycle state.
type HangoutStatus string

const (
	StatusWaiting HangoutStatus = "waiting"
	StatusActive  HangoutStatus = "active"
	StatusEnded   HangoutStatus = "ended"
)

// Hangout is a single group video call session.
type Hangout struct {
	ID              HangoutID     `json:"id"`
	Name            string        `json:"name,omitempty"`
	Visibility      Visibility    `json:"visibility"`
	Status          HangoutStatus `json:"status"`
	CreatedBy       UserID        `json:"created_by"`
	MaxParticipants int           `json:"max_participants"`
	BroadcastURL    string        `json:"broadcast_url,omitempty"`
	BroadcastActive bool          `json:"broadcast_active"`
	FederationID    string        `json:"federation_id,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	EndedAt         *time.Time    `json:"ended_at,omitempty"`
}

// IsEnded reports whether the hangout reached its terminal state.
func (h *Hangout) IsEnded() bool {
	return h.Status == StatusEnded || h.EndedAt != nil
}

// MarkActive records the first successful admission.
func (h *Hangout) MarkActive(now time.Time) {
	if h.StartedAt == nil {
		h.StartedAt = &now
	}
	h.Status = StatusActive
}

// MarkEnded moves the hangout to its terminal state. Idempotent.
func (h *Hangout) MarkEnded(now time.Time) {
	if h.EndedAt == nil {
		h.EndedAt = &now
	}
	h.Status = StatusEnded
	h.BroadcastActive = false
}
