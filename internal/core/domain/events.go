package domain

import "time"

// EventKind identifies a room-state delta.
type EventKind string

const (
	EventParticipantJoined EventKind = "participant_joined"
	EventParticipantLeft   EventKind = "participant_left"
	EventMediaStateChanged EventKind = "media_state_changed"
	EventProducerAdded     EventKind = "producer_added"
	EventProducerRemoved   EventKind = "producer_removed"
	EventBroadcastStarted  EventKind = "broadcast_started"
	EventBroadcastStopped  EventKind = "broadcast_stopped"
	EventHangoutEnded      EventKind = "hangout_ended"
)

// RoomEvent is one entry of a hangout's ordered event log. Seq is monotonic
// per hangout; every connected client of that hangout observes the same
// sequence.
type RoomEvent struct {
	Seq        uint64        `json:"seq"`
	Kind       EventKind     `json:"kind"`
	HangoutID  HangoutID     `json:"hangout_id"`
	UserID     UserID        `json:"user_id,omitempty"`
	Reason     RemovalReason `json:"reason,omitempty"`
	Media      *MediaState   `json:"media,omitempty"`
	ProducerID ProducerID    `json:"producer_id,omitempty"`
	MediaKind  MediaKind     `json:"media_kind,omitempty"`
	At         time.Time     `json:"at"`
}

// MediaState is the broadcastable slice of a participant's flags.
type MediaState struct {
	Muted         bool `json:"muted"`
	CameraOff     bool `json:"camera_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

// RoomSnapshot is the full room-state a client requests after observing a
// sequence gap.
type RoomSnapshot struct {
	Seq     uint64             `json:"seq"`
	Hangout Hangout            `json:"hangout"`
	Roster  []ParticipantState `json:"roster"`
}

// ParticipantState is one roster entry inside a snapshot.
type ParticipantState struct {
	UserID   UserID     `json:"user_id"`
	JoinedAt time.Time  `json:"joined_at"`
	Media    MediaState `json:"media"`
}
