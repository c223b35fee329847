package domain

import "time"

// Participant is one user's membership record in a hangout. A user holds at
// most one record per hangout; rejoin reactivates it (leftAt cleared, flags
// reset) rather than inserting a new row.
type Participant struct {
	ID              ParticipantID `json:"id"`
	HangoutID       HangoutID     `json:"hangout_id"`
	UserID          UserID        `json:"user_id"`
	JoinedAt        time.Time     `json:"joined_at"`
	LeftAt          *time.Time    `json:"left_at,omitempty"`
	IsMuted         bool          `json:"is_muted"`
	IsCameraOff     bool          `json:"is_camera_off"`
	IsScreenSharing bool          `json:"is_screen_sharing"`
}

// IsLive reports whether the participant is currently present.
func (p *Participant) IsLive() bool {
	return p.LeftAt == nil
}

// Reactivate resets the record for a rejoin.
func (p *Participant) Reactivate(now time.Time) {
	p.JoinedAt = now
	p.LeftAt = nil
	p.IsMuted = false
	p.IsCameraOff = false
	p.IsScreenSharing = false
}

// RemovalReason explains why a participant was removed from the roster.
type RemovalReason string

const (
	ReasonLeft               RemovalReason = "left"
	ReasonDisconnected       RemovalReason = "disconnected"
	ReasonKicked             RemovalReason = "kicked"
	ReasonHangoutEnded       RemovalReason = "hangout_ended"
	ReasonNegotiationTimeout RemovalReason = "negotiation_timeout"
)

// MediaKind distinguishes audio from video tracks.
type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// VideoSource distinguishes camera video from screen capture.
type VideoSource string

const (
	SourceCamera VideoSource = "camera"
	SourceScreen VideoSource = "screen"
)
