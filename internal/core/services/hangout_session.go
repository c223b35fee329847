package services

import (
	"context"
	"sync"
	"time"

	"hangnet/internal/core/domain"
)

// hangoutSession is the in-memory coordinator state for one live hangout.
// All roster and media-link mutations go through mu, so every subscriber
// observes events in a single authoritative order.
type hangoutSession struct {
	id domain.HangoutID

	// mu serializes admit/remove/media wiring for this hangout. Mutations for
	// different hangouts proceed independently.
	mu sync.Mutex

	participants map[domain.UserID]*participantSession

	// cancelWiring lets a leave cancel in-flight wiring work scoped to the
	// departing participant.
	cancelWiring map[domain.UserID]context.CancelFunc

	seq uint64

	subMu       sync.RWMutex
	subscribers map[string]func(domain.RoomEvent)
}

func newHangoutSession(id domain.HangoutID) *hangoutSession {
	return &hangoutSession{
		id:           id,
		participants: make(map[domain.UserID]*participantSession),
		cancelWiring: make(map[domain.UserID]context.CancelFunc),
		subscribers:  make(map[string]func(domain.RoomEvent)),
	}
}

// emit appends an event to the log and fans it out. Must be called with
// hs.mu held; the lock is what makes the sequence authoritative.
func (hs *hangoutSession) emit(kind domain.EventKind, mutate func(*domain.RoomEvent)) domain.RoomEvent {
	hs.seq++
	ev := domain.RoomEvent{
		Seq:       hs.seq,
		Kind:      kind,
		HangoutID: hs.id,
		At:        time.Now(),
	}
	if mutate != nil {
		mutate(&ev)
	}

	hs.subMu.RLock()
	for _, fn := range hs.subscribers {
		fn(ev)
	}
	hs.subMu.RUnlock()

	return ev
}

func (hs *hangoutSession) subscribe(subscriberID string, fn func(domain.RoomEvent)) func() {
	hs.subMu.Lock()
	hs.subscribers[subscriberID] = fn
	hs.subMu.Unlock()

	return func() {
		hs.subMu.Lock()
		delete(hs.subscribers, subscriberID)
		hs.subMu.Unlock()
	}
}

// rosterSize counts live participants. Caller holds hs.mu.
func (hs *hangoutSession) rosterSize() int {
	return len(hs.participants)
}

// rosterStates snapshots the roster for a room-state message. Caller holds
// hs.mu.
func (hs *hangoutSession) rosterStates() []domain.ParticipantState {
	states := make([]domain.ParticipantState, 0, len(hs.participants))
	for _, ps := range hs.participants {
		states = append(states, domain.ParticipantState{
			UserID:   ps.record.UserID,
			JoinedAt: ps.record.JoinedAt,
			Media: domain.MediaState{
				Muted:         ps.record.IsMuted,
				CameraOff:     ps.record.IsCameraOff,
				ScreenSharing: ps.record.IsScreenSharing,
			},
		})
	}
	return states
}

// wiringContext derives a cancellable context for wiring work scoped to one
// participant. Caller holds hs.mu.
func (hs *hangoutSession) wiringContext(parent context.Context, user domain.UserID, timeout time.Duration) (context.Context, context.CancelFunc) {
	if prev, ok := hs.cancelWiring[user]; ok {
		prev()
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	hs.cancelWiring[user] = cancel
	return ctx, cancel
}

// cancelWiringFor aborts in-flight wiring for a departing participant.
// Caller holds hs.mu.
func (hs *hangoutSession) cancelWiringFor(user domain.UserID) {
	if cancel, ok := hs.cancelWiring[user]; ok {
		cancel()
		delete(hs.cancelWiring, user)
	}
}
