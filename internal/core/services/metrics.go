package services

import (
	"time"

	"hangnet/internal/core/domain"
)

// Metrics is the instrumentation sink for the orchestrator. The prometheus
// collector implements it; tests and metric-less deployments use NoopMetrics.
type Metrics interface {
	HangoutStarted(id domain.HangoutID)
	HangoutEnded(id domain.HangoutID)
	ParticipantJoined(id domain.HangoutID)
	ParticipantLeft(id domain.HangoutID, reason domain.RemovalReason)
	MediaLinkCreated(kind domain.MediaKind)
	MediaLinkClosed(kind domain.MediaKind)
	NegotiationCompleted(d time.Duration)
	BroadcastStarted(id domain.HangoutID)
	BroadcastStopped(id domain.HangoutID)
	RelayPushFailed(id domain.HangoutID)
}

// NoopMetrics discards all measurements.
type NoopMetrics struct{}

func (NoopMetrics) HangoutStarted(domain.HangoutID)                        {}
func (NoopMetrics) HangoutEnded(domain.HangoutID)                          {}
func (NoopMetrics) ParticipantJoined(domain.HangoutID)                     {}
func (NoopMetrics) ParticipantLeft(domain.HangoutID, domain.RemovalReason) {}
func (NoopMetrics) MediaLinkCreated(domain.MediaKind)                      {}
func (NoopMetrics) MediaLinkClosed(domain.MediaKind)                       {}
func (NoopMetrics) NegotiationCompleted(time.Duration)                     {}
func (NoopMetrics) BroadcastStarted(domain.HangoutID)                      {}
func (NoopMetrics) BroadcastStopped(domain.HangoutID)                      {}
func (NoopMetrics) RelayPushFailed(domain.HangoutID)                       {}
