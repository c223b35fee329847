package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
	"hangnet/pkg/tracing"
	"hangnet/pkg/validation"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// Options tunes the orchestrator.
type Options struct {
	DefaultMaxParticipants int
	NegotiationTimeout     time.Duration
	WiringTimeout          time.Duration
	Transport              ports.TransportOptions
}

// DefaultOptions returns the orchestrator defaults.
func DefaultOptions() Options {
	return Options{
		DefaultMaxParticipants: 10,
		NegotiationTimeout:     30 * time.Second,
		WiringTimeout:          10 * time.Second,
		Transport:              ports.TransportOptions{EnableUDP: true, EnableTCP: true, PreferUDP: true},
	}
}

type hangoutService struct {
	hangoutRepo     ports.HangoutRepository
	participantRepo ports.ParticipantRepository
	engine          ports.MediaEngine
	membership      ports.MembershipChecker
	locker          ports.HangoutLocker
	broadcast       *BroadcastController
	mediaLinks      *mediaLinkManager
	metrics         Metrics
	opts            Options
	logger          *zap.SugaredLogger

	mu       sync.RWMutex
	sessions map[domain.HangoutID]*hangoutSession
}

var _ ports.HangoutService = (*hangoutService)(nil)

func NewHangoutService(
	hangoutRepo ports.HangoutRepository,
	participantRepo ports.ParticipantRepository,
	engine ports.MediaEngine,
	membership ports.MembershipChecker,
	locker ports.HangoutLocker,
	broadcast *BroadcastController,
	metrics Metrics,
	opts Options,
	logger *zap.SugaredLogger,
) ports.HangoutService {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	if membership == nil {
		membership = CreatorOnlyMembership{}
	}
	if locker == nil {
		locker = NoopLocker{}
	}
	if opts.DefaultMaxParticipants < 2 {
		opts.DefaultMaxParticipants = DefaultOptions().DefaultMaxParticipants
	}
	if opts.NegotiationTimeout <= 0 {
		opts.NegotiationTimeout = DefaultOptions().NegotiationTimeout
	}
	if opts.WiringTimeout <= 0 {
		opts.WiringTimeout = DefaultOptions().WiringTimeout
	}
	return &hangoutService{
		hangoutRepo:     hangoutRepo,
		participantRepo: participantRepo,
		engine:          engine,
		membership:      membership,
		locker:          locker,
		broadcast:       broadcast,
		mediaLinks:      newMediaLinkManager(metrics, logger),
		metrics:         metrics,
		opts:            opts,
		logger:          logger,
		sessions:        make(map[domain.HangoutID]*hangoutSession),
	}
}

// CreatorOnlyMembership is the default pre-authorization policy for private
// hangouts: only the creator may join. The platform substitutes its circles
// membership check in production.
type CreatorOnlyMembership struct{}

func (CreatorOnlyMembership) IsAllowed(_ context.Context, hangout *domain.Hangout, user domain.UserID) (bool, error) {
	return user == hangout.CreatedBy, nil
}

// NoopLocker is the single-node locker.
type NoopLocker struct{}

func (NoopLocker) Acquire(context.Context, domain.HangoutID) (func(), error) {
	return func() {}, nil
}

func (s *hangoutService) Create(ctx context.Context, name string, creator domain.UserID, visibility domain.Visibility, maxParticipants int, broadcastURL string) (*domain.Hangout, error) {
	if err := validation.ValidateUserID(string(creator)); err != nil {
		return nil, err
	}
	if err := validation.ValidateHangoutName(name); err != nil {
		return nil, err
	}
	if maxParticipants == 0 {
		maxParticipants = s.opts.DefaultMaxParticipants
	}
	if err := validation.ValidateMaxParticipants(maxParticipants); err != nil {
		return nil, err
	}
	if visibility == "" {
		visibility = domain.VisibilityPublic
	}
	if visibility != domain.VisibilityPublic && visibility != domain.VisibilityPrivate {
		return nil, fmt.Errorf("invalid visibility %q", visibility)
	}
	if broadcastURL != "" {
		if err := validation.ValidateBroadcastURL(broadcastURL); err != nil {
			return nil, err
		}
	}

	hangout := &domain.Hangout{
		ID:              domain.HangoutID(uuid.NewString()),
		Name:            name,
		Visibility:      visibility,
		Status:          domain.StatusWaiting,
		CreatedBy:       creator,
		MaxParticipants: maxParticipants,
		BroadcastURL:    broadcastURL,
		CreatedAt:       time.Now(),
	}

	if err := s.hangoutRepo.Create(ctx, hangout); err != nil {
		return nil, fmt.Errorf("failed to create hangout: %w", err)
	}

	s.logger.Infow("hangout created",
		"hangout_id", hangout.ID,
		"created_by", creator,
		"visibility", visibility,
		"max_participants", maxParticipants,
	)
	return hangout, nil
}

func (s *hangoutService) Get(ctx context.Context, id domain.HangoutID) (*domain.Hangout, error) {
	return s.hangoutRepo.GetByID(ctx, id)
}

// session returns the coordinator for a hangout, creating it when the
// hangout exists and is not ended.
func (s *hangoutService) session(ctx context.Context, id domain.HangoutID) (*hangoutSession, *domain.Hangout, error) {
	hangout, err := s.hangoutRepo.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	hs, ok := s.sessions[id]
	if !ok {
		if hangout.IsEnded() {
			return nil, hangout, domain.ErrSessionClosed
		}
		hs = newHangoutSession(id)
		s.sessions[id] = hs
	}
	return hs, hangout, nil
}

func (s *hangoutService) dropSession(id domain.HangoutID) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func transportInfo(t ports.Transport) ports.TransportInfo {
	return ports.TransportInfo{
		ID:             t.ID(),
		ICEParameters:  t.ICEParameters(),
		ICECandidates:  t.ICECandidates(),
		DTLSParameters: t.DTLSParameters(),
	}
}

func (s *hangoutService) Admit(ctx context.Context, id domain.HangoutID, user domain.UserID) (*ports.JoinGrant, error) {
	ctx, span := tracing.StartSpan(ctx, "hangout.admit",
		attribute.String("hangout_id", string(id)),
		attribute.String("user_id", string(user)),
	)
	defer span.End()

	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire hangout lock: %w", err)
	}
	defer release()

	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hangout.IsEnded() {
		return nil, domain.ErrSessionClosed
	}

	// A live session for the same user is a reconnect: tear the stale one
	// down first. Skipping end-on-empty keeps a sole participant's reconnect
	// from ending the hangout underneath them.
	if _, exists := hs.participants[user]; exists {
		s.removeLocked(ctx, hs, hangout, user, domain.ReasonDisconnected, false)
	}

	if hs.rosterSize() >= hangout.MaxParticipants {
		return nil, domain.ErrCapacityExceeded
	}

	if hangout.Visibility == domain.VisibilityPrivate && user != hangout.CreatedBy {
		allowed, err := s.membership.IsAllowed(ctx, hangout, user)
		if err != nil {
			return nil, fmt.Errorf("membership check failed: %w", err)
		}
		if !allowed {
			return nil, domain.ErrForbidden
		}
	}

	// Both transports are engine calls; issue them concurrently and join.
	send, recv, err := s.createTransportPair(ctx)
	if err != nil {
		return nil, err
	}

	record, err := s.participantRepo.Get(ctx, id, user)
	switch {
	case err == nil:
		record.Reactivate(time.Now())
	case errors.Is(err, domain.ErrParticipantNotFound):
		record = &domain.Participant{
			ID:        domain.ParticipantID(uuid.NewString()),
			HangoutID: id,
			UserID:    user,
			JoinedAt:  time.Now(),
		}
	default:
		closeTransports(send, recv)
		return nil, fmt.Errorf("failed to load participant record: %w", err)
	}

	ps := newParticipantSession(record, send, recv, s.metrics, s.logger)

	// Wire the newcomer against every existing participant's producers
	// before anything becomes visible. A wiring failure leaves the roster
	// exactly as it was.
	wireCtx, cancelWire := hs.wiringContext(ctx, user, s.opts.WiringTimeout)
	err = s.mediaLinks.wireNewcomer(wireCtx, hs, ps)
	cancelWire()
	delete(hs.cancelWiring, user)
	if err != nil {
		ps.close()
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	if err := s.participantRepo.Save(ctx, record); err != nil {
		ps.close()
		return nil, fmt.Errorf("failed to persist participant: %w", err)
	}

	if hangout.Status == domain.StatusWaiting {
		hangout.MarkActive(time.Now())
		if err := s.hangoutRepo.Update(ctx, hangout); err != nil {
			now := time.Now()
			record.LeftAt = &now
			if saveErr := s.participantRepo.Save(ctx, record); saveErr != nil {
				s.logger.Warnw("failed to revert participant record", "hangout_id", id, "user_id", user, "error", saveErr)
			}
			ps.close()
			return nil, fmt.Errorf("failed to activate hangout: %w", err)
		}
		s.metrics.HangoutStarted(id)
	}

	hs.participants[user] = ps
	s.metrics.ParticipantJoined(id)

	hs.emit(domain.EventParticipantJoined, func(ev *domain.RoomEvent) {
		ev.UserID = user
		ev.Media = &domain.MediaState{}
	})

	s.startNegotiationWatchdog(hs, ps)

	s.logger.Infow("participant admitted",
		"hangout_id", id,
		"user_id", user,
		"roster_size", hs.rosterSize(),
	)

	grant := &ports.JoinGrant{
		Participant: *record,
		Send:        transportInfo(send),
		Recv:        transportInfo(recv),
		Snapshot: domain.RoomSnapshot{
			Seq:     hs.seq,
			Hangout: *hangout,
			Roster:  hs.rosterStates(),
		},
	}
	return grant, nil
}

func (s *hangoutService) createTransportPair(ctx context.Context) (ports.Transport, ports.Transport, error) {
	type result struct {
		transport ports.Transport
		err       error
	}
	results := make([]result, 2)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			t, err := s.engine.CreateTransport(ctx, s.opts.Transport)
			results[i] = result{transport: t, err: err}
		}(i)
	}
	wg.Wait()

	if results[0].err != nil || results[1].err != nil {
		for _, res := range results {
			if res.transport != nil {
				if err := res.transport.Close(); err != nil {
					s.logger.Warnw("failed to close transport after failed pair creation", "error", err)
				}
			}
		}
		err := results[0].err
		if err == nil {
			err = results[1].err
		}
		return nil, nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	return results[0].transport, results[1].transport, nil
}

func closeTransports(transports ...ports.Transport) {
	for _, t := range transports {
		if t != nil {
			t.Close() //nolint:errcheck // best-effort rollback
		}
	}
}

// startNegotiationWatchdog removes the participant if both transports are
// not connected within the negotiation window. Caller holds hs.mu.
func (s *hangoutService) startNegotiationWatchdog(hs *hangoutSession, ps *participantSession) {
	id, user := hs.id, ps.userID()
	ps.negotiationTimer = time.AfterFunc(s.opts.NegotiationTimeout, func() {
		hs.mu.Lock()
		current, ok := hs.participants[user]
		connected := ok && current == ps && ps.connected()
		hs.mu.Unlock()
		if !ok || current != ps || connected {
			return
		}
		s.logger.Warnw("transport negotiation timed out, removing participant",
			"hangout_id", id,
			"user_id", user,
		)
		if err := s.Remove(context.Background(), id, user, domain.ReasonNegotiationTimeout); err != nil {
			s.logger.Warnw("failed to remove participant after negotiation timeout",
				"hangout_id", id,
				"user_id", user,
				"error", err,
			)
		}
	})
}

func (s *hangoutService) ConnectTransport(ctx context.Context, id domain.HangoutID, user domain.UserID, transportID domain.TransportID, remote ports.ClientParameters) (*ports.TransportInfo, error) {
	hs, _, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}

	hs.mu.Lock()
	ps, ok := hs.participants[user]
	if !ok {
		hs.mu.Unlock()
		return nil, domain.ErrParticipantNotFound
	}
	transport := ps.transportByID(transportID)
	hs.mu.Unlock()

	if transport == nil {
		return nil, fmt.Errorf("transport %s: %w", transportID, domain.ErrParticipantNotFound)
	}

	connectCtx, cancel := context.WithTimeout(ctx, s.opts.NegotiationTimeout)
	defer cancel()

	err = transport.Connect(connectCtx, remote)
	if err == nil {
		s.finishNegotiation(hs, ps)
		return nil, nil
	}

	if !errors.Is(err, domain.ErrHandshakeFailed) {
		return nil, err
	}

	// Stale or rejected parameters: provision a fresh transport and try the
	// handshake once more before surfacing to the client.
	s.logger.Warnw("transport handshake failed, retrying with fresh transport",
		"hangout_id", id,
		"user_id", user,
		"transport_id", transportID,
	)

	fresh, createErr := s.engine.CreateTransport(ctx, s.opts.Transport)
	if createErr != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, createErr)
	}

	if retryErr := fresh.Connect(connectCtx, remote); retryErr != nil {
		closeTransports(fresh)
		return nil, domain.ErrHandshakeFailed
	}

	hs.mu.Lock()
	if current, ok := hs.participants[user]; ok && current == ps {
		closeTransports(transport)
		if ps.send != nil && ps.send.ID() == transportID {
			ps.send = fresh
		} else {
			ps.recv = fresh
		}
	} else {
		// Participant left while we were renegotiating.
		hs.mu.Unlock()
		closeTransports(fresh)
		return nil, domain.ErrParticipantNotFound
	}
	hs.mu.Unlock()

	s.finishNegotiation(hs, ps)
	info := transportInfo(fresh)
	return &info, nil
}

func (s *hangoutService) finishNegotiation(hs *hangoutSession, ps *participantSession) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if ps.connected() && ps.negotiationTimer != nil {
		ps.stopNegotiationTimer()
		s.metrics.NegotiationCompleted(time.Since(ps.joinedAt))
	}
}

func (s *hangoutService) AddICECandidate(ctx context.Context, id domain.HangoutID, user domain.UserID, transportID domain.TransportID, candidate ports.ICECandidate) error {
	hs, _, err := s.session(ctx, id)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	ps, ok := hs.participants[user]
	if !ok {
		hs.mu.Unlock()
		return domain.ErrParticipantNotFound
	}
	transport := ps.transportByID(transportID)
	hs.mu.Unlock()

	if transport == nil {
		return fmt.Errorf("transport %s: %w", transportID, domain.ErrParticipantNotFound)
	}
	return transport.AddRemoteCandidate(candidate)
}

func (s *hangoutService) Produce(ctx context.Context, id domain.HangoutID, user domain.UserID, kind domain.MediaKind, source domain.VideoSource, rtp ports.RTPParameters) (domain.ProducerID, error) {
	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		return "", err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	ps, ok := hs.participants[user]
	if !ok {
		return "", domain.ErrParticipantNotFound
	}

	// A participant holds at most one live video producer. Replacement is
	// strictly close, notify, then open, so peers never render a stale track
	// next to a live one.
	if kind == domain.MediaVideo {
		if old := ps.liveVideoProducer(); old != nil {
			s.closeProducerLocked(hs, ps, old)
		}
	}

	wireCtx, cancelWire := hs.wiringContext(ctx, user, s.opts.WiringTimeout)
	defer func() {
		cancelWire()
		delete(hs.cancelWiring, user)
	}()

	producer, err := ps.send.CreateProducer(wireCtx, kind, source, rtp)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	// Honor the participant's current flags so a muted participant's new
	// track starts silent.
	if kind == domain.MediaAudio && ps.record.IsMuted {
		if err := producer.Pause(); err != nil {
			s.logger.Warnw("failed to pause producer for muted participant", "hangout_id", id, "user_id", user, "error", err)
		}
	}
	if kind == domain.MediaVideo && source == domain.SourceCamera && ps.record.IsCameraOff {
		if err := producer.Pause(); err != nil {
			s.logger.Warnw("failed to pause producer for camera-off participant", "hangout_id", id, "user_id", user, "error", err)
		}
	}

	if err := s.mediaLinks.wireProducer(wireCtx, hs, ps, producer); err != nil {
		if closeErr := producer.Close(); closeErr != nil {
			s.logger.Warnw("failed to close producer after wiring failure", "hangout_id", id, "user_id", user, "error", closeErr)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrEngineUnavailable, err)
	}

	ps.producers[producer.ID()] = producer

	hs.emit(domain.EventProducerAdded, func(ev *domain.RoomEvent) {
		ev.UserID = user
		ev.ProducerID = producer.ID()
		ev.MediaKind = kind
	})

	s.rebindRelayLocked(hs, hangout)

	return producer.ID(), nil
}

// closeProducerLocked closes one producer and every consumer that depended
// on it, then notifies the room. Caller holds hs.mu.
func (s *hangoutService) closeProducerLocked(hs *hangoutSession, ps *participantSession, producer ports.Producer) {
	s.mediaLinks.unwireProducer(hs, producer.ID(), producer.Kind())
	if err := producer.Close(); err != nil {
		s.logger.Warnw("failed to close producer",
			"hangout_id", hs.id,
			"user_id", ps.userID(),
			"producer_id", producer.ID(),
			"error", err,
		)
	}
	delete(ps.producers, producer.ID())

	hs.emit(domain.EventProducerRemoved, func(ev *domain.RoomEvent) {
		ev.UserID = ps.userID()
		ev.ProducerID = producer.ID()
		ev.MediaKind = producer.Kind()
	})
}

func (s *hangoutService) SetMediaState(ctx context.Context, id domain.HangoutID, user domain.UserID, state domain.MediaState) error {
	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	ps, ok := hs.participants[user]
	if !ok {
		return domain.ErrParticipantNotFound
	}
	record := ps.record
	prev := domain.MediaState{
		Muted:         record.IsMuted,
		CameraOff:     record.IsCameraOff,
		ScreenSharing: record.IsScreenSharing,
	}
	if prev == state {
		return nil
	}

	// Mute pauses the producer: consumers stay attached and receive
	// silence, so toggling needs no renegotiation.
	if state.Muted != prev.Muted {
		for _, producer := range ps.audioProducers() {
			if err := toggleProducer(producer, state.Muted); err != nil {
				s.logger.Warnw("failed to toggle audio producer", "hangout_id", id, "user_id", user, "error", err)
			}
		}
	}

	if state.CameraOff != prev.CameraOff {
		if producer := ps.liveVideoProducer(); producer != nil && producer.Source() == domain.SourceCamera {
			if err := toggleProducer(producer, state.CameraOff); err != nil {
				s.logger.Warnw("failed to toggle video producer", "hangout_id", id, "user_id", user, "error", err)
			}
		}
	}

	// Screen-share toggling replaces the video producer. The close and the
	// peer notification happen here; the replacement arrives through a
	// subsequent produce, which keeps close strictly before open.
	if state.ScreenSharing != prev.ScreenSharing {
		if producer := ps.liveVideoProducer(); producer != nil {
			s.closeProducerLocked(hs, ps, producer)
		}
	}

	record.IsMuted = state.Muted
	record.IsCameraOff = state.CameraOff
	record.IsScreenSharing = state.ScreenSharing
	if err := s.participantRepo.Save(ctx, record); err != nil {
		record.IsMuted = prev.Muted
		record.IsCameraOff = prev.CameraOff
		record.IsScreenSharing = prev.ScreenSharing
		return fmt.Errorf("failed to persist media state: %w", err)
	}

	hs.emit(domain.EventMediaStateChanged, func(ev *domain.RoomEvent) {
		ev.UserID = user
		st := state
		ev.Media = &st
	})

	s.rebindRelayLocked(hs, hangout)
	return nil
}

func toggleProducer(producer ports.Producer, pause bool) error {
	if pause {
		return producer.Pause()
	}
	return producer.Resume()
}

func (s *hangoutService) Remove(ctx context.Context, id domain.HangoutID, user domain.UserID, reason domain.RemovalReason) error {
	ctx, span := tracing.StartSpan(ctx, "hangout.remove",
		attribute.String("hangout_id", string(id)),
		attribute.String("user_id", string(user)),
		attribute.String("reason", string(reason)),
	)
	defer span.End()

	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire hangout lock: %w", err)
	}
	defer release()

	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrSessionClosed) {
			return nil // removing from an ended hangout is a no-op
		}
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	return s.removeLocked(ctx, hs, hangout, user, reason, true)
}

// removeLocked tears one participant down. Idempotent: an absent participant
// is a no-op. Caller holds hs.mu.
func (s *hangoutService) removeLocked(ctx context.Context, hs *hangoutSession, hangout *domain.Hangout, user domain.UserID, reason domain.RemovalReason, endIfEmpty bool) error {
	ps, ok := hs.participants[user]
	if !ok {
		return nil
	}

	hs.cancelWiringFor(user)
	delete(hs.participants, user)

	// Close every consumer elsewhere that depended on this participant's
	// producers, then release the session itself. All best-effort.
	s.mediaLinks.unwireParticipant(hs, ps)
	ps.close()

	now := time.Now()
	ps.record.LeftAt = &now
	if err := s.participantRepo.Save(ctx, ps.record); err != nil {
		s.logger.Warnw("failed to persist participant departure",
			"hangout_id", hs.id,
			"user_id", user,
			"error", err,
		)
	}

	s.metrics.ParticipantLeft(hs.id, reason)
	hs.emit(domain.EventParticipantLeft, func(ev *domain.RoomEvent) {
		ev.UserID = user
		ev.Reason = reason
	})

	s.logger.Infow("participant removed",
		"hangout_id", hs.id,
		"user_id", user,
		"reason", reason,
		"roster_size", hs.rosterSize(),
	)

	s.rebindRelayLocked(hs, hangout)

	if endIfEmpty && hs.rosterSize() == 0 {
		return s.endLocked(ctx, hs, hangout)
	}
	return nil
}

func (s *hangoutService) End(ctx context.Context, id domain.HangoutID, actor domain.UserID) error {
	ctx, span := tracing.StartSpan(ctx, "hangout.end",
		attribute.String("hangout_id", string(id)),
		attribute.String("actor", string(actor)),
	)
	defer span.End()

	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire hangout lock: %w", err)
	}
	defer release()

	hangout, err := s.hangoutRepo.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if hangout.IsEnded() {
		return domain.ErrSessionClosed
	}
	// Empty actor is platform moderation.
	if actor != "" && actor != hangout.CreatedBy {
		return domain.ErrForbidden
	}

	hs, _, err := s.session(ctx, id)
	if err != nil {
		return err
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	return s.endLocked(ctx, hs, hangout)
}

// endLocked runs the terminal sequence: detach the broadcast relay, close
// every participant session, then stamp endedAt. Caller holds hs.mu.
func (s *hangoutService) endLocked(ctx context.Context, hs *hangoutSession, hangout *domain.Hangout) error {
	if hangout.IsEnded() {
		return nil
	}
	// HangoutStarted only fires on the waiting -> active transition, so a
	// hangout ended while still waiting must not decrement the active gauge.
	wasActive := hangout.Status == domain.StatusActive

	if s.broadcast != nil {
		s.broadcast.Detach(hs.id)
	}

	for user := range hs.participants {
		if err := s.removeLocked(ctx, hs, hangout, user, domain.ReasonHangoutEnded, false); err != nil {
			s.logger.Warnw("failed to remove participant while ending hangout",
				"hangout_id", hs.id,
				"user_id", user,
				"error", err,
			)
		}
	}

	hangout.MarkEnded(time.Now())
	if err := s.hangoutRepo.Update(ctx, hangout); err != nil {
		s.logger.Errorw("failed to persist hangout end",
			"hangout_id", hs.id,
			"error", err,
		)
	}

	hs.emit(domain.EventHangoutEnded, nil)
	if wasActive {
		s.metrics.HangoutEnded(hs.id)
	}
	s.dropSession(hs.id)

	s.logger.Infow("hangout ended", "hangout_id", hs.id)
	return nil
}

// rebindRelayLocked keeps the egress taps pointed at the presenter's current
// producers. Fixed-presenter selection: the creator's tracks feed the relay.
// Caller holds hs.mu.
func (s *hangoutService) rebindRelayLocked(hs *hangoutSession, hangout *domain.Hangout) {
	if s.broadcast == nil || !s.broadcast.Active(hs.id) {
		return
	}
	s.broadcast.Rebind(hs.id, s.presenterProducersLocked(hs, hangout))
}

func (s *hangoutService) presenterProducersLocked(hs *hangoutSession, hangout *domain.Hangout) []ports.Producer {
	presenter, ok := hs.participants[hangout.CreatedBy]
	if !ok {
		return nil
	}
	producers := make([]ports.Producer, 0, len(presenter.producers))
	for _, producer := range presenter.producers {
		producers = append(producers, producer)
	}
	return producers
}

func (s *hangoutService) StartBroadcast(ctx context.Context, id domain.HangoutID, actor domain.UserID) error {
	if s.broadcast == nil {
		return fmt.Errorf("broadcasting is not configured")
	}

	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire hangout lock: %w", err)
	}
	defer release()

	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	if hangout.IsEnded() {
		return domain.ErrSessionClosed
	}
	if actor != hangout.CreatedBy {
		return domain.ErrForbidden
	}
	if hangout.Visibility != domain.VisibilityPublic {
		return domain.ErrForbidden
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	producers := s.presenterProducersLocked(hs, hangout)
	onFailure := func(relayErr error) {
		s.handleRelayFailure(id, relayErr)
	}
	if err := s.broadcast.Attach(ctx, hangout, producers, onFailure); err != nil {
		return err
	}

	hangout.BroadcastActive = true
	if err := s.hangoutRepo.Update(ctx, hangout); err != nil {
		s.broadcast.Detach(id)
		hangout.BroadcastActive = false
		return fmt.Errorf("failed to persist broadcast state: %w", err)
	}

	hs.emit(domain.EventBroadcastStarted, func(ev *domain.RoomEvent) {
		ev.UserID = actor
	})
	return nil
}

func (s *hangoutService) StopBroadcast(ctx context.Context, id domain.HangoutID, actor domain.UserID) error {
	if s.broadcast == nil {
		return nil
	}

	release, err := s.locker.Acquire(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to acquire hangout lock: %w", err)
	}
	defer release()

	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	if actor != "" && actor != hangout.CreatedBy {
		return domain.ErrForbidden
	}

	s.broadcast.Detach(id)

	hs.mu.Lock()
	defer hs.mu.Unlock()

	if hangout.BroadcastActive {
		hangout.BroadcastActive = false
		if err := s.hangoutRepo.Update(ctx, hangout); err != nil {
			return fmt.Errorf("failed to persist broadcast state: %w", err)
		}
	}

	hs.emit(domain.EventBroadcastStopped, func(ev *domain.RoomEvent) {
		ev.UserID = actor
	})
	return nil
}

// handleRelayFailure marks broadcasting inactive after the relay gave up.
// The call session is never affected; the creator learns through the room
// event.
func (s *hangoutService) handleRelayFailure(id domain.HangoutID, relayErr error) {
	ctx := context.Background()

	hs, hangout, err := s.session(ctx, id)
	if err != nil {
		s.logger.Warnw("relay failed for unknown hangout", "hangout_id", id, "error", relayErr)
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	hangout.BroadcastActive = false
	if err := s.hangoutRepo.Update(ctx, hangout); err != nil {
		s.logger.Warnw("failed to persist broadcast deactivation",
			"hangout_id", id,
			"error", err,
		)
	}

	hs.emit(domain.EventBroadcastStopped, func(ev *domain.RoomEvent) {
		ev.Reason = domain.RemovalReason("relay_unreachable")
	})

	s.logger.Errorw("broadcasting disabled after relay failure",
		"hangout_id", id,
		"error", relayErr,
	)
}

func (s *hangoutService) Snapshot(ctx context.Context, id domain.HangoutID) (*domain.RoomSnapshot, error) {
	hangout, err := s.hangoutRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	hs, ok := s.sessions[id]
	s.mu.RUnlock()

	if !ok {
		return &domain.RoomSnapshot{Hangout: *hangout}, nil
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()
	return &domain.RoomSnapshot{
		Seq:     hs.seq,
		Hangout: *hangout,
		Roster:  hs.rosterStates(),
	}, nil
}

func (s *hangoutService) Subscribe(id domain.HangoutID, subscriberID string, fn func(domain.RoomEvent)) (func(), error) {
	hs, _, err := s.session(context.Background(), id)
	if err != nil {
		return nil, err
	}
	return hs.subscribe(subscriberID, fn), nil
}

// Shutdown ends every live hangout. Used on graceful process exit.
func (s *hangoutService) Shutdown(ctx context.Context) {
	s.mu.RLock()
	ids := make([]domain.HangoutID, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	for _, id := range ids {
		if err := s.End(ctx, id, ""); err != nil && !errors.Is(err, domain.ErrSessionClosed) {
			s.logger.Warnw("failed to end hangout during shutdown", "hangout_id", id, "error", err)
		}
	}
}
