package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
)

// fakeEngine is an in-memory stand-in for the media engine. Transports,
// producers and consumers it hands out track state so tests can assert on
// pause, close and wiring behaviour.
type fakeEngine struct {
	mu            sync.Mutex
	seq           int
	order         []*fakeTransport
	byID          map[domain.TransportID]*fakeTransport
	createErr     error
	newConnectErr error
	failConsume   bool
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{byID: make(map[domain.TransportID]*fakeTransport)}
}

func (e *fakeEngine) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.createErr != nil {
		return nil, e.createErr
	}
	e.seq++
	t := &fakeTransport{
		id:         domain.TransportID(fmt.Sprintf("transport-%d", e.seq)),
		engine:     e,
		state:      ports.TransportNew,
		connectErr: e.newConnectErr,
	}
	if e.failConsume {
		t.consumeErr = fmt.Errorf("consumer rejected")
	}
	e.order = append(e.order, t)
	e.byID[t.id] = t
	return t, nil
}

func (e *fakeEngine) transport(id domain.TransportID) *fakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.byID[id]
}

func (e *fakeEngine) transports() []*fakeTransport {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*fakeTransport, len(e.order))
	copy(out, e.order)
	return out
}

func (e *fakeEngine) setFailConsume(fail bool) {
	e.mu.Lock()
	e.failConsume = fail
	e.mu.Unlock()
}

func (e *fakeEngine) setNewConnectErr(err error) {
	e.mu.Lock()
	e.newConnectErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) nextID(prefix string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq++
	return fmt.Sprintf("%s-%d", prefix, e.seq)
}

type fakeTransport struct {
	id     domain.TransportID
	engine *fakeEngine

	mu         sync.Mutex
	state      ports.TransportState
	onState    func(ports.TransportState)
	connectErr error
	consumeErr error
	candidates []ports.ICECandidate
	closed     bool
}

func (t *fakeTransport) ID() domain.TransportID { return t.id }

func (t *fakeTransport) ICEParameters() ports.ICEParameters {
	return ports.ICEParameters{UsernameFragment: "ufrag-" + string(t.id), Password: "secret"}
}

func (t *fakeTransport) ICECandidates() []ports.ICECandidate {
	return []ports.ICECandidate{{Foundation: "1", IP: "127.0.0.1", Port: 40000, Protocol: "udp", Type: "host"}}
}

func (t *fakeTransport) DTLSParameters() ports.DTLSParameters {
	return ports.DTLSParameters{
		Role:         "auto",
		Fingerprints: []ports.DTLSFingerprint{{Algorithm: "sha-256", Value: "ab:cd:ef"}},
	}
}

func (t *fakeTransport) Connect(ctx context.Context, remote ports.ClientParameters) error {
	t.mu.Lock()
	if t.connectErr != nil {
		err := t.connectErr
		t.mu.Unlock()
		return err
	}
	t.state = ports.TransportConnected
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(ports.TransportConnected)
	}
	return nil
}

func (t *fakeTransport) setConnectErr(err error) {
	t.mu.Lock()
	t.connectErr = err
	t.mu.Unlock()
}

func (t *fakeTransport) AddRemoteCandidate(candidate ports.ICECandidate) error {
	t.mu.Lock()
	t.candidates = append(t.candidates, candidate)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) State() ports.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnStateChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *fakeTransport) CreateProducer(ctx context.Context, kind domain.MediaKind, source domain.VideoSource, rtp ports.RTPParameters) (ports.Producer, error) {
	return &fakeProducer{
		id:        domain.ProducerID(t.engine.nextID("producer")),
		kind:      kind,
		source:    source,
		observers: make(map[string]func(ports.RelayPacket)),
	}, nil
}

func (t *fakeTransport) CreateConsumer(ctx context.Context, producer ports.Producer) (ports.Consumer, error) {
	t.mu.Lock()
	err := t.consumeErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return &fakeConsumer{
		id:         domain.ConsumerID(t.engine.nextID("consumer")),
		producerID: producer.ID(),
		kind:       producer.Kind(),
	}, nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.state = ports.TransportClosed
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

type fakeProducer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	source domain.VideoSource

	mu        sync.Mutex
	paused    bool
	closed    bool
	observers map[string]func(ports.RelayPacket)
}

func (p *fakeProducer) ID() domain.ProducerID      { return p.id }
func (p *fakeProducer) Kind() domain.MediaKind     { return p.kind }
func (p *fakeProducer) Source() domain.VideoSource { return p.source }

func (p *fakeProducer) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *fakeProducer) Observe(key string, fn func(ports.RelayPacket)) {
	p.mu.Lock()
	p.observers[key] = fn
	p.mu.Unlock()
}

func (p *fakeProducer) Unobserve(key string) {
	p.mu.Lock()
	delete(p.observers, key)
	p.mu.Unlock()
}

func (p *fakeProducer) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProducer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// emit pushes one packet to every observer, the way the real producer's
// forwarding pump does.
func (p *fakeProducer) emit(pkt ports.RelayPacket) {
	p.mu.Lock()
	fns := make([]func(ports.RelayPacket), 0, len(p.observers))
	for _, fn := range p.observers {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(pkt)
	}
}

func (p *fakeProducer) observerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.observers)
}

type fakeConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind

	mu     sync.Mutex
	closed bool
}

func (c *fakeConsumer) ID() domain.ConsumerID         { return c.id }
func (c *fakeConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *fakeConsumer) Kind() domain.MediaKind        { return c.kind }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConsumer) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeSink struct {
	mu      sync.Mutex
	packets []ports.RelayPacket
	pushErr error
	closed  bool
}

func (s *fakeSink) Push(ctx context.Context, pkt ports.RelayPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pushErr != nil {
		return s.pushErr
	}
	s.packets = append(s.packets, pkt)
	return nil
}

func (s *fakeSink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.packets)
}

type fakeDialer struct {
	mu            sync.Mutex
	dials         int
	dialErr       error // every dial fails
	maxDials      int   // after this many successful dials further dials fail; 0 means unlimited
	failFirstPush bool  // the first sink returned rejects every push
	pushErr       error // every sink returned rejects every push
	sinks         []*fakeSink
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string) (ports.RelaySink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dialErr != nil {
		d.dials++
		return nil, d.dialErr
	}
	if d.maxDials > 0 && d.dials >= d.maxDials {
		return nil, fmt.Errorf("dial refused: %s", endpoint)
	}
	d.dials++
	sink := &fakeSink{pushErr: d.pushErr}
	if d.failFirstPush && len(d.sinks) == 0 {
		sink.pushErr = fmt.Errorf("connection reset")
	}
	d.sinks = append(d.sinks, sink)
	return sink, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) sink(i int) *fakeSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sinks) {
		return nil
	}
	return d.sinks[i]
}

// countingMetrics tallies the instrumentation calls the tests assert balance
// on; everything else is discarded.
type countingMetrics struct {
	mu              sync.Mutex
	hangoutsStarted int
	hangoutsEnded   int
	linksCreated    int
	linksClosed     int
}

func (m *countingMetrics) HangoutStarted(domain.HangoutID) {
	m.mu.Lock()
	m.hangoutsStarted++
	m.mu.Unlock()
}

func (m *countingMetrics) HangoutEnded(domain.HangoutID) {
	m.mu.Lock()
	m.hangoutsEnded++
	m.mu.Unlock()
}

func (m *countingMetrics) MediaLinkCreated(domain.MediaKind) {
	m.mu.Lock()
	m.linksCreated++
	m.mu.Unlock()
}

func (m *countingMetrics) MediaLinkClosed(domain.MediaKind) {
	m.mu.Lock()
	m.linksClosed++
	m.mu.Unlock()
}

func (m *countingMetrics) ParticipantJoined(domain.HangoutID)                     {}
func (m *countingMetrics) ParticipantLeft(domain.HangoutID, domain.RemovalReason) {}
func (m *countingMetrics) NegotiationCompleted(time.Duration)                     {}
func (m *countingMetrics) BroadcastStarted(domain.HangoutID)                      {}
func (m *countingMetrics) BroadcastStopped(domain.HangoutID)                      {}
func (m *countingMetrics) RelayPushFailed(domain.HangoutID)                       {}

func (m *countingMetrics) hangoutCounts() (started, ended int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hangoutsStarted, m.hangoutsEnded
}

func (m *countingMetrics) linkCounts() (created, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.linksCreated, m.linksClosed
}
