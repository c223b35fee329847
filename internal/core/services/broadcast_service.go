package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
	"hangnet/pkg/circuitbreaker"
	"hangnet/pkg/retry"

	"go.uber.org/zap"
)

// BroadcastOptions tunes the relay egress behaviour.
type BroadcastOptions struct {
	Retry     retry.Config
	Breaker   circuitbreaker.Config
	QueueSize int
}

// DefaultBroadcastOptions returns the egress defaults.
func DefaultBroadcastOptions() BroadcastOptions {
	return BroadcastOptions{
		Retry:     retry.DefaultConfig(),
		Breaker:   circuitbreaker.DefaultConfig(),
		QueueSize: 512,
	}
}

// BroadcastController manages the optional egress stream of public hangouts.
// Its lifecycle is independent of participant churn: it starts when the
// creator enables broadcasting, stops when disabled or the hangout ends, and
// a relay failure never blocks or fails the underlying call, it only marks
// broadcasting inactive and surfaces that to the creator.
type BroadcastController struct {
	dialer  ports.RelayDialer
	opts    BroadcastOptions
	metrics Metrics
	logger  *zap.SugaredLogger

	mu   sync.Mutex
	runs map[domain.HangoutID]*relayRun
}

type relayRun struct {
	hangoutID domain.HangoutID
	endpoint  string
	sink      ports.RelaySink
	breaker   *circuitbreaker.CircuitBreaker
	queue     chan ports.RelayPacket
	cancel    context.CancelFunc
	done      chan struct{}

	tapMu  sync.Mutex
	tapped []ports.Producer

	onFailure func(error)
}

func NewBroadcastController(dialer ports.RelayDialer, opts BroadcastOptions, metrics Metrics, logger *zap.SugaredLogger) *BroadcastController {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultBroadcastOptions().QueueSize
	}
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	return &BroadcastController{
		dialer:  dialer,
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		runs:    make(map[domain.HangoutID]*relayRun),
	}
}

func relayObserverKey(id domain.HangoutID) string {
	return "relay:" + string(id)
}

// Attach opens the egress sink for the hangout's broadcast endpoint and taps
// the selected producers (fixed-presenter selection: the caller passes the
// presenter's tracks). Dialing is retried with bounded exponential backoff;
// if the endpoint stays unreachable the attach fails with RelayUnreachable
// and the call session is unaffected.
func (c *BroadcastController) Attach(ctx context.Context, hangout *domain.Hangout, producers []ports.Producer, onFailure func(error)) error {
	if hangout.BroadcastURL == "" {
		return fmt.Errorf("hangout %s has no broadcast endpoint", hangout.ID)
	}

	c.mu.Lock()
	if _, exists := c.runs[hangout.ID]; exists {
		c.mu.Unlock()
		return nil // already broadcasting
	}
	c.mu.Unlock()

	sink, err := retry.RetryWithResult(ctx, c.opts.Retry, func() (ports.RelaySink, error) {
		return c.dialer.Dial(ctx, hangout.BroadcastURL)
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	run := &relayRun{
		hangoutID: hangout.ID,
		endpoint:  hangout.BroadcastURL,
		sink:      sink,
		breaker:   circuitbreaker.New(c.opts.Breaker),
		queue:     make(chan ports.RelayPacket, c.opts.QueueSize),
		cancel:    cancel,
		done:      make(chan struct{}),
		onFailure: onFailure,
	}
	run.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		c.logger.Infow("relay breaker state changed",
			"hangout_id", hangout.ID,
			"from", from.String(),
			"to", to.String(),
		)
	})

	c.mu.Lock()
	c.runs[hangout.ID] = run
	c.mu.Unlock()

	c.tap(run, producers)
	go c.pump(runCtx, run)

	c.metrics.BroadcastStarted(hangout.ID)
	c.logger.Infow("broadcast relay attached",
		"hangout_id", hangout.ID,
		"endpoint", hangout.BroadcastURL,
	)
	return nil
}

// Rebind swaps the tapped producers, e.g. after a screen-share replacement
// or when the presenter leaves. A missing run is a no-op so participant
// churn never errors the relay.
func (c *BroadcastController) Rebind(id domain.HangoutID, producers []ports.Producer) {
	c.mu.Lock()
	run, ok := c.runs[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	c.tap(run, producers)
}

// Detach stops the egress for the hangout. Idempotent.
func (c *BroadcastController) Detach(id domain.HangoutID) {
	c.mu.Lock()
	run, ok := c.runs[id]
	if ok {
		delete(c.runs, id)
	}
	c.mu.Unlock()
	if !ok {
		return
	}

	c.untap(run)
	run.cancel()
	<-run.done

	if err := run.sink.Close(); err != nil {
		c.logger.Warnw("failed to close relay sink",
			"hangout_id", id,
			"error", err,
		)
	}

	c.metrics.BroadcastStopped(id)
	c.logger.Infow("broadcast relay detached", "hangout_id", id)
}

// Active reports whether an egress run exists for the hangout.
func (c *BroadcastController) Active(id domain.HangoutID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.runs[id]
	return ok
}

func (c *BroadcastController) tap(run *relayRun, producers []ports.Producer) {
	key := relayObserverKey(run.hangoutID)

	run.tapMu.Lock()
	defer run.tapMu.Unlock()

	for _, old := range run.tapped {
		old.Unobserve(key)
	}
	run.tapped = producers

	for _, producer := range producers {
		producer.Observe(key, func(pkt ports.RelayPacket) {
			select {
			case run.queue <- pkt:
			default:
				// Queue full: drop the packet. The relay is a derived
				// stream; it must never apply backpressure to the call.
			}
		})
	}
}

func (c *BroadcastController) untap(run *relayRun) {
	key := relayObserverKey(run.hangoutID)
	run.tapMu.Lock()
	defer run.tapMu.Unlock()
	for _, producer := range run.tapped {
		producer.Unobserve(key)
	}
	run.tapped = nil
}

// pump drains the packet queue into the sink. A push failure triggers a
// bounded-backoff redial; if the endpoint stays unreachable the run reports
// failure upward and stops, leaving the call session untouched.
func (c *BroadcastController) pump(ctx context.Context, run *relayRun) {
	defer close(run.done)

	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-run.queue:
			err := run.breaker.Execute(ctx, func() error {
				return run.sink.Push(ctx, pkt)
			})
			if err == nil {
				continue
			}
			if errors.Is(err, circuitbreaker.ErrOpen) {
				continue // cooling down, drop the packet
			}

			c.metrics.RelayPushFailed(run.hangoutID)
			c.logger.Warnw("relay push failed, attempting redial",
				"hangout_id", run.hangoutID,
				"endpoint", run.endpoint,
				"error", err,
			)

			sink, redialErr := retry.RetryWithResult(ctx, c.opts.Retry, func() (ports.RelaySink, error) {
				return c.dialer.Dial(ctx, run.endpoint)
			})
			if redialErr != nil {
				c.fail(run, fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, redialErr))
				return
			}

			if closeErr := run.sink.Close(); closeErr != nil {
				c.logger.Debugw("failed to close stale relay sink", "error", closeErr)
			}
			run.sink = sink
		}
	}
}

// fail marks the run dead and surfaces the failure to the creator. The run's
// goroutine exits right after; Detach bookkeeping happens here because the
// pump cannot wait on itself.
func (c *BroadcastController) fail(run *relayRun, err error) {
	c.mu.Lock()
	delete(c.runs, run.hangoutID)
	c.mu.Unlock()

	c.untap(run)
	if closeErr := run.sink.Close(); closeErr != nil {
		c.logger.Debugw("failed to close relay sink after giving up", "error", closeErr)
	}
	c.metrics.BroadcastStopped(run.hangoutID)

	c.logger.Errorw("broadcast relay gave up",
		"hangout_id", run.hangoutID,
		"endpoint", run.endpoint,
		"error", err,
	)

	// Invoked asynchronously: the callback takes the hangout coordinator
	// lock, and a concurrent Detach under that lock waits on run.done.
	if run.onFailure != nil {
		go run.onFailure(err)
	}
}
