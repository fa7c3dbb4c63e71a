package domain

import (
	"context"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/rs/zerolog"

	promclient "github.com/finbridge/booksync/infrastructure/prometheus"
)

type FailoverState int

const (
	StateUninitialized FailoverState = iota
	StateConnecting
	StateStreaming
	StatePolling
	StateClosed
)

func (s FailoverState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StatePolling:
		return "polling"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type TransportOrigin int

const (
	OriginStream TransportOrigin = iota
	OriginPoll
)

// Event is one item of the controller's ordered output stream: a decoded
// feed message when Msg is set, otherwise a state transition or a transient
// failure notice (Err set).
type Event struct {
	Msg    *BookMessage
	Origin TransportOrigin
	Gen    uint64
	State  FailoverState
	Err    error
}

type SessionConfig struct {
	PollInterval    time.Duration
	PollTimeout     time.Duration
	FallbackEnabled bool
	DepthLimit      int
}

// FailoverController owns exactly one active transport at a time and turns
// its callbacks into a single ordered event stream. Fallback from push to
// poll is one-directional: once polling, only an explicit Reconnect returns
// to push. Every transport instance carries a generation id; events from a
// superseded generation are dropped so a late message from a torn-down
// transport can never corrupt a fresh book.
type FailoverController struct {
	symbol  *MarketSymbol
	factory TransportFactory
	cfg     SessionConfig
	logger  zerolog.Logger

	mu     sync.Mutex
	state  FailoverState
	health TransportHealth
	gen    uint64
	stream StreamTransport
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	inboxMu sync.Mutex
	inbox   deque.Deque[Event]
	notify  chan struct{}
	events  chan Event
	done    chan struct{}
}

func NewFailoverController(
	symbol *MarketSymbol,
	factory TransportFactory,
	cfg SessionConfig,
	logger zerolog.Logger,
) *FailoverController {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.PollInterval
	}

	return &FailoverController{
		symbol:  symbol,
		factory: factory,
		cfg:     cfg,
		logger:  logger.With().Str("symbol", symbol.String()).Logger(),
		notify:  make(chan struct{}, 1),
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
	}
}

// Events is the controller's single ordered output. The channel is closed
// by Stop.
func (c *FailoverController) Events() <-chan Event {
	return c.events
}

func (c *FailoverController) State() FailoverState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *FailoverController) Health() TransportHealth {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.health
}

// Start begins the push connect attempt. It may be called once; the given
// context bounds the whole controller lifetime.
func (c *FailoverController) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateUninitialized || c.closed {
		c.mu.Unlock()
		return
	}
	c.ctx = ctx
	c.mu.Unlock()

	go c.dispatch()
	go c.connectStream()
}

// Reconnect aborts whatever transport is active, resets health and restarts
// at the push connect attempt. This is the only path out of polling. The
// generation is bumped here, synchronously, and returned as a cut: events
// still queued with an older generation predate the reconnect and must be
// discarded by the consumer. Returns zero when nothing happened.
func (c *FailoverController) Reconnect() uint64 {
	c.mu.Lock()
	if c.closed || c.ctx == nil {
		c.mu.Unlock()
		return 0
	}
	c.gen++
	cut := c.gen
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Disconnect()
		c.stream = nil
	}
	c.health = TransportHealth{}
	c.mu.Unlock()

	c.logger.Info().Msg("reconnect requested, reattempting push transport")
	go c.connectStream()
	return cut
}

// Stop tears down the active transport and closes the event stream. Safe to
// call more than once; messages still in flight are discarded.
func (c *FailoverController) Stop() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.state = StateClosed
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.stream != nil {
		_ = c.stream.Disconnect()
		c.stream = nil
	}
	c.mu.Unlock()

	close(c.done)
}

// dispatch drains the inbox into the events channel, preserving order. The
// deque decouples transport readers from a slow consumer so the websocket
// read loop is never blocked by a busy merge.
func (c *FailoverController) dispatch() {
	defer close(c.events)

	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
			for {
				c.inboxMu.Lock()
				if c.inbox.Len() == 0 {
					c.inboxMu.Unlock()
					break
				}
				ev := c.inbox.PopFront()
				c.inboxMu.Unlock()

				select {
				case c.events <- ev:
				case <-c.done:
					return
				}
			}
		}
	}
}

func (c *FailoverController) push(ev Event) {
	c.inboxMu.Lock()
	c.inbox.PushBack(ev)
	c.inboxMu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// deliver enqueues a message event if its transport generation is still
// current; anything from a superseded transport is dropped on the floor.
func (c *FailoverController) deliver(gen uint64, msg *BookMessage, origin TransportOrigin) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		promclient.SupersededMessagesDropped.Inc()
		return
	}
	state := c.state
	c.mu.Unlock()

	c.push(Event{Msg: msg, Origin: origin, Gen: gen, State: state})
}

func (c *FailoverController) transition(gen uint64, state FailoverState, origin TransportOrigin) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	c.push(Event{Origin: origin, Gen: gen, State: state})
}

func (c *FailoverController) noteFailure(err error) {
	c.mu.Lock()
	c.health.IsConnected = false
	c.health.LastError = err
	c.health.LastErrorAt = time.Now()
	c.mu.Unlock()
}

func (c *FailoverController) connectStream() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	stream := c.factory.Stream()
	c.stream = stream
	c.state = StateConnecting
	c.mu.Unlock()

	c.push(Event{Origin: OriginStream, Gen: gen, State: StateConnecting})

	sub, err := stream.Connect(ctx, c.symbol)
	if err != nil {
		c.logger.Warn().Err(err).Msg("push transport connect failed")
		promclient.StreamFailures.Inc()
		c.noteFailure(err)
		c.fallback(gen, err)
		return
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		_ = stream.Disconnect()
		return
	}
	c.health.IsConnected = true
	c.mu.Unlock()

	go c.forward(gen, stream, sub)
}

// forward pumps one stream subscription into the inbox until the transport
// fails or is superseded.
func (c *FailoverController) forward(gen uint64, stream StreamTransport, sub *Subscription[*BookMessage]) {
	first := true
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-sub.Stream:
			if !ok {
				c.streamFailed(gen, stream, errStreamClosed)
				return
			}
			if first {
				c.transition(gen, StateStreaming, OriginStream)
				first = false
			}
			c.deliver(gen, msg, OriginStream)
		case err := <-sub.Err:
			c.streamFailed(gen, stream, err)
			return
		}
	}
}

func (c *FailoverController) streamFailed(gen uint64, stream StreamTransport, err error) {
	c.logger.Warn().Err(err).Msg("push transport failed, degrading to poll")
	promclient.StreamFailures.Inc()
	c.noteFailure(err)
	_ = stream.Disconnect()
	c.fallback(gen, err)
}

// fallback performs the one-time push-to-poll transition. With fallback
// disabled the controller closes instead, reporting the failure as a
// terminal event.
func (c *FailoverController) fallback(gen uint64, cause error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.health.HasFailedPermanently = true
	c.stream = nil

	if !c.cfg.FallbackEnabled {
		c.state = StateClosed
		c.mu.Unlock()
		c.push(Event{Origin: OriginStream, Gen: gen, State: StateClosed, Err: cause})
		return
	}

	c.gen++
	pollGen := c.gen
	ctx, cancel := context.WithCancel(c.ctx)
	c.cancel = cancel
	poll := c.factory.Poll()
	c.state = StatePolling
	c.mu.Unlock()

	promclient.FallbacksTotal.Inc()
	c.push(Event{Origin: OriginPoll, Gen: pollGen, State: StatePolling})

	go c.pollLoop(ctx, pollGen, poll)
}

func (c *FailoverController) pollLoop(ctx context.Context, gen uint64, poll PollTransport) {
	// first poll goes out immediately, then the fixed schedule
	c.pollOnce(ctx, gen, poll)

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.pollOnce(ctx, gen, poll)
		}
	}
}

func (c *FailoverController) pollOnce(ctx context.Context, gen uint64, poll PollTransport) {
	fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
	defer cancel()

	msg, err := poll.FetchOnce(fetchCtx, c.symbol)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Warn().Err(err).Msg("poll fetch failed, keeping schedule")
		promclient.PollFailures.Inc()
		c.pushPollFailure(gen, err)
		return
	}

	c.deliver(gen, msg, OriginPoll)
}

func (c *FailoverController) pushPollFailure(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.mu.Unlock()

	c.push(Event{Origin: OriginPoll, Gen: gen, State: state, Err: err})
}
