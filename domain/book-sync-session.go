package domain

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	promclient "github.com/finbridge/booksync/infrastructure/prometheus"
)

type SessionStatus string

const (
	// StatusLoading means no message has been applied yet.
	StatusLoading SessionStatus = "loading"
	// StatusLive means the push transport is delivering.
	StatusLive SessionStatus = "live"
	// StatusDegraded means the pull transport is active (fallback mode).
	StatusDegraded SessionStatus = "degraded"
	// StatusError means no data has ever arrived and both transports failed.
	StatusError SessionStatus = "error"
)

// SessionCallback receives the latest immutable book view and the derived
// session status. It fires on every accepted merge and every status
// transition, never on rejected or stale messages.
type SessionCallback func(view *BookView, status SessionStatus)

// BookSyncSession owns one BookState and one FailoverController for the
// lifetime of a subscription to one symbol. A single goroutine consumes
// controller events, so snapshot and delta merges never interleave.
type BookSyncSession struct {
	symbol     *MarketSymbol
	controller *FailoverController
	merger     *SnapshotDeltaMerger
	logger     zerolog.Logger
	depthLimit int

	mu           sync.Mutex
	book         *BookState
	view         *BookView
	status       SessionStatus
	ctlState     FailoverState
	genCut       uint64
	everData     bool
	pollFailed   bool
	streamFailed bool
	callbacks    map[uint64]SessionCallback
	nextCbID     uint64
	started      bool
	closed       bool

	done chan struct{}
}

func NewBookSyncSession(
	symbol *MarketSymbol,
	factory TransportFactory,
	cfg SessionConfig,
	logger zerolog.Logger,
) *BookSyncSession {
	return &BookSyncSession{
		symbol:     symbol,
		controller: NewFailoverController(symbol, factory, cfg, logger),
		merger:     NewSnapshotDeltaMerger(),
		logger:     logger.With().Str("symbol", symbol.String()).Logger(),
		depthLimit: cfg.DepthLimit,
		book:       NewBookState(symbol),
		status:     StatusLoading,
		callbacks:  make(map[uint64]SessionCallback),
		done:       make(chan struct{}),
	}
}

// Start launches the controller and the event-consuming goroutine. The
// context bounds the session lifetime.
func (s *BookSyncSession) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()

	s.controller.Start(ctx)
	go s.run()
}

// Subscribe registers a callback and immediately fires it with the current
// view and status. The returned function removes the callback; it is
// idempotent.
func (s *BookSyncSession) Subscribe(cb SessionCallback) func() {
	detach, view, status := s.Attach(cb)
	cb(view, status)
	return detach
}

// Attach registers the callback without the immediate notification, for
// callers that must serialize registration against their own teardown
// bookkeeping. The returned view and status are the ones the caller is
// expected to deliver itself; the detach function is idempotent.
func (s *BookSyncSession) Attach(cb SessionCallback) (func(), *BookView, SessionStatus) {
	s.mu.Lock()
	id := s.nextCbID
	s.nextCbID++
	s.callbacks[id] = cb
	view, status := s.view, s.status
	s.mu.Unlock()

	var once sync.Once
	detach := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.callbacks, id)
			s.mu.Unlock()
		})
	}
	return detach, view, status
}

func (s *BookSyncSession) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.callbacks)
}

func (s *BookSyncSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *BookSyncSession) Health() TransportHealth {
	return s.controller.Health()
}

// Snapshot returns the latest published view truncated to limit levels per
// side, or nil if nothing has been published yet.
func (s *BookSyncSession) Snapshot(limit int) *BookView {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.view == nil {
		return nil
	}

	return &BookView{
		Symbol:       s.view.Symbol,
		Bids:         copyLevels(s.view.Bids, limit),
		Asks:         copyLevels(s.view.Asks, limit),
		Timestamp:    s.view.Timestamp,
		LastUpdateID: s.view.LastUpdateID,
	}
}

// Reconnect clears the held book and view, resets status to Loading and
// reattempts the push transport. A clean restart must not show a delta
// applied against now-invalid sequence history. The controller call happens
// under s.mu so the generation cut and the state reset are atomic with
// respect to the event consumer: anything still queued from before the
// reconnect carries an older generation and is dropped, while events from
// the fresh transport are only consumed after the reset.
func (s *BookSyncSession) Reconnect() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if cut := s.controller.Reconnect(); cut > s.genCut {
		s.genCut = cut
	}
	s.book = NewBookState(s.symbol)
	s.view = nil
	s.everData = false
	s.pollFailed = false
	s.streamFailed = false
	s.status = StatusLoading
	cbs := s.callbacksLocked()
	s.mu.Unlock()

	fireCallbacks(cbs, nil, StatusLoading)
}

// Close tears down the controller and discards the book. Idempotent.
func (s *BookSyncSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.controller.Stop()
	<-s.done
}

func (s *BookSyncSession) run() {
	defer close(s.done)

	for ev := range s.controller.Events() {
		if ev.Msg != nil {
			s.handleMessage(ev)
		} else {
			s.handleTransition(ev)
		}
	}
}

func (s *BookSyncSession) handleMessage(ev Event) {
	s.mu.Lock()
	if s.closed || ev.Gen < s.genCut {
		s.mu.Unlock()
		return
	}
	s.ctlState = ev.State

	err := s.merger.Apply(s.book, ev.Msg)
	if err != nil {
		s.mu.Unlock()
		s.countRejected(ev, err)
		return
	}

	s.everData = true
	s.view = s.book.View(s.depthLimit)
	s.status = s.statusLocked()
	view, status := s.view, s.status
	cbs := s.callbacksLocked()
	s.mu.Unlock()

	fireCallbacks(cbs, view, status)
}

func (s *BookSyncSession) handleTransition(ev Event) {
	s.mu.Lock()
	if s.closed || ev.Gen < s.genCut {
		s.mu.Unlock()
		return
	}
	stateChanged := ev.State != s.ctlState
	s.ctlState = ev.State

	switch ev.State {
	case StatePolling:
		// sequence spaces of heterogeneous sources are never comparable:
		// on a transport switch, start from a clean book and keep the last
		// view on display until the first poll snapshot replaces it
		if stateChanged {
			s.book = NewBookState(s.symbol)
		}
		if ev.Err != nil {
			s.pollFailed = true
		}
	case StateConnecting:
		if stateChanged {
			s.book = NewBookState(s.symbol)
		}
	case StateClosed:
		if ev.Err != nil {
			s.streamFailed = true
		}
	}

	prev := s.status
	s.status = s.statusLocked()
	view, status := s.view, s.status
	cbs := s.callbacksLocked()
	s.mu.Unlock()

	if status != prev {
		fireCallbacks(cbs, view, status)
	}
}

// statusLocked derives the session status from the controller state and the
// data seen so far. Called with s.mu held.
func (s *BookSyncSession) statusLocked() SessionStatus {
	switch s.ctlState {
	case StateStreaming:
		if s.everData {
			return StatusLive
		}
		return StatusLoading
	case StatePolling:
		if s.everData {
			return StatusDegraded
		}
		if s.pollFailed {
			return StatusError
		}
		return StatusLoading
	case StateClosed:
		if s.streamFailed && !s.everData {
			return StatusError
		}
		return s.status
	default:
		return s.status
	}
}

func (s *BookSyncSession) countRejected(ev Event, err error) {
	switch {
	case errors.Is(err, ErrStaleMessage):
		promclient.StaleMessagesDropped.Inc()
		s.logger.Debug().
			Int64("sequence", ev.Msg.Sequence).
			Msg("dropped stale message")
	case errors.Is(err, ErrNoBaseSnapshot):
		promclient.NoBaseSnapshotDropped.Inc()
		s.logger.Error().
			Int64("sequence", ev.Msg.Sequence).
			Msg("delta arrived before base snapshot")
	default:
		s.logger.Warn().Err(err).Msg("message rejected by merger")
	}
}

func (s *BookSyncSession) callbacksLocked() []SessionCallback {
	cbs := make([]SessionCallback, 0, len(s.callbacks))
	for _, cb := range s.callbacks {
		cbs = append(cbs, cb)
	}
	return cbs
}

func fireCallbacks(cbs []SessionCallback, view *BookView, status SessionStatus) {
	for _, cb := range cbs {
		cb(view, status)
	}
}
