package usecase

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/finbridge/booksync/domain"
	promclient "github.com/finbridge/booksync/infrastructure/prometheus"
)

var ErrNoActiveSession = errors.New("no active session for symbol")

// BookSyncService is the application-facing control surface: subscribe to a
// symbol's book, reconnect a degraded session, read status and snapshots.
// It holds one BookSyncSession per symbol with reference-counted
// subscribers; no other component reaches a BookState directly.
type BookSyncService struct {
	factory domain.TransportFactory
	cfg     domain.SessionConfig
	logger  zerolog.Logger
	ctx     context.Context

	mu       sync.Mutex
	sessions map[string]*domain.BookSyncSession
	closed   bool
}

func NewBookSyncService(
	ctx context.Context,
	factory domain.TransportFactory,
	cfg domain.SessionConfig,
	logger zerolog.Logger,
) *BookSyncService {
	return &BookSyncService{
		factory:  factory,
		cfg:      cfg,
		logger:   logger,
		ctx:      ctx,
		sessions: make(map[string]*domain.BookSyncSession),
	}
}

// Subscribe attaches the callback to the symbol's session, creating the
// session on first use. The returned function detaches the callback; the
// last detach tears the session down. Registration happens under the service
// lock so reapIfIdle can never tear a session down between lookup and
// attach; the initial notification fires after the lock is released.
func (s *BookSyncService) Subscribe(
	symbol *domain.MarketSymbol, cb domain.SessionCallback,
) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("book sync service is closed")
	}

	key := symbol.String()
	sess, ok := s.sessions[key]
	if !ok {
		sess = domain.NewBookSyncSession(symbol, s.factory, s.cfg, s.logger)
		s.sessions[key] = sess
		sess.Start(s.ctx)
		promclient.ActiveSessions.Inc()
		s.logger.Info().Str("symbol", key).Msg("book sync session created")
	}
	detach, view, status := sess.Attach(cb)
	s.mu.Unlock()

	cb(view, status)

	var once sync.Once
	return func() {
		once.Do(func() {
			detach()
			s.reapIfIdle(key, sess)
		})
	}, nil
}

func (s *BookSyncService) reapIfIdle(key string, sess *domain.BookSyncSession) {
	s.mu.Lock()
	if s.sessions[key] != sess || sess.SubscriberCount() > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.sessions, key)
	s.mu.Unlock()

	sess.Close()
	promclient.ActiveSessions.Dec()
	s.logger.Info().Str("symbol", key).Msg("book sync session torn down")
}

// Reconnect resets the symbol's session state and reattempts the push
// transport. This is the only way back from degraded mode.
func (s *BookSyncService) Reconnect(symbol *domain.MarketSymbol) error {
	sess, err := s.session(symbol)
	if err != nil {
		return err
	}
	sess.Reconnect()
	return nil
}

func (s *BookSyncService) Status(symbol *domain.MarketSymbol) (domain.SessionStatus, error) {
	sess, err := s.session(symbol)
	if err != nil {
		return "", err
	}
	return sess.Status(), nil
}

// Snapshot returns the latest published view for the symbol, truncated to
// limit levels per side.
func (s *BookSyncService) Snapshot(symbol *domain.MarketSymbol, limit int) (*domain.BookView, error) {
	sess, err := s.session(symbol)
	if err != nil {
		return nil, err
	}

	view := sess.Snapshot(limit)
	if view == nil {
		return nil, ErrNoActiveSession
	}
	return view, nil
}

func (s *BookSyncService) session(symbol *domain.MarketSymbol) (*domain.BookSyncSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[symbol.String()]
	if !ok {
		return nil, ErrNoActiveSession
	}
	return sess, nil
}

// Close tears down every session. The service cannot be reused afterwards.
func (s *BookSyncService) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	sessions := make([]*domain.BookSyncSession, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.sessions = make(map[string]*domain.BookSyncSession)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
		promclient.ActiveSessions.Dec()
	}
}
