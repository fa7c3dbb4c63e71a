package usecase_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finbridge/booksync/domain"
	"github.com/finbridge/booksync/usecase"
)

type stubStream struct {
	mu  sync.Mutex
	sub *domain.Subscription[*domain.BookMessage]
}

func (s *stubStream) Connect(
	ctx context.Context, symbol *domain.MarketSymbol,
) (*domain.Subscription[*domain.BookMessage], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sub = &domain.Subscription[*domain.BookMessage]{
		Stream: make(chan *domain.BookMessage, 16),
		Err:    make(chan error, 1),
	}
	return s.sub, nil
}

func (s *stubStream) Disconnect() error { return nil }

func (s *stubStream) emit(msg *domain.BookMessage) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		sub := s.sub
		s.mu.Unlock()
		if sub != nil {
			sub.Stream <- msg
			return
		}
		time.Sleep(time.Millisecond)
	}
	panic("stubStream: connect never happened")
}

type stubPoll struct{}

func (stubPoll) FetchOnce(ctx context.Context, symbol *domain.MarketSymbol) (*domain.BookMessage, error) {
	return &domain.BookMessage{
		Type:     domain.MessageTypeSnapshot,
		Symbol:   symbol.String(),
		Sequence: time.Now().UnixMilli(),
	}, nil
}

type stubFactory struct {
	stream *stubStream
}

func (f *stubFactory) Stream() domain.StreamTransport { return f.stream }
func (f *stubFactory) Poll() domain.PollTransport     { return stubPoll{} }

func testService(t *testing.T) (*usecase.BookSyncService, *stubStream) {
	t.Helper()
	stream := &stubStream{}
	svc := usecase.NewBookSyncService(
		context.Background(),
		&stubFactory{stream: stream},
		domain.SessionConfig{PollInterval: time.Minute, FallbackEnabled: true},
		zerolog.Nop(),
	)
	t.Cleanup(svc.Close)
	return svc, stream
}

func mustSymbol(t *testing.T) *domain.MarketSymbol {
	t.Helper()
	symbol, err := domain.NewMarketSymbol("BTC", "USD")
	require.NoError(t, err)
	return symbol
}

func waitStatus(t *testing.T, svc *usecase.BookSyncService, symbol *domain.MarketSymbol, want domain.SessionStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.Status(symbol)
		require.NoError(t, err)
		if got == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	got, _ := svc.Status(symbol)
	t.Fatalf("status never reached %s, last seen %s", want, got)
}

func TestBookSyncService_SubscribePublishesViews(t *testing.T) {
	svc, stream := testService(t)
	symbol := mustSymbol(t)

	unsub, err := svc.Subscribe(symbol, func(view *domain.BookView, status domain.SessionStatus) {})
	require.NoError(t, err)
	defer unsub()

	_, err = svc.Snapshot(symbol, 0)
	assert.ErrorIs(t, err, usecase.ErrNoActiveSession, "nothing published yet")

	stream.emit(&domain.BookMessage{
		Type:     domain.MessageTypeSnapshot,
		Symbol:   symbol.String(),
		Bids:     []domain.Level{},
		Asks:     []domain.Level{},
		Sequence: 1,
	})
	waitStatus(t, svc, symbol, domain.StatusLive)

	view, err := svc.Snapshot(symbol, 10)
	require.NoError(t, err)
	assert.Equal(t, symbol.String(), view.Symbol)
	assert.Equal(t, int64(1), view.LastUpdateID)
}

func TestBookSyncService_SessionSharedAcrossSubscribers(t *testing.T) {
	svc, stream := testService(t)
	symbol := mustSymbol(t)

	var mu sync.Mutex
	var aViews, bViews int

	unsubA, err := svc.Subscribe(symbol, func(view *domain.BookView, _ domain.SessionStatus) {
		if view != nil {
			mu.Lock()
			aViews++
			mu.Unlock()
		}
	})
	require.NoError(t, err)
	unsubB, err := svc.Subscribe(symbol, func(view *domain.BookView, _ domain.SessionStatus) {
		if view != nil {
			mu.Lock()
			bViews++
			mu.Unlock()
		}
	})
	require.NoError(t, err)

	stream.emit(&domain.BookMessage{Type: domain.MessageTypeSnapshot, Symbol: symbol.String(), Sequence: 1})
	waitStatus(t, svc, symbol, domain.StatusLive)

	mu.Lock()
	assert.Equal(t, 1, aViews)
	assert.Equal(t, 1, bViews)
	mu.Unlock()

	// the first detach keeps the session alive for the remaining subscriber
	unsubA()
	_, err = svc.Status(symbol)
	require.NoError(t, err)

	// the last detach tears it down
	unsubB()
	unsubB() // idempotent
	_, err = svc.Status(symbol)
	assert.ErrorIs(t, err, usecase.ErrNoActiveSession)
}

func TestBookSyncService_SubscribeDuringTeardown(t *testing.T) {
	svc, _ := testService(t)
	symbol := mustSymbol(t)
	nop := func(*domain.BookView, domain.SessionStatus) {}

	for i := 0; i < 100; i++ {
		unsubA, err := svc.Subscribe(symbol, nop)
		require.NoError(t, err)

		// race the last detach against a fresh subscriber
		var (
			wg     sync.WaitGroup
			unsubB func()
			subErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			unsubA()
		}()
		go func() {
			defer wg.Done()
			unsubB, subErr = svc.Subscribe(symbol, nop)
		}()
		wg.Wait()
		require.NoError(t, subErr)

		// B holds a live subscription, so its session must be reachable
		_, err = svc.Status(symbol)
		require.NoError(t, err, "iteration %d: subscriber attached to a torn-down session", i)

		unsubB()
		_, err = svc.Status(symbol)
		require.ErrorIs(t, err, usecase.ErrNoActiveSession, "iteration %d", i)
	}
}

func TestBookSyncService_UnknownSymbol(t *testing.T) {
	svc, _ := testService(t)
	symbol := mustSymbol(t)

	_, err := svc.Status(symbol)
	assert.ErrorIs(t, err, usecase.ErrNoActiveSession)
	_, err = svc.Snapshot(symbol, 0)
	assert.ErrorIs(t, err, usecase.ErrNoActiveSession)
	assert.ErrorIs(t, svc.Reconnect(symbol), usecase.ErrNoActiveSession)
}

func TestBookSyncService_ClosedServiceRefusesSubscribers(t *testing.T) {
	svc, _ := testService(t)
	symbol := mustSymbol(t)

	unsub, err := svc.Subscribe(symbol, func(*domain.BookView, domain.SessionStatus) {})
	require.NoError(t, err)
	_ = unsub

	svc.Close()
	svc.Close()

	_, err = svc.Subscribe(symbol, func(*domain.BookView, domain.SessionStatus) {})
	require.Error(t, err)
}
