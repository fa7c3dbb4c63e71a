package domain

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeStream struct {
	mu          sync.Mutex
	connectErr  error
	sub         *Subscription[*BookMessage]
	connects    int
	disconnects int
}

func (f *fakeStream) Connect(ctx context.Context, symbol *MarketSymbol) (*Subscription[*BookMessage], error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if f.connectErr != nil {
		return nil, f.connectErr
	}

	f.sub = &Subscription[*BookMessage]{
		Stream: make(chan *BookMessage, 16),
		Err:    make(chan error, 1),
		Topic:  "btc-usd@book",
	}
	return f.sub, nil
}

func (f *fakeStream) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

// waitSub spins until Connect has produced a subscription, so tests can
// emit right after starting the controller.
func (f *fakeStream) waitSub() *Subscription[*BookMessage] {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		sub := f.sub
		f.mu.Unlock()
		if sub != nil {
			return sub
		}
		time.Sleep(time.Millisecond)
	}
	panic("fakeStream: no subscription within deadline")
}

func (f *fakeStream) emit(msg *BookMessage) {
	f.waitSub().Stream <- msg
}

func (f *fakeStream) failWith(err error) {
	f.waitSub().Err <- err
}

type fakePoll struct {
	mu      sync.Mutex
	fetches int
	errs    int // first n fetches fail
	seq     int64
}

func (f *fakePoll) FetchOnce(ctx context.Context, symbol *MarketSymbol) (*BookMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetches <= f.errs {
		return nil, errors.New("rest endpoint unavailable")
	}

	f.seq++
	return &BookMessage{
		Type:     MessageTypeSnapshot,
		Symbol:   symbol.String(),
		Bids:     []Level{lv("100", "2")},
		Asks:     []Level{lv("101", "3")},
		Sequence: f.seq,
	}, nil
}

func (f *fakePoll) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

type fakeFactory struct {
	mu      sync.Mutex
	streams []*fakeStream
	poll    *fakePoll
	handed  int
}

func (f *fakeFactory) Stream() StreamTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.handed
	if i >= len(f.streams) {
		i = len(f.streams) - 1
	}
	f.handed++
	return f.streams[i]
}

func (f *fakeFactory) Poll() PollTransport {
	return f.poll
}

func testSessionConfig() SessionConfig {
	return SessionConfig{
		PollInterval:    20 * time.Millisecond,
		PollTimeout:     time.Second,
		FallbackEnabled: true,
	}
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event channel closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller event")
	}
	return Event{}
}

// nextMessage skips transitions and transient failures.
func nextMessage(t *testing.T, events <-chan Event) Event {
	t.Helper()
	for {
		ev := nextEvent(t, events)
		if ev.Msg != nil {
			return ev
		}
	}
}

func TestFailoverController_StreamingHappyPath(t *testing.T) {
	stream := &fakeStream{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: &fakePoll{}}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	ev := nextEvent(t, c.Events())
	assert.Equal(t, StateConnecting, ev.State)
	assert.Nil(t, ev.Msg)

	stream.emit(snapshotMsg(1, []Level{lv("100", "2")}, []Level{lv("101", "3")}))

	ev = nextEvent(t, c.Events())
	assert.Equal(t, StateStreaming, ev.State, "first message promotes to streaming")
	assert.Nil(t, ev.Msg)

	ev = nextEvent(t, c.Events())
	require.NotNil(t, ev.Msg)
	assert.Equal(t, OriginStream, ev.Origin)
	assert.Equal(t, int64(1), ev.Msg.Sequence)

	assert.Equal(t, StateStreaming, c.State())
	assert.True(t, c.Health().IsConnected)
}

func TestFailoverController_FallbackOnConnectFailure(t *testing.T) {
	stream := &fakeStream{connectErr: errors.New("dial refused")}
	poll := &fakePoll{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: poll}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	ev := nextEvent(t, c.Events())
	assert.Equal(t, StateConnecting, ev.State)

	ev = nextEvent(t, c.Events())
	assert.Equal(t, StatePolling, ev.State, "connect failure degrades straight to polling")

	ev = nextMessage(t, c.Events())
	assert.Equal(t, OriginPoll, ev.Origin, "first poll is issued without delay")

	health := c.Health()
	assert.True(t, health.HasFailedPermanently)
	assert.Error(t, health.LastError)
	assert.False(t, health.LastErrorAt.IsZero())
}

func TestFailoverController_FallbackOnRuntimeFailure(t *testing.T) {
	stream := &fakeStream{}
	poll := &fakePoll{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: poll}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	nextEvent(t, c.Events()) // connecting
	stream.emit(snapshotMsg(1, []Level{lv("100", "2")}, nil))
	nextEvent(t, c.Events()) // streaming
	nextMessage(t, c.Events())

	stream.failWith(errors.New("connection reset"))

	ev := nextEvent(t, c.Events())
	assert.Equal(t, StatePolling, ev.State)
	assert.GreaterOrEqual(t, stream.disconnects, 1, "push transport is disconnected cleanly first")

	ev = nextMessage(t, c.Events())
	assert.Equal(t, OriginPoll, ev.Origin, "after fallback all messages originate from polling")
}

func TestFailoverController_OldGenerationMessageDropped(t *testing.T) {
	stream := &fakeStream{}
	poll := &fakePoll{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: poll}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	nextEvent(t, c.Events()) // connecting
	stream.emit(snapshotMsg(1, []Level{lv("100", "2")}, nil))
	nextEvent(t, c.Events()) // streaming
	ev := nextMessage(t, c.Events())
	pushGen := ev.Gen

	stream.failWith(errors.New("idle timeout"))
	for {
		ev = nextEvent(t, c.Events())
		if ev.State == StatePolling && ev.Msg == nil {
			break
		}
	}

	// a late message from the superseded push transport must never surface
	c.deliver(pushGen, snapshotMsg(99, []Level{lv("1", "1")}, nil), OriginStream)

	deadline := time.After(150 * time.Millisecond)
	for {
		select {
		case got, ok := <-c.Events():
			require.True(t, ok)
			if got.Msg != nil {
				assert.Equal(t, OriginPoll, got.Origin,
					"late push message leaked through after failover")
				assert.NotEqual(t, int64(99), got.Msg.Sequence)
			}
		case <-deadline:
			return
		}
	}
}

func TestFailoverController_PollFailureKeepsSchedule(t *testing.T) {
	stream := &fakeStream{connectErr: errors.New("dial refused")}
	poll := &fakePoll{errs: 2}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: poll}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	sawFailure := false
	for {
		ev := nextEvent(t, c.Events())
		if ev.Err != nil && ev.State == StatePolling {
			sawFailure = true
		}
		if ev.Msg != nil {
			break
		}
	}

	assert.True(t, sawFailure, "failed attempts are reported as events")
	assert.GreaterOrEqual(t, poll.fetchCount(), 3, "polling continued past the failures")
	assert.Equal(t, StatePolling, c.State())
}

func TestFailoverController_ReconnectReturnsToPush(t *testing.T) {
	broken := &fakeStream{connectErr: errors.New("dial refused")}
	healthy := &fakeStream{}
	poll := &fakePoll{}
	factory := &fakeFactory{streams: []*fakeStream{broken, healthy}, poll: poll}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	nextMessage(t, c.Events()) // polling is delivering

	c.Reconnect()

	for {
		ev := nextEvent(t, c.Events())
		if ev.State == StateConnecting && ev.Msg == nil {
			break
		}
	}

	assert.False(t, c.Health().HasFailedPermanently, "reconnect resets health")

	healthy.emit(snapshotMsg(50, []Level{lv("100", "1")}, nil))
	for {
		ev := nextEvent(t, c.Events())
		if ev.Msg != nil && ev.Origin == OriginStream {
			assert.Equal(t, int64(50), ev.Msg.Sequence)
			break
		}
	}
	assert.Equal(t, StateStreaming, c.State())
}

func TestFailoverController_FallbackDisabled(t *testing.T) {
	stream := &fakeStream{connectErr: errors.New("dial refused")}
	poll := &fakePoll{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: poll}

	cfg := testSessionConfig()
	cfg.FallbackEnabled = false
	c := NewFailoverController(mustSymbol(t), factory, cfg, zerolog.Nop())

	c.Start(context.Background())
	defer c.Stop()

	nextEvent(t, c.Events()) // connecting

	ev := nextEvent(t, c.Events())
	assert.Equal(t, StateClosed, ev.State, "no fallback means terminal failure")
	assert.Error(t, ev.Err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 0, poll.fetchCount(), "poll transport must never start")
}

func TestFailoverController_StopClosesEventStream(t *testing.T) {
	stream := &fakeStream{}
	factory := &fakeFactory{streams: []*fakeStream{stream}, poll: &fakePoll{}}
	c := NewFailoverController(mustSymbol(t), factory, testSessionConfig(), zerolog.Nop())

	c.Start(context.Background())
	nextEvent(t, c.Events()) // connecting

	c.Stop()
	c.Stop() // idempotent

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.Events():
			if !ok {
				assert.Equal(t, StateClosed, c.State())
				return
			}
		case <-deadline:
			t.Fatal("event stream was not closed by Stop")
		}
	}
}
