package domain

import (
	"context"
	"time"
)

// StreamTransport is the push side of the feed. Connect is idempotent: a
// second call while already connected tears the previous connection down
// first. A reconnect is always followed by a fresh snapshot from the feed
// before deltas resume. Implementations never run their own retry loop;
// retry and fallback policy lives in FailoverController so that two
// reconnect loops cannot race.
type StreamTransport interface {
	Connect(ctx context.Context, symbol *MarketSymbol) (*Subscription[*BookMessage], error)
	Disconnect() error
}

// PollTransport is the pull side: one REST round-trip returning an
// authoritative full snapshot. A failed attempt is transient; the caller
// keeps its schedule.
type PollTransport interface {
	FetchOnce(ctx context.Context, symbol *MarketSymbol) (*BookMessage, error)
}

// TransportFactory builds fresh transport instances. Each call returns a new
// instance; sessions never share connection state.
type TransportFactory interface {
	Stream() StreamTransport
	Poll() PollTransport
}

// TransportHealth tracks the push transport's condition for one session.
// It is created at session start, reset on explicit reconnect, and mutated
// only by the active transport's callbacks.
type TransportHealth struct {
	IsConnected          bool
	HasFailedPermanently bool
	LastError            error
	LastErrorAt          time.Time
}
