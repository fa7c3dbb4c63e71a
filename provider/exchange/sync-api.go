package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/finbridge/booksync/domain"
)

type restOrderBook struct {
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
	Sequence int64      `json:"sequence"`
}

type restResponse struct {
	Success   bool          `json:"success"`
	OrderBook restOrderBook `json:"orderbook"`
}

// SyncAPI implements domain.PollTransport against the exchange's REST
// order-book endpoint. The REST payload is already decimal, no fixed-point
// decoding applies. When the endpoint exposes no sequence, a wall-clock
// seeded counter stands in; it never goes backwards within this transport's
// lifetime.
type SyncAPI struct {
	cfg    Config
	client *http.Client
	logger zerolog.Logger

	mu      sync.Mutex
	lastSeq int64
}

func NewSyncAPI(cfg Config, logger zerolog.Logger) *SyncAPI {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &SyncAPI{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (a *SyncAPI) FetchOnce(
	ctx context.Context, symbol *domain.MarketSymbol,
) (*domain.BookMessage, error) {
	endpoint := fmt.Sprintf("%s/orderbook?symbol=%s",
		a.cfg.RESTEndpoint, url.QueryEscape(symbol.String()))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("orderbook request: %w", err)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("orderbook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("orderbook request: unexpected status %d", resp.StatusCode)
	}

	var body restResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("orderbook response: %w", err)
	}
	if !body.Success {
		return nil, errors.New("orderbook response: success=false")
	}

	bids, err := parseRestLevels(body.OrderBook.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := parseRestLevels(body.OrderBook.Asks)
	if err != nil {
		return nil, err
	}

	return &domain.BookMessage{
		Type:      domain.MessageTypeSnapshot,
		Symbol:    symbol.String(),
		Bids:      bids,
		Asks:      asks,
		Timestamp: time.Now().UnixMilli(),
		Sequence:  a.nextSequence(body.OrderBook.Sequence),
	}, nil
}

func (a *SyncAPI) nextSequence(fromFeed int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	seq := fromFeed
	if seq == 0 {
		seq = time.Now().UnixMilli()
	}
	if seq <= a.lastSeq {
		seq = a.lastSeq + 1
	}
	a.lastSeq = seq
	return seq
}

func parseRestLevels(rows [][]string) ([]domain.Level, error) {
	levels := make([]domain.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: level row has %d fields", domain.ErrMalformedValue, len(row))
		}

		price, err := decimal.NewFromString(row[0])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", domain.ErrMalformedValue, row[0])
		}
		size, err := decimal.NewFromString(row[1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", domain.ErrMalformedValue, row[1])
		}
		if size.IsZero() {
			continue
		}

		levels = append(levels, domain.Level{Price: price, Size: size})
	}
	return levels, nil
}
