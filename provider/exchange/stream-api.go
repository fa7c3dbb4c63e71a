package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/finbridge/booksync/domain"
	promclient "github.com/finbridge/booksync/infrastructure/prometheus"
)

// Config carries the exchange endpoints and timeouts shared by both
// transports.
type Config struct {
	WSEndpoint       string
	RESTEndpoint     string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	RequestTimeout   time.Duration
}

// wireBookMessage is the push feed frame. Prices and sizes are
// decimal-string-encoded fixed-point integers at 1e8 scale.
type wireBookMessage struct {
	Type      string     `json:"type"`
	Symbol    string     `json:"symbol"`
	Bids      [][]string `json:"bids"`
	Asks      [][]string `json:"asks"`
	Timestamp int64      `json:"timestamp"`
	Sequence  int64      `json:"sequence"`
}

// StreamAPI implements domain.StreamTransport against the exchange's
// websocket book channel. One instance drives at most one connection; a
// second Connect call drops the previous connection first.
type StreamAPI struct {
	cfg    Config
	codec  *domain.PriceCodec
	logger zerolog.Logger

	mu     sync.Mutex
	client *streamClient
}

func NewStreamAPI(cfg Config, logger zerolog.Logger) *StreamAPI {
	return &StreamAPI{
		cfg:    cfg,
		codec:  domain.NewPriceCodec(logger),
		logger: logger,
	}
}

func (s *StreamAPI) Connect(
	ctx context.Context, symbol *domain.MarketSymbol,
) (*domain.Subscription[*domain.BookMessage], error) {
	s.mu.Lock()
	if s.client != nil {
		_ = s.client.close()
		s.client = nil
	}
	s.mu.Unlock()

	client, err := dialStreamClient(
		ctx, s.cfg.WSEndpoint, s.cfg.HandshakeTimeout, s.cfg.ReadTimeout, s.logger)
	if err != nil {
		return nil, err
	}

	topic := strings.ToLower(symbol.Join("-")) + "@book"
	if err := client.subscribe(topic); err != nil {
		_ = client.close()
		return nil, err
	}

	stream := make(chan *domain.BookMessage)
	errCh := make(chan error, 1)

	s.mu.Lock()
	s.client = client
	s.mu.Unlock()

	go s.decodeLoop(client, stream, errCh)

	return &domain.Subscription[*domain.BookMessage]{
		Stream: stream,
		Err:    errCh,
		Topic:  topic,
		Unsubscribe: func() {
			_ = client.unsubscribe(topic)
			_ = client.close()
		},
	}, nil
}

func (s *StreamAPI) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client == nil {
		return nil
	}

	err := s.client.close()
	s.client = nil
	return err
}

// decodeLoop turns raw frames into BookMessages. A frame with a malformed
// value is dropped whole and counted; broken framing is a transport failure
// and ends the subscription.
func (s *StreamAPI) decodeLoop(
	client *streamClient,
	out chan<- *domain.BookMessage,
	errCh chan<- error,
) {
	defer close(out)

	for {
		select {
		case <-client.done:
			return
		case frame := <-client.frames:
			msg, err := s.decodeFrame(frame)
			if err != nil {
				if errors.Is(err, domain.ErrMalformedValue) {
					promclient.MalformedMessagesDropped.Inc()
					s.logger.Warn().Err(err).Msg("dropped message with malformed value")
					continue
				}
				errCh <- err
				_ = client.close()
				return
			}
			if msg == nil {
				// subscription ack or heartbeat
				continue
			}
			select {
			case out <- msg:
			case <-client.done:
				return
			}
		case err := <-client.errs:
			errCh <- err
			return
		}
	}
}

func (s *StreamAPI) decodeFrame(frame []byte) (*domain.BookMessage, error) {
	var wire wireBookMessage
	if err := json.Unmarshal(frame, &wire); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msgType domain.MessageType
	switch wire.Type {
	case "snapshot":
		msgType = domain.MessageTypeSnapshot
	case "delta":
		msgType = domain.MessageTypeDelta
	default:
		return nil, nil
	}

	bids, err := s.decodeLevels(wire.Bids)
	if err != nil {
		return nil, err
	}
	asks, err := s.decodeLevels(wire.Asks)
	if err != nil {
		return nil, err
	}

	return &domain.BookMessage{
		Type:      msgType,
		Symbol:    wire.Symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: wire.Timestamp,
		Sequence:  wire.Sequence,
	}, nil
}

func (s *StreamAPI) decodeLevels(rows [][]string) ([]domain.Level, error) {
	levels := make([]domain.Level, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("%w: level row has %d fields", domain.ErrMalformedValue, len(row))
		}

		price, err := s.codec.Decode(row[0])
		if err != nil {
			return nil, err
		}
		size, err := s.codec.Decode(row[1])
		if err != nil {
			return nil, err
		}

		levels = append(levels, domain.Level{Price: price, Size: size})
	}
	return levels, nil
}
