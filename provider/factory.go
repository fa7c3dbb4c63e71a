package provider

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/finbridge/booksync/config"
	"github.com/finbridge/booksync/domain"
	"github.com/finbridge/booksync/provider/exchange"
)

// Factory builds per-session exchange transports. Every Stream and Poll call
// returns a fresh instance, so sessions never share a connection or its
// failure state.
type Factory struct {
	cfg    exchange.Config
	logger zerolog.Logger
}

func NewFactory(cfg config.Config, logger zerolog.Logger) *Factory {
	return &Factory{
		cfg: exchange.Config{
			WSEndpoint:       cfg.Exchange.WSEndpoint,
			RESTEndpoint:     cfg.Exchange.RESTEndpoint,
			HandshakeTimeout: time.Duration(cfg.Exchange.HandshakeTimeoutSeconds) * time.Second,
			ReadTimeout:      time.Duration(cfg.Exchange.ReadTimeoutSeconds) * time.Second,
			RequestTimeout:   time.Duration(cfg.Exchange.RequestTimeoutSeconds) * time.Second,
		},
		logger: logger,
	}
}

func (f *Factory) Stream() domain.StreamTransport {
	return exchange.NewStreamAPI(f.cfg, f.logger)
}

func (f *Factory) Poll() domain.PollTransport {
	return exchange.NewSyncAPI(f.cfg, f.logger)
}
