package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/finbridge/booksync/config"
	"github.com/finbridge/booksync/domain"
	"github.com/finbridge/booksync/helpers"
	"github.com/finbridge/booksync/infrastructure/logger"
	promclient "github.com/finbridge/booksync/infrastructure/prometheus"
	"github.com/finbridge/booksync/provider"
	"github.com/finbridge/booksync/usecase"
)

func main() {
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to the yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Pretty)

	if cfg.Metrics.Enabled {
		go func() {
			log.Info().Str("addr", cfg.Metrics.Addr).Msg("metrics server listening")
			if err := promclient.StartPromClientServer(cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	factory := provider.NewFactory(cfg, log)
	service := usecase.NewBookSyncService(ctx, factory, domain.SessionConfig{
		PollInterval:    time.Duration(cfg.Book.PollIntervalSeconds) * time.Second,
		PollTimeout:     time.Duration(cfg.Exchange.RequestTimeoutSeconds) * time.Second,
		FallbackEnabled: cfg.Book.FallbackEnabled,
		DepthLimit:      cfg.Book.DepthLimit,
	}, log)

	for _, raw := range cfg.Book.Symbols {
		symbol, err := domain.NewMarketSymbolFromString(raw)
		if err != nil {
			log.Error().Err(err).Str("symbol", raw).Msg("skipping invalid symbol")
			continue
		}

		_, err = service.Subscribe(symbol, watchBook(log, symbol))
		if err != nil {
			log.Error().Err(err).Str("symbol", raw).Msg("subscribe failed")
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("shutting down")
	service.Close()
}

func watchBook(log zerolog.Logger, symbol *domain.MarketSymbol) domain.SessionCallback {
	return func(view *domain.BookView, status domain.SessionStatus) {
		ev := log.Info().Str("symbol", symbol.String()).Str("status", string(status))
		if view != nil && len(view.Bids) > 0 && len(view.Asks) > 0 {
			ev = ev.
				Str("best_bid", view.Bids[0].Price.String()).
				Str("best_ask", view.Asks[0].Price.String()).
				Int64("sequence", view.LastUpdateID)
		}
		ev.Msg("book update")

		if view != nil {
			log.Debug().Str("view", helpers.ToJsonString(view)).Msg("full book view")
		}
	}
}
