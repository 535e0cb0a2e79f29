package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/feedmesh/pricefeed/internal/collector"
	"github.com/feedmesh/pricefeed/internal/config"
	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/exchange"
)

// newCollectCmd wires one exchange's edge collector: dial the venue,
// normalize and batch its trade stream, and forward batches to the
// ingestion API. One process instance handles exactly one exchange, so
// a deployment runs one collect process per configured venue.
func newCollectCmd() *cobra.Command {
	var symbols []string

	cmd := &cobra.Command{
		Use:   "collect <exchange>",
		Short: "Run the edge collector for one exchange (coinbase, binance, kraken, okx)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCollect(cmd.Context(), args[0], symbols)
		},
	}
	cmd.Flags().StringSliceVar(&symbols, "symbols", nil, "symbols to subscribe to, e.g. BTC/USD,ETH/USD")
	return cmd
}

func runCollect(ctx context.Context, exchangeName string, symbols []string) error {
	if len(symbols) == 0 {
		return fmt.Errorf("collect: at least one --symbols entry is required")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	workerID := exchangeName + "-collector"
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().
		Str("service", appName).Str("worker_id", workerID).Logger()

	adapter, err := exchange.New(exchangeName, domain.AliasConfig{
		Base:  cfg.BaseAlias,
		Quote: cfg.QuoteAlias,
	}, workerID)
	if err != nil {
		return err
	}

	sender := collector.NewSender(collector.SenderConfig{
		URL:               cfg.CollectorIngestURL,
		APIKey:            cfg.CollectorIngestAPIKey,
		MaxSendsPerSecond: cfg.CollectorMaxSendsPerSecond,
	}, workerID)

	rt := collector.NewRuntime(adapter, collector.Config{
		Symbols:              symbols,
		MaxReconnectAttempts: cfg.CollectorMaxReconnectAttempts,
		Batcher: collector.BatcherConfig{
			MaxBatchSize: cfg.CollectorMaxBatchSize,
			MaxBatchAge:  cfg.CollectorMaxBatchAge(),
		},
	}, sender, log)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down collector")
		cancel()
	}()

	if err := rt.Run(runCtx); err != nil && runCtx.Err() == nil {
		return fmt.Errorf("collector run: %w", err)
	}
	return nil
}
