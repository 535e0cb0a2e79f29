package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/feedmesh/pricefeed/internal/authz"
	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/config"
	"github.com/feedmesh/pricefeed/internal/health"
	"github.com/feedmesh/pricefeed/internal/httpapi"
	"github.com/feedmesh/pricefeed/internal/ingest"
	"github.com/feedmesh/pricefeed/internal/metrics"
	"github.com/feedmesh/pricefeed/internal/query"
	"github.com/feedmesh/pricefeed/internal/store"
	"github.com/feedmesh/pricefeed/internal/subscription"
)

// newServeCmd wires the store, broker, service layer, and HTTP surface
// together and runs the API server until an interrupt or terminate
// signal is received, then drains in-flight requests before exiting.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the read/write HTTP and WebSocket API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", appName).Logger()

	st, err := store.Open(ctx, store.Config{
		DSN:      cfg.StoreURL,
		PoolSize: cfg.StorePoolSize,
		Timeout:  cfg.StoreTimeout(),
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	br, err := broker.New(cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("open broker: %w", err)
	}
	defer br.Close()

	ingestSvc := ingest.New(st, br, cfg.CacheLatestTTL(), cfg.ClockSkewTolerance, log)
	querySvc := query.New(st, br, cfg.CacheLatestTTL(), log)
	auth := authz.NewAuthenticator(cfg.Identities)
	limiter := authz.NewRateLimiter(br, cfg.RateLimit, log)
	subs := subscription.NewManager(br, cfg.WSHeartbeatInterval(), cfg.WSMaxConnections, log)
	checker := health.NewChecker(st, br, subs, time.Now())

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	limiter.OnBackendUnavailable = m.RateLimitBackendDown.Inc

	srv := httpapi.New(cfg.HTTPAddr, httpapi.Deps{
		Ingest:   ingestSvc,
		Query:    querySvc,
		Auth:     auth,
		Limiter:  limiter,
		Subs:     subs,
		Health:   checker,
		Metrics:  m,
		Gatherer: metrics.Handler(reg),
		Log:      log,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
