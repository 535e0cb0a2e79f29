// Package ingest implements the ingestion service: validate a batch of
// observations, write it to the store, refresh the latest-price cache,
// and fan it out over pub/sub — in that order, with the cache and
// publish steps treated as best-effort so a Redis hiccup never blocks a
// durable write that already landed in Postgres.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/store"
)

// Request is one ingestion call: a batch of observations submitted by a
// single worker.
type Request struct {
	WorkerID     string
	Observations []domain.Observation
}

// Result reports what happened to a submitted batch. Ingestion is
// atomic: a non-nil error means zero observations were inserted, so
// Accepted is always len(req.Observations) on success.
type Result struct {
	Accepted int
}

// Service wires together the store and broker collaborators behind the
// exact sequence ingestion must follow.
type Service struct {
	store     store.Store
	broker    broker.Broker
	cacheTTL  time.Duration
	clockSkew time.Duration
	log       zerolog.Logger
}

// New builds a Service.
func New(s store.Store, b broker.Broker, cacheTTL, clockSkew time.Duration, log zerolog.Logger) *Service {
	return &Service{store: s, broker: b, cacheTTL: cacheTTL, clockSkew: clockSkew, log: log.With().Str("component", "ingest").Logger()}
}

// Ingest validates every observation in req before touching the store:
// if any observation fails validation, the whole request fails with a
// single VALIDATION_ERROR and nothing is inserted. Only once every
// observation validates does it insert the batch atomically, then
// best-effort refresh the cache and publish one update per symbol using
// each symbol's most recent observation in the batch.
func (s *Service) Ingest(ctx context.Context, req Request) (*Result, error) {
	if len(req.Observations) == 0 {
		return nil, apierr.New(apierr.CodeValidation, "observations must be non-empty")
	}

	now := time.Now().UTC()
	prepared := make([]domain.Observation, len(req.Observations))

	for i := range req.Observations {
		obs := req.Observations[i]
		obs.WorkerID = req.WorkerID
		if obs.IngestedAt.IsZero() {
			obs.IngestedAt = now
		}

		if verr := obs.Validate(now, s.clockSkew); verr != nil {
			return nil, apierr.New(apierr.CodeValidation, "observation failed validation").
				WithDetail("index", i).
				WithDetail("symbol", obs.Symbol).
				WithDetail("reason", verr.Message)
		}

		prepared[i] = obs
	}

	inserted, err := s.store.InsertBatch(ctx, prepared)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "insert observation batch", err)
	}

	latestBySymbol := latestPerSymbol(prepared)
	s.refreshCacheAndPublish(ctx, latestBySymbol)

	return &Result{Accepted: inserted}, nil
}

// latestPerSymbol retains, for each symbol present in obs, the
// observation with the highest timestamp (ties broken by later slice
// position, i.e. submission order).
func latestPerSymbol(obs []domain.Observation) map[string]domain.Observation {
	out := make(map[string]domain.Observation, len(obs))
	for _, o := range obs {
		cur, ok := out[o.Symbol]
		if !ok || !o.Timestamp.Before(cur.Timestamp) {
			out[o.Symbol] = o
		}
	}
	return out
}

// refreshCacheAndPublish updates latest:{symbol} and publishes to
// price_updates:{symbol} and price_updates:all for each symbol. Failures
// here are logged at warn and never surfaced to the caller: the batch is
// already durably stored, and a missed cache refresh or publish is
// recoverable (next poll or next batch) rather than a write failure.
func (s *Service) refreshCacheAndPublish(ctx context.Context, latestBySymbol map[string]domain.Observation) {
	for symbol, obs := range latestBySymbol {
		if err := s.broker.SetLatest(ctx, symbol, obs, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("cache refresh failed")
		}

		payload, err := json.Marshal(obs)
		if err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("marshal observation for publish failed")
			continue
		}

		if err := s.broker.Publish(ctx, broker.PriceUpdateChannel(symbol), payload); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("publish to symbol channel failed")
		}
		if err := s.broker.Publish(ctx, broker.PriceUpdateAllChannel, payload); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("publish to all channel failed")
		}
	}
}
