// Package query implements the read paths over the stored and cached
// price data: latest-by-symbol, historical range/OHLCV, and cross-source
// consensus pricing.
package query

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

// defaultConsensusWindow is how far back Consensus looks when no
// explicit window is requested.
const defaultConsensusWindow = 5 * time.Minute

// RangeResult answers /prices/range. When Interval is non-empty, Bucket
// holds a single OHLCV aggregate over the whole requested span — this
// service does not produce one bucket per step — and Interval echoes the
// caller's request back unchanged.
type RangeResult struct {
	Symbol       string               `json:"symbol"`
	Observations []domain.Observation `json:"observations,omitempty"`
	Interval     string               `json:"interval,omitempty"`
	Bucket       *domain.OHLCV        `json:"bucket,omitempty"`
}

// Service answers read requests, preferring the cache and falling back
// to the store, refreshing the cache on a miss.
type Service struct {
	store    store.Store
	broker   broker.Broker
	cacheTTL time.Duration
	log      zerolog.Logger
}

// New builds a query Service.
func New(s store.Store, b broker.Broker, cacheTTL time.Duration, log zerolog.Logger) *Service {
	return &Service{store: s, broker: b, cacheTTL: cacheTTL, log: log.With().Str("component", "query").Logger()}
}

// Latest returns the most recent observation for symbol, preferring the
// cache and falling back to the store on a miss (and repopulating the
// cache on that fallback).
func (s *Service) Latest(ctx context.Context, symbol string) (*domain.Observation, error) {
	if cached, ok, err := s.broker.GetLatest(ctx, symbol); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("cache read failed, falling back to store")
	} else if ok {
		return &cached, nil
	}

	obs, err := s.store.Latest(ctx, symbol)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "query latest", err)
	}
	if obs == nil {
		return nil, apierr.New(apierr.CodeNotFound, "no observations for symbol").WithDetail("symbol", symbol)
	}

	if err := s.broker.SetLatest(ctx, symbol, *obs, s.cacheTTL); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("cache repopulation failed")
	}
	return obs, nil
}

// LatestMany resolves the latest observation for each requested symbol in
// one cache round trip, falling back to the store for any symbol that
// misses and repopulating the cache for those. cached reports whether
// every symbol in symbols was served entirely from cache.
func (s *Service) LatestMany(ctx context.Context, symbols []string) (out map[string]domain.Observation, cached bool, err error) {
	out = make(map[string]domain.Observation, len(symbols))
	cached = true

	fromCache, cacheErr := s.broker.GetLatestMany(ctx, symbols)
	if cacheErr != nil {
		s.log.Warn().Err(cacheErr).Msg("cache read failed, falling back to store for all symbols")
		fromCache = nil
	}

	var misses []string
	for _, sym := range symbols {
		if obs, ok := fromCache[sym]; ok {
			out[sym] = obs
			continue
		}
		misses = append(misses, sym)
	}

	if len(misses) == 0 {
		return out, cached, nil
	}
	cached = false

	fromStore, err := s.store.LatestMany(ctx, misses)
	if err != nil {
		return nil, false, apierr.Wrap(apierr.CodeStoreError, "query latest many", err)
	}

	for sym, obs := range fromStore {
		out[sym] = obs
		if err := s.broker.SetLatest(ctx, sym, obs, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("symbol", sym).Msg("cache repopulation failed")
		}
	}

	return out, cached, nil
}

// Range returns observations (or, with interval set, a single OHLCV
// bucket) over [fromMS, toMS], honoring the cache-then-store pattern via
// broker.RangeKey.
func (s *Service) Range(ctx context.Context, symbol string, fromMS, toMS int64, source, interval string, limit int) (*RangeResult, error) {
	if limit > store.MaxRangeLimit {
		return nil, apierr.New(apierr.CodeValidation, "limit exceeds the maximum range size").
			WithDetail("field", "limit").
			WithDetail("max", store.MaxRangeLimit)
	}
	if limit <= 0 {
		limit = store.MaxRangeLimit
	}

	cacheKey := broker.RangeKey(symbol, fromMS, toMS, interval)
	if raw, ok, err := s.broker.GetBytes(ctx, cacheKey); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("range cache read failed")
	} else if ok {
		var result RangeResult
		if err := json.Unmarshal(raw, &result); err == nil {
			return &result, nil
		}
	}

	result := &RangeResult{Symbol: symbol, Interval: interval}

	if interval != "" {
		bucket, err := s.store.Stats(ctx, symbol, fromMS, toMS)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "query range stats", err)
		}
		result.Bucket = bucket
	} else {
		obs, err := s.store.Range(ctx, symbol, fromMS, toMS, source, limit)
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "query range", err)
		}
		result.Observations = obs
	}

	if raw, err := json.Marshal(result); err == nil {
		if err := s.broker.SetBytes(ctx, cacheKey, raw, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("range cache write failed")
		}
	}

	return result, nil
}

// Consensus returns the cross-source aggregated price for symbol at atMS,
// checking the cache first, then falling back to an on-demand
// aggregation over a trailing window of observations.
func (s *Service) Consensus(ctx context.Context, symbol string, atMS int64) (*domain.AggregatedPrice, error) {
	cacheKey := broker.ConsensusKey(symbol, atMS)
	if raw, ok, err := s.broker.GetBytes(ctx, cacheKey); err != nil {
		s.log.Warn().Err(err).Str("symbol", symbol).Msg("consensus cache read failed")
	} else if ok {
		var agg domain.AggregatedPrice
		if err := json.Unmarshal(raw, &agg); err == nil {
			return &agg, nil
		}
	}

	windowEnd := time.UnixMilli(atMS)
	windowStart := windowEnd.Add(-defaultConsensusWindow)

	obs, err := s.store.Range(ctx, symbol, windowStart.UnixMilli(), windowEnd.UnixMilli(), "", store.MaxRangeLimit)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "query consensus window", err)
	}
	if len(obs) == 0 {
		return nil, apierr.New(apierr.CodeNotFound, "no observations in consensus window").WithDetail("symbol", symbol)
	}

	agg := domain.Aggregate(symbol, obs)

	if raw, err := json.Marshal(agg); err == nil {
		if err := s.broker.SetBytes(ctx, cacheKey, raw, s.cacheTTL); err != nil {
			s.log.Warn().Err(err).Str("symbol", symbol).Msg("consensus cache write failed")
		}
	}

	return &agg, nil
}
