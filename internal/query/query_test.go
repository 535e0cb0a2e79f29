package query_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/query"
	"github.com/feedmesh/pricefeed/internal/store"
	"github.com/feedmesh/pricefeed/internal/testsupport"
)

func seed(t *testing.T, st *testsupport.FakeStore, obs ...domain.Observation) {
	t.Helper()
	_, err := st.InsertBatch(context.Background(), obs)
	require.NoError(t, err)
}

func TestLatestFallsBackToStoreAndRepopulatesCache(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	seed(t, st, domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(67000), Source: "kraken", Timestamp: now})

	obs, err := svc.Latest(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(67000)))

	cached, ok, err := br.GetLatest(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, cached.Price.Equal(decimal.NewFromInt(67000)))
}

func TestLatestPrefersCacheOverStore(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	seed(t, st, domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(1), Source: "kraken", Timestamp: now})
	require.NoError(t, br.SetLatest(context.Background(), "BTC/USD", domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(99999), Source: "kraken", Timestamp: now}, time.Minute))

	obs, err := svc.Latest(context.Background(), "BTC/USD")
	require.NoError(t, err)
	assert.True(t, obs.Price.Equal(decimal.NewFromInt(99999)))
}

func TestLatestReturnsNotFoundWhenNoData(t *testing.T) {
	svc := query.New(testsupport.NewFakeStore(), testsupport.NewFakeBroker(), time.Minute, zerolog.Nop())
	_, err := svc.Latest(context.Background(), "ETH/USD")
	require.Error(t, err)
}

func TestRangeWithoutIntervalReturnsObservations(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	seed(t, st,
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(100), Source: "kraken", Timestamp: now.Add(-time.Minute)},
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(110), Source: "kraken", Timestamp: now},
	)

	result, err := svc.Range(context.Background(), "BTC/USD", now.Add(-time.Hour).UnixMilli(), now.Add(time.Hour).UnixMilli(), "", "", 0)
	require.NoError(t, err)
	assert.Empty(t, result.Interval)
	assert.Nil(t, result.Bucket)
	assert.Len(t, result.Observations, 2)
}

func TestRangeRejectsLimitAboveMaximum(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	_, err := svc.Range(context.Background(), "BTC/USD", now.Add(-time.Hour).UnixMilli(), now.UnixMilli(), "", "", store.MaxRangeLimit+1)
	require.Error(t, err)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidation, apiErr.Code)
}

func TestRangeWithIntervalReturnsSingleBucketEchoingInterval(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	seed(t, st,
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(100), Source: "kraken", Timestamp: now.Add(-time.Minute)},
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(110), Source: "kraken", Timestamp: now},
	)

	result, err := svc.Range(context.Background(), "BTC/USD", now.Add(-time.Hour).UnixMilli(), now.Add(time.Hour).UnixMilli(), "", "1h", 0)
	require.NoError(t, err)
	require.NotNil(t, result.Bucket)
	assert.Equal(t, "1h", result.Interval)
	assert.True(t, result.Bucket.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, result.Bucket.Close.Equal(decimal.NewFromInt(110)))
}

func TestConsensusAggregatesTrailingWindow(t *testing.T) {
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := query.New(st, br, time.Minute, zerolog.Nop())

	now := time.Now().UTC()
	seed(t, st,
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(100), Source: "kraken", Timestamp: now},
		domain.Observation{Symbol: "BTC/USD", Price: decimal.NewFromInt(102), Source: "binance", Timestamp: now},
	)

	agg, err := svc.Consensus(context.Background(), "BTC/USD", now.UnixMilli())
	require.NoError(t, err)
	assert.Equal(t, 2, agg.NumSources)
	assert.True(t, agg.Median.Equal(decimal.NewFromFloat(101)))
}

func TestConsensusReturnsNotFoundWhenWindowEmpty(t *testing.T) {
	svc := query.New(testsupport.NewFakeStore(), testsupport.NewFakeBroker(), time.Minute, zerolog.Nop())
	_, err := svc.Consensus(context.Background(), "BTC/USD", time.Now().UnixMilli())
	require.Error(t, err)
}
