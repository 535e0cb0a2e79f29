package domain_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/domain"
)

func TestValidSymbol(t *testing.T) {
	assert.True(t, domain.ValidSymbol("BTC/USD"))
	assert.False(t, domain.ValidSymbol("btc/usd"))
	assert.False(t, domain.ValidSymbol("BTCUSD"))
	assert.False(t, domain.ValidSymbol("BTC/USD/X"))
}

func TestCanonicalizeAppliesAliases(t *testing.T) {
	aliases := domain.AliasConfig{
		Base:  map[string]string{"XBT": "BTC"},
		Quote: map[string]string{"USDT": "USD"},
	}
	got := domain.Canonicalize(" xbt / usdt ", aliases)
	assert.Equal(t, "BTC/USD", got)
}

func TestValidateRejectsNegativePrice(t *testing.T) {
	now := time.Now().UTC()
	obs := domain.Observation{
		Symbol:    "BTC/USD",
		Price:     decimal.NewFromInt(-1),
		Source:    "coinbase",
		Timestamp: now,
	}
	err := obs.Validate(now, 24*time.Hour)
	require.NotNil(t, err)
	assert.Equal(t, apierr.CodeValidation, err.Code)
}

func TestValidateRejectsClockSkew(t *testing.T) {
	now := time.Now().UTC()
	obs := domain.Observation{
		Symbol:    "BTC/USD",
		Price:     decimal.NewFromFloat(100),
		Source:    "coinbase",
		Timestamp: now.Add(-48 * time.Hour),
	}
	err := obs.Validate(now, 24*time.Hour)
	require.NotNil(t, err)
}

func TestAggregateMedianAndSources(t *testing.T) {
	now := time.Now().UTC()
	obs := []domain.Observation{
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(67200), Source: "binance", Timestamp: now},
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(67250), Source: "kraken", Timestamp: now},
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(67300), Source: "coinbase", Timestamp: now},
	}
	agg := domain.Aggregate("BTC/USD", obs)

	assert.Equal(t, 3, agg.NumSources)
	assert.Equal(t, []string{"binance", "coinbase", "kraken"}, agg.Sources)
	assert.True(t, agg.Median.Equal(decimal.NewFromInt(67250)))
	require.NotNil(t, agg.StdDev)
}

func TestAggregateSingleSourceHasNilStdDev(t *testing.T) {
	now := time.Now().UTC()
	obs := []domain.Observation{
		{Symbol: "ETH/USD", Price: decimal.NewFromInt(3000), Source: "kraken", Timestamp: now},
	}
	agg := domain.Aggregate("ETH/USD", obs)
	assert.Equal(t, 1, agg.NumSources)
	assert.Nil(t, agg.StdDev)
}

func TestComputeOHLCV(t *testing.T) {
	t0 := time.Now().UTC()
	vol := decimal.NewFromInt(10)
	obs := []domain.Observation{
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(100), Timestamp: t0, Volume: &vol},
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(120), Timestamp: t0.Add(time.Minute), Volume: &vol},
		{Symbol: "BTC/USD", Price: decimal.NewFromInt(90), Timestamp: t0.Add(2 * time.Minute)},
	}
	ohlcv := domain.ComputeOHLCV("BTC/USD", obs)
	require.NotNil(t, ohlcv)
	assert.True(t, ohlcv.Open.Equal(decimal.NewFromInt(100)))
	assert.True(t, ohlcv.Close.Equal(decimal.NewFromInt(90)))
	assert.True(t, ohlcv.High.Equal(decimal.NewFromInt(120)))
	assert.True(t, ohlcv.Low.Equal(decimal.NewFromInt(90)))
	assert.True(t, ohlcv.Volume.Equal(decimal.NewFromInt(20)))
	assert.Equal(t, 3, ohlcv.NumFeeds)
}
