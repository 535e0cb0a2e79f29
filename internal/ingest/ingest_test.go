package ingest_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/broker"
	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/ingest"
	"github.com/feedmesh/pricefeed/internal/testsupport"
)

func newService(t *testing.T) (*ingest.Service, *testsupport.FakeStore, *testsupport.FakeBroker) {
	t.Helper()
	st := testsupport.NewFakeStore()
	br := testsupport.NewFakeBroker()
	svc := ingest.New(st, br, 60*time.Second, 24*time.Hour, zerolog.Nop())
	return svc, st, br
}

func TestIngestAcceptsValidBatch(t *testing.T) {
	svc, st, br := newService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	req := ingest.Request{
		WorkerID: "worker-1",
		Observations: []domain.Observation{
			{Symbol: "BTC/USD", Price: decimal.NewFromInt(67000), Source: "kraken", Timestamp: now},
		},
	}

	result, err := svc.Ingest(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Accepted)

	latest, err := st.Latest(ctx, "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.True(t, latest.Price.Equal(decimal.NewFromInt(67000)))

	cached, ok, err := br.GetLatest(ctx, "BTC/USD")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "worker-1", cached.WorkerID)
}

func TestIngestRejectsWholeBatchOnAnyInvalidObservation(t *testing.T) {
	svc, st, _ := newService(t)
	ctx := context.Background()

	now := time.Now().UTC()
	req := ingest.Request{
		WorkerID: "worker-1",
		Observations: []domain.Observation{
			{Symbol: "BTC/USD", Price: decimal.NewFromInt(67000), Source: "kraken", Timestamp: now},
			{Symbol: "not-a-symbol", Price: decimal.NewFromInt(-5), Source: "kraken", Timestamp: now},
		},
	}

	result, err := svc.Ingest(ctx, req)
	require.Error(t, err)
	assert.Nil(t, result)

	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.CodeValidation, apiErr.Code)

	many, err := st.LatestMany(ctx, []string{"BTC/USD"})
	require.NoError(t, err)
	assert.NotContains(t, many, "BTC/USD")
}

func TestIngestPublishesToSymbolAndAllChannels(t *testing.T) {
	svc, _, br := newService(t)
	ctx := context.Background()

	symbolSub, err := br.Subscribe(ctx, broker.PriceUpdateChannel("ETH/USD"))
	require.NoError(t, err)
	defer symbolSub.Close()

	allSub, err := br.Subscribe(ctx, broker.PriceUpdateAllChannel)
	require.NoError(t, err)
	defer allSub.Close()

	req := ingest.Request{
		WorkerID: "worker-1",
		Observations: []domain.Observation{
			{Symbol: "ETH/USD", Price: decimal.NewFromInt(3200), Source: "binance", Timestamp: time.Now().UTC()},
		},
	}
	_, err = svc.Ingest(ctx, req)
	require.NoError(t, err)

	select {
	case msg := <-symbolSub.Channel():
		assert.Equal(t, broker.PriceUpdateChannel("ETH/USD"), msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected a publish on the per-symbol channel")
	}

	select {
	case msg := <-allSub.Channel():
		assert.Equal(t, broker.PriceUpdateAllChannel, msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("expected a publish on the all-symbols channel")
	}
}

func TestIngestRejectsEmptyBatch(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.Ingest(context.Background(), ingest.Request{WorkerID: "worker-1"})
	require.Error(t, err)
}

func TestIngestStoreFailureSurfacesError(t *testing.T) {
	st := testsupport.NewFakeStore()
	st.InsertErr = assert.AnError
	br := testsupport.NewFakeBroker()
	svc := ingest.New(st, br, time.Minute, 24*time.Hour, zerolog.Nop())

	req := ingest.Request{
		WorkerID: "worker-1",
		Observations: []domain.Observation{
			{Symbol: "BTC/USD", Price: decimal.NewFromInt(1), Source: "kraken", Timestamp: time.Now().UTC()},
		},
	}

	_, err := svc.Ingest(context.Background(), req)
	require.Error(t, err)
}
