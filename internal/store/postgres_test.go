package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return &PostgresStore{db: sqlx.NewDb(db, "postgres"), timeout: time.Second}, mock
}

func TestLatestReturnsNilOnNoRows(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery("SELECT id, symbol, price").
		WithArgs("BTC/USD").
		WillReturnRows(sqlmock.NewRows(nil))

	obs, err := s.Latest(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.Nil(t, obs)
}

func TestLatestDecodesRow(t *testing.T) {
	s, mock := newMockStore(t)

	id := uuid.New()
	ts := time.Now().UTC().Truncate(time.Millisecond)
	cols := []string{"id", "symbol", "price", "volume", "source", "timestamp", "worker_id", "metadata", "ingested_at"}
	rows := sqlmock.NewRows(cols).
		AddRow(id, "BTC/USD", "67234.56", "1234.56789", "coinbase", ts, "w1", []byte(`{}`), ts)

	mock.ExpectQuery("SELECT id, symbol, price").
		WithArgs("BTC/USD").
		WillReturnRows(rows)

	obs, err := s.Latest(context.Background(), "BTC/USD")
	require.NoError(t, err)
	require.NotNil(t, obs)
	require.True(t, obs.Price.Equal(decimal.RequireFromString("67234.56")))
	require.Equal(t, "coinbase", obs.Source)
}

func TestInsertBatchEmptyIsNoop(t *testing.T) {
	s, _ := newMockStore(t)
	n, err := s.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, 0, n)
}

func TestRangePanicsOnOversizedLimit(t *testing.T) {
	s, _ := newMockStore(t)
	require.Panics(t, func() {
		_, _ = s.Range(context.Background(), "BTC/USD", 0, 1, "", MaxRangeLimit+1)
	})
}
