// Package store implements the time-series store adapter over
// PostgreSQL: sqlx + lib/pq, pooled connections, a fail-fast ping at
// boot, batched prepared-statement inserts, and parameterized range
// scans.
package store

import (
	"context"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// Store is the interface the ingestion and query services depend on.
type Store interface {
	// InsertBatch writes obs as a single atomic batch and returns the
	// count inserted. Duplicates are allowed.
	InsertBatch(ctx context.Context, obs []domain.Observation) (int, error)

	// Latest returns the most recent observation for symbol, or nil if
	// none exists. Tie-break: highest timestamp, then highest
	// ingested_at, then highest id.
	Latest(ctx context.Context, symbol string) (*domain.Observation, error)

	// LatestMany resolves latest-per-symbol for every requested symbol
	// in a single scan.
	LatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error)

	// Range returns observations with timestamp in [from, to] (millisecond
	// Unix timestamps), sorted descending by timestamp, optionally
	// restricted to source, bounded by limit (<= 10_000; a larger limit
	// is a programmer error surfaced as a panic by the adapter, matching
	// documented ceiling).
	Range(ctx context.Context, symbol string, from, to int64, source string, limit int) ([]domain.Observation, error)

	// Stats computes the OHLCV rollup over [from, to] (millisecond Unix
	// timestamps), or nil if no observations exist in the window.
	Stats(ctx context.Context, symbol string, from, to int64) (*domain.OHLCV, error)

	Ping(ctx context.Context) error
	Close() error
}

// MaxRangeLimit is the hard ceiling on a single range query; callers above this
// are a programmer error, not user input (the query service rejects a
// larger request-level limit with VALIDATION_ERROR before reaching here).
const MaxRangeLimit = 10_000
