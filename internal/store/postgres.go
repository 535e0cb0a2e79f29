package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/domain"
)

// requiredIndex is the index required to exist at boot; its
// absence is a fatal configuration error.
const requiredIndex = "idx_observations_symbol_timestamp"

// PostgresStore is the production Store: pooled sqlx connections over
// lib/pq, with batched prepared-statement inserts and parameterized
// range scans.
type PostgresStore struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Config holds the store_* connection options.
type Config struct {
	DSN      string
	PoolSize int
	Timeout  time.Duration
}

// Open connects to Postgres, sizes the connection pool to cfg.PoolSize,
// and fails fast if the required index is missing ("fatal
// configuration error if this index is missing on startup").
func Open(ctx context.Context, cfg Config) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	db.SetMaxOpenConns(cfg.PoolSize)
	db.SetMaxIdleConns(cfg.PoolSize / 2)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}

	s := &PostgresStore{db: db, timeout: cfg.Timeout}

	if err := s.checkRequiredIndex(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) checkRequiredIndex(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE indexname = $1)`, requiredIndex)
	if err != nil {
		return fmt.Errorf("check required index: %w", err)
	}
	if !exists {
		return fmt.Errorf("fatal: required index %q on (symbol, timestamp DESC) is missing", requiredIndex)
	}
	return nil
}

// row is the sqlx scan target for the observations table.
type row struct {
	ID         uuid.UUID       `db:"id"`
	Symbol     string          `db:"symbol"`
	Price      decimal.Decimal `db:"price"`
	Volume     sql.NullString  `db:"volume"`
	Source     string          `db:"source"`
	Timestamp  time.Time       `db:"timestamp"`
	WorkerID   string          `db:"worker_id"`
	Metadata   []byte          `db:"metadata"`
	IngestedAt time.Time       `db:"ingested_at"`
}

func (r row) toObservation() (domain.Observation, error) {
	o := domain.Observation{
		ID:         r.ID,
		Symbol:     r.Symbol,
		Price:      r.Price,
		Source:     r.Source,
		Timestamp:  r.Timestamp,
		WorkerID:   r.WorkerID,
		IngestedAt: r.IngestedAt,
	}
	if r.Volume.Valid {
		v, err := decimal.NewFromString(r.Volume.String)
		if err != nil {
			return domain.Observation{}, err
		}
		o.Volume = &v
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &o.Metadata); err != nil {
			return domain.Observation{}, err
		}
	}
	return o, nil
}

// InsertBatch mirrors tradesRepo.InsertBatch's prepared-statement-in-a-
// transaction pattern: one round trip's worth of statement prep, N
// executes, one commit, so the whole batch is atomic.
func (s *PostgresStore) InsertBatch(ctx context.Context, obs []domain.Observation) (int, error) {
	if len(obs) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeStoreError, "begin insert batch", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO observations (id, symbol, price, volume, source, timestamp, worker_id, metadata, ingested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`)
	if err != nil {
		return 0, apierr.Wrap(apierr.CodeStoreError, "prepare insert batch", err)
	}
	defer stmt.Close()

	ingestedAt := time.Now().UTC()
	for _, o := range obs {
		id := o.ID
		if id == uuid.Nil {
			id = uuid.New()
		}

		var volume sql.NullString
		if o.Volume != nil {
			volume = sql.NullString{String: o.Volume.String(), Valid: true}
		}

		metadata, err := json.Marshal(o.Metadata)
		if err != nil {
			return 0, apierr.Wrap(apierr.CodeStoreError, "marshal metadata", err)
		}

		if _, err := stmt.ExecContext(ctx, id, o.Symbol, o.Price.String(), volume,
			o.Source, o.Timestamp, o.WorkerID, metadata, ingestedAt); err != nil {
			return 0, apierr.Wrap(apierr.CodeStoreError, "insert observation", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, apierr.Wrap(apierr.CodeStoreError, "commit insert batch", err)
	}

	return len(obs), nil
}

func (s *PostgresStore) Latest(ctx context.Context, symbol string) (*domain.Observation, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var r row
	err := s.db.GetContext(ctx, &r, `
		SELECT id, symbol, price, volume, source, timestamp, worker_id, metadata, ingested_at
		FROM observations
		WHERE symbol = $1
		ORDER BY timestamp DESC, ingested_at DESC, id DESC
		LIMIT 1`, symbol)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "latest", err)
	}

	obs, err := r.toObservation()
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "decode latest row", err)
	}
	return &obs, nil
}

// LatestMany resolves latest-per-symbol via a single DISTINCT ON scan,
// equivalent to N calls to Latest but in one round trip.
func (s *PostgresStore) LatestMany(ctx context.Context, symbols []string) (map[string]domain.Observation, error) {
	out := make(map[string]domain.Observation, len(symbols))
	if len(symbols) == 0 {
		return out, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query, args, err := sqlx.In(`
		SELECT DISTINCT ON (symbol) id, symbol, price, volume, source, timestamp, worker_id, metadata, ingested_at
		FROM observations
		WHERE symbol IN (?)
		ORDER BY symbol, timestamp DESC, ingested_at DESC, id DESC`, symbols)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "build latest_many query", err)
	}
	query = s.db.Rebind(query)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "latest_many", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "scan latest_many row", err)
		}
		obs, err := r.toObservation()
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "decode latest_many row", err)
		}
		out[obs.Symbol] = obs
	}
	return out, rows.Err()
}

// Range mirrors tradesRepo.ListBySymbol/ListByVenue's parameterized
// AND-clause pattern for the optional source filter.
func (s *PostgresStore) Range(ctx context.Context, symbol string, from, to int64, source string, limit int) ([]domain.Observation, error) {
	if limit > MaxRangeLimit {
		panic(fmt.Sprintf("store: range limit %d exceeds MaxRangeLimit %d", limit, MaxRangeLimit))
	}
	if limit <= 0 {
		limit = MaxRangeLimit
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fromTS := time.UnixMilli(from).UTC()
	toTS := time.UnixMilli(to).UTC()

	query := `
		SELECT id, symbol, price, volume, source, timestamp, worker_id, metadata, ingested_at
		FROM observations
		WHERE symbol = $1 AND timestamp >= $2 AND timestamp <= $3`
	args := []interface{}{symbol, fromTS, toTS}

	if source != "" {
		query += " AND source = $4 ORDER BY timestamp DESC LIMIT $5"
		args = append(args, source, limit)
	} else {
		query += " ORDER BY timestamp DESC LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, apierr.Wrap(apierr.CodeStoreError, "range", err)
	}
	defer rows.Close()

	var out []domain.Observation
	for rows.Next() {
		var r row
		if err := rows.StructScan(&r); err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "scan range row", err)
		}
		obs, err := r.toObservation()
		if err != nil {
			return nil, apierr.Wrap(apierr.CodeStoreError, "decode range row", err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (s *PostgresStore) Stats(ctx context.Context, symbol string, from, to int64) (*domain.OHLCV, error) {
	obs, err := s.Range(ctx, symbol, from, to, "", MaxRangeLimit)
	if err != nil {
		return nil, err
	}
	return domain.ComputeOHLCV(symbol, obs), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return apierr.Wrap(apierr.CodeStoreError, "ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
