package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/keelpay/core/pkg/contracts"
)

// PostgresStore implements Store on PostgreSQL. The reservation is a row
// insert guarded by the primary key, so concurrent retries race on the
// database rather than in process.
type PostgresStore struct {
	db    *sql.DB
	ttl   time.Duration
	clock func() time.Time
}

// NewPostgresStore wraps an open database handle. Call Migrate once at
// startup to ensure the table exists.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &PostgresStore{db: db, ttl: ttl, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *PostgresStore) WithClock(clock func() time.Time) *PostgresStore {
	s.clock = clock
	return s
}

// Migrate creates the idempotency table if missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS idempotency_keys (
			key         TEXT PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			intent_id   TEXT,
			created_at  TIMESTAMPTZ NOT NULL,
			expires_at  TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("migrate idempotency_keys: %w", err)
	}
	return nil
}

// Begin implements Store.
func (s *PostgresStore) Begin(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	now := s.clock()
	rec := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}

	// Fresh or expired key: take the reservation. The upsert only
	// replaces rows past their expiry, so a live row is never clobbered.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, fingerprint, intent_id, created_at, expires_at)
		VALUES ($1, $2, NULL, $3, $4)
		ON CONFLICT (key) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint,
			intent_id   = NULL,
			created_at  = EXCLUDED.created_at,
			expires_at  = EXCLUDED.expires_at
		WHERE idempotency_keys.expires_at < $3`,
		key, fingerprint, now, rec.ExpiresAt)
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("reserve idempotency key: %w", err)
	}
	if affected == 1 {
		return rec, true, nil
	}

	// Key is live: load it and classify.
	row := s.db.QueryRowContext(ctx, `
		SELECT fingerprint, COALESCE(intent_id, ''), created_at, expires_at
		FROM idempotency_keys WHERE key = $1`, key)

	existing := &Record{Key: key}
	if err := row.Scan(&existing.Fingerprint, &existing.IntentID, &existing.CreatedAt, &existing.ExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			// Deleted between the upsert and the read; treat as a
			// lost race with a concurrent Release.
			return nil, false, contracts.ErrIdempotencyInProgress
		}
		return nil, false, fmt.Errorf("load idempotency key: %w", err)
	}

	if existing.Fingerprint != fingerprint {
		return nil, false, contracts.ErrIdempotencyConflict
	}
	if !existing.Completed() {
		return nil, false, contracts.ErrIdempotencyInProgress
	}
	return existing, false, nil
}

// Complete implements Store.
func (s *PostgresStore) Complete(ctx context.Context, key, intentID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET intent_id = $2 WHERE key = $1`, key, intentID)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	if affected == 0 {
		return contracts.ErrNotFound
	}
	return nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE key = $1 AND intent_id IS NULL`, key)
	if err != nil {
		return fmt.Errorf("release idempotency key: %w", err)
	}
	return nil
}
