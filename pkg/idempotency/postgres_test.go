package idempotency

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/contracts"
)

func TestPostgresBeginFreshKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db, time.Hour).WithClock(func() time.Time { return now })

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WithArgs("key-1", "fp-1", now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec, started, err := store.Begin(context.Background(), "key-1", "fp-1")
	assert.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, "key-1", rec.Key)
	assert.False(t, rec.Completed())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBeginReplay(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db, time.Hour).WithClock(func() time.Time { return now })

	// Insert hits a live row, so the classifying read runs.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT fingerprint, COALESCE(intent_id, ''), created_at, expires_at")).
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "intent_id", "created_at", "expires_at"}).
			AddRow("fp-1", "pi_abc", now.Add(-time.Minute), now.Add(time.Hour)))

	rec, started, err := store.Begin(context.Background(), "key-1", "fp-1")
	assert.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "pi_abc", rec.IntentID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBeginConflictAndInProgress(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store := NewPostgresStore(db, time.Hour).WithClock(func() time.Time { return now })

	// Different fingerprint on a live row.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "intent_id", "created_at", "expires_at"}).
			AddRow("fp-other", "pi_abc", now, now.Add(time.Hour)))

	_, _, err = store.Begin(context.Background(), "key-1", "fp-1")
	assert.ErrorIs(t, err, contracts.ErrIdempotencyConflict)

	// Same fingerprint, original request unfinished.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO idempotency_keys")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT fingerprint").
		WillReturnRows(sqlmock.NewRows([]string{"fingerprint", "intent_id", "created_at", "expires_at"}).
			AddRow("fp-1", "", now, now.Add(time.Hour)))

	_, _, err = store.Begin(context.Background(), "key-1", "fp-1")
	assert.ErrorIs(t, err, contracts.ErrIdempotencyInProgress)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCompleteUnknownKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresStore(db, time.Hour)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE idempotency_keys SET intent_id = $2 WHERE key = $1")).
		WithArgs("missing", "pi_abc").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err = store.Complete(context.Background(), "missing", "pi_abc")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
