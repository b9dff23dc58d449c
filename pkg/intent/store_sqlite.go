package intent

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/money"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists intents in an embedded SQLite database. The
// version column carries the optimistic-concurrency counter; Update is a
// single conditional UPDATE so the CAS holds across processes sharing
// the file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS payment_intents (
        id TEXT PRIMARY KEY,
        amount_minor INTEGER NOT NULL,
        currency TEXT NOT NULL,
        scale INTEGER NOT NULL,
        status TEXT NOT NULL,
        payment_method TEXT,
        risk JSON,
        challenge JSON,
        idempotency_key TEXT,
        metadata JSON,
        failure_reason TEXT,
        network_ref TEXT,
        version INTEGER NOT NULL,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL,
        processing_deadline TEXT,
        action_deadline TEXT
    );
    CREATE INDEX IF NOT EXISTS idx_payment_intents_status ON payment_intents (status);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

const intentColumns = `id, amount_minor, currency, scale, status, payment_method, risk, challenge,
        idempotency_key, metadata, failure_reason, network_ref, version,
        created_at, updated_at, processing_deadline, action_deadline`

func (s *SQLiteStore) Create(ctx context.Context, in *contracts.PaymentIntent) error {
	query := `INSERT INTO payment_intents (` + intentColumns + `)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	riskJSON := marshalOrNull(in.Risk)
	challengeJSON := marshalOrNull(in.Challenge)
	metaJSON := marshalOrNull(in.Metadata)

	_, err := s.db.ExecContext(ctx, query,
		in.ID, in.Amount.AmountMinor, in.Amount.Currency, in.Amount.Scale,
		string(in.Status), in.PaymentMethod, riskJSON, challengeJSON,
		in.IdempotencyKey, metaJSON, string(in.FailureReason), in.NetworkRef, in.Version,
		formatTime(in.CreatedAt), formatTime(in.UpdatedAt),
		formatTime(in.ProcessingDeadline), formatTime(in.ActionDeadline),
	)
	if err != nil {
		return fmt.Errorf("insert intent %s: %w", in.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*contracts.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	in, err := scanIntentRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("intent %s: %w", id, contracts.ErrNotFound)
		}
		return nil, err
	}
	return in, nil
}

func (s *SQLiteStore) Update(ctx context.Context, in *contracts.PaymentIntent, expectedVersion int64) error {
	query := `UPDATE payment_intents SET
        status = ?, payment_method = ?, risk = ?, challenge = ?, metadata = ?,
        failure_reason = ?, network_ref = ?, version = ?, updated_at = ?,
        processing_deadline = ?, action_deadline = ?
        WHERE id = ? AND version = ?`

	res, err := s.db.ExecContext(ctx, query,
		string(in.Status), in.PaymentMethod, marshalOrNull(in.Risk),
		marshalOrNull(in.Challenge), marshalOrNull(in.Metadata),
		string(in.FailureReason), in.NetworkRef, in.Version, formatTime(in.UpdatedAt),
		formatTime(in.ProcessingDeadline), formatTime(in.ActionDeadline),
		in.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update intent %s: %w", in.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the row is gone or someone else won the version race.
		if _, getErr := s.Get(ctx, in.ID); getErr != nil {
			return getErr
		}
		return fmt.Errorf("intent %s moved past version %d: %w",
			in.ID, expectedVersion, contracts.ErrVersionConflict)
	}
	return nil
}

func (s *SQLiteStore) ListByStatus(ctx context.Context, status contracts.IntentStatus) ([]*contracts.PaymentIntent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE status = ? ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PaymentIntent
	for rows.Next() {
		in, err := scanIntentRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanIntentRow(row scanner) (*contracts.PaymentIntent, error) {
	var (
		id            string
		amountMinor   int64
		currencyCode  string
		scale         int
		status        string
		method        sql.NullString
		riskJSON      sql.NullString
		challengeJSON sql.NullString
		idemKey       sql.NullString
		metaJSON      sql.NullString
		failureReason sql.NullString
		networkRef    sql.NullString
		version       int64
		createdAt     string
		updatedAt     string
		procDeadline  sql.NullString
		actDeadline   sql.NullString
	)
	if err := row.Scan(&id, &amountMinor, &currencyCode, &scale, &status, &method,
		&riskJSON, &challengeJSON, &idemKey, &metaJSON, &failureReason, &networkRef,
		&version, &createdAt, &updatedAt, &procDeadline, &actDeadline); err != nil {
		return nil, err
	}

	in := &contracts.PaymentIntent{
		ID:             id,
		Amount:         money.Money{AmountMinor: amountMinor, Currency: currencyCode, Scale: scale},
		Status:         contracts.IntentStatus(status),
		PaymentMethod:  method.String,
		IdempotencyKey: idemKey.String,
		FailureReason:  contracts.FailureReason(failureReason.String),
		NetworkRef:     networkRef.String,
		Version:        version,
		CreatedAt:      parseTime(createdAt),
		UpdatedAt:      parseTime(updatedAt),
	}
	if procDeadline.Valid {
		in.ProcessingDeadline = parseTime(procDeadline.String)
	}
	if actDeadline.Valid {
		in.ActionDeadline = parseTime(actDeadline.String)
	}
	if riskJSON.Valid && riskJSON.String != "" {
		var r contracts.RiskAssessment
		if err := json.Unmarshal([]byte(riskJSON.String), &r); err == nil {
			in.Risk = &r
		}
	}
	if challengeJSON.Valid && challengeJSON.String != "" {
		var c contracts.Challenge
		if err := json.Unmarshal([]byte(challengeJSON.String), &c); err == nil {
			in.Challenge = &c
		}
	}
	if metaJSON.Valid && metaJSON.String != "" {
		_ = json.Unmarshal([]byte(metaJSON.String), &in.Metadata)
	}
	return in, nil
}

// marshalOrNull keeps absent sub-documents as SQL NULL instead of the
// JSON literal "null".
func marshalOrNull(v any) any {
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case *contracts.RiskAssessment:
		if t == nil {
			return nil
		}
	case *contracts.Challenge:
		if t == nil {
			return nil
		}
	case map[string]string:
		if len(t) == 0 {
			return nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
