// Package idempotency makes intent creation safe to retry. A caller-chosen
// key is bound to a fingerprint of the request body and, once the create
// finishes, to the resulting intent. Replays with the same fingerprint get
// the original outcome; reuse with a different body is a conflict.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// DefaultTTL is how long a key binding is honored after creation.
const DefaultTTL = 24 * time.Hour

// Record is one key binding.
type Record struct {
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	IntentID    string    `json:"intent_id,omitempty"` // empty while in progress
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Completed reports whether the original request finished.
func (r *Record) Completed() bool { return r.IntentID != "" }

// Fingerprint hashes a request body for equality comparison. The caller is
// responsible for hashing the same canonical bytes on every retry.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Store is the idempotency backend.
//
// Begin performs the atomic check-and-reserve: for a fresh key it records
// an in-progress reservation and returns started=true. For a known key it
// returns the existing record (started=false) when the fingerprint
// matches, contracts.ErrIdempotencyInProgress when the original request
// has not finished, and contracts.ErrIdempotencyConflict when the
// fingerprint differs. Expired records count as fresh.
type Store interface {
	Begin(ctx context.Context, key, fingerprint string) (rec *Record, started bool, err error)

	// Complete binds the reservation to the created intent.
	Complete(ctx context.Context, key, intentID string) error

	// Release abandons an unfinished reservation so a later retry can
	// start over. Completed records are not touched.
	Release(ctx context.Context, key string) error
}
