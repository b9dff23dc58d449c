package webhook

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Retry policy defaults. Delays double from the base and cap at the max;
// the first retry after a failed attempt waits roughly BaseDelay.
const (
	DefaultBaseDelay   = 30 * time.Second
	DefaultMaxDelay    = 2 * time.Hour
	DefaultMaxAttempts = 6
)

// NextDelay returns the wait before the given 1-based attempt. Jitter is
// deterministic, seeded by delivery ID and attempt, so a replayed
// schedule lands on identical times; it adds up to 20% of the capped
// delay.
func NextDelay(deliveryID string, attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = DefaultBaseDelay
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	if attempt < 1 {
		attempt = 1
	}

	shift := attempt - 1
	if shift > 30 {
		shift = 30
	}
	delay := base << shift
	if delay > max || delay <= 0 {
		delay = max
	}

	maxJitter := delay / 5
	if maxJitter <= 0 {
		return delay
	}
	seed := fmt.Sprintf("%s:%d", deliveryID, attempt)
	hash := sha256.Sum256([]byte(seed))
	jitter := time.Duration(binary.BigEndian.Uint64(hash[:8]) % uint64(maxJitter))
	return delay + jitter
}
