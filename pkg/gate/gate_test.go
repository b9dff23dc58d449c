package gate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/contracts"
)

func testLimiter(t *testing.T) (*MemoryLimiter, *time.Time) {
	t.Helper()
	current := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	l := NewMemoryLimiter().WithClock(func() time.Time { return current })
	t.Cleanup(l.Stop)
	return l, &current
}

func TestBurstThenDeny(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	p := Policy{PerSecond: 1, Burst: 2}

	require.NoError(t, l.Allow(ctx, "cred_1", p))
	require.NoError(t, l.Allow(ctx, "cred_1", p))

	err := l.Allow(ctx, "cred_1", p)
	require.Error(t, err)
	assert.ErrorIs(t, err, contracts.ErrRateLimited)

	var rle *contracts.RateLimitError
	require.True(t, errors.As(err, &rle))
	assert.Greater(t, rle.RetryAfter, time.Duration(0))
	assert.LessOrEqual(t, rle.RetryAfter, time.Second)
}

func TestRefillAfterWait(t *testing.T) {
	l, current := testLimiter(t)
	ctx := context.Background()
	p := Policy{PerSecond: 1, Burst: 1}

	require.NoError(t, l.Allow(ctx, "cred_1", p))
	assert.ErrorIs(t, l.Allow(ctx, "cred_1", p), contracts.ErrRateLimited)

	*current = current.Add(1100 * time.Millisecond)
	assert.NoError(t, l.Allow(ctx, "cred_1", p))
}

func TestDenialDoesNotConsumeTokens(t *testing.T) {
	l, current := testLimiter(t)
	ctx := context.Background()
	p := Policy{PerSecond: 1, Burst: 1}

	require.NoError(t, l.Allow(ctx, "cred_1", p))

	// Repeated denials must not push the refill point further out.
	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, l.Allow(ctx, "cred_1", p), contracts.ErrRateLimited)
	}

	*current = current.Add(1100 * time.Millisecond)
	assert.NoError(t, l.Allow(ctx, "cred_1", p))
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()
	p := Policy{PerSecond: 1, Burst: 1}

	require.NoError(t, l.Allow(ctx, "cred_1", p))
	assert.ErrorIs(t, l.Allow(ctx, "cred_1", p), contracts.ErrRateLimited)
	assert.NoError(t, l.Allow(ctx, "cred_2", p))
}

func TestPolicyOverrideTakesEffect(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	tight := Policy{PerSecond: 1, Burst: 1}
	require.NoError(t, l.Allow(ctx, "cred_1", tight))
	assert.ErrorIs(t, l.Allow(ctx, "cred_1", tight), contracts.ErrRateLimited)

	// Raising the burst mid-flight admits traffic again.
	loose := Policy{PerSecond: 1, Burst: 10}
	assert.NoError(t, l.Allow(ctx, "cred_1", loose))
}

func TestZeroPolicyUsesDefaults(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	// The default burst admits a full window of requests.
	for i := 0; i < DefaultPolicy().Burst; i++ {
		require.NoError(t, l.Allow(ctx, "cred_1", Policy{}))
	}
	assert.ErrorIs(t, l.Allow(ctx, "cred_1", Policy{}), contracts.ErrRateLimited)
}
