package webhook

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/contracts"
)

func testKeyring(t *testing.T) *SecretKeyring {
	t.Helper()
	k, err := NewSecretKeyring(bytes.Repeat([]byte("k"), 32))
	require.NoError(t, err)
	return k
}

func TestKeyringDerivationIsDeterministic(t *testing.T) {
	k := testKeyring(t)

	a, err := k.Derive("whs_1")
	require.NoError(t, err)
	b, err := k.Derive("whs_1")
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64) // 32 bytes hex

	c, err := k.Derive("whs_2")
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	// A different master yields different secrets for the same ID.
	other, err := NewSecretKeyring(bytes.Repeat([]byte("x"), 32))
	require.NoError(t, err)
	d, err := other.Derive("whs_1")
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}

func TestKeyringRejectsShortMaster(t *testing.T) {
	_, err := NewSecretKeyring([]byte("too short"))
	assert.Error(t, err)

	// Empty master generates a random one for dev use.
	k, err := NewSecretKeyring(nil)
	require.NoError(t, err)
	s, err := k.Derive("whs_1")
	require.NoError(t, err)
	assert.Len(t, s, 64)
}

func TestSubscriptionCreateValidation(t *testing.T) {
	s := NewSubscriptionStore(testKeyring(t))
	ctx := context.Background()

	_, err := s.Create(ctx, "not a url", nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = s.Create(ctx, "ftp://example.com/hook", nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, err = s.Create(ctx, "https://example.com/hook", []string{"payment_intent.exploded"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	sub, err := s.Create(ctx, "https://example.com/hook", []string{"payment_intent.succeeded"})
	require.NoError(t, err)
	assert.True(t, sub.Active)
	assert.NotEmpty(t, sub.Secret)
}

func TestSubscriptionMatching(t *testing.T) {
	s := NewSubscriptionStore(testKeyring(t))
	ctx := context.Background()

	all, err := s.Create(ctx, "https://example.com/all", nil)
	require.NoError(t, err)
	onlyFinal, err := s.Create(ctx, "https://example.com/final",
		[]string{"payment_intent.succeeded", "payment_intent.failed"})
	require.NoError(t, err)

	got := s.Matching(contracts.EventIntentSucceeded)
	require.Len(t, got, 2)

	got = s.Matching(contracts.EventIntentCreated)
	require.Len(t, got, 1)
	assert.Equal(t, all.ID, got[0].ID)

	require.NoError(t, s.SetActive(ctx, onlyFinal.ID, false))
	got = s.Matching(contracts.EventIntentSucceeded)
	require.Len(t, got, 1)
	assert.Equal(t, all.ID, got[0].ID)

	assert.ErrorIs(t, s.SetActive(ctx, "whs_missing", false), contracts.ErrNotFound)
}
