package risk

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/money"
)

func testInput(amountMinor int64) Input {
	return Input{
		Amount:            money.MustNew(amountMinor, "USD"),
		MethodType:        contracts.MethodCard,
		MethodFingerprint: "fp-1",
		CredentialID:      "cred-1",
		Now:               time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestScoreIsDeterministic(t *testing.T) {
	s, err := NewScorer(DefaultRuleset(), NewMemoryCounters())
	require.NoError(t, err)

	in := testInput(150000)
	in.GeoMismatch = true

	first := s.Score(context.Background(), in, DefaultThresholds())
	for i := 0; i < 10; i++ {
		again := s.Score(context.Background(), in, DefaultThresholds())
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Decision, again.Decision)
		assert.Equal(t, first.TriggeredRules, again.TriggeredRules)
	}
}

func TestScoreThresholds(t *testing.T) {
	s, err := NewScorer(DefaultRuleset(), NewMemoryCounters())
	require.NoError(t, err)
	ctx := context.Background()
	th := DefaultThresholds()

	// Small clean transaction: nothing fires.
	low := s.Score(ctx, testInput(2500), th)
	assert.Equal(t, contracts.RiskAllow, low.Decision)
	assert.Zero(t, low.Score)
	assert.Empty(t, low.TriggeredRules)

	// amount_high (0.3) + geo_mismatch (0.3) = 0.6 -> challenge.
	mid := testInput(150000)
	mid.GeoMismatch = true
	challenged := s.Score(ctx, mid, th)
	assert.Equal(t, contracts.RiskChallenge, challenged.Decision)
	assert.InDelta(t, 0.6, challenged.Score, 1e-9)
	assert.Equal(t, []string{"amount_high", "geo_mismatch"}, challenged.TriggeredRules)

	// amount_very_high (0.5) + geo_mismatch (0.3) = 0.8 -> block.
	high := testInput(600000)
	high.GeoMismatch = true
	blocked := s.Score(ctx, high, th)
	assert.Equal(t, contracts.RiskBlock, blocked.Decision)
}

func TestScoreCapsAtOne(t *testing.T) {
	counters := NewMemoryCounters()
	s, err := NewScorer(DefaultRuleset(), counters)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 30; i++ {
		require.NoError(t, counters.Observe(ctx, "fp-1"))
	}

	in := testInput(600000)
	in.GeoMismatch = true
	// very_high 0.5 + burst 0.4 + sustained 0.3 + geo 0.3 > 1
	got := s.Score(ctx, in, DefaultThresholds())
	assert.Equal(t, 1.0, got.Score)
	assert.Equal(t, contracts.RiskBlock, got.Decision)
}

func TestPerCredentialThresholdOverride(t *testing.T) {
	s, err := NewScorer(DefaultRuleset(), NewMemoryCounters())
	require.NoError(t, err)

	in := testInput(150000)
	in.GeoMismatch = true // score 0.6

	strict := Thresholds{Challenge: 0.3, Block: 0.5}
	assert.Equal(t, contracts.RiskBlock, s.Score(context.Background(), in, strict).Decision)

	lenient := Thresholds{Challenge: 0.7, Block: 0.9}
	assert.Equal(t, contracts.RiskAllow, s.Score(context.Background(), in, lenient).Decision)
}

type failingCounters struct{}

func (failingCounters) Observe(context.Context, string) error { return errors.New("redis down") }
func (failingCounters) Counts(context.Context, string) (int64, int64, error) {
	return 0, 0, errors.New("redis down")
}

func TestFailClosedOnCounterError(t *testing.T) {
	s, err := NewScorer(DefaultRuleset(), failingCounters{})
	require.NoError(t, err)

	got := s.Score(context.Background(), testInput(100), DefaultThresholds())
	assert.Equal(t, contracts.RiskBlock, got.Decision)
	assert.Equal(t, []string{"internal_error"}, got.TriggeredRules)
}

func TestFailClosedOnRuleEvalError(t *testing.T) {
	rs := &Ruleset{
		Version: "test",
		Rules: []Rule{
			// Division by a computed zero fails at evaluation time.
			{ID: "explodes", Weight: 0.5, Expr: "velocity_10m / (velocity_24h - velocity_24h) > 0"},
		},
	}
	s, err := NewScorer(rs, NewMemoryCounters())
	require.NoError(t, err)

	got := s.Score(context.Background(), testInput(100), DefaultThresholds())
	assert.Equal(t, contracts.RiskBlock, got.Decision)
	assert.Equal(t, []string{"internal_error"}, got.TriggeredRules)
}

func TestNewScorerRejectsBadExpression(t *testing.T) {
	rs := &Ruleset{
		Version: "test",
		Rules:   []Rule{{ID: "bad", Weight: 0.5, Expr: "no_such_variable > 3"}},
	}
	_, err := NewScorer(rs, nil)
	assert.Error(t, err)
}
