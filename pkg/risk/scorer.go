package risk

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/decls"
	"github.com/google/cel-go/common/types"

	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/money"
)

// Thresholds turn a score into a decision: allow below Challenge,
// challenge below Block, block at or above Block.
type Thresholds struct {
	Challenge float64 `yaml:"challenge" json:"challenge"`
	Block     float64 `yaml:"block" json:"block"`
}

// DefaultThresholds is the stock 0.5 / 0.8 split.
func DefaultThresholds() Thresholds {
	return Thresholds{Challenge: 0.5, Block: 0.8}
}

// Decide maps a score onto this threshold pair.
func (t Thresholds) Decide(score float64) contracts.RiskDecision {
	switch {
	case score >= t.Block:
		return contracts.RiskBlock
	case score >= t.Challenge:
		return contracts.RiskChallenge
	default:
		return contracts.RiskAllow
	}
}

// Input is everything a scoring pass may consult. Time enters as a field
// so the same input always produces the same assessment.
type Input struct {
	Amount            money.Money
	MethodType        contracts.MethodType
	MethodFingerprint string
	CredentialID      string

	// GeoMismatch is true when the billing country differs from the
	// instrument's issuing country.
	GeoMismatch bool

	// NewMethod is true on the first observed use of the fingerprint.
	NewMethod bool

	Now time.Time
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Scorer evaluates a compiled ruleset. Construction compiles every rule;
// a ruleset that does not compile is rejected up front rather than at
// transaction time.
type Scorer struct {
	rules    []compiledRule
	version  string
	counters Counters
	log      *slog.Logger
}

// NewScorer compiles the ruleset against the scoring variables.
func NewScorer(rs *Ruleset, counters Counters) (*Scorer, error) {
	env, err := cel.NewEnv(
		cel.VariableDecls(
			decls.NewVariable("amount_minor", types.IntType),
			decls.NewVariable("currency", types.StringType),
			decls.NewVariable("method_type", types.StringType),
			decls.NewVariable("credential_id", types.StringType),
			decls.NewVariable("velocity_10m", types.IntType),
			decls.NewVariable("velocity_24h", types.IntType),
			decls.NewVariable("geo_mismatch", types.BoolType),
			decls.NewVariable("new_method", types.BoolType),
			decls.NewVariable("hour_utc", types.IntType),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("risk: create CEL env: %w", err)
	}

	s := &Scorer{
		rules:    make([]compiledRule, 0, len(rs.Rules)),
		version:  rs.Version,
		counters: counters,
		log:      slog.Default().With("component", "risk"),
	}
	for _, r := range rs.Rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("risk: rule %q: %w", r.ID, issues.Err())
		}
		prg, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("risk: rule %q: %w", r.ID, err)
		}
		s.rules = append(s.rules, compiledRule{rule: r, prg: prg})
	}
	return s, nil
}

// RulesetVersion reports the version of the loaded ruleset.
func (s *Scorer) RulesetVersion() string { return s.version }

// Observe records one attempt on the instrument so velocity rules see it.
func (s *Scorer) Observe(ctx context.Context, fingerprint string) error {
	if s.counters == nil || fingerprint == "" {
		return nil
	}
	return s.counters.Observe(ctx, fingerprint)
}

// Score runs every rule in ruleset order and maps the capped weight sum
// through the thresholds. Any internal failure (counter backend down,
// rule evaluation error) blocks the transaction.
func (s *Scorer) Score(ctx context.Context, in Input, th Thresholds) contracts.RiskAssessment {
	now := in.Now
	if now.IsZero() {
		now = time.Now()
	}

	var v10m, v24h int64
	if s.counters != nil && in.MethodFingerprint != "" {
		var err error
		v10m, v24h, err = s.counters.Counts(ctx, in.MethodFingerprint)
		if err != nil {
			s.log.ErrorContext(ctx, "velocity lookup failed, blocking", "error", err)
			return s.failClosed(now)
		}
	}

	input := map[string]any{
		"amount_minor":  in.Amount.AmountMinor,
		"currency":      in.Amount.Currency,
		"method_type":   string(in.MethodType),
		"credential_id": in.CredentialID,
		"velocity_10m":  v10m,
		"velocity_24h":  v24h,
		"geo_mismatch":  in.GeoMismatch,
		"new_method":    in.NewMethod,
		"hour_utc":      int64(now.UTC().Hour()),
	}

	score := 0.0
	var triggered []string
	for _, cr := range s.rules {
		out, _, err := cr.prg.Eval(input)
		if err != nil {
			s.log.ErrorContext(ctx, "rule evaluation failed, blocking",
				"rule", cr.rule.ID, "error", err)
			return s.failClosed(now)
		}
		if fired, ok := out.Value().(bool); ok && fired {
			score += cr.rule.Weight
			triggered = append(triggered, cr.rule.ID)
		}
	}
	if score > 1 {
		score = 1
	}

	return contracts.RiskAssessment{
		Score:          score,
		Decision:       th.Decide(score),
		TriggeredRules: triggered,
		EvaluatedAt:    now,
	}
}

func (s *Scorer) failClosed(now time.Time) contracts.RiskAssessment {
	return contracts.RiskAssessment{
		Score:          1,
		Decision:       contracts.RiskBlock,
		TriggeredRules: []string{"internal_error"},
		EvaluatedAt:    now,
	}
}
