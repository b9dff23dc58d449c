package contracts

import "time"

// RiskDecision is the gate outcome of a scoring pass.
type RiskDecision string

const (
	RiskAllow     RiskDecision = "allow"
	RiskChallenge RiskDecision = "challenge"
	RiskBlock     RiskDecision = "block"
)

// RiskAssessment is the immutable snapshot of one scoring pass.
// Re-assessment attaches a new snapshot; it never edits an old one.
type RiskAssessment struct {
	// Score is in [0, 1]; the sum of triggered rule weights, capped at 1.
	Score    float64      `json:"score"`
	Decision RiskDecision `json:"decision"`

	// TriggeredRules lists the IDs of the rules that fired, in ruleset order.
	TriggeredRules []string `json:"triggered_rules,omitempty"`

	EvaluatedAt time.Time `json:"evaluated_at"`
}
