// Package contracts defines the shared domain types of the payment core:
// the PaymentIntent and its lifecycle, the events it emits, the risk
// snapshot attached to it, and the error taxonomy every component speaks.
//
// Lifecycle:
//   - created          -> requires_action | processing | failed | canceled
//   - requires_action  -> processing | failed | canceled
//   - processing       -> succeeded | failed
//   - succeeded / failed / canceled are terminal
//
// Status only ever moves forward along this graph. A terminal intent is
// immutable.
package contracts

import (
	"time"

	"github.com/keelpay/core/pkg/money"
)

// IntentStatus is the lifecycle state of a PaymentIntent.
type IntentStatus string

const (
	StatusCreated        IntentStatus = "created"
	StatusRequiresAction IntentStatus = "requires_action"
	StatusProcessing     IntentStatus = "processing"
	StatusSucceeded      IntentStatus = "succeeded"
	StatusFailed         IntentStatus = "failed"
	StatusCanceled       IntentStatus = "canceled"
)

// transitions is the only legal set of status moves. Absence means illegal.
var transitions = map[IntentStatus][]IntentStatus{
	StatusCreated:        {StatusRequiresAction, StatusProcessing, StatusFailed, StatusCanceled},
	StatusRequiresAction: {StatusProcessing, StatusFailed, StatusCanceled},
	StatusProcessing:     {StatusSucceeded, StatusFailed},
	StatusSucceeded:      {},
	StatusFailed:         {},
	StatusCanceled:       {},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to IntentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status admits no further transitions.
func (s IntentStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCanceled
}

// FailureReason explains why an intent reached failed.
type FailureReason string

const (
	ReasonRiskBlocked           FailureReason = "risk_blocked"
	ReasonDeclined              FailureReason = "declined"
	ReasonActionFailed          FailureReason = "action_failed"
	ReasonActionTimeout         FailureReason = "action_timeout"
	ReasonProcessingTimeout     FailureReason = "processing_timeout"
	ReasonDownstreamUnavailable FailureReason = "downstream_unavailable"
)

// PaymentIntent is the root aggregate: a single attempt to move funds.
// All mutation goes through the lifecycle engine; Version is bumped on
// every successful transition and checked on caller-initiated ones.
type PaymentIntent struct {
	ID            string       `json:"id"` // "pi_" + uuid
	Amount        money.Money  `json:"amount"`
	Status        IntentStatus `json:"status"`
	PaymentMethod string       `json:"payment_method"` // PaymentMethod.ID

	// Risk is the snapshot from the most recent scoring pass.
	Risk *RiskAssessment `json:"risk,omitempty"`

	// Challenge is present only while status is requires_action.
	Challenge *Challenge `json:"challenge,omitempty"`

	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	FailureReason  FailureReason     `json:"failure_reason,omitempty"`

	// NetworkRef is the acquirer's reference for a succeeded intent.
	NetworkRef string `json:"network_ref,omitempty"`

	// Version is the optimistic-concurrency counter, starting at 1.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Deadlines drive the timeout sweeper. Zero means no deadline armed.
	ProcessingDeadline time.Time `json:"-"`
	ActionDeadline     time.Time `json:"-"`
}

// Clone returns a deep copy safe to hand outside the engine's lock.
func (p *PaymentIntent) Clone() *PaymentIntent {
	cp := *p
	if p.Risk != nil {
		r := *p.Risk
		cp.Risk = &r
	}
	if p.Challenge != nil {
		c := *p.Challenge
		cp.Challenge = &c
	}
	if p.Metadata != nil {
		cp.Metadata = make(map[string]string, len(p.Metadata))
		for k, v := range p.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// Challenge describes the out-of-band authentication round a caller must
// complete before the intent can proceed. The token is single use.
type Challenge struct {
	Token       string    `json:"token"` // "act_" + uuid
	RedirectURL string    `json:"redirect_url,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}
