// Package settlement submits confirmed payment intents to an acquiring
// network and reports the authorization outcome.
package settlement

import (
	"context"
	"time"

	"github.com/keelpay/core/pkg/contracts"
)

// Result is the outcome of a single settlement attempt. A declined
// authorization is a Result with Approved=false, not an error; errors are
// reserved for attempts whose outcome is unknown or that never reached
// the network.
type Result struct {
	Approved   bool
	Reason     contracts.FailureReason
	NetworkRef string
}

// Settler submits an intent for authorization. Implementations must pass
// the intent ID as the network-level idempotency reference so that a
// re-submitted intent cannot capture twice.
type Settler interface {
	Settle(ctx context.Context, intent *contracts.PaymentIntent, method *contracts.PaymentMethod) (*Result, error)
}

// StubSettler approves everything by default. The dev profile and tests
// use it in place of a real acquirer. Configure before first use; fields
// are not safe to mutate concurrently with Settle.
type StubSettler struct {
	// DeclineOver declines amounts strictly above this value when > 0.
	DeclineOver int64
	// Err is returned from every attempt when set.
	Err error
	// Latency is added to every attempt when > 0.
	Latency time.Duration
}

func (s *StubSettler) Settle(ctx context.Context, intent *contracts.PaymentIntent, method *contracts.PaymentMethod) (*Result, error) {
	if s.Latency > 0 {
		select {
		case <-time.After(s.Latency):
		case <-ctx.Done():
			return nil, contracts.ErrDownstreamTimeout
		}
	}
	if s.Err != nil {
		return nil, s.Err
	}
	if s.DeclineOver > 0 && intent.Amount.AmountMinor > s.DeclineOver {
		return &Result{Approved: false, Reason: contracts.ReasonDeclined}, nil
	}
	return &Result{Approved: true, NetworkRef: "stub_" + intent.ID}, nil
}
