// Package action issues and redeems the customer-action challenges that
// pause an intent in requires_action. A challenge carries a one-time
// token; the core stores only its digest, and redemption burns it
// atomically so a replayed callback cannot resume an intent twice.
package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelpay/core/pkg/contracts"
)

// DefaultChallengeTTL bounds how long a customer has to complete the
// round before the token (and the intent's requires_action dwell) lapses.
const DefaultChallengeTTL = 30 * time.Minute

type pendingToken struct {
	intentID  string
	expiresAt time.Time
	consumed  bool
}

// Resolver decides whether a confirmation needs a challenge and tracks
// the outstanding tokens.
type Resolver struct {
	mu     sync.Mutex
	tokens map[string]*pendingToken // keyed by token digest

	ttl         time.Duration
	redirectURL string
	clock       func() time.Time
}

// NewResolver creates a resolver. redirectURL is the base the customer is
// sent to; the token is appended as a query parameter.
func NewResolver(redirectURL string, ttl time.Duration) *Resolver {
	if ttl <= 0 {
		ttl = DefaultChallengeTTL
	}
	return &Resolver{
		tokens:      make(map[string]*pendingToken),
		ttl:         ttl,
		redirectURL: redirectURL,
		clock:       time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Resolver) WithClock(clock func() time.Time) *Resolver {
	r.clock = clock
	return r
}

// Required reports whether confirming this intent with this method needs
// a customer action round: the issuer demands SCA, or the risk pass came
// back "challenge".
func (r *Resolver) Required(intent *contracts.PaymentIntent, method *contracts.PaymentMethod) bool {
	if method != nil && method.RequiresSCA {
		return true
	}
	return intent.Risk != nil && intent.Risk.Decision == contracts.RiskChallenge
}

// Issue mints a one-time challenge for the intent. Only the token digest
// is retained.
func (r *Resolver) Issue(ctx context.Context, intentID string) *contracts.Challenge {
	_ = ctx
	now := r.clock()
	token := "act_" + uuid.New().String()

	r.mu.Lock()
	r.tokens[digest(token)] = &pendingToken{
		intentID:  intentID,
		expiresAt: now.Add(r.ttl),
	}
	r.mu.Unlock()

	ch := &contracts.Challenge{
		Token:     token,
		ExpiresAt: now.Add(r.ttl),
	}
	if r.redirectURL != "" {
		ch.RedirectURL = fmt.Sprintf("%s?token=%s", r.redirectURL, token)
	}
	return ch
}

// Consume validates and burns a token, returning the intent it belongs
// to. A token can be consumed exactly once; expiry and replay are
// distinct errors so the API can report them precisely.
func (r *Resolver) Consume(ctx context.Context, token string) (string, error) {
	_ = ctx
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.tokens[digest(token)]
	if !ok {
		return "", contracts.ErrChallengeUnknown
	}
	if p.consumed {
		return "", contracts.ErrChallengeConsumed
	}
	if r.clock().After(p.expiresAt) {
		return "", contracts.ErrChallengeExpired
	}
	p.consumed = true
	return p.intentID, nil
}

// Sweep drops tokens whose expiry is past, keeping the table bounded.
// The lifecycle sweeper calls it alongside the dwell-timeout scan.
func (r *Resolver) Sweep(ctx context.Context) int {
	_ = ctx
	now := r.clock()

	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for d, p := range r.tokens {
		if p.consumed || now.After(p.expiresAt) {
			delete(r.tokens, d)
			removed++
		}
	}
	return removed
}

func digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
