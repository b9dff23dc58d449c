package intent

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/keelpay/core/pkg/contracts"
)

// RegisterParams describes a payment method to register. VaultToken is
// the opaque reference handed out by the external tokenization vault; the
// core never sees raw instrument data.
type RegisterParams struct {
	Type        contracts.MethodType
	VaultToken  string
	Brand       string
	Last4       string
	Country     string
	Issuer      string
	RequiresSCA bool
}

// MethodRegistry stores masked payment method projections. Two methods
// registered from the same vault token share a fingerprint, which is what
// the velocity counters key on.
type MethodRegistry struct {
	mu   sync.RWMutex
	byID map[string]*contracts.PaymentMethod

	// firstSeen maps fingerprint to the time it first appeared, feeding
	// the new-instrument risk signal.
	firstSeen map[string]time.Time

	now func() time.Time
}

func NewMethodRegistry() *MethodRegistry {
	return &MethodRegistry{
		byID:      make(map[string]*contracts.PaymentMethod),
		firstSeen: make(map[string]time.Time),
		now:       time.Now,
	}
}

// WithClock overrides the registry's time source.
func (r *MethodRegistry) WithClock(now func() time.Time) *MethodRegistry {
	r.now = now
	return r
}

// Register validates and stores a new payment method. Registering the
// same vault token twice yields two method IDs with the same fingerprint.
func (r *MethodRegistry) Register(ctx context.Context, p RegisterParams) (*contracts.PaymentMethod, error) {
	switch p.Type {
	case contracts.MethodCard, contracts.MethodBank, contracts.MethodWallet:
	default:
		return nil, contracts.Invalid("type", fmt.Sprintf("unknown method type %q", p.Type))
	}
	if p.VaultToken == "" {
		return nil, contracts.Invalid("vault_token", "must not be empty")
	}
	if p.Last4 != "" && !isFourDigits(p.Last4) {
		return nil, contracts.Invalid("last4", "must be exactly four digits")
	}
	if p.Country != "" && len(p.Country) != 2 {
		return nil, contracts.Invalid("country", "must be an ISO 3166-1 alpha-2 code")
	}

	sum := sha256.Sum256([]byte(p.VaultToken))
	m := &contracts.PaymentMethod{
		ID:          "pm_" + uuid.New().String(),
		Type:        p.Type,
		Brand:       p.Brand,
		Last4:       p.Last4,
		Country:     p.Country,
		Issuer:      p.Issuer,
		Fingerprint: hex.EncodeToString(sum[:]),
		RequiresSCA: p.RequiresSCA,
		CreatedAt:   r.now().UTC(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[m.ID] = m
	if _, ok := r.firstSeen[m.Fingerprint]; !ok {
		r.firstSeen[m.Fingerprint] = m.CreatedAt
	}
	return cloneMethod(m), nil
}

// Get returns the method or contracts.ErrNotFound.
func (r *MethodRegistry) Get(ctx context.Context, id string) (*contracts.PaymentMethod, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("payment method %s: %w", id, contracts.ErrNotFound)
	}
	return cloneMethod(m), nil
}

// List returns all registered methods ordered by creation time.
func (r *MethodRegistry) List(ctx context.Context) []*contracts.PaymentMethod {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*contracts.PaymentMethod, 0, len(r.byID))
	for _, m := range r.byID {
		out = append(out, cloneMethod(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IsNewInstrument reports whether the fingerprint first appeared within
// the trailing window. Unknown fingerprints count as new.
func (r *MethodRegistry) IsNewInstrument(fingerprint string, window time.Duration) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	first, ok := r.firstSeen[fingerprint]
	if !ok {
		return true
	}
	return r.now().Sub(first) < window
}

func cloneMethod(m *contracts.PaymentMethod) *contracts.PaymentMethod {
	cp := *m
	return &cp
}

func isFourDigits(s string) bool {
	if len(s) != 4 {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
