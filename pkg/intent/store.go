// Package intent hosts the payment intent lifecycle engine: creation with
// idempotency and risk gating, confirmation through settlement, customer
// action resolution, cancellation, and timeout sweeping.
package intent

import (
	"context"
	"fmt"
	"sync"

	"github.com/keelpay/core/pkg/contracts"
)

// Store persists payment intents. Update is compare-and-swap on the
// version column so that two engine instances sharing a database cannot
// both win the same transition.
type Store interface {
	// Create inserts a new intent. The ID must be unused.
	Create(ctx context.Context, in *contracts.PaymentIntent) error

	// Get returns the intent or contracts.ErrNotFound.
	Get(ctx context.Context, id string) (*contracts.PaymentIntent, error)

	// Update persists in, whose Version has already been bumped, if and
	// only if the stored version still equals expectedVersion. A lost
	// race returns contracts.ErrVersionConflict.
	Update(ctx context.Context, in *contracts.PaymentIntent, expectedVersion int64) error

	// ListByStatus returns every intent currently in the given status.
	// The sweeper uses it to find deadline overruns.
	ListByStatus(ctx context.Context, status contracts.IntentStatus) ([]*contracts.PaymentIntent, error)
}

// MemoryStore is the in-process Store used by the dev profile and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]*contracts.PaymentIntent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{intents: make(map[string]*contracts.PaymentIntent)}
}

func (s *MemoryStore) Create(ctx context.Context, in *contracts.PaymentIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.intents[in.ID]; ok {
		return fmt.Errorf("intent %s already exists: %w", in.ID, contracts.ErrVersionConflict)
	}
	s.intents[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*contracts.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	in, ok := s.intents[id]
	if !ok {
		return nil, fmt.Errorf("intent %s: %w", id, contracts.ErrNotFound)
	}
	return in.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, in *contracts.PaymentIntent, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.intents[in.ID]
	if !ok {
		return fmt.Errorf("intent %s: %w", in.ID, contracts.ErrNotFound)
	}
	if cur.Version != expectedVersion {
		return fmt.Errorf("intent %s at version %d, expected %d: %w",
			in.ID, cur.Version, expectedVersion, contracts.ErrVersionConflict)
	}
	s.intents[in.ID] = in.Clone()
	return nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status contracts.IntentStatus) ([]*contracts.PaymentIntent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.PaymentIntent
	for _, in := range s.intents {
		if in.Status == status {
			out = append(out, in.Clone())
		}
	}
	return out, nil
}

// Len reports the number of stored intents.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.intents)
}
