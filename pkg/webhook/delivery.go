package webhook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/keelpay/core/pkg/contracts"
)

// DeliveryState is the lifecycle of one event-to-endpoint delivery.
type DeliveryState string

const (
	// DeliveryPending waits for its next attempt time.
	DeliveryPending DeliveryState = "pending"
	// DeliveryAttempting has a request in flight.
	DeliveryAttempting DeliveryState = "attempting"
	// DeliveryDelivered got a 2xx.
	DeliveryDelivered DeliveryState = "delivered"
	// DeliveryExhausted ran out of attempts. Kept for inspection and
	// manual redelivery.
	DeliveryExhausted DeliveryState = "exhausted"
)

// Delivery is one event bound for one subscription. Payload is the exact
// envelope bytes; signatures are computed over these bytes, so they are
// frozen at creation.
type Delivery struct {
	ID             string `json:"id"` // "whd_" + uuid
	SubscriptionID string `json:"subscription_id"`
	EventID        string `json:"event_id"`
	EventType      string `json:"event_type"`
	IntentID       string `json:"intent_id"`
	Payload        []byte `json:"-"`

	State       DeliveryState `json:"state"`
	Attempts    int           `json:"attempts"`
	MaxAttempts int           `json:"max_attempts"`

	NextAttemptAt  time.Time `json:"next_attempt_at,omitempty"`
	LastStatusCode int       `json:"last_status_code,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	DeliveredAt    time.Time `json:"delivered_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (d *Delivery) clone() *Delivery {
	cp := *d
	cp.Payload = append([]byte(nil), d.Payload...)
	return &cp
}

// DeliveryStore holds delivery records in memory. The dispatcher owns all
// writes; the API layer reads for the operator surfaces.
type DeliveryStore struct {
	mu   sync.RWMutex
	byID map[string]*Delivery
}

func NewDeliveryStore() *DeliveryStore {
	return &DeliveryStore{byID: make(map[string]*Delivery)}
}

func (s *DeliveryStore) Create(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; ok {
		return fmt.Errorf("delivery %s already exists", d.ID)
	}
	s.byID[d.ID] = d.clone()
	return nil
}

func (s *DeliveryStore) Get(ctx context.Context, id string) (*Delivery, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("delivery %s: %w", id, contracts.ErrNotFound)
	}
	return d.clone(), nil
}

func (s *DeliveryStore) Update(ctx context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[d.ID]; !ok {
		return fmt.Errorf("delivery %s: %w", d.ID, contracts.ErrNotFound)
	}
	s.byID[d.ID] = d.clone()
	return nil
}

// List returns deliveries, optionally filtered by state, newest first.
func (s *DeliveryStore) List(ctx context.Context, state DeliveryState, limit int) []*Delivery {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Delivery
	for _, d := range s.byID {
		if state != "" && d.State != state {
			continue
		}
		out = append(out, d.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
