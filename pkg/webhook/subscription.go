// Package webhook delivers lifecycle events to merchant endpoints with
// HMAC signatures, exponential retry, and per-subscription secrets.
package webhook

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/keelpay/core/pkg/contracts"
)

// Subscription is one merchant endpoint. An empty EventTypes list means
// every event type.
type Subscription struct {
	ID         string    `json:"id"` // "whs_" + uuid
	URL        string    `json:"url"`
	EventTypes []string  `json:"event_types,omitempty"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`

	// Secret signs this subscription's deliveries. Derived, never
	// stored; the API returns it exactly once at creation.
	Secret string `json:"-"`
}

// Matches reports whether the subscription wants the event type.
func (s *Subscription) Matches(t contracts.EventType) bool {
	if !s.Active {
		return false
	}
	if len(s.EventTypes) == 0 {
		return true
	}
	for _, want := range s.EventTypes {
		if want == string(t) {
			return true
		}
	}
	return false
}

// SecretKeyring derives per-subscription signing secrets from a master
// secret with HKDF-SHA256. Derivation is deterministic, so secrets never
// need to be persisted: losing the process loses nothing.
type SecretKeyring struct {
	master []byte
}

// NewSecretKeyring wraps a master secret of at least 32 bytes. An empty
// master generates a random one, which is only suitable for dev: secrets
// will not survive a restart.
func NewSecretKeyring(master []byte) (*SecretKeyring, error) {
	if len(master) == 0 {
		master = make([]byte, 32)
		if _, err := rand.Read(master); err != nil {
			return nil, fmt.Errorf("generate master secret: %w", err)
		}
	}
	if len(master) < 32 {
		return nil, fmt.Errorf("master secret must be at least 32 bytes, got %d", len(master))
	}
	return &SecretKeyring{master: master}, nil
}

// Derive returns the hex signing secret for a subscription ID.
func (k *SecretKeyring) Derive(subscriptionID string) (string, error) {
	if subscriptionID == "" {
		return "", fmt.Errorf("subscription id must not be empty")
	}
	r := hkdf.New(sha256.New, k.master, []byte("keel-webhook-kdf"), []byte(subscriptionID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return "", fmt.Errorf("derive webhook secret: %w", err)
	}
	return hex.EncodeToString(secret), nil
}

// SubscriptionStore holds webhook subscriptions in memory.
type SubscriptionStore struct {
	mu      sync.RWMutex
	byID    map[string]*Subscription
	keyring *SecretKeyring
	now     func() time.Time
}

func NewSubscriptionStore(keyring *SecretKeyring) *SubscriptionStore {
	return &SubscriptionStore{
		byID:    make(map[string]*Subscription),
		keyring: keyring,
		now:     time.Now,
	}
}

// WithClock overrides the store's time source.
func (s *SubscriptionStore) WithClock(now func() time.Time) *SubscriptionStore {
	s.now = now
	return s
}

// Create registers an endpoint. The returned Subscription carries the
// derived secret; callers must not hold onto it beyond the response.
func (s *SubscriptionStore) Create(ctx context.Context, rawURL string, eventTypes []string) (*Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, contracts.Invalid("url", "must be an absolute http(s) URL")
	}
	for _, t := range eventTypes {
		if !knownEventType(t) {
			return nil, contracts.Invalid("event_types", fmt.Sprintf("unknown event type %q", t))
		}
	}

	sub := &Subscription{
		ID:         "whs_" + uuid.New().String(),
		URL:        rawURL,
		EventTypes: append([]string(nil), eventTypes...),
		Active:     true,
		CreatedAt:  s.now().UTC(),
	}
	secret, err := s.keyring.Derive(sub.ID)
	if err != nil {
		return nil, err
	}
	sub.Secret = secret

	s.mu.Lock()
	s.byID[sub.ID] = sub
	s.mu.Unlock()

	cp := *sub
	return &cp, nil
}

// Get returns the subscription or contracts.ErrNotFound. The secret is
// included; handlers decide whether to redact it.
func (s *SubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, contracts.ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

// List returns all subscriptions ordered by creation time.
func (s *SubscriptionStore) List(ctx context.Context) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Subscription, 0, len(s.byID))
	for _, sub := range s.byID {
		cp := *sub
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// SetActive toggles delivery for the subscription.
func (s *SubscriptionStore) SetActive(ctx context.Context, id string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("subscription %s: %w", id, contracts.ErrNotFound)
	}
	sub.Active = active
	return nil
}

// Matching returns active subscriptions wanting the event type.
func (s *SubscriptionStore) Matching(t contracts.EventType) []*Subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Subscription
	for _, sub := range s.byID {
		if sub.Matches(t) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func knownEventType(t string) bool {
	switch contracts.EventType(t) {
	case contracts.EventIntentCreated,
		contracts.EventIntentRequiresAction,
		contracts.EventIntentProcessing,
		contracts.EventIntentSucceeded,
		contracts.EventIntentFailed,
		contracts.EventIntentCanceled:
		return true
	}
	return false
}
