package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/keelpay/core/pkg/contracts"
)

// MemoryStore is the in-process Store. Expired entries are swept by a
// background goroutine; Stop it when the store is discarded.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*Record
	ttl     time.Duration
	clock   func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore creates a memory store with the given TTL (DefaultTTL
// if zero) and starts the cleanup loop.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &MemoryStore{
		entries: make(map[string]*Record),
		ttl:     ttl,
		clock:   time.Now,
		stop:    make(chan struct{}),
	}
	go s.cleanup()
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Stop terminates the cleanup goroutine.
func (s *MemoryStore) Stop() {
	s.once.Do(func() { close(s.stop) })
}

func (s *MemoryStore) cleanup() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			now := s.clock()
			s.mu.Lock()
			for k, rec := range s.entries {
				if now.After(rec.ExpiresAt) {
					delete(s.entries, k)
				}
			}
			s.mu.Unlock()
		}
	}
}

// Begin implements Store.
func (s *MemoryStore) Begin(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock()
	if rec, ok := s.entries[key]; ok && now.Before(rec.ExpiresAt) {
		if rec.Fingerprint != fingerprint {
			return nil, false, contracts.ErrIdempotencyConflict
		}
		if !rec.Completed() {
			return nil, false, contracts.ErrIdempotencyInProgress
		}
		cp := *rec
		return &cp, false, nil
	}

	rec := &Record{
		Key:         key,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	s.entries[key] = rec
	cp := *rec
	return &cp, true, nil
}

// Complete implements Store.
func (s *MemoryStore) Complete(ctx context.Context, key, intentID string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[key]
	if !ok {
		return contracts.ErrNotFound
	}
	rec.IntentID = intentID
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.entries[key]; ok && !rec.Completed() {
		delete(s.entries, key)
	}
	return nil
}
