// Package gate rate-limits API traffic per credential with a token
// bucket. Denials carry a retry hint; backend failures are returned as
// plain errors so the HTTP layer can choose to fail open.
package gate

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/keelpay/core/pkg/contracts"
)

// Policy is the bucket shape for one credential.
type Policy struct {
	// PerSecond is the sustained refill rate.
	PerSecond float64
	// Burst is the bucket capacity.
	Burst int
}

func (p Policy) withDefaults() Policy {
	if p.PerSecond <= 0 {
		p.PerSecond = DefaultPolicy().PerSecond
	}
	if p.Burst <= 0 {
		p.Burst = DefaultPolicy().Burst
	}
	return p
}

// DefaultPolicy is applied to credentials without an override.
func DefaultPolicy() Policy {
	return Policy{PerSecond: 25, Burst: 50}
}

// Limiter admits or rejects one request for a key. A denial is a
// *contracts.RateLimitError; any other non-nil error is a backend
// failure, not a verdict.
type Limiter interface {
	Allow(ctx context.Context, key string, p Policy) error
}

// MemoryLimiter keeps one token bucket per key in process. Buckets idle
// past the prune window are dropped by a background sweep; Stop it when
// the limiter is discarded.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

const pruneWindow = 10 * time.Minute

func NewMemoryLimiter() *MemoryLimiter {
	l := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go l.prune()
	return l
}

// WithClock overrides the limiter's time source.
func (l *MemoryLimiter) WithClock(now func() time.Time) *MemoryLimiter {
	l.now = now
	return l
}

// Stop terminates the prune goroutine.
func (l *MemoryLimiter) Stop() {
	l.once.Do(func() { close(l.stop) })
}

func (l *MemoryLimiter) prune() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			cutoff := l.now().Add(-pruneWindow)
			l.mu.Lock()
			for k, b := range l.buckets {
				if b.lastSeen.Before(cutoff) {
					delete(l.buckets, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

func (l *MemoryLimiter) Allow(ctx context.Context, key string, p Policy) error {
	p = p.withDefaults()
	now := l.now()

	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rate.Limit(p.PerSecond), p.Burst)}
		l.buckets[key] = b
	} else {
		// Policies can change at runtime (credential override edits).
		if b.lim.Limit() != rate.Limit(p.PerSecond) {
			b.lim.SetLimitAt(now, rate.Limit(p.PerSecond))
		}
		if b.lim.Burst() != p.Burst {
			b.lim.SetBurstAt(now, p.Burst)
		}
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return &contracts.RateLimitError{RetryAfter: time.Second}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		// Never block the request; hand the wait back to the caller.
		r.CancelAt(now)
		return &contracts.RateLimitError{RetryAfter: delay}
	}
	return nil
}
