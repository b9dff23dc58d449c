package risk

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// Velocity windows consulted by the scoring variables.
const (
	shortWindow = 10 * time.Minute
	longWindow  = 24 * time.Hour
)

// Counters tracks how often a payment instrument is being tried.
type Counters interface {
	// Observe records one attempt for the fingerprint.
	Observe(ctx context.Context, fingerprint string) error

	// Counts returns attempts inside the 10-minute and 24-hour windows.
	Counts(ctx context.Context, fingerprint string) (last10m, last24h int64, err error)
}

const velocityShards = 32

type velocityShard struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// MemoryCounters is the in-process Counters, sharded so unrelated
// instruments never contend on one lock.
type MemoryCounters struct {
	shards [velocityShards]velocityShard
	clock  func() time.Time
}

// NewMemoryCounters creates an empty counter set.
func NewMemoryCounters() *MemoryCounters {
	c := &MemoryCounters{clock: time.Now}
	for i := range c.shards {
		c.shards[i].attempts = make(map[string][]time.Time)
	}
	return c
}

// WithClock overrides the clock for deterministic testing.
func (c *MemoryCounters) WithClock(clock func() time.Time) *MemoryCounters {
	c.clock = clock
	return c
}

func (c *MemoryCounters) shard(fingerprint string) *velocityShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(fingerprint))
	return &c.shards[h.Sum32()%velocityShards]
}

// Observe implements Counters.
func (c *MemoryCounters) Observe(ctx context.Context, fingerprint string) error {
	_ = ctx
	now := c.clock()
	sh := c.shard(fingerprint)

	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.attempts[fingerprint] = append(prune(sh.attempts[fingerprint], now), now)
	return nil
}

// Counts implements Counters.
func (c *MemoryCounters) Counts(ctx context.Context, fingerprint string) (int64, int64, error) {
	_ = ctx
	now := c.clock()
	sh := c.shard(fingerprint)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	kept := prune(sh.attempts[fingerprint], now)
	if len(kept) == 0 {
		delete(sh.attempts, fingerprint)
	} else {
		sh.attempts[fingerprint] = kept
	}

	var short, long int64
	shortCutoff := now.Add(-shortWindow)
	for _, at := range kept {
		long++
		if at.After(shortCutoff) {
			short++
		}
	}
	return short, long, nil
}

// prune drops attempts older than the long window.
func prune(attempts []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-longWindow)
	i := 0
	for i < len(attempts) && !attempts[i].After(cutoff) {
		i++
	}
	return attempts[i:]
}
