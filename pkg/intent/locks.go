package intent

import (
	"hash/fnv"
	"sync"
)

// stripedLocks serializes work per intent without a global lock. Two
// intents may share a stripe; that costs a little contention, never
// correctness.
type stripedLocks struct {
	stripes []sync.Mutex
	mask    uint32
}

// newStripedLocks rounds n up to a power of two so stripe selection is a
// mask instead of a modulo.
func newStripedLocks(n int) *stripedLocks {
	size := 1
	for size < n {
		size <<= 1
	}
	return &stripedLocks{
		stripes: make([]sync.Mutex, size),
		mask:    uint32(size - 1),
	}
}

// acquire locks the stripe for id and returns its release func.
func (s *stripedLocks) acquire(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	m := &s.stripes[h.Sum32()&s.mask]
	m.Lock()
	return m.Unlock
}
