// Package eventbus is the append-only journal of lifecycle events and the
// fan-out to its consumers. Appends assign each intent a gapless, 1-based
// sequence; consumers pull through named cursors that advance only after
// a successful handling, giving at-least-once delivery in order.
package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelpay/core/pkg/canonicalize"
	"github.com/keelpay/core/pkg/contracts"
)

// Handler processes one event. Returning an error leaves the cursor in
// place so the event is redelivered; handlers are expected to be
// idempotent on the event ID.
type Handler func(ctx context.Context, ev *contracts.LifecycleEvent) error

// Journal is the in-process event log.
type Journal struct {
	mu       sync.RWMutex
	entries  []*contracts.LifecycleEvent
	lastSeq  map[string]int64 // per-intent high-water mark
	byIntent map[string][]*contracts.LifecycleEvent

	subMu sync.Mutex
	subs  map[string]chan struct{}

	retryDelay time.Duration
	log        *slog.Logger
}

// NewJournal creates an empty journal.
func NewJournal() *Journal {
	return &Journal{
		lastSeq:    make(map[string]int64),
		byIntent:   make(map[string][]*contracts.LifecycleEvent),
		subs:       make(map[string]chan struct{}),
		retryDelay: time.Second,
		log:        slog.Default().With("component", "eventbus"),
	}
}

// Append commits an event: it assigns the intent's next sequence number,
// stamps the canonical payload hash, and wakes subscribers. The global
// append order preserves each intent's sequence order.
func (j *Journal) Append(ctx context.Context, ev *contracts.LifecycleEvent) (uint64, error) {
	_ = ctx
	if ev.IntentID == "" {
		return 0, fmt.Errorf("eventbus: event without intent id")
	}

	j.mu.Lock()
	ev.Sequence = j.lastSeq[ev.IntentID] + 1
	j.lastSeq[ev.IntentID] = ev.Sequence

	hash, err := canonicalize.CanonicalHash(ev.Intent)
	if err != nil {
		// Roll the sequence back; the event was not committed.
		j.lastSeq[ev.IntentID] = ev.Sequence - 1
		j.mu.Unlock()
		return 0, fmt.Errorf("eventbus: payload hash: %w", err)
	}
	ev.PayloadHash = hash

	j.entries = append(j.entries, ev)
	j.byIntent[ev.IntentID] = append(j.byIntent[ev.IntentID], ev)
	global := uint64(len(j.entries))
	j.mu.Unlock()

	j.wakeSubscribers()
	return global, nil
}

// Range returns up to max events after the given global position.
func (j *Journal) Range(after uint64, max int) []*contracts.LifecycleEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if after >= uint64(len(j.entries)) {
		return nil
	}
	end := int(after) + max
	if max <= 0 || end > len(j.entries) {
		end = len(j.entries)
	}
	out := make([]*contracts.LifecycleEvent, end-int(after))
	copy(out, j.entries[after:end])
	return out
}

// ForIntent returns the intent's events in sequence order.
func (j *Journal) ForIntent(intentID string) []*contracts.LifecycleEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()

	evs := j.byIntent[intentID]
	out := make([]*contracts.LifecycleEvent, len(evs))
	copy(out, evs)
	return out
}

// Len returns the number of committed events.
func (j *Journal) Len() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return uint64(len(j.entries))
}

func (j *Journal) wakeSubscribers() {
	j.subMu.Lock()
	defer j.subMu.Unlock()
	for _, signal := range j.subs {
		select {
		case signal <- struct{}{}:
		default: // already pending
		}
	}
}

// Subscribe starts a named consumer at the journal head's past: the
// cursor begins at zero, so a new subscriber replays history. The
// returned stop function blocks until the consumer goroutine exits.
func (j *Journal) Subscribe(ctx context.Context, name string, h Handler) (stop func()) {
	signal := make(chan struct{}, 1)

	j.subMu.Lock()
	j.subs[name] = signal
	j.subMu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go j.consume(ctx, name, signal, h, done)

	return func() {
		cancel()
		<-done
		j.subMu.Lock()
		delete(j.subs, name)
		j.subMu.Unlock()
	}
}

func (j *Journal) consume(ctx context.Context, name string, signal chan struct{}, h Handler, done chan struct{}) {
	defer close(done)
	log := j.log.With("subscriber", name)

	var cursor uint64
	for {
		batch := j.Range(cursor, 64)
		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-signal:
				continue
			}
		}

		for _, ev := range batch {
			if err := h(ctx, ev); err != nil {
				log.ErrorContext(ctx, "handler failed, will redeliver",
					"event", ev.ID, "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(j.retryDelay):
				}
				break // re-read from the unadvanced cursor
			}
			cursor++
			if ctx.Err() != nil {
				return
			}
		}
	}
}
