package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keelpay/core/pkg/canonicalize"
	"github.com/keelpay/core/pkg/contracts"

	"github.com/google/uuid"
)

// DefaultSegmentSize is the number of events per archived segment.
const DefaultSegmentSize = 256

// Segment is one page of the lifecycle journal frozen into the blob
// store. Segments are canonicalized before hashing, so the same events
// always produce the same address.
type Segment struct {
	ID       string                      `json:"id"` // "seg_" + uuid
	OpenedAt time.Time                   `json:"opened_at"`
	ClosedAt time.Time                   `json:"closed_at"`
	Events   []*contracts.LifecycleEvent `json:"events"`
}

// SegmentRef records where a closed segment lives and what it covers.
type SegmentRef struct {
	ID         string    `json:"id"`
	Hash       string    `json:"hash"`
	Events     int       `json:"events"`
	FirstEvent string    `json:"first_event"`
	LastEvent  string    `json:"last_event"`
	ClosedAt   time.Time `json:"closed_at"`
}

// Manifest lists every segment the archiver has closed, in order.
type Manifest struct {
	Segments  []SegmentRef `json:"segments"`
	WrittenAt time.Time    `json:"written_at"`
}

// Archiver pages lifecycle events into content-addressed segments. Its
// HandleEvent satisfies the journal subscriber contract, so wiring it
// is one Subscribe call. Events buffer in memory until a segment fills;
// Flush closes a partial segment, typically at shutdown.
type Archiver struct {
	store       BlobStore
	segmentSize int
	log         *slog.Logger
	now         func() time.Time

	mu       sync.Mutex
	pending  []*contracts.LifecycleEvent
	opened   time.Time
	segments []SegmentRef
}

// NewArchiver creates an archiver writing segments of segmentSize
// events to store. A segmentSize below 1 uses DefaultSegmentSize.
func NewArchiver(store BlobStore, segmentSize int) *Archiver {
	if segmentSize < 1 {
		segmentSize = DefaultSegmentSize
	}
	return &Archiver{
		store:       store,
		segmentSize: segmentSize,
		log:         slog.Default().With("component", "archive"),
		now:         time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (a *Archiver) WithClock(now func() time.Time) *Archiver {
	a.now = now
	return a
}

// HandleEvent buffers one event, closing a segment when the buffer
// fills. On a store failure the triggering event is handed back for
// redelivery and the rest of the buffer is kept, so no event is lost.
func (a *Archiver) HandleEvent(ctx context.Context, ev *contracts.LifecycleEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		a.opened = a.now().UTC()
	}
	a.pending = append(a.pending, ev)
	if len(a.pending) < a.segmentSize {
		return nil
	}

	if err := a.flushLocked(ctx); err != nil {
		a.pending = a.pending[:len(a.pending)-1]
		return err
	}
	return nil
}

// Flush closes the current partial segment, if any.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.flushLocked(ctx)
}

func (a *Archiver) flushLocked(ctx context.Context) error {
	if len(a.pending) == 0 {
		return nil
	}

	seg := Segment{
		ID:       "seg_" + uuid.New().String(),
		OpenedAt: a.opened,
		ClosedAt: a.now().UTC(),
		Events:   a.pending,
	}

	data, err := canonicalize.JCS(seg)
	if err != nil {
		return fmt.Errorf("canonicalize segment: %w", err)
	}
	hash, err := a.store.Put(ctx, data)
	if err != nil {
		return fmt.Errorf("store segment: %w", err)
	}

	a.segments = append(a.segments, SegmentRef{
		ID:         seg.ID,
		Hash:       hash,
		Events:     len(seg.Events),
		FirstEvent: seg.Events[0].ID,
		LastEvent:  seg.Events[len(seg.Events)-1].ID,
		ClosedAt:   seg.ClosedAt,
	})
	a.pending = nil

	a.log.Info("segment archived",
		"segment_id", seg.ID,
		"hash", hash,
		"events", len(seg.Events))
	return nil
}

// Segments returns the refs of all closed segments, oldest first.
func (a *Archiver) Segments() []SegmentRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]SegmentRef, len(a.segments))
	copy(out, a.segments)
	return out
}

// WriteManifest freezes the current segment list into the store and
// returns its address. Call after Flush for a complete manifest.
func (a *Archiver) WriteManifest(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	m := Manifest{
		Segments:  append([]SegmentRef(nil), a.segments...),
		WrittenAt: a.now().UTC(),
	}
	data, err := canonicalize.JCS(m)
	if err != nil {
		return "", fmt.Errorf("canonicalize manifest: %w", err)
	}
	hash, err := a.store.Put(ctx, data)
	if err != nil {
		return "", fmt.Errorf("store manifest: %w", err)
	}
	return hash, nil
}

// ReadSegment loads and decodes a segment by its content address.
func ReadSegment(ctx context.Context, store BlobStore, hash string) (*Segment, error) {
	data, err := store.Get(ctx, hash)
	if err != nil {
		return nil, err
	}
	var seg Segment
	if err := json.Unmarshal(data, &seg); err != nil {
		return nil, fmt.Errorf("decode segment %s: %w", hash, err)
	}
	return &seg, nil
}
