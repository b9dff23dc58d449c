package webhook

import (
	"bytes"
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/keelpay/core/pkg/contracts"
)

// ErrDeliveryInFlight rejects redelivery of a delivery whose attempt is
// currently executing.
var ErrDeliveryInFlight = errors.New("webhook: delivery attempt in flight")

var (
	attemptOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_webhook_attempts_total",
		Help: "Webhook delivery attempts by outcome.",
	}, []string{"outcome"})
	finalStates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "keel_webhook_deliveries_total",
		Help: "Webhook deliveries reaching a final state.",
	}, []string{"state"})
)

// Envelope is the body POSTed to merchant endpoints.
type Envelope struct {
	ID      string       `json:"id"`
	Type    string       `json:"type"`
	Created int64        `json:"created"`
	Data    EnvelopeData `json:"data"`
}

// EnvelopeData wraps the object so the envelope shape can grow without
// breaking consumers.
type EnvelopeData struct {
	Object *contracts.PaymentIntent `json:"object"`
}

// DispatcherConfig tunes delivery. Zero values use the defaults.
type DispatcherConfig struct {
	Workers     int
	Timeout     time.Duration
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	return c
}

// scheduled is one queued attempt. seq breaks ties for identical times so
// ordering stays stable.
type scheduled struct {
	deliveryID string
	at         time.Time
	seq        uint64
}

type attemptHeap []*scheduled

func (h attemptHeap) Len() int { return len(h) }
func (h attemptHeap) Less(i, j int) bool {
	if !h[i].at.Equal(h[j].at) {
		return h[i].at.Before(h[j].at)
	}
	return h[i].seq < h[j].seq
}
func (h attemptHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *attemptHeap) Push(x any)        { *h = append(*h, x.(*scheduled)) }
func (h *attemptHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// Dispatcher fans lifecycle events out to subscriptions and drives the
// retry schedule. HandleEvent plugs into the journal as a subscriber; a
// time-ordered heap feeds a worker pool that performs the HTTP attempts.
type Dispatcher struct {
	subs   *SubscriptionStore
	store  *DeliveryStore
	client *http.Client
	cfg    DispatcherConfig
	log    *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending attemptHeap
	nextSeq uint64

	wake   chan struct{}
	workCh chan string
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewDispatcher(subs *SubscriptionStore, store *DeliveryStore, cfg DispatcherConfig) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		subs:   subs,
		store:  store,
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
		log:    slog.Default().With("component", "webhook"),
		now:    time.Now,
		wake:   make(chan struct{}, 1),
		workCh: make(chan string),
		done:   make(chan struct{}),
	}
}

// WithClock overrides the dispatcher's time source. Record timestamps and
// schedule targets use it; the actual waiting still happens in real time.
func (d *Dispatcher) WithClock(now func() time.Time) *Dispatcher {
	d.now = now
	return d
}

// Start launches the schedule loop and the worker pool.
func (d *Dispatcher) Start() {
	d.wg.Add(1 + d.cfg.Workers)
	go func() {
		defer d.wg.Done()
		d.scheduleLoop()
	}()
	for i := 0; i < d.cfg.Workers; i++ {
		go func() {
			defer d.wg.Done()
			for {
				select {
				case <-d.done:
					return
				case id := <-d.workCh:
					d.attempt(id)
				}
			}
		}()
	}
}

// Stop halts scheduling and waits for in-flight attempts to finish.
func (d *Dispatcher) Stop() {
	d.once.Do(func() { close(d.done) })
	d.wg.Wait()
}

// HandleEvent creates one delivery per matching subscription and queues
// the first attempt. It satisfies eventbus.Handler. Errors are logged,
// not returned: a journal-level retry would duplicate the deliveries
// already created.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev *contracts.LifecycleEvent) error {
	subs := d.subs.Matching(ev.Type)
	if len(subs) == 0 {
		return nil
	}

	payload, err := json.Marshal(Envelope{
		ID:      ev.ID,
		Type:    string(ev.Type),
		Created: ev.CreatedAt.Unix(),
		Data:    EnvelopeData{Object: ev.Intent},
	})
	if err != nil {
		d.log.Error("encode webhook envelope", "event_id", ev.ID, "error", err)
		return nil
	}

	now := d.now().UTC()
	for _, sub := range subs {
		dl := &Delivery{
			ID:             "whd_" + uuid.New().String(),
			SubscriptionID: sub.ID,
			EventID:        ev.ID,
			EventType:      string(ev.Type),
			IntentID:       ev.IntentID,
			Payload:        payload,
			State:          DeliveryPending,
			MaxAttempts:    d.cfg.MaxAttempts,
			NextAttemptAt:  now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := d.store.Create(ctx, dl); err != nil {
			d.log.Error("create delivery", "event_id", ev.ID, "subscription_id", sub.ID, "error", err)
			continue
		}
		d.schedule(dl.ID, now)
	}
	return nil
}

// Redeliver requeues a delivery with a fresh attempt budget.
func (d *Dispatcher) Redeliver(ctx context.Context, id string) (*Delivery, error) {
	dl, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if dl.State == DeliveryAttempting {
		return nil, ErrDeliveryInFlight
	}

	now := d.now().UTC()
	dl.State = DeliveryPending
	dl.Attempts = 0
	dl.NextAttemptAt = now
	dl.LastError = ""
	dl.LastStatusCode = 0
	dl.DeliveredAt = time.Time{}
	dl.UpdatedAt = now
	if err := d.store.Update(ctx, dl); err != nil {
		return nil, err
	}
	d.schedule(dl.ID, now)
	return dl, nil
}

func (d *Dispatcher) schedule(id string, at time.Time) {
	d.mu.Lock()
	d.nextSeq++
	heap.Push(&d.pending, &scheduled{deliveryID: id, at: at, seq: d.nextSeq})
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// scheduleLoop pops due attempts and hands them to the workers, sleeping
// until the earliest scheduled time otherwise.
func (d *Dispatcher) scheduleLoop() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		d.mu.Lock()
		var dueID string
		wait := time.Hour
		if len(d.pending) > 0 {
			head := d.pending[0]
			if until := head.at.Sub(d.now()); until <= 0 {
				heap.Pop(&d.pending)
				dueID = head.deliveryID
			} else {
				wait = until
			}
		}
		d.mu.Unlock()

		if dueID != "" {
			select {
			case d.workCh <- dueID:
			case <-d.done:
				return
			}
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)
		select {
		case <-timer.C:
		case <-d.wake:
		case <-d.done:
			return
		}
	}
}

// attempt performs one HTTP delivery and updates the schedule.
func (d *Dispatcher) attempt(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	dl, err := d.store.Get(ctx, id)
	if err != nil {
		d.log.Error("load delivery", "delivery_id", id, "error", err)
		return
	}
	if dl.State != DeliveryPending {
		return
	}
	sub, err := d.subs.Get(ctx, dl.SubscriptionID)
	if err != nil || !sub.Active {
		// Endpoint gone or paused: exhaust now, redeliver revives it.
		dl.State = DeliveryExhausted
		dl.LastError = "subscription inactive"
		dl.UpdatedAt = d.now().UTC()
		if err := d.store.Update(ctx, dl); err != nil {
			d.log.Error("update delivery", "delivery_id", id, "error", err)
		}
		finalStates.WithLabelValues(string(DeliveryExhausted)).Inc()
		return
	}

	dl.State = DeliveryAttempting
	dl.Attempts++
	dl.UpdatedAt = d.now().UTC()
	if err := d.store.Update(ctx, dl); err != nil {
		d.log.Error("update delivery", "delivery_id", id, "error", err)
		return
	}

	status, attemptErr := d.post(ctx, sub, dl)
	dl.LastStatusCode = status
	now := d.now().UTC()
	dl.UpdatedAt = now

	if attemptErr == nil {
		attemptOutcomes.WithLabelValues("success").Inc()
		finalStates.WithLabelValues(string(DeliveryDelivered)).Inc()
		dl.State = DeliveryDelivered
		dl.DeliveredAt = now
		dl.LastError = ""
		dl.NextAttemptAt = time.Time{}
		if err := d.store.Update(ctx, dl); err != nil {
			d.log.Error("update delivery", "delivery_id", id, "error", err)
		}
		return
	}

	attemptOutcomes.WithLabelValues("failure").Inc()
	dl.LastError = attemptErr.Error()
	if dl.Attempts >= dl.MaxAttempts {
		finalStates.WithLabelValues(string(DeliveryExhausted)).Inc()
		dl.State = DeliveryExhausted
		dl.NextAttemptAt = time.Time{}
		d.log.Warn("delivery exhausted",
			"delivery_id", dl.ID, "subscription_id", sub.ID,
			"attempts", dl.Attempts, "last_error", dl.LastError)
	} else {
		dl.State = DeliveryPending
		dl.NextAttemptAt = now.Add(NextDelay(dl.ID, dl.Attempts, d.cfg.BaseDelay, d.cfg.MaxDelay))
	}
	if err := d.store.Update(ctx, dl); err != nil {
		d.log.Error("update delivery", "delivery_id", id, "error", err)
		return
	}
	if dl.State == DeliveryPending {
		d.schedule(dl.ID, dl.NextAttemptAt)
	}
}

// post sends the signed request. A non-2xx status is a failure.
func (d *Dispatcher) post(ctx context.Context, sub *Subscription, dl *Delivery) (int, error) {
	ts := d.now().UTC()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(dl.Payload))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderID, dl.ID)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ts.Unix(), 10))
	req.Header.Set(HeaderSignature, Sign(sub.Secret, ts, dl.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return resp.StatusCode, nil
}
