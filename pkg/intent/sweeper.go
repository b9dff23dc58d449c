package intent

import (
	"context"
	"sync"
	"time"

	"github.com/keelpay/core/pkg/contracts"
)

// DefaultSweepInterval is how often the background sweeper runs.
const DefaultSweepInterval = 15 * time.Second

// RunMaintenance performs one sweep: intents stuck in processing past
// their deadline fail with processing_timeout, intents waiting on a
// customer action past theirs fail with action_timeout, and expired
// challenge tokens are pruned. It returns the number of intents failed.
//
// The deadline check repeats under the stripe lock so a settlement
// answer landing mid-sweep wins over the timeout.
func (e *Engine) RunMaintenance(ctx context.Context) (int, error) {
	swept := 0

	stuck, err := e.store.ListByStatus(ctx, contracts.StatusProcessing)
	if err != nil {
		return swept, err
	}
	for _, in := range stuck {
		if e.expireLocked(ctx, in.ID, contracts.StatusProcessing, contracts.ReasonProcessingTimeout) {
			swept++
		}
	}

	waiting, err := e.store.ListByStatus(ctx, contracts.StatusRequiresAction)
	if err != nil {
		return swept, err
	}
	for _, in := range waiting {
		if e.expireLocked(ctx, in.ID, contracts.StatusRequiresAction, contracts.ReasonActionTimeout) {
			swept++
		}
	}

	e.resolver.Sweep(ctx)
	return swept, nil
}

func (e *Engine) expireLocked(ctx context.Context, id string, from contracts.IntentStatus, reason contracts.FailureReason) bool {
	unlock := e.locks.acquire(id)
	defer unlock()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return false
	}
	if cur.Status != from {
		return false
	}

	now := e.now()
	deadline := cur.ProcessingDeadline
	if from == contracts.StatusRequiresAction {
		deadline = cur.ActionDeadline
	}
	if deadline.IsZero() || now.Before(deadline) {
		return false
	}

	_, err = e.apply(ctx, cur, contracts.StatusFailed, func(n *contracts.PaymentIntent) {
		n.FailureReason = reason
		n.Challenge = nil
		n.ProcessingDeadline = time.Time{}
		n.ActionDeadline = time.Time{}
	})
	if err != nil {
		e.log.Warn("deadline sweep lost the race", "intent_id", id, "error", err)
		return false
	}
	e.log.Info("intent expired", "intent_id", id, "from", from, "reason", reason)
	return true
}

// StartSweeper runs RunMaintenance on a fixed interval until the
// returned stop func is called.
func (e *Engine) StartSweeper(interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	done := make(chan struct{})
	var once sync.Once

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), interval)
				if n, err := e.RunMaintenance(ctx); err != nil {
					e.log.Error("maintenance pass failed", "error", err)
				} else if n > 0 {
					e.log.Info("maintenance pass complete", "expired", n)
				}
				cancel()
			}
		}
	}()

	return func() { once.Do(func() { close(done) }) }
}
