package intent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/keelpay/core/pkg/action"
	"github.com/keelpay/core/pkg/canonicalize"
	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/eventbus"
	"github.com/keelpay/core/pkg/idempotency"
	"github.com/keelpay/core/pkg/money"
	"github.com/keelpay/core/pkg/risk"
	"github.com/keelpay/core/pkg/settlement"
)

const (
	// DefaultProcessingTimeout bounds how long an intent may sit in
	// processing before the sweeper fails it.
	DefaultProcessingTimeout = 2 * time.Minute

	// DefaultActionTimeout bounds how long an intent may wait in
	// requires_action for the customer to complete the challenge.
	DefaultActionTimeout = 30 * time.Minute

	// DefaultNewMethodWindow is how long after registration an
	// instrument counts as new for risk scoring.
	DefaultNewMethodWindow = 24 * time.Hour

	maxIdempotencyKeyLen = 255
	maxMetadataKeys      = 20
	maxMetadataKeyLen    = 40
	maxMetadataValueLen  = 500
)

// Config tunes the engine. Zero values fall back to the defaults above.
type Config struct {
	ProcessingTimeout time.Duration
	ActionTimeout     time.Duration
	NewMethodWindow   time.Duration

	// RescoreOnConfirm runs a second risk pass at confirm time. Off by
	// default: the create-time snapshot is authoritative.
	RescoreOnConfirm bool

	// Thresholds are the default decision boundaries. Credentials may
	// carry overrides; the API layer passes those per call.
	Thresholds risk.Thresholds
}

func (c Config) withDefaults() Config {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.ActionTimeout <= 0 {
		c.ActionTimeout = DefaultActionTimeout
	}
	if c.NewMethodWindow <= 0 {
		c.NewMethodWindow = DefaultNewMethodWindow
	}
	if c.Thresholds == (risk.Thresholds{}) {
		c.Thresholds = risk.DefaultThresholds()
	}
	return c
}

// Deps are the engine's collaborators. All fields are required.
type Deps struct {
	Store       Store
	Methods     *MethodRegistry
	Idempotency idempotency.Store
	Scorer      *risk.Scorer
	Resolver    *action.Resolver
	Settler     settlement.Settler
	Journal     *eventbus.Journal
}

// Engine drives the payment intent lifecycle. All state mutation flows
// through it: per-intent striped locks serialize transitions in process,
// and the store's version CAS protects against a second process.
//
// The one deliberately unlocked region is the settlement call itself. An
// intent entering processing is published first, then settled, then
// finalized under the lock with a re-read, so a slow acquirer never
// blocks unrelated work on the same stripe.
type Engine struct {
	store    Store
	methods  *MethodRegistry
	idem     idempotency.Store
	scorer   *risk.Scorer
	resolver *action.Resolver
	settler  settlement.Settler
	journal  *eventbus.Journal
	locks    *stripedLocks
	cfg      Config
	log      *slog.Logger
	now      func() time.Time
}

func NewEngine(d Deps, cfg Config) *Engine {
	return &Engine{
		store:    d.Store,
		methods:  d.Methods,
		idem:     d.Idempotency,
		scorer:   d.Scorer,
		resolver: d.Resolver,
		settler:  d.Settler,
		journal:  d.Journal,
		locks:    newStripedLocks(64),
		cfg:      cfg.withDefaults(),
		log:      slog.Default().With("component", "intent"),
		now:      time.Now,
	}
}

// WithClock overrides the engine's time source.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateParams describes a new payment intent.
type CreateParams struct {
	AmountMinor int64
	Currency    string

	// PaymentMethod may be empty at create and supplied at confirm.
	PaymentMethod string

	// BillingCountry is the caller-asserted billing country, compared
	// against the instrument's issuing country for the geo signal.
	BillingCountry string

	CredentialID   string
	Metadata       map[string]string
	IdempotencyKey string

	// Thresholds overrides the engine's decision boundaries for this
	// call. Zero means use the configured defaults.
	Thresholds risk.Thresholds
}

// Create validates, scores, and persists a new intent. The returned bool
// is true when an idempotent replay returned the original intent instead
// of creating one.
//
// A blocked score does not produce an error: the intent is born failed
// with reason risk_blocked and exactly one failed event. Callers decide
// how to present that.
func (e *Engine) Create(ctx context.Context, p CreateParams) (*contracts.PaymentIntent, bool, error) {
	if p.AmountMinor <= 0 {
		return nil, false, contracts.Invalid("amount", "must be a positive number of minor units")
	}
	amt, err := money.New(p.AmountMinor, p.Currency)
	if err != nil {
		return nil, false, contracts.Invalid("currency", err.Error())
	}
	if err := validateMetadata(p.Metadata); err != nil {
		return nil, false, err
	}

	var method *contracts.PaymentMethod
	if p.PaymentMethod != "" {
		m, err := e.methods.Get(ctx, p.PaymentMethod)
		if err != nil {
			return nil, false, contracts.Invalid("payment_method", "unknown payment method")
		}
		method = m
	}

	reserved := false
	if p.IdempotencyKey != "" {
		if len(p.IdempotencyKey) > maxIdempotencyKeyLen {
			return nil, false, contracts.Invalid("idempotency_key", "longer than 255 bytes")
		}
		fp, err := createFingerprint(p)
		if err != nil {
			return nil, false, err
		}
		rec, started, err := e.idem.Begin(ctx, p.IdempotencyKey, fp)
		if err != nil {
			return nil, false, err
		}
		if !started {
			replay, err := e.store.Get(ctx, rec.IntentID)
			if err != nil {
				return nil, false, err
			}
			return replay, true, nil
		}
		reserved = true
	}

	now := e.now().UTC()
	in := &contracts.PaymentIntent{
		ID:             "pi_" + uuid.New().String(),
		Amount:         amt,
		Status:         contracts.StatusCreated,
		PaymentMethod:  p.PaymentMethod,
		IdempotencyKey: p.IdempotencyKey,
		Metadata:       copyMetadata(p.Metadata),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The current attempt counts toward its own velocity windows.
	if method != nil {
		if err := e.scorer.Observe(ctx, method.Fingerprint); err != nil {
			e.log.Warn("velocity observe failed", "intent_id", in.ID, "error", err)
		}
	}
	assessment := e.scorer.Score(ctx, e.riskInput(p, method, amt, now), e.thresholds(p.Thresholds))
	in.Risk = &assessment
	if assessment.Decision == contracts.RiskBlock {
		in.Status = contracts.StatusFailed
		in.FailureReason = contracts.ReasonRiskBlocked
	}

	if err := e.store.Create(ctx, in); err != nil {
		if reserved {
			if relErr := e.idem.Release(ctx, p.IdempotencyKey); relErr != nil {
				e.log.Error("idempotency release failed", "key", p.IdempotencyKey, "error", relErr)
			}
		}
		return nil, false, err
	}
	if reserved {
		if err := e.idem.Complete(ctx, p.IdempotencyKey, in.ID); err != nil {
			e.log.Error("idempotency complete failed", "key", p.IdempotencyKey, "intent_id", in.ID, "error", err)
		}
	}

	e.emit(ctx, in)
	return in.Clone(), false, nil
}

// Confirm moves a created or requires_action intent toward settlement.
// When the risk snapshot or the instrument demands customer
// authentication the intent parks in requires_action with a challenge
// instead; otherwise it enters processing and is settled synchronously.
//
// Confirming an intent that is already parked is idempotent: the
// outstanding challenge is returned unchanged and no event is emitted.
// Supplying a different payment method re-runs the resolver, so a swap
// to an instrument that needs no challenge proceeds straight to
// settlement.
func (e *Engine) Confirm(ctx context.Context, id string, expectedVersion int64, methodID string) (*contracts.PaymentIntent, error) {
	snapshot, method, err := e.beginConfirm(ctx, id, expectedVersion, methodID)
	if err != nil || snapshot.Status != contracts.StatusProcessing {
		return snapshot, err
	}
	return e.settleAndFinalize(ctx, snapshot, method)
}

// beginConfirm holds the stripe lock for the state transition and
// releases it before settlement.
func (e *Engine) beginConfirm(ctx context.Context, id string, expectedVersion int64, methodID string) (*contracts.PaymentIntent, *contracts.PaymentMethod, error) {
	if expectedVersion <= 0 {
		return nil, nil, contracts.Invalid("expected_version", "must be a positive integer")
	}

	unlock := e.locks.acquire(id)
	defer unlock()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cur.Version != expectedVersion {
		return nil, nil, fmt.Errorf("intent %s at version %d, expected %d: %w",
			id, cur.Version, expectedVersion, contracts.ErrVersionConflict)
	}
	if cur.Status != contracts.StatusCreated && cur.Status != contracts.StatusRequiresAction {
		return nil, nil, fmt.Errorf("confirm from %s: %w", cur.Status, contracts.ErrIllegalTransition)
	}

	methodRef := cur.PaymentMethod
	if methodID != "" {
		methodRef = methodID
	}
	if methodRef == "" {
		return nil, nil, contracts.Invalid("payment_method", "required to confirm")
	}
	method, err := e.methods.Get(ctx, methodRef)
	if err != nil {
		return nil, nil, contracts.Invalid("payment_method", "unknown payment method")
	}

	var rescored *contracts.RiskAssessment
	if e.cfg.RescoreOnConfirm {
		assessment := e.scorer.Score(ctx, risk.Input{
			Amount:            cur.Amount,
			MethodType:        method.Type,
			MethodFingerprint: method.Fingerprint,
			GeoMismatch:       cur.Risk != nil && hasRule(cur.Risk.TriggeredRules, "geo_mismatch"),
			NewMethod:         e.methods.IsNewInstrument(method.Fingerprint, e.cfg.NewMethodWindow),
			Now:               e.now().UTC(),
		}, e.cfg.Thresholds)
		rescored = &assessment
		if assessment.Decision == contracts.RiskBlock {
			next, err := e.apply(ctx, cur, contracts.StatusFailed, func(n *contracts.PaymentIntent) {
				n.PaymentMethod = methodRef
				n.Risk = rescored
				n.FailureReason = contracts.ReasonRiskBlocked
			})
			return next, nil, err
		}
	}

	scored := cur
	if rescored != nil {
		scored = cur.Clone()
		scored.Risk = rescored
	}
	if e.resolver.Required(scored, method) {
		if cur.Status == contracts.StatusRequiresAction {
			// Already parked. The outstanding challenge stands; issuing a
			// second one would leave a live orphan token.
			return cur, nil, nil
		}
		next, err := e.apply(ctx, cur, contracts.StatusRequiresAction, func(n *contracts.PaymentIntent) {
			n.PaymentMethod = methodRef
			if rescored != nil {
				n.Risk = rescored
			}
			n.Challenge = e.resolver.Issue(ctx, n.ID)
			n.ActionDeadline = e.now().UTC().Add(e.cfg.ActionTimeout)
		})
		return next, nil, err
	}

	next, err := e.apply(ctx, cur, contracts.StatusProcessing, func(n *contracts.PaymentIntent) {
		n.PaymentMethod = methodRef
		if rescored != nil {
			n.Risk = rescored
		}
		n.Challenge = nil
		n.ActionDeadline = time.Time{}
		n.ProcessingDeadline = e.now().UTC().Add(e.cfg.ProcessingTimeout)
	})
	return next, method, err
}

// ResumeAfterAction consumes a challenge token and either resumes the
// intent into processing or fails it. The token burns on first use
// regardless of outcome.
func (e *Engine) ResumeAfterAction(ctx context.Context, intentID, token string, succeeded bool, detail string) (*contracts.PaymentIntent, error) {
	resolvedID, err := e.resolver.Consume(ctx, token)
	if err != nil {
		return nil, err
	}
	if intentID != "" && intentID != resolvedID {
		return nil, fmt.Errorf("token does not belong to %s: %w", intentID, contracts.ErrChallengeUnknown)
	}

	snapshot, method, err := e.resumeLocked(ctx, resolvedID, succeeded, detail)
	if err != nil || snapshot.Status != contracts.StatusProcessing {
		return snapshot, err
	}
	return e.settleAndFinalize(ctx, snapshot, method)
}

func (e *Engine) resumeLocked(ctx context.Context, id string, succeeded bool, detail string) (*contracts.PaymentIntent, *contracts.PaymentMethod, error) {
	unlock := e.locks.acquire(id)
	defer unlock()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if cur.Status != contracts.StatusRequiresAction {
		return nil, nil, fmt.Errorf("resume from %s: %w", cur.Status, contracts.ErrIllegalTransition)
	}

	if !succeeded {
		if detail != "" {
			e.log.Info("challenge failed", "intent_id", id, "detail", detail)
		}
		next, err := e.apply(ctx, cur, contracts.StatusFailed, func(n *contracts.PaymentIntent) {
			n.FailureReason = contracts.ReasonActionFailed
			n.Challenge = nil
			n.ActionDeadline = time.Time{}
		})
		return next, nil, err
	}

	method, err := e.methods.Get(ctx, cur.PaymentMethod)
	if err != nil {
		return nil, nil, fmt.Errorf("intent %s references missing method %s: %w", id, cur.PaymentMethod, contracts.ErrNotFound)
	}
	next, err := e.apply(ctx, cur, contracts.StatusProcessing, func(n *contracts.PaymentIntent) {
		n.Challenge = nil
		n.ActionDeadline = time.Time{}
		n.ProcessingDeadline = e.now().UTC().Add(e.cfg.ProcessingTimeout)
	})
	return next, method, err
}

// Cancel voids an intent that has not started settlement. An intent in
// processing cannot be canceled; its outcome is whatever the network
// says.
func (e *Engine) Cancel(ctx context.Context, id string, expectedVersion int64) (*contracts.PaymentIntent, error) {
	if expectedVersion <= 0 {
		return nil, contracts.Invalid("expected_version", "must be a positive integer")
	}

	unlock := e.locks.acquire(id)
	defer unlock()

	cur, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Version != expectedVersion {
		return nil, fmt.Errorf("intent %s at version %d, expected %d: %w",
			id, cur.Version, expectedVersion, contracts.ErrVersionConflict)
	}
	if cur.Status == contracts.StatusProcessing {
		return nil, fmt.Errorf("intent %s is settling: %w", id, contracts.ErrIllegalTransition)
	}

	return e.apply(ctx, cur, contracts.StatusCanceled, func(n *contracts.PaymentIntent) {
		n.Challenge = nil
		n.ActionDeadline = time.Time{}
	})
}

// Get returns the current intent snapshot.
func (e *Engine) Get(ctx context.Context, id string) (*contracts.PaymentIntent, error) {
	return e.store.Get(ctx, id)
}

// Events returns the intent's lifecycle events in sequence order.
func (e *Engine) Events(ctx context.Context, id string) ([]*contracts.LifecycleEvent, error) {
	if _, err := e.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return e.journal.ForIntent(id), nil
}

// settleAndFinalize submits the intent and applies the terminal state
// under the lock. The re-read guards against the sweeper or a competing
// instance having finalized while the network call was in flight.
func (e *Engine) settleAndFinalize(ctx context.Context, in *contracts.PaymentIntent, method *contracts.PaymentMethod) (*contracts.PaymentIntent, error) {
	res, settleErr := e.settler.Settle(ctx, in.Clone(), method)

	unlock := e.locks.acquire(in.ID)
	defer unlock()

	cur, err := e.store.Get(ctx, in.ID)
	if err != nil {
		return nil, err
	}
	if cur.Status != contracts.StatusProcessing {
		return cur, nil
	}

	if settleErr != nil {
		if errors.Is(settleErr, contracts.ErrDownstreamTimeout) {
			// Outcome unknown. The intent stays in processing; the
			// sweeper fails it if no answer arrives by the deadline.
			e.log.Warn("settlement timed out", "intent_id", cur.ID)
			return cur, settleErr
		}
		e.log.Warn("settlement unavailable", "intent_id", cur.ID, "error", settleErr)
		next, applyErr := e.apply(ctx, cur, contracts.StatusFailed, func(n *contracts.PaymentIntent) {
			n.FailureReason = contracts.ReasonDownstreamUnavailable
			n.ProcessingDeadline = time.Time{}
		})
		if applyErr != nil {
			return e.latest(ctx, cur.ID, applyErr)
		}
		return next, settleErr
	}

	if res.Approved {
		next, applyErr := e.apply(ctx, cur, contracts.StatusSucceeded, func(n *contracts.PaymentIntent) {
			n.NetworkRef = res.NetworkRef
			n.ProcessingDeadline = time.Time{}
		})
		if applyErr != nil {
			return e.latest(ctx, cur.ID, applyErr)
		}
		return next, nil
	}

	next, applyErr := e.apply(ctx, cur, contracts.StatusFailed, func(n *contracts.PaymentIntent) {
		n.FailureReason = res.Reason
		n.ProcessingDeadline = time.Time{}
	})
	if applyErr != nil {
		return e.latest(ctx, cur.ID, applyErr)
	}
	return next, nil
}

// latest resolves a lost CAS race by reporting whoever won. Any error
// other than a version conflict propagates.
func (e *Engine) latest(ctx context.Context, id string, applyErr error) (*contracts.PaymentIntent, error) {
	if !errors.Is(applyErr, contracts.ErrVersionConflict) {
		return nil, applyErr
	}
	return e.store.Get(ctx, id)
}

// apply performs one legal transition: clone, mutate, bump version,
// CAS-persist, emit. Callers hold the intent's stripe lock.
func (e *Engine) apply(ctx context.Context, cur *contracts.PaymentIntent, to contracts.IntentStatus, mutate func(*contracts.PaymentIntent)) (*contracts.PaymentIntent, error) {
	if !contracts.CanTransition(cur.Status, to) {
		return nil, fmt.Errorf("%s -> %s: %w", cur.Status, to, contracts.ErrIllegalTransition)
	}

	next := cur.Clone()
	next.Status = to
	if mutate != nil {
		mutate(next)
	}
	expected := next.Version
	next.Version++
	next.UpdatedAt = e.now().UTC()

	if err := e.store.Update(ctx, next, expected); err != nil {
		return nil, err
	}
	e.emit(ctx, next)
	return next.Clone(), nil
}

// emit appends a lifecycle event for the intent's current status. The
// state change is already durable; a journal error is logged, never
// surfaced.
func (e *Engine) emit(ctx context.Context, in *contracts.PaymentIntent) {
	ev := &contracts.LifecycleEvent{
		ID:        "evt_" + uuid.New().String(),
		IntentID:  in.ID,
		Type:      contracts.EventForStatus(in.Status),
		Status:    in.Status,
		Intent:    in.Clone(),
		CreatedAt: e.now().UTC(),
	}
	if _, err := e.journal.Append(ctx, ev); err != nil {
		e.log.Error("journal append failed", "intent_id", in.ID, "event_type", ev.Type, "error", err)
	}
}

func (e *Engine) thresholds(override risk.Thresholds) risk.Thresholds {
	if override == (risk.Thresholds{}) {
		return e.cfg.Thresholds
	}
	return override
}

func (e *Engine) riskInput(p CreateParams, method *contracts.PaymentMethod, amt money.Money, now time.Time) risk.Input {
	in := risk.Input{
		Amount:       amt,
		CredentialID: p.CredentialID,
		Now:          now,
	}
	if method != nil {
		in.MethodType = method.Type
		in.MethodFingerprint = method.Fingerprint
		in.NewMethod = e.methods.IsNewInstrument(method.Fingerprint, e.cfg.NewMethodWindow)
		in.GeoMismatch = p.BillingCountry != "" && method.Country != "" && p.BillingCountry != method.Country
	}
	return in
}

func validateMetadata(md map[string]string) error {
	if len(md) > maxMetadataKeys {
		return contracts.Invalid("metadata", fmt.Sprintf("at most %d keys", maxMetadataKeys))
	}
	for k, v := range md {
		if k == "" {
			return contracts.Invalid("metadata", "keys must not be empty")
		}
		if len(k) > maxMetadataKeyLen {
			return contracts.Invalid("metadata", fmt.Sprintf("key %q longer than %d bytes", k, maxMetadataKeyLen))
		}
		if len(v) > maxMetadataValueLen {
			return contracts.Invalid("metadata", fmt.Sprintf("value for %q longer than %d bytes", k, maxMetadataValueLen))
		}
	}
	return nil
}

func copyMetadata(md map[string]string) map[string]string {
	if md == nil {
		return nil
	}
	cp := make(map[string]string, len(md))
	for k, v := range md {
		cp[k] = v
	}
	return cp
}

// createFingerprint hashes the request-defining fields so a key reused
// with a different body is detected as a conflict. Canonical JSON keeps
// the hash independent of field order.
func createFingerprint(p CreateParams) (string, error) {
	doc, err := canonicalize.JCS(struct {
		AmountMinor   int64             `json:"amount_minor"`
		Currency      string            `json:"currency"`
		PaymentMethod string            `json:"payment_method,omitempty"`
		Country       string            `json:"country,omitempty"`
		Credential    string            `json:"credential,omitempty"`
		Metadata      map[string]string `json:"metadata,omitempty"`
	}{p.AmountMinor, p.Currency, p.PaymentMethod, p.BillingCountry, p.CredentialID, p.Metadata})
	if err != nil {
		return "", fmt.Errorf("fingerprint request: %w", err)
	}
	return idempotency.Fingerprint(doc), nil
}

func hasRule(rules []string, id string) bool {
	for _, r := range rules {
		if r == id {
			return true
		}
	}
	return false
}
