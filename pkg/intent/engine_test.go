package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keelpay/core/pkg/action"
	"github.com/keelpay/core/pkg/contracts"
	"github.com/keelpay/core/pkg/eventbus"
	"github.com/keelpay/core/pkg/idempotency"
	"github.com/keelpay/core/pkg/risk"
	"github.com/keelpay/core/pkg/settlement"
)

// testClock is a shared, advanceable time source for every component in
// the fixture.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	// Noon UTC keeps the night-hours risk rule quiet.
	return &testClock{now: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	engine   *Engine
	store    *MemoryStore
	methods  *MethodRegistry
	journal  *eventbus.Journal
	resolver *action.Resolver
	idem     *idempotency.MemoryStore
	clock    *testClock
}

func newFixture(t *testing.T, settler settlement.Settler, cfg Config) *fixture {
	t.Helper()

	clock := newTestClock()
	store := NewMemoryStore()
	methods := NewMethodRegistry().WithClock(clock.Now)
	journal := eventbus.NewJournal()
	resolver := action.NewResolver("https://pay.example.com/complete", 0).WithClock(clock.Now)
	idem := idempotency.NewMemoryStore(0).WithClock(clock.Now)
	t.Cleanup(idem.Stop)

	counters := risk.NewMemoryCounters().WithClock(clock.Now)
	scorer, err := risk.NewScorer(risk.DefaultRuleset(), counters)
	require.NoError(t, err)

	if settler == nil {
		settler = &settlement.StubSettler{}
	}

	eng := NewEngine(Deps{
		Store:       store,
		Methods:     methods,
		Idempotency: idem,
		Scorer:      scorer,
		Resolver:    resolver,
		Settler:     settler,
		Journal:     journal,
	}, cfg).WithClock(clock.Now)

	return &fixture{
		engine:   eng,
		store:    store,
		methods:  methods,
		journal:  journal,
		resolver: resolver,
		idem:     idem,
		clock:    clock,
	}
}

func (f *fixture) registerCard(t *testing.T, token string, sca bool) *contracts.PaymentMethod {
	t.Helper()
	m, err := f.methods.Register(context.Background(), RegisterParams{
		Type:        contracts.MethodCard,
		VaultToken:  token,
		Brand:       "visa",
		Last4:       "4242",
		Country:     "US",
		RequiresSCA: sca,
	})
	require.NoError(t, err)
	return m
}

func eventTypes(evs []*contracts.LifecycleEvent) []contracts.EventType {
	out := make([]contracts.EventType, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestHappyPathCreateConfirmSucceed(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, replayed, err := f.engine.Create(ctx, CreateParams{
		AmountMinor:   2500,
		Currency:      "USD",
		PaymentMethod: m.ID,
		Metadata:      map[string]string{"order": "ord_1"},
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, contracts.StatusCreated, in.Status)
	assert.Equal(t, int64(1), in.Version)
	require.NotNil(t, in.Risk)
	assert.Equal(t, contracts.RiskAllow, in.Risk.Decision)

	out, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, out.Status)
	assert.Equal(t, int64(3), out.Version)
	assert.Equal(t, "stub_"+in.ID, out.NetworkRef)

	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.EventType{
		contracts.EventIntentCreated,
		contracts.EventIntentProcessing,
		contracts.EventIntentSucceeded,
	}, eventTypes(evs))
	for i, ev := range evs {
		assert.Equal(t, int64(i+1), ev.Sequence)
		assert.NotEmpty(t, ev.PayloadHash)
	}
}

func TestCreateValidation(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, CreateParams{AmountMinor: 0, Currency: "USD"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, _, err = f.engine.Create(ctx, CreateParams{AmountMinor: 100, Currency: "NOPE"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	_, _, err = f.engine.Create(ctx, CreateParams{AmountMinor: 100, Currency: "USD", PaymentMethod: "pm_missing"})
	assert.ErrorIs(t, err, contracts.ErrValidation)

	big := make(map[string]string)
	for i := 0; i < maxMetadataKeys+1; i++ {
		big[string(rune('a'+i))] = "v"
	}
	_, _, err = f.engine.Create(ctx, CreateParams{AmountMinor: 100, Currency: "USD", Metadata: big})
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestIdempotentReplayReturnsOriginalIntent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	p := CreateParams{
		AmountMinor:    2500,
		Currency:       "USD",
		PaymentMethod:  m.ID,
		IdempotencyKey: "key_1",
	}

	first, replayed, err := f.engine.Create(ctx, p)
	require.NoError(t, err)
	assert.False(t, replayed)

	second, replayed, err := f.engine.Create(ctx, p)
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, first.ID, second.ID)

	// Replays never mint a second created event.
	evs, err := f.engine.Events(ctx, first.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 1)
}

func TestIdempotencyKeyReuseWithDifferentBodyConflicts(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	_, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", IdempotencyKey: "key_1",
	})
	require.NoError(t, err)

	_, _, err = f.engine.Create(ctx, CreateParams{
		AmountMinor: 9900, Currency: "USD", IdempotencyKey: "key_1",
	})
	assert.ErrorIs(t, err, contracts.ErrIdempotencyConflict)
}

func TestRiskBlockedIntentIsBornFailed(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false) // issuing country US

	in, replayed, err := f.engine.Create(ctx, CreateParams{
		AmountMinor:    600000,
		Currency:       "USD",
		PaymentMethod:  m.ID,
		BillingCountry: "BR",
		IdempotencyKey: "key_blocked",
	})
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, contracts.StatusFailed, in.Status)
	assert.Equal(t, contracts.ReasonRiskBlocked, in.FailureReason)
	require.NotNil(t, in.Risk)
	assert.Equal(t, contracts.RiskBlock, in.Risk.Decision)
	assert.Contains(t, in.Risk.TriggeredRules, "amount_very_high")
	assert.Contains(t, in.Risk.TriggeredRules, "geo_mismatch")

	// Exactly one event: the intent was never in a confirmable state.
	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, contracts.EventIntentFailed, evs[0].Type)

	// Confirming a born-failed intent is illegal.
	_, err = f.engine.Confirm(ctx, in.ID, 1, "")
	assert.ErrorIs(t, err, contracts.ErrIllegalTransition)

	// A replay reproduces the blocked intent, not a fresh attempt.
	again, replayed, err := f.engine.Create(ctx, CreateParams{
		AmountMinor:    600000,
		Currency:       "USD",
		PaymentMethod:  m.ID,
		BillingCountry: "BR",
		IdempotencyKey: "key_blocked",
	})
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, in.ID, again.ID)
}

func TestChallengeRoundTrip(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRequiresAction, parked.Status)
	require.NotNil(t, parked.Challenge)
	assert.NotEmpty(t, parked.Challenge.Token)
	assert.Contains(t, parked.Challenge.RedirectURL, parked.Challenge.Token)

	done, err := f.engine.ResumeAfterAction(ctx, in.ID, parked.Challenge.Token, true, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, done.Status)
	assert.Nil(t, done.Challenge)

	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.EventType{
		contracts.EventIntentCreated,
		contracts.EventIntentRequiresAction,
		contracts.EventIntentProcessing,
		contracts.EventIntentSucceeded,
	}, eventTypes(evs))

	// The token burned on first use.
	_, err = f.engine.ResumeAfterAction(ctx, in.ID, parked.Challenge.Token, true, "")
	assert.ErrorIs(t, err, contracts.ErrChallengeConsumed)
}

func TestConfirmWhileParkedKeepsChallenge(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	require.NotNil(t, parked.Challenge)

	again, err := f.engine.Confirm(ctx, in.ID, parked.Version, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRequiresAction, again.Status)
	assert.Equal(t, parked.Version, again.Version)
	require.NotNil(t, again.Challenge)
	assert.Equal(t, parked.Challenge.Token, again.Challenge.Token)

	// No second requires_action event for the reconfirm.
	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.EventType{
		contracts.EventIntentCreated,
		contracts.EventIntentRequiresAction,
	}, eventTypes(evs))

	// The original token still resumes the intent.
	done, err := f.engine.ResumeAfterAction(ctx, in.ID, again.Challenge.Token, true, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, done.Status)
}

func TestConfirmParkedWithCleanMethodSettles(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	sca := f.registerCard(t, "tok_sca", true)
	clean := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: sca.ID,
	})
	require.NoError(t, err)

	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	require.Equal(t, contracts.StatusRequiresAction, parked.Status)

	// Swapping to an instrument with no challenge requirement releases
	// the park and settles in the same call.
	done, err := f.engine.Confirm(ctx, in.ID, parked.Version, clean.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, done.Status)
	assert.Equal(t, clean.ID, done.PaymentMethod)
	assert.Nil(t, done.Challenge)
	assert.True(t, done.ActionDeadline.IsZero())

	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, []contracts.EventType{
		contracts.EventIntentCreated,
		contracts.EventIntentRequiresAction,
		contracts.EventIntentProcessing,
		contracts.EventIntentSucceeded,
	}, eventTypes(evs))
}

func TestRiskChallengeForcesAction(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	// amount_very_high alone scores 0.5, inside the challenge band.
	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 500000, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, in.Risk)
	assert.Equal(t, contracts.RiskChallenge, in.Risk.Decision)

	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusRequiresAction, parked.Status)
}

func TestFailedChallengeFailsIntent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)

	out, err := f.engine.ResumeAfterAction(ctx, in.ID, parked.Challenge.Token, false, "user abandoned")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, out.Status)
	assert.Equal(t, contracts.ReasonActionFailed, out.FailureReason)
}

func TestConcurrentConfirmHasOneWinner(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Confirm(ctx, in.ID, 1, "")
		}(i)
	}
	wg.Wait()

	winners, losers := 0, 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if errors.Is(err, contracts.ErrVersionConflict) {
			losers++
		} else {
			t.Fatalf("unexpected confirm error: %v", err)
		}
	}
	assert.Equal(t, 1, winners)
	assert.Equal(t, 1, losers)

	cur, err := f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, cur.Status)

	evs, err := f.engine.Events(ctx, in.ID)
	require.NoError(t, err)
	assert.Len(t, evs, 3, "exactly one processing and one terminal event")
}

// gateSettler blocks inside Settle until released, so tests can act while
// an intent is mid-settlement.
type gateSettler struct {
	release chan struct{}
	result  *settlement.Result
	err     error
}

func (s *gateSettler) Settle(ctx context.Context, in *contracts.PaymentIntent, m *contracts.PaymentMethod) (*settlement.Result, error) {
	<-s.release
	return s.result, s.err
}

func TestCancelBlockedWhileProcessing(t *testing.T) {
	gate := &gateSettler{
		release: make(chan struct{}),
		result:  &settlement.Result{Approved: true, NetworkRef: "net_1"},
	}
	f := newFixture(t, gate, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	confirmed := make(chan struct{})
	go func() {
		defer close(confirmed)
		_, err := f.engine.Confirm(ctx, in.ID, 1, "")
		assert.NoError(t, err)
	}()

	// Wait for the intent to enter processing.
	require.Eventually(t, func() bool {
		cur, err := f.engine.Get(ctx, in.ID)
		return err == nil && cur.Status == contracts.StatusProcessing
	}, time.Second, 5*time.Millisecond)

	_, err = f.engine.Cancel(ctx, in.ID, 2)
	assert.ErrorIs(t, err, contracts.ErrIllegalTransition)

	close(gate.release)
	<-confirmed

	cur, err := f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, cur.Status)
}

func TestCancelFromCreatedAndRequiresAction(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	out, err := f.engine.Cancel(ctx, in.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCanceled, out.Status)

	// Terminal intents reject further cancels.
	_, err = f.engine.Cancel(ctx, in.ID, out.Version)
	assert.ErrorIs(t, err, contracts.ErrIllegalTransition)

	// And a parked intent cancels cleanly, dropping its challenge.
	in2, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	parked, err := f.engine.Confirm(ctx, in2.ID, 1, "")
	require.NoError(t, err)

	out2, err := f.engine.Cancel(ctx, in2.ID, parked.Version)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusCanceled, out2.Status)
	assert.Nil(t, out2.Challenge)
}

func TestStaleVersionConflicts(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	_, err = f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, in.ID, 1)
	assert.ErrorIs(t, err, contracts.ErrVersionConflict)
}

func TestSettlementDeclineFailsIntent(t *testing.T) {
	f := newFixture(t, &settlement.StubSettler{DeclineOver: 1000}, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	out, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, out.Status)
	assert.Equal(t, contracts.ReasonDeclined, out.FailureReason)
}

func TestSettlementUnavailableFailsIntent(t *testing.T) {
	f := newFixture(t, &settlement.StubSettler{Err: contracts.ErrDownstreamUnavailable}, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	_, err = f.engine.Confirm(ctx, in.ID, 1, "")
	assert.ErrorIs(t, err, contracts.ErrDownstreamUnavailable)

	cur, err := f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, cur.Status)
	assert.Equal(t, contracts.ReasonDownstreamUnavailable, cur.FailureReason)
}

func TestSettlementTimeoutLeavesProcessingForSweeper(t *testing.T) {
	f := newFixture(t, &settlement.StubSettler{Err: contracts.ErrDownstreamTimeout}, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)

	_, err = f.engine.Confirm(ctx, in.ID, 1, "")
	assert.ErrorIs(t, err, contracts.ErrDownstreamTimeout)

	cur, err := f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusProcessing, cur.Status, "timeout must not finalize the intent")

	// Before the deadline the sweeper leaves it alone.
	n, err := f.engine.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	f.clock.Advance(DefaultProcessingTimeout + time.Second)
	n, err = f.engine.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err = f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, cur.Status)
	assert.Equal(t, contracts.ReasonProcessingTimeout, cur.FailureReason)
}

func TestActionTimeoutSweep(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)

	f.clock.Advance(DefaultActionTimeout + time.Minute)
	n, err := f.engine.RunMaintenance(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	cur, err := f.engine.Get(ctx, in.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusFailed, cur.Status)
	assert.Equal(t, contracts.ReasonActionTimeout, cur.FailureReason)

	// The challenge token expired with the intent.
	_, err = f.engine.ResumeAfterAction(ctx, in.ID, parked.Challenge.Token, true, "")
	assert.ErrorIs(t, err, contracts.ErrChallengeExpired)
}

func TestResumeRejectsForeignIntentID(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_sca", true)

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	parked, err := f.engine.Confirm(ctx, in.ID, 1, "")
	require.NoError(t, err)

	_, err = f.engine.ResumeAfterAction(ctx, "pi_other", parked.Challenge.Token, true, "")
	assert.ErrorIs(t, err, contracts.ErrChallengeUnknown)
}

func TestConfirmSuppliesMethodLate(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	in, _, err := f.engine.Create(ctx, CreateParams{AmountMinor: 2500, Currency: "USD"})
	require.NoError(t, err)

	// Confirming without any method is a validation error.
	_, err = f.engine.Confirm(ctx, in.ID, 1, "")
	assert.ErrorIs(t, err, contracts.ErrValidation)

	out, err := f.engine.Confirm(ctx, in.ID, 1, m.ID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StatusSucceeded, out.Status)
	assert.Equal(t, m.ID, out.PaymentMethod)
}

func TestVelocityBurstEscalatesDecision(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	m := f.registerCard(t, "tok_visa", false)

	// Five prior attempts inside the window; the sixth trips
	// velocity_burst and lands in the challenge band.
	for i := 0; i < 5; i++ {
		_, _, err := f.engine.Create(ctx, CreateParams{
			AmountMinor: 2500, Currency: "USD", PaymentMethod: m.ID,
		})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}

	in, _, err := f.engine.Create(ctx, CreateParams{
		AmountMinor: 150000, Currency: "USD", PaymentMethod: m.ID,
	})
	require.NoError(t, err)
	require.NotNil(t, in.Risk)
	assert.Contains(t, in.Risk.TriggeredRules, "velocity_burst")
	assert.Equal(t, contracts.RiskChallenge, in.Risk.Decision)
}

func TestGetUnknownIntent(t *testing.T) {
	f := newFixture(t, nil, Config{})
	_, err := f.engine.Get(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)

	_, err = f.engine.Events(context.Background(), "pi_missing")
	assert.ErrorIs(t, err, contracts.ErrNotFound)
}
