package billing_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restokit/restokit/pkg/billing"
	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/plan"
)

// fakeClock is a mutable time source shared by a test and its manager.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type testEnv struct {
	manager  *billing.Manager
	mock     *gateway.MockGateway
	subs     *billing.MemorySubscriptionStore
	attempts *billing.MemoryAttemptStore
	trials   *billing.MemoryTrialGrantStore
	clock    *fakeClock
}

var testStart = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T, opts ...billing.ManagerOption) *testEnv {
	t.Helper()

	catalog, err := plan.NewCatalog(context.Background(), plan.NewInMemSource(testPlans()...))
	require.NoError(t, err)

	env := &testEnv{
		mock:     gateway.NewMockGateway(),
		subs:     billing.NewMemorySubscriptionStore(),
		attempts: billing.NewMemoryAttemptStore(),
		trials:   billing.NewMemoryTrialGrantStore(),
		clock:    newFakeClock(testStart),
	}

	base := []billing.ManagerOption{billing.WithClock(env.clock.Now)}
	env.manager = billing.NewManager(
		catalog,
		gateway.NewRegistry(env.mock),
		env.subs, env.attempts, env.trials,
		append(base, opts...)...)
	return env
}

func testPlans() []plan.Plan {
	return []plan.Plan{
		{
			ID:       "free",
			Name:     "Free",
			Interval: plan.IntervalNone,
			Active:   true,
		},
		{
			ID:        "starter",
			Name:      "Starter",
			Interval:  plan.IntervalMonthly,
			TrialDays: 14,
			Active:    true,
			Prices: map[plan.Tier]plan.Money{
				plan.Tier1: {Amount: 900, Currency: "USD"},
				plan.Tier4: {Amount: 2900, Currency: "USD"},
			},
		},
		{
			ID:       "pro",
			Name:     "Pro",
			Interval: plan.IntervalMonthly,
			Active:   true,
			Prices: map[plan.Tier]plan.Money{
				plan.Tier1: {Amount: 2900, Currency: "USD"},
			},
		},
		{
			ID:       "retired",
			Name:     "Retired",
			Interval: plan.IntervalMonthly,
			Active:   false,
			Prices: map[plan.Tier]plan.Money{
				plan.Tier1: {Amount: 100, Currency: "USD"},
			},
		},
	}
}

func cardPayment() *gateway.RawPaymentData {
	return &gateway.RawPaymentData{
		Card: &gateway.CardData{Number: "4242424242424242", ExpMonth: 12, ExpYear: 2030, CVC: "123"},
	}
}

func startTrial(t *testing.T, env *testEnv, tenantID uuid.UUID) *billing.Subscription {
	t.Helper()
	result, err := env.manager.Start(context.Background(), billing.StartRequest{
		TenantID: tenantID,
		PlanID:   "starter",
		Region:   "US",
		Payment:  cardPayment(),
	})
	require.NoError(t, err)
	require.Equal(t, billing.StatusTrialing, result.Subscription.Status)
	return result.Subscription
}

func TestManager_Start(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("first signup on trial plan starts trialing without charge", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()

		sub := startTrial(t, env, tenantID)

		require.NotNil(t, sub.TrialEnd)
		assert.Equal(t, testStart.AddDate(0, 0, 14), *sub.TrialEnd)
		assert.Equal(t, *sub.TrialEnd, sub.CurrentPeriodEnd)
		assert.NotEmpty(t, sub.PaymentToken)
		assert.Zero(t, env.mock.ChargeCount())
	})

	t.Run("trial grant is consumed exactly once", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()

		startTrial(t, env, tenantID)
		require.NoError(t, env.manager.Cancel(ctx, tenantID, true))

		// Second signup on the same trial plan must charge immediately.
		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "starter",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, result.Subscription.Status)
		assert.Equal(t, 1, env.mock.ChargeCount())
	})

	t.Run("paid signup charges the regional tier price", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()

		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "pro",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, result.Subscription.Status)
		assert.Equal(t, testStart.AddDate(0, 1, 0), result.Subscription.CurrentPeriodEnd)

		require.Equal(t, 1, env.mock.ChargeCount())
		// pro has only a Tier1 price; US falls back down the tier ladder.
		assert.Equal(t, int64(2900), env.mock.Charges[0].Amount.Amount)
	})

	t.Run("declined signup leaves no subscription behind", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.mock.ChargeErr = &gateway.DeclineError{Reason: "insufficient funds"}
		tenantID := uuid.New()

		_, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "pro",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.Error(t, err)
		assert.True(t, gateway.IsDecline(err))

		_, err = env.subs.Get(ctx, tenantID)
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})

	t.Run("free plan activates without gateway involvement", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()

		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "free",
		})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, result.Subscription.Status)
		assert.True(t, result.Subscription.CurrentPeriodEnd.IsZero())

		// A free subscription never appears in the due scan.
		env.clock.Advance(365 * 24 * time.Hour)
		due, err := env.subs.ListDue(ctx, env.clock.Now())
		require.NoError(t, err)
		assert.Empty(t, due)
	})

	t.Run("retired plan is not offerable", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)

		_, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: uuid.New(),
			PlanID:   "retired",
			Payment:  cardPayment(),
		})
		assert.ErrorIs(t, err, billing.ErrPlanNotOfferable)
	})

	t.Run("existing live subscription conflicts", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)

		_, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "pro",
			Payment:  cardPayment(),
		})
		assert.ErrorIs(t, err, billing.ErrSubscriptionAlreadyExists)
	})

	t.Run("wallet pending signup waits in grace until confirmed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.mock.ChargePending = true
		tenantID := uuid.New()
		env.trials.MarkTrialUsed(ctx, tenantID, testStart)

		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "starter",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.NoError(t, err)
		require.NotNil(t, result.PendingAttempt)
		assert.Equal(t, billing.StatusPastDue, result.Subscription.Status)
		assert.True(t, result.Subscription.Entitled())

		// Provider confirmation arrives as a webhook-shaped outcome.
		err = env.manager.ApplyOutcome(ctx, billing.OutcomeReport{
			IdempotencyKey:   result.PendingAttempt.IdempotencyKey,
			Succeeded:        true,
			ProviderChargeID: "txn_1",
		})
		require.NoError(t, err)

		sub, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, sub.Status)
		assert.Zero(t, sub.RetryCount)
	})
}

func TestManager_TrialConversion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("successful conversion anchors the period at trial end", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)
		trialEnd := *sub.TrialEnd

		// The scheduler tick runs late; the billing anchor must not drift.
		env.clock.Set(trialEnd.Add(3 * time.Hour))
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.Equal(t, trialEnd, got.CurrentPeriodStart)
		assert.Equal(t, trialEnd.AddDate(0, 1, 0), got.CurrentPeriodEnd)
		assert.Equal(t, 1, env.mock.ChargeCount())
	})

	t.Run("not due yet is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)

		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))
		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, got.Status)
		assert.Zero(t, env.mock.ChargeCount())
	})

	t.Run("declined conversion enters grace with a retry scheduled", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, got.Status)
		assert.True(t, got.Entitled())
		assert.Equal(t, 1, got.RetryCount)
		require.NotNil(t, got.NextRetryAt)
		assert.Equal(t, env.clock.Now().Add(24*time.Hour), *got.NextRetryAt)
	})
}

func TestManager_GraceAndExpiry(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("exhausted retry schedule expires the subscription", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)

		// Initial failure plus the four scheduled retries.
		for range 5 {
			require.NoError(t, env.manager.ProcessDue(ctx, tenantID))
			got, err := env.subs.Get(ctx, tenantID)
			require.NoError(t, err)
			if got.NextRetryAt != nil {
				env.clock.Set(*got.NextRetryAt)
			}
		}

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusExpired, got.Status)
		assert.False(t, got.Entitled())
		assert.Nil(t, got.NextRetryAt)
	})

	t.Run("recovery during grace resets the retry counter", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		require.NotNil(t, got.NextRetryAt)

		env.mock.ChargeErr = nil
		env.clock.Set(*got.NextRetryAt)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err = env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.Zero(t, got.RetryCount)
		assert.Nil(t, got.NextRetryAt)
	})

	t.Run("each decline retry gets a fresh idempotency key", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		env.clock.Set(*got.NextRetryAt)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		attempts, err := env.attempts.ListByTenant(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, attempts, 2)
		assert.NotEqual(t, attempts[0].IdempotencyKey, attempts[1].IdempotencyKey)
	})

	t.Run("transient outage reuses the pending attempt", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = gateway.ErrGatewayUnavailable
		env.clock.Set(*sub.TrialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		// Still trialing: a transient failure must not degrade the state.
		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, got.Status)

		// Outage over; the same boundary is retried with the same key.
		env.mock.ChargeErr = nil
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		attempts, err := env.attempts.ListByTenant(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)
		assert.Equal(t, billing.OutcomeSucceeded, attempts[0].Outcome)

		got, err = env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
	})
}

func TestManager_ApplyOutcome(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("settling a settled attempt is a no-op", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)
		trialEnd := *sub.TrialEnd

		env.clock.Set(trialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		attempts, err := env.attempts.ListByTenant(ctx, tenantID)
		require.NoError(t, err)
		require.Len(t, attempts, 1)

		// A duplicate webhook delivery for the same key arrives afterwards
		// with a contradictory outcome; first writer wins.
		err = env.manager.ApplyOutcome(ctx, billing.OutcomeReport{
			IdempotencyKey: attempts[0].IdempotencyKey,
			FailureReason:  "late duplicate",
		})
		require.NoError(t, err)

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.Equal(t, trialEnd.AddDate(0, 1, 0), got.CurrentPeriodEnd)
	})

	t.Run("unknown idempotency key returns ErrAttemptNotFound", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		err := env.manager.ApplyOutcome(ctx, billing.OutcomeReport{
			IdempotencyKey: uuid.NewString(),
			Succeeded:      true,
		})
		assert.ErrorIs(t, err, billing.ErrAttemptNotFound)
	})
}

func TestManager_ConcurrentSettlement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestEnv(t)
	tenantID := uuid.New()
	sub := startTrial(t, env, tenantID)

	env.clock.Set(*sub.TrialEnd)
	key := billing.AttemptKey(tenantID, *sub.TrialEnd, 0)

	// The scheduler path and webhook deliveries for the same boundary race
	// freely; the idempotency key collapses them into a single settlement.
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, env.manager.ProcessDue(ctx, tenantID))
		}()
		go func() {
			defer wg.Done()
			err := env.manager.ApplyOutcome(ctx, billing.OutcomeReport{
				IdempotencyKey:   key,
				Succeeded:        true,
				ProviderChargeID: "ch_webhook",
			})
			// Deliveries landing before the attempt exists are rejected.
			if err != nil {
				assert.ErrorIs(t, err, billing.ErrAttemptNotFound)
			}
		}()
	}
	wg.Wait()

	got, err := env.subs.Get(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, billing.StatusActive, got.Status)
	assert.Equal(t, sub.TrialEnd.AddDate(0, 1, 0), got.CurrentPeriodEnd)

	attempts, err := env.attempts.ListByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, billing.OutcomeSucceeded, attempts[0].Outcome)
	assert.LessOrEqual(t, env.mock.ChargeCount(), 1)
}

func TestManager_Start_ConcurrentDuplicateCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	env := newTestEnv(t)
	tenantID := uuid.New()
	require.NoError(t, env.trials.MarkTrialUsed(ctx, tenantID, testStart))

	inFlight := make(chan struct{}, 1)
	release := make(chan struct{})
	env.mock.ChargeHook = func() {
		select {
		case inFlight <- struct{}{}:
		default:
		}
		<-release
	}

	done := make(chan error, 1)
	go func() {
		_, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "starter",
			Region:   "US",
			Payment:  cardPayment(),
		})
		done <- err
	}()

	// The first checkout is held mid-charge. A duplicate submitted now, after
	// the clock moved past a second boundary, would derive a different
	// idempotency key, so it must be rejected before reaching the gateway.
	<-inFlight
	env.clock.Advance(2 * time.Second)
	_, err := env.manager.Start(ctx, billing.StartRequest{
		TenantID: tenantID,
		PlanID:   "starter",
		Region:   "US",
		Payment:  cardPayment(),
	})
	assert.ErrorIs(t, err, billing.ErrSubscriptionAlreadyExists)

	close(release)
	require.NoError(t, <-done)

	require.Equal(t, 1, env.mock.ChargeCount())
	attempts, err := env.attempts.ListByTenant(ctx, tenantID)
	require.NoError(t, err)
	require.Len(t, attempts, 1)
	assert.Equal(t, billing.OutcomeSucceeded, attempts[0].Outcome)
}

func TestManager_Cancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newActive := func(t *testing.T, env *testEnv) uuid.UUID {
		t.Helper()
		tenantID := uuid.New()
		env.trials.MarkTrialUsed(ctx, tenantID, testStart)
		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "starter",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.NoError(t, err)
		require.Equal(t, billing.StatusActive, result.Subscription.Status)
		return tenantID
	}

	t.Run("end-of-period cancel defers until the boundary", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := newActive(t, env)

		require.NoError(t, env.manager.Cancel(ctx, tenantID, false))
		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		assert.True(t, got.CancelAtPeriodEnd)
		assert.True(t, got.Entitled())

		// At the boundary the cancellation finalizes instead of charging.
		charges := env.mock.ChargeCount()
		env.clock.Set(got.CurrentPeriodEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err = env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, got.Status)
		assert.Equal(t, charges, env.mock.ChargeCount())
		assert.NotEmpty(t, env.mock.Canceled)
	})

	t.Run("trial canceled before conversion is never billed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		require.NoError(t, env.manager.Cancel(ctx, tenantID, true))

		// Even well past the conversion boundary nothing comes due.
		env.clock.Set(sub.TrialEnd.Add(30 * 24 * time.Hour))
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, got.Status)

		attempts, err := env.attempts.ListByTenant(ctx, tenantID)
		require.NoError(t, err)
		assert.Empty(t, attempts)
		assert.Zero(t, env.mock.ChargeCount())
	})

	t.Run("immediate cancel requires provider teardown to succeed", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := newActive(t, env)

		env.mock.CancelRecurringErr = gateway.ErrGatewayUnavailable
		err := env.manager.Cancel(ctx, tenantID, true)
		require.Error(t, err)

		// Provider teardown failed, so locally nothing changed.
		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)

		env.mock.CancelRecurringErr = nil
		require.NoError(t, env.manager.Cancel(ctx, tenantID, true))
		got, err = env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, got.Status)
		assert.False(t, got.Entitled())
	})

	t.Run("cancel on expired subscription conflicts", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)
		for range 5 {
			require.NoError(t, env.manager.ProcessDue(ctx, tenantID))
			got, err := env.subs.Get(ctx, tenantID)
			require.NoError(t, err)
			if got.NextRetryAt != nil {
				env.clock.Set(*got.NextRetryAt)
			}
		}

		err := env.manager.Cancel(ctx, tenantID, true)
		assert.True(t, billing.IsStateConflict(err))
	})
}

func TestManager_Reactivate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("undoes a pending end-of-period cancellation", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)
		require.NoError(t, env.manager.Cancel(ctx, tenantID, false))

		require.NoError(t, env.manager.Reactivate(ctx, tenantID))
		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.False(t, got.CancelAtPeriodEnd)
		assert.Equal(t, billing.StatusTrialing, got.Status)
	})

	t.Run("revives a canceled subscription with a fresh charge", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)
		require.NoError(t, env.manager.Cancel(ctx, tenantID, true))

		env.clock.Advance(48 * time.Hour)
		require.NoError(t, env.manager.Reactivate(ctx, tenantID))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusActive, got.Status)
		// A revival starts a new cycle anchored at the reactivation time.
		assert.Equal(t, env.clock.Now(), got.CurrentPeriodStart)
		assert.Equal(t, env.clock.Now().AddDate(0, 1, 0), got.CurrentPeriodEnd)
		assert.Equal(t, 1, env.mock.ChargeCount())
	})

	t.Run("expired subscription cannot be reactivated", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)

		env.mock.ChargeErr = &gateway.DeclineError{Reason: "card expired"}
		env.clock.Set(*sub.TrialEnd)
		for range 5 {
			require.NoError(t, env.manager.ProcessDue(ctx, tenantID))
			got, err := env.subs.Get(ctx, tenantID)
			require.NoError(t, err)
			if got.NextRetryAt != nil {
				env.clock.Set(*got.NextRetryAt)
			}
		}

		err := env.manager.Reactivate(ctx, tenantID)
		assert.True(t, billing.IsStateConflict(err))
	})
}

func TestManager_ChangePlan(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("changes take effect immediately without recharging", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)
		periodEnd := sub.CurrentPeriodEnd

		require.NoError(t, env.manager.ChangePlan(ctx, tenantID, "pro"))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, "pro", got.PlanID)
		assert.Equal(t, periodEnd, got.CurrentPeriodEnd)
		assert.Zero(t, env.mock.ChargeCount())
	})

	t.Run("rejects retired target plans", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)

		err := env.manager.ChangePlan(ctx, tenantID, "retired")
		assert.ErrorIs(t, err, billing.ErrPlanNotOfferable)
	})

	t.Run("rejects plan changes on non-entitled subscriptions", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		startTrial(t, env, tenantID)
		require.NoError(t, env.manager.Cancel(ctx, tenantID, true))

		err := env.manager.ChangePlan(ctx, tenantID, "pro")
		assert.True(t, billing.IsStateConflict(err))
	})

	t.Run("renewal after a change bills the new plan's price", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID := uuid.New()
		sub := startTrial(t, env, tenantID)
		require.NoError(t, env.manager.ChangePlan(ctx, tenantID, "pro"))

		env.clock.Set(*sub.TrialEnd)
		require.NoError(t, env.manager.ProcessDue(ctx, tenantID))

		require.Equal(t, 1, env.mock.ChargeCount())
		assert.Equal(t, "pro", env.mock.Charges[0].PlanID)
		assert.Equal(t, int64(2900), env.mock.Charges[0].Amount.Amount)
	})
}

func TestManager_ProviderEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newActive := func(t *testing.T, env *testEnv) (uuid.UUID, string) {
		t.Helper()
		tenantID := uuid.New()
		env.trials.MarkTrialUsed(ctx, tenantID, testStart)
		result, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: tenantID,
			PlanID:   "starter",
			Region:   "US",
			Payment:  cardPayment(),
		})
		require.NoError(t, err)
		return tenantID, result.Subscription.ProviderSubRef
	}

	t.Run("provider-initiated cancel transitions without gateway call", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, ref := newActive(t, env)
		require.NotEmpty(t, ref)

		require.NoError(t, env.manager.HandleProviderCancel(ctx, ref))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusCanceled, got.Status)
		// The provider tore its own schedule down; we must not call back.
		assert.Empty(t, env.mock.Canceled)
	})

	t.Run("dispute parks the subscription in grace without a retry", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		tenantID, ref := newActive(t, env)

		require.NoError(t, env.manager.HandleDispute(ctx, ref))

		got, err := env.subs.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.Equal(t, billing.StatusPastDue, got.Status)
		assert.True(t, got.Entitled())
		assert.Nil(t, got.NextRetryAt)
	})

	t.Run("unknown provider ref returns not found", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		err := env.manager.HandleProviderCancel(ctx, "sub_unknown")
		assert.ErrorIs(t, err, billing.ErrSubscriptionNotFound)
	})
}

func TestManager_TrialWithoutGateway(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	catalog, err := plan.NewCatalog(ctx, plan.NewInMemSource(testPlans()...))
	require.NoError(t, err)

	newManagerWithoutProviders := func(allowTrial bool) (*billing.Manager, *billing.MemorySubscriptionStore) {
		subs := billing.NewMemorySubscriptionStore()
		m := billing.NewManager(catalog, gateway.NewRegistry(),
			subs, billing.NewMemoryAttemptStore(), billing.NewMemoryTrialGrantStore(),
			billing.WithTrialWithoutGateway(allowTrial))
		return m, subs
	}

	t.Run("disabled by default", func(t *testing.T) {
		t.Parallel()
		m, _ := newManagerWithoutProviders(false)
		_, err := m.Start(ctx, billing.StartRequest{
			TenantID: uuid.New(),
			PlanID:   "starter",
		})
		assert.ErrorIs(t, err, billing.ErrNoGatewayConfigured)
	})

	t.Run("enabled flag permits tokenless trials", func(t *testing.T) {
		t.Parallel()
		m, _ := newManagerWithoutProviders(true)
		result, err := m.Start(ctx, billing.StartRequest{
			TenantID: uuid.New(),
			PlanID:   "starter",
		})
		require.NoError(t, err)
		assert.Equal(t, billing.StatusTrialing, result.Subscription.Status)
		assert.Empty(t, result.Subscription.PaymentToken)
	})

	t.Run("configured provider still requires payment data", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		_, err := env.manager.Start(ctx, billing.StartRequest{
			TenantID: uuid.New(),
			PlanID:   "starter",
		})
		assert.ErrorIs(t, err, billing.ErrPaymentTokenMissing)
	})
}
