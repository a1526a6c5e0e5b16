package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/plan"
)

// DefaultRetrySchedule is the grace-window retry spacing after a failed
// charge. Four retries at increasing intervals; when the last one fails the
// subscription expires and entitlements are revoked.
var DefaultRetrySchedule = []time.Duration{
	24 * time.Hour,
	48 * time.Hour,
	72 * time.Hour,
	96 * time.Hour,
}

// Manager owns the subscription state machine: trial start, trial-to-paid
// conversion, renewals, payment failure handling, cancellation, reactivation
// and plan changes. The scheduler and the webhook processor both drive it;
// every transition for a subscription runs under that subscription's lock.
//
// Long-latency gateway calls never hold the lock. Charging is split into
// "mark attempt in-flight" (short, locked), "perform network charge" (long,
// unlocked) and "apply outcome" (short, locked), reconciled through the
// attempt's idempotency key regardless of ordering.
type Manager struct {
	catalog  *plan.Catalog
	gateways *gateway.Registry
	subs     SubscriptionStore
	attempts AttemptStore
	trials   TrialGrantStore
	locks    *keyedMutex

	// signups tracks tenants with a creation in flight. Subscription locks
	// are released during the signup charge, so this claim is what keeps two
	// concurrent checkouts for one tenant from both reaching the gateway.
	signupMu sync.Mutex
	signups  map[uuid.UUID]struct{}

	log                 *slog.Logger
	now                 func() time.Time
	retrySchedule       []time.Duration
	trialWithoutGateway bool
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(log *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if log != nil {
			m.log = log
		}
	}
}

// WithClock overrides the time source. Useful for tests with fixed time values.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithRetrySchedule overrides the grace-window retry spacing.
func WithRetrySchedule(schedule []time.Duration) ManagerOption {
	return func(m *Manager) {
		if len(schedule) > 0 {
			m.retrySchedule = schedule
		}
	}
}

// WithTrialWithoutGateway permits trial signups when no payment gateway is
// configured. This is an explicit configuration decision, not a fallback:
// with the flag off, checkout without a gateway cannot create subscriptions.
func WithTrialWithoutGateway(allowed bool) ManagerOption {
	return func(m *Manager) {
		m.trialWithoutGateway = allowed
	}
}

// NewManager creates a lifecycle manager.
// Panics if required dependencies are nil to fail fast during initialization.
func NewManager(catalog *plan.Catalog, gateways *gateway.Registry, subs SubscriptionStore, attempts AttemptStore, trials TrialGrantStore, opts ...ManagerOption) *Manager {
	if catalog == nil {
		panic("billing: plan catalog is required")
	}
	if gateways == nil {
		panic("billing: gateway registry is required")
	}
	if subs == nil || attempts == nil || trials == nil {
		panic("billing: subscription, attempt and trial grant stores are required")
	}

	m := &Manager{
		catalog:       catalog,
		gateways:      gateways,
		subs:          subs,
		attempts:      attempts,
		trials:        trials,
		locks:         newKeyedMutex(),
		signups:       make(map[uuid.UUID]struct{}),
		log:           slog.Default(),
		now:           func() time.Time { return time.Now().UTC() },
		retrySchedule: DefaultRetrySchedule,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// PaymentMethods returns the configured provider names. An empty slice is a
// valid response meaning no payment methods are available.
func (m *Manager) PaymentMethods() []string {
	return m.gateways.Names()
}

// GetSubscription retrieves a tenant's current subscription.
func (m *Manager) GetSubscription(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	return m.subs.Get(ctx, tenantID)
}

// StartRequest carries checkout data for creating a subscription.
type StartRequest struct {
	TenantID uuid.UUID
	PlanID   string
	Region   string
	Provider string                  // gateway name; empty picks the default provider
	Payment  *gateway.RawPaymentData // nil when no payment method was collected
	Consent  Consent
}

// StartResult is the outcome of a checkout. For wallet-style providers the
// initial charge confirms asynchronously: the subscription is created in
// past_due and PendingAttempt is the handle the webhook will settle.
type StartResult struct {
	Subscription   *Subscription
	PendingAttempt *Attempt
}

// Start creates a subscription for the tenant. Trial eligibility is a
// one-time grant: the first subscription of a tenant on a trial-bearing plan
// starts trialing, every later signup requires a successful initial charge.
// Creation is atomic with the first charge for non-trial signups - a failed
// charge means no subscription exists afterwards.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*StartResult, error) {
	p, err := m.catalog.Get(req.PlanID)
	if err != nil {
		return nil, err
	}
	if !p.Active {
		return nil, ErrPlanNotOfferable
	}

	// The claim spans the whole creation, charge included. Subscription locks
	// cannot cover the unlocked charge window, and two racing checkouts that
	// straddle a second boundary would derive distinct idempotency keys.
	if !m.claimSignup(req.TenantID) {
		return nil, ErrSubscriptionAlreadyExists
	}
	defer m.releaseSignup(req.TenantID)

	m.locks.lock(req.TenantID)
	existing, err := m.subs.Get(ctx, req.TenantID)
	if err == nil && existing.Status != StatusCanceled && existing.Status != StatusExpired {
		m.locks.unlock(req.TenantID)
		return nil, ErrSubscriptionAlreadyExists
	}
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		m.locks.unlock(req.TenantID)
		return nil, err
	}
	trialUsed, err := m.trials.TrialUsed(ctx, req.TenantID)
	if err != nil {
		m.locks.unlock(req.TenantID)
		return nil, err
	}
	m.locks.unlock(req.TenantID)

	if !trialUsed && p.HasTrial() {
		return m.startTrial(ctx, req, p)
	}
	return m.startPaid(ctx, req, p)
}

func (m *Manager) startTrial(ctx context.Context, req StartRequest, p plan.Plan) (*StartResult, error) {
	now := m.now()

	var token gateway.Token
	var providerName string

	gw, ok := m.provider(req.Provider)
	switch {
	case ok && req.Payment != nil:
		t, err := gw.Tokenize(ctx, *req.Payment)
		if err != nil {
			return nil, err
		}
		token, providerName = t, gw.Name()
	case ok && !m.trialWithoutGateway:
		// A configured provider collects the payment method up front so the
		// conversion charge at trial end has a token to bill.
		return nil, ErrPaymentTokenMissing
	case !ok && !m.trialWithoutGateway:
		// No provider available and tokenless trials are not enabled.
		return nil, ErrNoGatewayConfigured
	}

	trialEnd := p.TrialEndsAt(now)
	sub := &Subscription{
		TenantID:   req.TenantID,
		PlanID:     p.ID,
		Status:     StatusTrialing,
		Region:     req.Region,
		TrialStart: &now,
		TrialEnd:   &trialEnd,
		// The trial is the first period; its end is the first charge boundary.
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   trialEnd,
		PaymentToken:       token,
		Provider:           providerName,
		Consent:            req.Consent,
		CreatedAt:          now,
		UpdatedAt:          now,
	}

	m.locks.lock(req.TenantID)
	defer m.locks.unlock(req.TenantID)

	if err := m.trials.MarkTrialUsed(ctx, req.TenantID, now); err != nil {
		return nil, err
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "trial started",
		slog.String("tenant_id", req.TenantID.String()),
		slog.String("plan_id", p.ID),
		slog.Time("trial_end", trialEnd))

	return &StartResult{Subscription: sub}, nil
}

func (m *Manager) startPaid(ctx context.Context, req StartRequest, p plan.Plan) (*StartResult, error) {
	now := m.now()

	// Free plans bypass the payment gateway entirely. A zero period end means
	// no renewal boundary ever comes due.
	if p.Interval == plan.IntervalNone {
		sub := &Subscription{
			TenantID:           req.TenantID,
			PlanID:             p.ID,
			Status:             StatusActive,
			Region:             req.Region,
			CurrentPeriodStart: now,
			Consent:            req.Consent,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		m.locks.lock(req.TenantID)
		defer m.locks.unlock(req.TenantID)
		if err := m.subs.Save(ctx, sub); err != nil {
			return nil, err
		}
		return &StartResult{Subscription: sub}, nil
	}

	gw, ok := m.provider(req.Provider)
	if !ok {
		return nil, ErrNoGatewayConfigured
	}
	if req.Payment == nil {
		return nil, ErrPaymentTokenMissing
	}

	price, err := m.catalog.PriceFor(p.ID, req.Region)
	if err != nil {
		return nil, err
	}

	token, err := gw.Tokenize(ctx, *req.Payment)
	if err != nil {
		return nil, err
	}

	key := AttemptKey(req.TenantID, now, 0)
	attempt := &Attempt{
		ID:             uuid.New(),
		TenantID:       req.TenantID,
		PlanID:         p.ID,
		IdempotencyKey: key,
		Amount:         price.Amount,
		Currency:       price.Currency,
		Boundary:       now,
		Outcome:        OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.attempts.Create(ctx, attempt); err != nil && !errors.Is(err, ErrDuplicateAttempt) {
		return nil, err
	}

	result, chargeErr := gw.Charge(ctx, gateway.ChargeRequest{
		Token:          token,
		PlanID:         p.ID,
		Amount:         price,
		IdempotencyKey: key,
		Description:    "subscription signup: " + p.Name,
	})
	if chargeErr != nil {
		attempt.Outcome = OutcomeFailed
		attempt.FailureReason = chargeErr.Error()
		attempt.UpdatedAt = m.now()
		if err := m.attempts.Update(ctx, attempt); err != nil {
			m.log.ErrorContext(ctx, "failed to record signup charge failure",
				slog.String("tenant_id", req.TenantID.String()),
				slog.String("error", err.Error()))
		}
		// Atomic create-with-first-charge: no subscription on failure.
		return nil, chargeErr
	}

	ref, err := gw.CreateRecurring(ctx, gateway.RecurringRequest{
		Token:          token,
		PlanID:         p.ID,
		Price:          price,
		Interval:       p.Interval,
		TenantRef:      req.TenantID.String(),
		IdempotencyKey: key,
	})
	if err != nil {
		m.log.WarnContext(ctx, "failed to create recurring schedule, renewals will charge directly",
			slog.String("tenant_id", req.TenantID.String()),
			slog.String("error", err.Error()))
	}

	sub := &Subscription{
		TenantID:           req.TenantID,
		PlanID:             p.ID,
		Region:             req.Region,
		PaymentToken:       token,
		Provider:           gw.Name(),
		ProviderSubRef:     ref,
		Consent:            req.Consent,
		CreatedAt:          now,
		UpdatedAt:          now,
		CurrentPeriodStart: now,
	}

	if result.Pending {
		// Wallet-style providers confirm asynchronously. The subscription
		// waits in past_due (entitled, within grace) until the webhook
		// settles the attempt; it never reaches active without a confirmed
		// charge.
		sub.Status = StatusPastDue
		sub.CurrentPeriodEnd = now
		attempt.ProviderChargeID = result.ProviderChargeID
		attempt.UpdatedAt = m.now()
		if err := m.attempts.Update(ctx, attempt); err != nil {
			return nil, err
		}

		m.locks.lock(req.TenantID)
		defer m.locks.unlock(req.TenantID)
		if err := m.subs.Save(ctx, sub); err != nil {
			return nil, err
		}
		return &StartResult{Subscription: sub, PendingAttempt: attempt}, nil
	}

	sub.Status = StatusActive
	sub.CurrentPeriodEnd = p.Interval.CycleFrom(now)

	m.locks.lock(req.TenantID)
	defer m.locks.unlock(req.TenantID)

	attempt.Outcome = OutcomeSucceeded
	attempt.ProviderChargeID = result.ProviderChargeID
	attempt.UpdatedAt = m.now()
	if err := m.attempts.Update(ctx, attempt); err != nil {
		return nil, err
	}
	if err := m.subs.Save(ctx, sub); err != nil {
		return nil, err
	}

	m.log.InfoContext(ctx, "subscription started",
		slog.String("tenant_id", req.TenantID.String()),
		slog.String("plan_id", p.ID),
		slog.String("provider", gw.Name()))

	return &StartResult{Subscription: sub}, nil
}

// ChangePlan replaces the plan reference on the current subscription. Takes
// effect immediately for entitlement purposes; the status, the billing period
// and past charges are untouched (proration is deliberately not done).
func (m *Manager) ChangePlan(ctx context.Context, tenantID uuid.UUID, newPlanID string) error {
	p, err := m.catalog.Get(newPlanID)
	if err != nil {
		return err
	}
	if !p.Active {
		return ErrPlanNotOfferable
	}

	m.locks.lock(tenantID)
	defer m.locks.unlock(tenantID)

	sub, err := m.subs.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if !sub.Entitled() {
		return &StateConflictError{From: sub.Status, Op: "change_plan"}
	}

	sub.PlanID = p.ID
	sub.UpdatedAt = m.now()
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "plan changed",
		slog.String("tenant_id", tenantID.String()),
		slog.String("plan_id", p.ID))
	return nil
}

// Cancel cancels the tenant's subscription. With immediate=false the status
// stays unchanged until the period boundary and no further charge is made.
// With immediate=true the provider's recurring schedule is canceled first;
// the subscription becomes locally canceled only once that call succeeds, so
// a provider outage cannot orphan a recurring charge.
func (m *Manager) Cancel(ctx context.Context, tenantID uuid.UUID, immediate bool) error {
	m.locks.lock(tenantID)
	sub, err := m.subs.Get(ctx, tenantID)
	if err != nil {
		m.locks.unlock(tenantID)
		return err
	}
	if !sub.Entitled() {
		m.locks.unlock(tenantID)
		return &StateConflictError{From: sub.Status, Op: "cancel"}
	}

	if !immediate {
		sub.CancelAtPeriodEnd = true
		sub.UpdatedAt = m.now()
		err := m.subs.Save(ctx, sub)
		m.locks.unlock(tenantID)
		return err
	}
	m.locks.unlock(tenantID)

	// Gateway call runs without the lock; local state is still uncancelled
	// and a failure here leaves it that way.
	if err := m.cancelRecurring(ctx, sub); err != nil {
		return err
	}

	m.locks.lock(tenantID)
	defer m.locks.unlock(tenantID)

	sub, err = m.subs.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if sub.Status == StatusCanceled {
		return nil
	}
	if err := transition(sub, StatusCanceled, "cancel"); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = false
	sub.NextRetryAt = nil
	sub.UpdatedAt = m.now()
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "subscription canceled",
		slog.String("tenant_id", tenantID.String()),
		slog.Bool("immediate", true))
	return nil
}

// Reactivate undoes a pending end-of-period cancellation, or revives a fully
// canceled subscription through a fresh charge and a fresh billing cycle.
// Expired subscriptions are past the allowed window and conflict.
func (m *Manager) Reactivate(ctx context.Context, tenantID uuid.UUID) error {
	now := m.now()

	m.locks.lock(tenantID)
	sub, err := m.subs.Get(ctx, tenantID)
	if err != nil {
		m.locks.unlock(tenantID)
		return err
	}

	// Undo: the cancellation has not taken effect yet.
	if sub.CancelAtPeriodEnd && sub.Entitled() && now.Before(sub.DueBoundary()) {
		sub.CancelAtPeriodEnd = false
		sub.UpdatedAt = now
		err := m.subs.Save(ctx, sub)
		m.locks.unlock(tenantID)
		return err
	}

	if sub.Status != StatusCanceled {
		m.locks.unlock(tenantID)
		return &StateConflictError{From: sub.Status, Op: "reactivate"}
	}
	if sub.PaymentToken == "" {
		m.locks.unlock(tenantID)
		return ErrPaymentTokenMissing
	}

	p, err := m.catalog.Get(sub.PlanID)
	if err != nil {
		m.locks.unlock(tenantID)
		return err
	}
	price, err := m.catalog.PriceFor(sub.PlanID, sub.Region)
	if err != nil {
		m.locks.unlock(tenantID)
		return err
	}

	// A revived subscription starts a new billing cycle; it does not resume
	// the old one. The cycle boundary is now.
	key := AttemptKey(tenantID, now, 0)
	attempt := &Attempt{
		ID:             uuid.New(),
		TenantID:       tenantID,
		PlanID:         sub.PlanID,
		IdempotencyKey: key,
		Amount:         price.Amount,
		Currency:       price.Currency,
		Boundary:       now,
		Outcome:        OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.attempts.Create(ctx, attempt); err != nil && !errors.Is(err, ErrDuplicateAttempt) {
		m.locks.unlock(tenantID)
		return err
	}
	m.locks.unlock(tenantID)

	gw, ok := m.gateways.Get(sub.Provider)
	if !ok {
		return ErrNoGatewayConfigured
	}
	result, chargeErr := gw.Charge(ctx, gateway.ChargeRequest{
		Token:          sub.PaymentToken,
		PlanID:         sub.PlanID,
		Amount:         price,
		IdempotencyKey: key,
		Description:    "subscription reactivation: " + p.Name,
	})

	return m.ApplyOutcome(ctx, OutcomeReport{
		IdempotencyKey:   key,
		Succeeded:        chargeErr == nil && result.Succeeded,
		Pending:          chargeErr == nil && result.Pending,
		Retriable:        chargeErr != nil && gateway.IsRetriable(chargeErr),
		FailureReason:    failureReason(chargeErr),
		ProviderChargeID: result.ProviderChargeID,
	})
}

// ProcessDue drives one subscription through its due transition: trial
// conversion, renewal, end-of-period cancellation finalization, past_due
// retry or expiry. Called by the scheduler once per due boundary; safe to
// call concurrently and repeatedly thanks to attempt idempotency keys.
func (m *Manager) ProcessDue(ctx context.Context, tenantID uuid.UUID) error {
	now := m.now()

	m.locks.lock(tenantID)
	sub, err := m.subs.Get(ctx, tenantID)
	if err != nil {
		m.locks.unlock(tenantID)
		return err
	}
	if !sub.DueAt(now) {
		// Another worker or an earlier webhook already advanced it.
		m.locks.unlock(tenantID)
		return nil
	}

	// A due boundary with a pending end-of-period cancellation finalizes the
	// cancellation instead of charging. A canceled trial never produces a
	// charge attempt.
	if sub.CancelAtPeriodEnd && (sub.Status == StatusTrialing || sub.Status == StatusActive) {
		m.locks.unlock(tenantID)
		return m.finalizeCancellation(ctx, tenantID, sub)
	}

	// Grace window exhausted without a successful charge.
	if sub.Status == StatusPastDue && sub.RetryCount > len(m.retrySchedule) {
		defer m.locks.unlock(tenantID)
		return m.expire(ctx, sub)
	}

	boundary := sub.DueBoundary()
	attempt, proceed, err := m.beginAttempt(ctx, sub, boundary)
	m.locks.unlock(tenantID)
	if err != nil || !proceed {
		return err
	}

	// Network charge runs without the per-subscription lock.
	gw, ok := m.gateways.Get(sub.Provider)
	if !ok {
		m.log.WarnContext(ctx, "cannot charge: provider not configured",
			slog.String("tenant_id", tenantID.String()),
			slog.String("provider", sub.Provider))
		return ErrNoGatewayConfigured
	}

	result, chargeErr := gw.Charge(ctx, gateway.ChargeRequest{
		Token:          sub.PaymentToken,
		PlanID:         sub.PlanID,
		Amount:         plan.Money{Amount: attempt.Amount, Currency: attempt.Currency},
		IdempotencyKey: attempt.IdempotencyKey,
		Description:    "subscription renewal",
	})

	return m.ApplyOutcome(ctx, OutcomeReport{
		IdempotencyKey:   attempt.IdempotencyKey,
		Succeeded:        chargeErr == nil && result.Succeeded,
		Pending:          chargeErr == nil && result.Pending,
		Retriable:        chargeErr != nil && gateway.IsRetriable(chargeErr),
		FailureReason:    failureReason(chargeErr),
		ProviderChargeID: result.ProviderChargeID,
	})
}

// beginAttempt is the short, locked first phase of a charge: it claims the
// (subscription, boundary, retry) idempotency key by inserting a pending
// attempt. An existing terminal attempt means this boundary is settled and
// no charge may proceed; an existing pending attempt is resumed with the
// same key, which the provider deduplicates.
func (m *Manager) beginAttempt(ctx context.Context, sub *Subscription, boundary time.Time) (*Attempt, bool, error) {
	if sub.PaymentToken == "" {
		// Nothing to charge against: fail the boundary without a network
		// call so the grace schedule and expiry still apply.
		key := AttemptKey(sub.TenantID, boundary, sub.RetryCount)
		now := m.now()
		attempt := &Attempt{
			ID:             uuid.New(),
			TenantID:       sub.TenantID,
			PlanID:         sub.PlanID,
			IdempotencyKey: key,
			Boundary:       boundary,
			Outcome:        OutcomePending,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := m.attempts.Create(ctx, attempt); err != nil && !errors.Is(err, ErrDuplicateAttempt) {
			return nil, false, err
		}
		if err := m.applyOutcomeLocked(ctx, attempt.IdempotencyKey, OutcomeReport{
			IdempotencyKey: attempt.IdempotencyKey,
			FailureReason:  ErrPaymentTokenMissing.Error(),
		}); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	key := AttemptKey(sub.TenantID, boundary, sub.RetryCount)

	existing, err := m.attempts.GetByKey(ctx, key)
	switch {
	case err == nil:
		if existing.Outcome == OutcomePending {
			// In-flight or interrupted by a crash; retry with the same key.
			return existing, true, nil
		}
		// Boundary already settled (possibly by a webhook that beat us).
		return existing, false, nil
	case errors.Is(err, ErrAttemptNotFound):
		// fall through to create
	default:
		return nil, false, err
	}

	price, err := m.catalog.PriceFor(sub.PlanID, sub.Region)
	if err != nil {
		return nil, false, err
	}

	now := m.now()
	attempt := &Attempt{
		ID:             uuid.New(),
		TenantID:       sub.TenantID,
		PlanID:         sub.PlanID,
		IdempotencyKey: key,
		Amount:         price.Amount,
		Currency:       price.Currency,
		Boundary:       boundary,
		Outcome:        OutcomePending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := m.attempts.Create(ctx, attempt); err != nil {
		if errors.Is(err, ErrDuplicateAttempt) {
			// Lost the race to a concurrent run; that run owns the charge.
			return nil, false, nil
		}
		return nil, false, err
	}
	return attempt, true, nil
}

// OutcomeReport is the normalized result of a charge, produced either by a
// synchronous gateway call or by an inbound webhook event.
type OutcomeReport struct {
	IdempotencyKey   string
	Succeeded        bool
	Pending          bool // still awaiting asynchronous confirmation
	Retriable        bool // transient failure; keep the attempt open for the same key
	FailureReason    string
	ProviderChargeID string
}

// ApplyOutcome is the single serialized entry point for settling a charge
// attempt, shared by the scheduler path and the webhook processor. Settling
// the same key twice is a no-op, which is what makes the two trigger sources
// safe to race: whichever arrives second finds a terminal attempt and stops.
func (m *Manager) ApplyOutcome(ctx context.Context, report OutcomeReport) error {
	attempt, err := m.attempts.GetByKey(ctx, report.IdempotencyKey)
	if err != nil {
		return err
	}

	m.locks.lock(attempt.TenantID)
	defer m.locks.unlock(attempt.TenantID)

	return m.applyOutcomeLocked(ctx, report.IdempotencyKey, report)
}

// applyOutcomeLocked settles the attempt and advances the subscription.
// Caller must hold the tenant's lock.
func (m *Manager) applyOutcomeLocked(ctx context.Context, key string, report OutcomeReport) error {
	attempt, err := m.attempts.GetByKey(ctx, key)
	if err != nil {
		return err
	}
	if attempt.Outcome != OutcomePending {
		// Already settled; duplicate delivery or the other trigger won.
		return nil
	}

	now := m.now()

	if report.Pending {
		attempt.ProviderChargeID = report.ProviderChargeID
		attempt.UpdatedAt = now
		return m.attempts.Update(ctx, attempt)
	}
	if !report.Succeeded && report.Retriable {
		// Transient gateway failure: the attempt stays pending and the next
		// scheduler pass retries with the same idempotency key, so a provider
		// outage never turns into a duplicate charge.
		m.log.WarnContext(ctx, "transient gateway failure, will retry",
			slog.String("tenant_id", attempt.TenantID.String()),
			slog.String("idempotency_key", key),
			slog.String("reason", report.FailureReason))
		return nil
	}

	sub, err := m.subs.Get(ctx, attempt.TenantID)
	if err != nil {
		return err
	}

	if report.Succeeded {
		attempt.Outcome = OutcomeSucceeded
		attempt.ProviderChargeID = report.ProviderChargeID
		attempt.UpdatedAt = now
		if err := m.attempts.Update(ctx, attempt); err != nil {
			return err
		}
		return m.advanceOnSuccess(ctx, sub, attempt, now)
	}

	attempt.Outcome = OutcomeFailed
	attempt.FailureReason = report.FailureReason
	attempt.UpdatedAt = now
	if err := m.attempts.Update(ctx, attempt); err != nil {
		return err
	}
	return m.degradeOnFailure(ctx, sub, now)
}

// advanceOnSuccess rolls the subscription into the cycle the attempt paid
// for. The new period starts at the boundary, not at processing time, so a
// late scheduler tick does not shift billing anchors.
func (m *Manager) advanceOnSuccess(ctx context.Context, sub *Subscription, attempt *Attempt, now time.Time) error {
	p, err := m.catalog.Get(sub.PlanID)
	if err != nil {
		return err
	}

	if !validTransitions[sub.Status][StatusActive] && sub.Status != StatusActive {
		// A charge confirmation arrived for a subscription that has since
		// been canceled or expired. The payment stays recorded; the state
		// machine does not resurrect anything here.
		m.log.WarnContext(ctx, "charge succeeded for non-advanceable subscription",
			slog.String("tenant_id", sub.TenantID.String()),
			slog.String("status", string(sub.Status)))
		return nil
	}

	if err := transition(sub, StatusActive, "charge_succeeded"); err != nil {
		return err
	}
	sub.CurrentPeriodStart = attempt.Boundary
	sub.CurrentPeriodEnd = p.Interval.CycleFrom(attempt.Boundary)
	sub.RetryCount = 0
	sub.NextRetryAt = nil
	sub.UpdatedAt = now
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "charge applied",
		slog.String("tenant_id", sub.TenantID.String()),
		slog.String("plan_id", sub.PlanID),
		slog.Time("period_end", sub.CurrentPeriodEnd))
	return nil
}

// degradeOnFailure moves the subscription into (or deeper into) the grace
// window, expiring it when the retry schedule is exhausted.
func (m *Manager) degradeOnFailure(ctx context.Context, sub *Subscription, now time.Time) error {
	if !sub.Entitled() {
		// Failure reported for an already canceled/expired subscription.
		return nil
	}

	if sub.Status != StatusPastDue {
		if err := transition(sub, StatusPastDue, "charge_failed"); err != nil {
			return err
		}
	}
	sub.RetryCount++

	if sub.RetryCount > len(m.retrySchedule) {
		return m.expire(ctx, sub)
	}

	next := now.Add(m.retrySchedule[sub.RetryCount-1])
	sub.NextRetryAt = &next
	sub.UpdatedAt = now
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.WarnContext(ctx, "charge failed, retry scheduled",
		slog.String("tenant_id", sub.TenantID.String()),
		slog.Int("retry_count", sub.RetryCount),
		slog.Time("next_retry_at", next))
	return nil
}

// expire revokes the subscription. Caller must hold the tenant's lock.
func (m *Manager) expire(ctx context.Context, sub *Subscription) error {
	if err := transition(sub, StatusExpired, "grace_exhausted"); err != nil {
		return err
	}
	sub.NextRetryAt = nil
	sub.UpdatedAt = m.now()
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "subscription expired",
		slog.String("tenant_id", sub.TenantID.String()),
		slog.String("plan_id", sub.PlanID))
	return nil
}

// finalizeCancellation completes an end-of-period cancellation whose boundary
// has passed: the provider schedule is torn down first, then the local status
// flips to canceled with no further charge.
func (m *Manager) finalizeCancellation(ctx context.Context, tenantID uuid.UUID, sub *Subscription) error {
	if err := m.cancelRecurring(ctx, sub); err != nil {
		return err
	}

	m.locks.lock(tenantID)
	defer m.locks.unlock(tenantID)

	sub, err := m.subs.Get(ctx, tenantID)
	if err != nil {
		return err
	}
	if sub.Status == StatusCanceled || !sub.CancelAtPeriodEnd {
		return nil
	}
	if err := transition(sub, StatusCanceled, "cancel_at_period_end"); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = false
	sub.NextRetryAt = nil
	sub.UpdatedAt = m.now()
	if err := m.subs.Save(ctx, sub); err != nil {
		return err
	}

	m.log.InfoContext(ctx, "subscription canceled at period end",
		slog.String("tenant_id", tenantID.String()))
	return nil
}

// HandleProviderCancel applies a provider-initiated recurring cancellation.
// No gateway call is made: the provider already tore the schedule down.
func (m *Manager) HandleProviderCancel(ctx context.Context, externalRef string) error {
	sub, err := m.subs.GetByProviderRef(ctx, externalRef)
	if err != nil {
		return err
	}

	m.locks.lock(sub.TenantID)
	defer m.locks.unlock(sub.TenantID)

	sub, err = m.subs.Get(ctx, sub.TenantID)
	if err != nil {
		return err
	}
	if sub.Status == StatusCanceled || sub.Status == StatusExpired {
		return nil
	}
	if err := transition(sub, StatusCanceled, "provider_cancel"); err != nil {
		return err
	}
	sub.CancelAtPeriodEnd = false
	sub.NextRetryAt = nil
	sub.UpdatedAt = m.now()
	return m.subs.Save(ctx, sub)
}

// HandleDispute parks an active subscription in past_due while a dispute is
// open. No retry is scheduled; resolution arrives as a later webhook or a
// manual intervention, and entitlements are retained through the grace state.
func (m *Manager) HandleDispute(ctx context.Context, externalRef string) error {
	sub, err := m.subs.GetByProviderRef(ctx, externalRef)
	if err != nil {
		return err
	}

	m.locks.lock(sub.TenantID)
	defer m.locks.unlock(sub.TenantID)

	sub, err = m.subs.Get(ctx, sub.TenantID)
	if err != nil {
		return err
	}
	if sub.Status != StatusActive {
		return nil
	}
	if err := transition(sub, StatusPastDue, "dispute_opened"); err != nil {
		return err
	}
	sub.UpdatedAt = m.now()
	return m.subs.Save(ctx, sub)
}

// cancelRecurring tears down the provider-side schedule if one exists.
func (m *Manager) cancelRecurring(ctx context.Context, sub *Subscription) error {
	if sub.ProviderSubRef == "" {
		return nil
	}
	gw, ok := m.gateways.Get(sub.Provider)
	if !ok {
		// Provider was deconfigured after signup; there is nothing left to
		// cancel against and blocking cancellation would strand the tenant.
		m.log.WarnContext(ctx, "provider not configured, skipping recurring cancel",
			slog.String("tenant_id", sub.TenantID.String()),
			slog.String("provider", sub.Provider))
		return nil
	}
	return gw.CancelRecurring(ctx, sub.ProviderSubRef)
}

// provider resolves a gateway by name, or the default when name is empty.
// claimSignup marks a subscription creation in flight for the tenant.
// Returns false when another signup already holds the claim.
func (m *Manager) claimSignup(tenantID uuid.UUID) bool {
	m.signupMu.Lock()
	defer m.signupMu.Unlock()
	if _, inFlight := m.signups[tenantID]; inFlight {
		return false
	}
	m.signups[tenantID] = struct{}{}
	return true
}

func (m *Manager) releaseSignup(tenantID uuid.UUID) {
	m.signupMu.Lock()
	defer m.signupMu.Unlock()
	delete(m.signups, tenantID)
}

func (m *Manager) provider(name string) (gateway.Gateway, bool) {
	if name == "" {
		return m.gateways.Default()
	}
	return m.gateways.Get(name)
}

func failureReason(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
