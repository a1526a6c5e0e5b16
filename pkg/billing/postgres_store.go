package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/pg"
)

// PgSubscriptionStore implements SubscriptionStore on PostgreSQL.
type PgSubscriptionStore struct {
	pool *pgxpool.Pool
}

// NewPgSubscriptionStore creates a PostgreSQL-backed subscription store.
// Panics if pool is nil to fail fast during initialization.
func NewPgSubscriptionStore(pool *pgxpool.Pool) *PgSubscriptionStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PgSubscriptionStore{pool: pool}
}

const subscriptionColumns = `tenant_id, plan_id, status, region,
	trial_start, trial_end, current_period_start, current_period_end,
	payment_token, provider, provider_sub_ref, cancel_at_period_end,
	retry_count, next_retry_at, consent_at, consent_source_ip,
	consent_terms_version, created_at, updated_at`

func (s *PgSubscriptionStore) Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE tenant_id = $1`,
		tenantID)
	return scanSubscription(row)
}

func (s *PgSubscriptionStore) GetByProviderRef(ctx context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE provider_sub_ref = $1`,
		ref)
	return scanSubscription(row)
}

func (s *PgSubscriptionStore) Save(ctx context.Context, sub *Subscription) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id,
			status = EXCLUDED.status,
			region = EXCLUDED.region,
			trial_start = EXCLUDED.trial_start,
			trial_end = EXCLUDED.trial_end,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			payment_token = EXCLUDED.payment_token,
			provider = EXCLUDED.provider,
			provider_sub_ref = EXCLUDED.provider_sub_ref,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			retry_count = EXCLUDED.retry_count,
			next_retry_at = EXCLUDED.next_retry_at,
			consent_at = EXCLUDED.consent_at,
			consent_source_ip = EXCLUDED.consent_source_ip,
			consent_terms_version = EXCLUDED.consent_terms_version,
			updated_at = EXCLUDED.updated_at`,
		sub.TenantID, sub.PlanID, string(sub.Status), sub.Region,
		sub.TrialStart, sub.TrialEnd, sub.CurrentPeriodStart, sub.CurrentPeriodEnd,
		string(sub.PaymentToken), sub.Provider, sub.ProviderSubRef, sub.CancelAtPeriodEnd,
		sub.RetryCount, sub.NextRetryAt, sub.Consent.At, sub.Consent.SourceIP,
		sub.Consent.TermsVersion, sub.CreatedAt, sub.UpdatedAt)
	return err
}

// ListDue selects subscriptions whose boundary or retry has passed. The
// predicate mirrors Subscription.DueAt so in-memory and SQL stores agree.
func (s *PgSubscriptionStore) ListDue(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE (status = 'trialing' AND trial_end IS NOT NULL AND trial_end <= $1)
		   OR (status = 'active' AND current_period_end > 'epoch'::timestamptz AND current_period_end <= $1)
		   OR (status = 'past_due' AND next_retry_at IS NOT NULL AND next_retry_at <= $1)
		ORDER BY tenant_id`,
		now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var due []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, sub)
	}
	return due, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var status, token string
	err := row.Scan(
		&sub.TenantID, &sub.PlanID, &status, &sub.Region,
		&sub.TrialStart, &sub.TrialEnd, &sub.CurrentPeriodStart, &sub.CurrentPeriodEnd,
		&token, &sub.Provider, &sub.ProviderSubRef, &sub.CancelAtPeriodEnd,
		&sub.RetryCount, &sub.NextRetryAt, &sub.Consent.At, &sub.Consent.SourceIP,
		&sub.Consent.TermsVersion, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	sub.Status = Status(status)
	sub.PaymentToken = gateway.Token(token)
	return &sub, nil
}

// PgAttemptStore implements AttemptStore on PostgreSQL. The unique index on
// idempotency_key is the constraint that collapses concurrent charge paths.
type PgAttemptStore struct {
	pool *pgxpool.Pool
}

// NewPgAttemptStore creates a PostgreSQL-backed attempt store.
// Panics if pool is nil to fail fast during initialization.
func NewPgAttemptStore(pool *pgxpool.Pool) *PgAttemptStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PgAttemptStore{pool: pool}
}

const attemptColumns = `id, tenant_id, plan_id, idempotency_key, amount,
	currency, boundary, outcome, failure_reason, provider_charge_id,
	created_at, updated_at`

func (s *PgAttemptStore) GetByKey(ctx context.Context, key string) (*Attempt, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+attemptColumns+` FROM billing_attempts WHERE idempotency_key = $1`,
		key)
	return scanAttempt(row)
}

func (s *PgAttemptStore) Create(ctx context.Context, attempt *Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO billing_attempts (`+attemptColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		attempt.ID, attempt.TenantID, attempt.PlanID, attempt.IdempotencyKey,
		attempt.Amount, attempt.Currency, attempt.Boundary, string(attempt.Outcome),
		attempt.FailureReason, attempt.ProviderChargeID, attempt.CreatedAt, attempt.UpdatedAt)
	if err != nil {
		if pg.IsDuplicateKeyError(err) {
			return ErrDuplicateAttempt
		}
		return err
	}
	return nil
}

func (s *PgAttemptStore) Update(ctx context.Context, attempt *Attempt) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE billing_attempts SET
			outcome = $2,
			failure_reason = $3,
			provider_charge_id = $4,
			updated_at = $5
		WHERE idempotency_key = $1`,
		attempt.IdempotencyKey, string(attempt.Outcome), attempt.FailureReason,
		attempt.ProviderChargeID, attempt.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAttemptNotFound
	}
	return nil
}

func (s *PgAttemptStore) ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Attempt, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+attemptColumns+` FROM billing_attempts WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var a Attempt
	var outcome string
	err := row.Scan(
		&a.ID, &a.TenantID, &a.PlanID, &a.IdempotencyKey, &a.Amount,
		&a.Currency, &a.Boundary, &outcome, &a.FailureReason, &a.ProviderChargeID,
		&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if pg.IsNotFoundError(err) {
			return nil, ErrAttemptNotFound
		}
		return nil, err
	}
	a.Outcome = Outcome(outcome)
	return &a, nil
}

// PgTrialGrantStore implements TrialGrantStore on PostgreSQL.
type PgTrialGrantStore struct {
	pool *pgxpool.Pool
}

// NewPgTrialGrantStore creates a PostgreSQL-backed trial grant store.
// Panics if pool is nil to fail fast during initialization.
func NewPgTrialGrantStore(pool *pgxpool.Pool) *PgTrialGrantStore {
	if pool == nil {
		panic("billing: pgx pool is required")
	}
	return &PgTrialGrantStore{pool: pool}
}

func (s *PgTrialGrantStore) TrialUsed(ctx context.Context, tenantID uuid.UUID) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM trial_grants WHERE tenant_id = $1)`,
		tenantID).Scan(&exists)
	return exists, err
}

func (s *PgTrialGrantStore) MarkTrialUsed(ctx context.Context, tenantID uuid.UUID, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trial_grants (tenant_id, used_at) VALUES ($1, $2)
		ON CONFLICT (tenant_id) DO NOTHING`,
		tenantID, at)
	return err
}
