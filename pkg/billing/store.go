package billing

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubscriptionStore defines the interface for subscription persistence.
// Each tenant has exactly one subscription, so TenantID is the primary key.
type SubscriptionStore interface {
	// Get retrieves a subscription by tenant ID.
	// Returns ErrSubscriptionNotFound if no subscription exists.
	Get(ctx context.Context, tenantID uuid.UUID) (*Subscription, error)

	// GetByProviderRef retrieves a subscription by the provider's recurring
	// schedule reference. Returns ErrSubscriptionNotFound on a miss.
	GetByProviderRef(ctx context.Context, ref string) (*Subscription, error)

	// Save creates or updates a subscription keyed by TenantID.
	Save(ctx context.Context, sub *Subscription) error

	// ListDue returns subscriptions with a passed billing boundary or a due
	// past_due retry at the given time. Derived purely from persisted state
	// so the scheduler can resume safely after a crash.
	ListDue(ctx context.Context, now time.Time) ([]*Subscription, error)
}

// AttemptStore persists billing attempts keyed by idempotency key.
type AttemptStore interface {
	// GetByKey retrieves an attempt by idempotency key.
	// Returns ErrAttemptNotFound on a miss.
	GetByKey(ctx context.Context, key string) (*Attempt, error)

	// Create inserts a new attempt. Returns ErrDuplicateAttempt when the
	// idempotency key is already present - the uniqueness constraint that
	// makes concurrent charge paths collapse into one.
	Create(ctx context.Context, attempt *Attempt) error

	// Update rewrites an existing attempt's outcome fields.
	Update(ctx context.Context, attempt *Attempt) error

	// ListByTenant returns all attempts for a tenant, oldest first.
	ListByTenant(ctx context.Context, tenantID uuid.UUID) ([]*Attempt, error)
}

// TrialGrantStore tracks the one-time trial eligibility per tenant. The grant
// survives subscription replacement: a tenant gets at most one trial ever.
type TrialGrantStore interface {
	// TrialUsed reports whether the tenant has already consumed its trial.
	TrialUsed(ctx context.Context, tenantID uuid.UUID) (bool, error)

	// MarkTrialUsed consumes the tenant's trial grant. Idempotent.
	MarkTrialUsed(ctx context.Context, tenantID uuid.UUID, at time.Time) error
}
