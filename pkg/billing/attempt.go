package billing

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Outcome is the result of a single charge attempt.
type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
)

// Attempt records one charge attempt against a subscription. Attempts make
// charging idempotent: the same idempotency key is never charged twice, no
// matter how scheduler re-runs and webhook deliveries interleave.
type Attempt struct {
	ID               uuid.UUID
	TenantID         uuid.UUID
	PlanID           string // plan being paid for at this boundary
	IdempotencyKey   string
	Amount           int64
	Currency         string
	Boundary         time.Time // the billing-cycle boundary this attempt pays for
	Outcome          Outcome
	FailureReason    string
	ProviderChargeID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// attemptKeyNamespace scopes UUIDv5 idempotency keys to billing attempts.
var attemptKeyNamespace = uuid.MustParse("9f2c1a46-7b0e-4f52-8d3a-b65f0c41e9d7")

// AttemptKey derives the idempotency key for one charge of one billing-cycle
// boundary. retrySeq increments only after a non-retriable failure, so
// transient-error retries reuse the key and cannot double-charge, while each
// scheduled decline retry gets a fresh key.
func AttemptKey(tenantID uuid.UUID, boundary time.Time, retrySeq int) string {
	name := fmt.Sprintf("%s:%d:%d", tenantID, boundary.UTC().Unix(), retrySeq)
	return uuid.NewSHA1(attemptKeyNamespace, []byte(name)).String()
}

func (a *Attempt) clone() *Attempt {
	cp := *a
	return &cp
}
