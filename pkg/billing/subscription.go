package billing

import (
	"time"

	"github.com/google/uuid"

	"github.com/restokit/restokit/pkg/gateway"
)

// Status represents the current state of a subscription.
type Status string

const (
	StatusTrialing Status = "trialing"
	StatusActive   Status = "active"
	StatusPastDue  Status = "past_due"
	StatusCanceled Status = "canceled"
	StatusExpired  Status = "expired"
)

// Consent records the tenant's acceptance of the terms at signup.
type Consent struct {
	At           time.Time
	SourceIP     string
	TermsVersion string
}

// Subscription binds a tenant to a pricing plan and carries the payment
// lifecycle state. Each tenant has exactly one current subscription; changing
// plans replaces the plan reference rather than creating a parallel record.
type Subscription struct {
	TenantID           uuid.UUID // primary key - one subscription per tenant
	PlanID             string
	Status             Status
	Region             string // country code used for tier pricing at renewal
	TrialStart         *time.Time
	TrialEnd           *time.Time // nil when the trial was skipped
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	PaymentToken       gateway.Token // opaque provider reference, never raw credentials
	Provider           string        // gateway provider the token belongs to
	ProviderSubRef     string        // provider's recurring schedule reference
	CancelAtPeriodEnd  bool
	RetryCount         int        // consecutive failed charges in the current grace window
	NextRetryAt        *time.Time // next scheduled retry while past_due
	Consent            Consent
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// IsTrialing returns true if the subscription is in trial status.
func (s *Subscription) IsTrialing() bool {
	return s.Status == StatusTrialing
}

// IsActive returns true if the subscription is active (paid).
func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Entitled reports whether the subscription grants plan capabilities. The
// entitled set is {trialing, active, past_due}: a past_due subscription keeps
// its entitlements through the grace window and loses them only on expiry.
func (s *Subscription) Entitled() bool {
	switch s.Status {
	case StatusTrialing, StatusActive, StatusPastDue:
		return true
	default:
		return false
	}
}

// DueBoundary returns the billing-cycle boundary the subscription is being
// charged for: trial end for a trial conversion, period end otherwise.
func (s *Subscription) DueBoundary() time.Time {
	if s.Status == StatusTrialing && s.TrialEnd != nil {
		return *s.TrialEnd
	}
	return s.CurrentPeriodEnd
}

// DueAt reports whether a boundary or retry is due at the given time.
func (s *Subscription) DueAt(now time.Time) bool {
	switch s.Status {
	case StatusTrialing:
		return s.TrialEnd != nil && !now.Before(*s.TrialEnd)
	case StatusActive:
		// Free plans carry a zero period end and never come due.
		return !s.CurrentPeriodEnd.IsZero() && !now.Before(s.CurrentPeriodEnd)
	case StatusPastDue:
		return s.NextRetryAt != nil && !now.Before(*s.NextRetryAt)
	default:
		return false
	}
}

func (s *Subscription) clone() *Subscription {
	cp := *s
	if s.TrialStart != nil {
		t := *s.TrialStart
		cp.TrialStart = &t
	}
	if s.TrialEnd != nil {
		t := *s.TrialEnd
		cp.TrialEnd = &t
	}
	if s.NextRetryAt != nil {
		t := *s.NextRetryAt
		cp.NextRetryAt = &t
	}
	return &cp
}
