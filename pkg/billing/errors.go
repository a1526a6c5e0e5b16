package billing

import (
	"errors"
	"fmt"
)

var (
	ErrSubscriptionNotFound      = errors.New("subscription not found")
	ErrSubscriptionAlreadyExists = errors.New("subscription already exists")
	ErrAttemptNotFound           = errors.New("billing attempt not found")
	ErrDuplicateAttempt          = errors.New("billing attempt already exists for idempotency key")
	ErrNoGatewayConfigured       = errors.New("no payment gateway configured")
	ErrPaymentTokenMissing       = errors.New("no payment method on file")
	ErrPlanNotOfferable          = errors.New("plan is not offerable")
)

// StateConflictError reports an operation requested against a subscription
// state that does not permit it. Surfaced to the caller, never retried.
type StateConflictError struct {
	From Status
	To   Status
	Op   string
}

func (e *StateConflictError) Error() string {
	if e.To != "" {
		return fmt.Sprintf("subscription state conflict: cannot move from %s to %s during %s", e.From, e.To, e.Op)
	}
	return fmt.Sprintf("subscription state conflict: %s not permitted while %s", e.Op, e.From)
}

// IsStateConflict reports whether err is a subscription state conflict.
func IsStateConflict(err error) bool {
	var e *StateConflictError
	return errors.As(err, &e)
}
