package gateway

import (
	"errors"
	"fmt"
)

var (
	// ErrGatewayUnavailable marks transient provider failures. Safe to retry
	// with backoff using the same idempotency key.
	ErrGatewayUnavailable = errors.New("payment gateway temporarily unavailable")

	// ErrInvalidToken marks an expired or revoked payment method token. The
	// customer must re-collect their payment method; automatic retry is useless.
	ErrInvalidToken = errors.New("payment method token is invalid or expired")

	// ErrInvalidSignature marks a webhook that failed authenticity checks.
	// Events carrying it must be logged and dropped, never acted upon.
	ErrInvalidSignature = errors.New("webhook signature verification failed")

	ErrUnsupportedPaymentData = errors.New("payment data not supported by this provider")
	ErrProviderNotConfigured  = errors.New("payment provider not configured")
)

// DeclineError reports that the card or account was rejected by the network.
// Not retriable automatically; the reason is surfaced to the customer so they
// can act on it (insufficient funds, expired card, etc).
type DeclineError struct {
	Reason string
	Code   string // provider decline code, if any
}

func (e *DeclineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment declined: %s (%s)", e.Reason, e.Code)
	}
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// IsDecline reports whether err is a payment decline.
func IsDecline(err error) bool {
	var e *DeclineError
	return errors.As(err, &e)
}

// IsRetriable reports whether a failed charge may be retried automatically
// with the same idempotency key.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrGatewayUnavailable)
}
