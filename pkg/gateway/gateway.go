package gateway

import (
	"context"
	"time"

	"github.com/restokit/restokit/pkg/plan"
)

// Token is an opaque reference to payment credentials held by the provider.
// The core never sees or persists raw card or account numbers.
type Token string

// RawPaymentData carries the payment credentials collected from the customer
// for tokenization. Exactly one of Card or WalletAuthCode is set depending on
// the provider style.
type RawPaymentData struct {
	Card           *CardData
	WalletAuthCode string // authorization code from a wallet-style provider's hosted flow
	BillingEmail   string
}

// CardData is card-network style payment input. It exists only long enough
// to be exchanged for a Token and must never be stored.
type CardData struct {
	Number   string
	ExpMonth int64
	ExpYear  int64
	CVC      string
}

// ChargeRequest describes a single charge. IdempotencyKey is forwarded to the
// provider so that network retries or duplicate invocations never produce
// duplicate charges.
type ChargeRequest struct {
	Token          Token
	PlanID         string // internal plan ID, used by providers that charge from a price catalog
	Amount         plan.Money
	IdempotencyKey string
	Description    string
}

// ChargeResult is the provider's answer to a charge request. Wallet-style
// providers confirm asynchronously: they return Pending=true and the final
// outcome arrives later as a webhook event.
type ChargeResult struct {
	ProviderChargeID string
	Succeeded        bool
	Pending          bool
	ProcessedAt      time.Time
}

// RecurringRequest describes a recurring billing schedule to create at the provider.
type RecurringRequest struct {
	Token          Token
	PlanID         string
	Price          plan.Money
	Interval       plan.BillingInterval
	TenantRef      string // our tenant ID, round-tripped through provider metadata
	IdempotencyKey string
}

// Gateway is the uniform interface over external payment providers. One
// implementation exists per provider; all provider-specific protocol detail
// stays behind it.
type Gateway interface {
	// Name identifies the provider (e.g. "stripe", "paddle").
	Name() string

	// Tokenize exchanges raw payment credentials for an opaque token.
	Tokenize(ctx context.Context, raw RawPaymentData) (Token, error)

	// Charge performs a one-off charge. Implementations must forward the
	// idempotency key so retried calls produce at most one charge.
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)

	// CreateRecurring sets up a recurring billing schedule and returns the
	// provider's reference for it.
	CreateRecurring(ctx context.Context, req RecurringRequest) (string, error)

	// CancelRecurring stops a recurring schedule previously created with
	// CreateRecurring. Must be idempotent: cancelling an already-cancelled
	// schedule is not an error.
	CancelRecurring(ctx context.Context, externalRef string) error

	// ParseWebhook verifies the authenticity of an inbound provider
	// notification and normalizes it. Returns ErrInvalidSignature when the
	// signature check fails; such events must never be acted upon.
	ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error)
}

// EventType is a normalized provider notification type.
type EventType string

const (
	EventChargeSucceeded   EventType = "charge_succeeded"
	EventChargeFailed      EventType = "charge_failed"
	EventRecurringCanceled EventType = "recurring_canceled"
	EventDisputeOpened     EventType = "dispute_opened"
)

// Event is a normalized webhook notification from a payment provider.
type Event struct {
	Type           EventType
	Provider       string
	ProviderEvent  string // original provider event name
	IdempotencyKey string // round-tripped from the originating charge, if present
	ExternalRef    string // provider's charge/subscription reference
	TenantRef      string // our tenant ID from provider metadata
	FailureReason  string
	Raw            map[string]any
}
