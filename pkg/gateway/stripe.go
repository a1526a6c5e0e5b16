package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/paymentintent"
	"github.com/stripe/stripe-go/v82/paymentmethod"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"
)

// StripeConfig holds configuration for the card-network style Stripe provider.
type StripeConfig struct {
	APIKey        string `env:"STRIPE_API_KEY"`
	WebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
}

// StripePlanPrices maps internal plan IDs to Stripe price IDs (one per plan).
// These must match price objects configured in the Stripe dashboard.
type StripePlanPrices map[string]string

// StripeGateway implements Gateway for Stripe, the card-network style provider.
type StripeGateway struct {
	webhookSecret string
	planPrices    StripePlanPrices
}

// NewStripeGateway creates a Stripe-backed gateway. The API key and webhook
// secret are required; the plan-to-price map is needed only for recurring
// schedules and may be nil for charge-only use.
func NewStripeGateway(cfg StripeConfig, planPrices StripePlanPrices) (*StripeGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("stripe API key is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("stripe webhook secret is required"))
	}

	stripe.Key = cfg.APIKey

	return &StripeGateway{
		webhookSecret: cfg.WebhookSecret,
		planPrices:    planPrices,
	}, nil
}

func (g *StripeGateway) Name() string { return "stripe" }

// Tokenize exchanges card details for a Stripe payment method ID. The raw
// card data is discarded once the provider returns the token.
func (g *StripeGateway) Tokenize(ctx context.Context, raw RawPaymentData) (Token, error) {
	if raw.Card == nil {
		return "", ErrUnsupportedPaymentData
	}

	params := &stripe.PaymentMethodParams{
		Type: stripe.String("card"),
		Card: &stripe.PaymentMethodCardParams{
			Number:   stripe.String(raw.Card.Number),
			ExpMonth: stripe.Int64(raw.Card.ExpMonth),
			ExpYear:  stripe.Int64(raw.Card.ExpYear),
			CVC:      stripe.String(raw.Card.CVC),
		},
	}
	params.Context = ctx

	pm, err := paymentmethod.New(params)
	if err != nil {
		return "", g.mapError(err)
	}
	return Token(pm.ID), nil
}

// Charge performs a one-off confirmed payment intent. The idempotency key is
// forwarded to Stripe so a retried call never produces a second charge.
func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount.Amount),
		Currency:      stripe.String(req.Amount.Currency),
		PaymentMethod: stripe.String(string(req.Token)),
		Confirm:       stripe.Bool(true),
		OffSession:    stripe.Bool(true),
		Description:   stripe.String(req.Description),
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata("idempotency_key", req.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return ChargeResult{}, g.mapError(err)
	}

	return ChargeResult{
		ProviderChargeID: pi.ID,
		Succeeded:        pi.Status == stripe.PaymentIntentStatusSucceeded,
		ProcessedAt:      time.Now().UTC(),
	}, nil
}

// CreateRecurring creates a Stripe customer bound to the token and starts a
// subscription on the plan's configured price.
func (g *StripeGateway) CreateRecurring(ctx context.Context, req RecurringRequest) (string, error) {
	priceID, ok := g.planPrices[req.PlanID]
	if !ok {
		return "", fmt.Errorf("gateway: no stripe price ID configured for plan %q", req.PlanID)
	}

	custParams := &stripe.CustomerParams{
		PaymentMethod: stripe.String(string(req.Token)),
		InvoiceSettings: &stripe.CustomerInvoiceSettingsParams{
			DefaultPaymentMethod: stripe.String(string(req.Token)),
		},
	}
	custParams.Context = ctx
	custParams.AddMetadata("tenant_id", req.TenantRef)

	cust, err := customer.New(custParams)
	if err != nil {
		return "", g.mapError(err)
	}

	subParams := &stripe.SubscriptionParams{
		Customer: stripe.String(cust.ID),
		Items: []*stripe.SubscriptionItemsParams{
			{Price: stripe.String(priceID)},
		},
	}
	subParams.Context = ctx
	subParams.SetIdempotencyKey(req.IdempotencyKey)
	subParams.AddMetadata("tenant_id", req.TenantRef)

	sub, err := subscription.New(subParams)
	if err != nil {
		return "", g.mapError(err)
	}
	return sub.ID, nil
}

// CancelRecurring cancels a Stripe subscription. Cancelling one that is
// already cancelled is treated as success.
func (g *StripeGateway) CancelRecurring(ctx context.Context, externalRef string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx

	if _, err := subscription.Cancel(externalRef, params); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeResourceMissing {
			return nil
		}
		return g.mapError(err)
	}
	return nil
}

// ParseWebhook verifies the Stripe signature and normalizes known events.
func (g *StripeGateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	stripeEvent, err := webhook.ConstructEvent(payload, signature, g.webhookSecret)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}

	event := &Event{
		Provider:      g.Name(),
		ProviderEvent: string(stripeEvent.Type),
		Raw:           map[string]any{},
	}
	_ = json.Unmarshal(stripeEvent.Data.Raw, &event.Raw)

	var obj struct {
		ID               string            `json:"id"`
		Metadata         map[string]string `json:"metadata"`
		LastPaymentError *struct {
			Message string `json:"message"`
		} `json:"last_payment_error"`
	}
	_ = json.Unmarshal(stripeEvent.Data.Raw, &obj)

	event.ExternalRef = obj.ID
	event.IdempotencyKey = obj.Metadata["idempotency_key"]
	event.TenantRef = obj.Metadata["tenant_id"]

	switch stripeEvent.Type {
	case "payment_intent.succeeded":
		event.Type = EventChargeSucceeded
	case "payment_intent.payment_failed":
		event.Type = EventChargeFailed
		if obj.LastPaymentError != nil {
			event.FailureReason = obj.LastPaymentError.Message
		}
	case "customer.subscription.deleted":
		event.Type = EventRecurringCanceled
	case "charge.dispute.created":
		event.Type = EventDisputeOpened
	default:
		event.Type = EventType(stripeEvent.Type)
	}

	return event, nil
}

// mapError folds Stripe's error model into the adapter taxonomy.
func (g *StripeGateway) mapError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// Transport-level failures (timeouts, connection resets) are transient.
		return errors.Join(ErrGatewayUnavailable, err)
	}

	switch {
	case stripeErr.Type == stripe.ErrorTypeCard:
		return &DeclineError{Reason: stripeErr.Msg, Code: string(stripeErr.DeclineCode)}
	case stripeErr.Code == stripe.ErrorCodeResourceMissing:
		return errors.Join(ErrInvalidToken, err)
	case stripeErr.HTTPStatusCode >= 500, stripeErr.Type == stripe.ErrorTypeAPI:
		return errors.Join(ErrGatewayUnavailable, err)
	default:
		return errors.Join(ErrGatewayUnavailable, err)
	}
}
