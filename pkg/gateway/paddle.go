package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	paddle "github.com/PaddleHQ/paddle-go-sdk/v4"
)

// PaddleConfig holds configuration for the wallet-style Paddle provider.
type PaddleConfig struct {
	APIKey        string `env:"PADDLE_API_KEY"`
	WebhookSecret string `env:"PADDLE_WEBHOOK_SECRET"`
	Environment   string `env:"PADDLE_ENVIRONMENT" envDefault:"production"`
}

// PaddlePlanPrices maps internal plan IDs to Paddle catalog price IDs.
type PaddlePlanPrices map[string]string

// PaddleGateway implements Gateway for Paddle. Paddle is wallet-style: raw
// payment credentials never touch us, charges are transactions against a
// provider-held payment method, and outcomes are confirmed via webhooks.
type PaddleGateway struct {
	client     *paddle.SDK
	verifier   *paddle.WebhookVerifier
	planPrices PaddlePlanPrices
}

// NewPaddleGateway creates a Paddle-backed gateway.
func NewPaddleGateway(cfg PaddleConfig, planPrices PaddlePlanPrices) (*PaddleGateway, error) {
	if cfg.APIKey == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("paddle API key is required"))
	}
	if cfg.WebhookSecret == "" {
		return nil, errors.Join(ErrProviderNotConfigured, errors.New("paddle webhook secret is required"))
	}

	var client *paddle.SDK
	var err error

	switch strings.ToLower(cfg.Environment) {
	case "sandbox":
		client, err = paddle.NewSandbox(cfg.APIKey)
	case "production", "":
		client, err = paddle.New(cfg.APIKey)
	default:
		return nil, fmt.Errorf("invalid paddle environment: %s", cfg.Environment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create paddle client: %w", err)
	}

	return &PaddleGateway{
		client:     client,
		verifier:   paddle.NewWebhookVerifier(cfg.WebhookSecret),
		planPrices: planPrices,
	}, nil
}

func (g *PaddleGateway) Name() string { return "paddle" }

// Tokenize accepts the wallet authorization produced by Paddle's hosted flow.
// The credentials themselves live at the provider; the auth code already IS
// the opaque reference, so there is nothing to exchange.
func (g *PaddleGateway) Tokenize(ctx context.Context, raw RawPaymentData) (Token, error) {
	if raw.WalletAuthCode == "" {
		return "", ErrUnsupportedPaymentData
	}
	return Token(raw.WalletAuthCode), nil
}

// Charge creates a Paddle transaction against the plan's catalog price. The
// result is pending: Paddle confirms success or failure via webhook.
func (g *PaddleGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	priceID, ok := g.planPrices[req.PlanID]
	if !ok {
		return ChargeResult{}, fmt.Errorf("gateway: no paddle price ID configured for plan %q", req.PlanID)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"idempotency_key": req.IdempotencyKey,
			"wallet_token":    string(req.Token),
		},
	}

	tx, err := g.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return ChargeResult{}, g.mapError(err)
	}

	return ChargeResult{
		ProviderChargeID: tx.ID,
		Pending:          true,
		ProcessedAt:      time.Now().UTC(),
	}, nil
}

// CreateRecurring starts a transaction on a recurring catalog price; Paddle
// materializes the subscription once payment settles and reports it via
// webhook. The transaction ID serves as the external reference until then.
func (g *PaddleGateway) CreateRecurring(ctx context.Context, req RecurringRequest) (string, error) {
	priceID, ok := g.planPrices[req.PlanID]
	if !ok {
		return "", fmt.Errorf("gateway: no paddle price ID configured for plan %q", req.PlanID)
	}

	item := paddle.NewCreateTransactionItemsTransactionItemFromCatalog(&paddle.TransactionItemFromCatalog{
		PriceID:  priceID,
		Quantity: 1,
	})

	txReq := &paddle.CreateTransactionRequest{
		Items: []paddle.CreateTransactionItems{*item},
		CustomData: paddle.CustomData{
			"idempotency_key": req.IdempotencyKey,
			"tenant_id":       req.TenantRef,
		},
	}

	tx, err := g.client.TransactionsClient.CreateTransaction(ctx, txReq)
	if err != nil {
		return "", g.mapError(err)
	}
	return tx.ID, nil
}

// CancelRecurring cancels the Paddle subscription behind the external reference.
func (g *PaddleGateway) CancelRecurring(ctx context.Context, externalRef string) error {
	_, err := g.client.SubscriptionsClient.CancelSubscription(ctx, &paddle.CancelSubscriptionRequest{
		SubscriptionID: externalRef,
	})
	if err != nil {
		return g.mapError(err)
	}
	return nil
}

// ParseWebhook verifies the Paddle signature and normalizes known events.
func (g *PaddleGateway) ParseWebhook(ctx context.Context, payload []byte, signature string) (*Event, error) {
	// The Paddle verifier works on an http.Request, so wrap the payload.
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "/webhook", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request for verification: %w", err)
	}
	req.Header.Set("Paddle-Signature", signature)

	valid, err := g.verifier.Verify(req)
	if err != nil {
		return nil, errors.Join(ErrInvalidSignature, err)
	}
	if !valid {
		return nil, ErrInvalidSignature
	}

	var paddleEvent struct {
		EventType string         `json:"event_type"`
		Data      map[string]any `json:"data"`
	}
	if err := json.Unmarshal(payload, &paddleEvent); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}

	event := &Event{
		Provider:      g.Name(),
		ProviderEvent: paddleEvent.EventType,
		Raw:           paddleEvent.Data,
	}

	if id, ok := paddleEvent.Data["id"].(string); ok {
		event.ExternalRef = id
	}
	if subID, ok := paddleEvent.Data["subscription_id"].(string); ok {
		event.ExternalRef = subID
	}
	if customData, ok := paddleEvent.Data["custom_data"].(map[string]any); ok {
		if key, ok := customData["idempotency_key"].(string); ok {
			event.IdempotencyKey = key
		}
		if tenant, ok := customData["tenant_id"].(string); ok {
			event.TenantRef = tenant
		}
	}

	switch paddleEvent.EventType {
	case "transaction.completed", "transaction.payment_succeeded":
		event.Type = EventChargeSucceeded
	case "transaction.payment_failed":
		event.Type = EventChargeFailed
		if reason, ok := paddleEvent.Data["error"].(string); ok {
			event.FailureReason = reason
		}
	case "subscription.canceled":
		event.Type = EventRecurringCanceled
	case "adjustment.created":
		event.Type = EventDisputeOpened
	default:
		event.Type = EventType(paddleEvent.EventType)
	}

	return event, nil
}

// mapError folds Paddle SDK failures into the adapter taxonomy. The SDK
// surfaces transport and server problems as plain errors, so anything that
// is not an explicit API rejection is treated as transient.
func (g *PaddleGateway) mapError(err error) error {
	return errors.Join(ErrGatewayUnavailable, err)
}
