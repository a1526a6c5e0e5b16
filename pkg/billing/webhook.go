package billing

import (
	"context"
	"errors"
	"log/slog"

	"github.com/restokit/restokit/pkg/gateway"
)

// WebhookProcessor turns provider webhook deliveries into state changes.
// Verification and event parsing are delegated to the provider's gateway;
// everything that mutates a subscription goes through the same manager entry
// points the scheduler uses, so duplicate and out-of-order deliveries
// reconcile through attempt idempotency keys.
type WebhookProcessor struct {
	manager  *Manager
	gateways *gateway.Registry
	logger   *slog.Logger
}

// NewWebhookProcessor creates a webhook processor.
// Panics if required dependencies are nil to fail fast during initialization.
func NewWebhookProcessor(manager *Manager, gateways *gateway.Registry, logger *slog.Logger) *WebhookProcessor {
	if manager == nil {
		panic("billing: manager is required")
	}
	if gateways == nil {
		panic("billing: gateway registry is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebhookProcessor{
		manager:  manager,
		gateways: gateways,
		logger:   logger,
	}
}

// Process verifies and applies one webhook delivery. Returns
// gateway.ErrInvalidSignature for tampered or misconfigured deliveries and
// gateway.ErrProviderNotConfigured for unknown providers; both must map to a
// rejection at the HTTP edge. Events that reference nothing we know about are
// acknowledged as no-ops so the provider stops redelivering them.
func (p *WebhookProcessor) Process(ctx context.Context, provider string, payload []byte, signature string) error {
	gw, ok := p.gateways.Get(provider)
	if !ok {
		return gateway.ErrProviderNotConfigured
	}

	event, err := gw.ParseWebhook(ctx, payload, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			p.logger.WarnContext(ctx, "webhook signature verification failed",
				slog.String("provider", provider))
		}
		return err
	}

	log := p.logger.With(
		slog.String("provider", provider),
		slog.String("event_type", string(event.Type)),
		slog.String("provider_event", event.ProviderEvent))

	switch event.Type {
	case gateway.EventChargeSucceeded, gateway.EventChargeFailed:
		return p.applyChargeEvent(ctx, log, event)

	case gateway.EventRecurringCanceled:
		if err := p.manager.HandleProviderCancel(ctx, event.ExternalRef); err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				log.WarnContext(ctx, "provider cancel for unknown subscription",
					slog.String("external_ref", event.ExternalRef))
				return nil
			}
			return err
		}
		log.InfoContext(ctx, "provider-initiated cancellation applied")
		return nil

	case gateway.EventDisputeOpened:
		if err := p.manager.HandleDispute(ctx, event.ExternalRef); err != nil {
			if errors.Is(err, ErrSubscriptionNotFound) {
				log.WarnContext(ctx, "dispute for unknown subscription",
					slog.String("external_ref", event.ExternalRef))
				return nil
			}
			return err
		}
		log.InfoContext(ctx, "dispute applied, subscription parked in grace")
		return nil

	default:
		log.DebugContext(ctx, "ignoring unhandled webhook event")
		return nil
	}
}

func (p *WebhookProcessor) applyChargeEvent(ctx context.Context, log *slog.Logger, event *gateway.Event) error {
	if event.IdempotencyKey == "" {
		// Charge events we did not originate carry no key; nothing to
		// reconcile against.
		log.DebugContext(ctx, "charge event without idempotency key, ignoring")
		return nil
	}

	err := p.manager.ApplyOutcome(ctx, OutcomeReport{
		IdempotencyKey:   event.IdempotencyKey,
		Succeeded:        event.Type == gateway.EventChargeSucceeded,
		FailureReason:    event.FailureReason,
		ProviderChargeID: event.ExternalRef,
	})
	if err != nil {
		if errors.Is(err, ErrAttemptNotFound) {
			// The provider knows a charge we never issued. Acknowledge it so
			// redelivery stops, but leave a trace for reconciliation.
			log.WarnContext(ctx, "charge event references unknown attempt",
				slog.String("idempotency_key", event.IdempotencyKey))
			return nil
		}
		return err
	}

	log.InfoContext(ctx, "charge outcome applied",
		slog.String("idempotency_key", event.IdempotencyKey))
	return nil
}
