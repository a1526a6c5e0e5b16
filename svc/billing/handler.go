package billing

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/restokit/restokit/pkg/billing"
	"github.com/restokit/restokit/pkg/entitlement"
	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/plan"
)

// maxWebhookBody bounds webhook payload reads. Providers send small JSON
// documents; anything bigger is hostile.
const maxWebhookBody = 1 << 20

// TenantIDExtractor resolves the authenticated tenant from a request. The
// auth layer owns how identity travels (session, JWT, API key); this service
// only needs the resulting tenant ID.
type TenantIDExtractor func(r *http.Request) (uuid.UUID, error)

// Handler exposes the billing HTTP surface: plan listing, checkout,
// subscription management and provider webhooks.
type Handler struct {
	catalog  *plan.Catalog
	manager  *billing.Manager
	resolver *entitlement.Resolver
	webhooks *billing.WebhookProcessor
	tenantID TenantIDExtractor
	logger   *slog.Logger
}

// NewHandler creates the billing HTTP handler.
// Panics if required dependencies are nil to fail fast during initialization.
func NewHandler(
	catalog *plan.Catalog,
	manager *billing.Manager,
	resolver *entitlement.Resolver,
	webhooks *billing.WebhookProcessor,
	tenantID TenantIDExtractor,
	logger *slog.Logger,
) *Handler {
	if catalog == nil || manager == nil || resolver == nil || webhooks == nil {
		panic("billing: catalog, manager, resolver and webhook processor are required")
	}
	if tenantID == nil {
		panic("billing: tenant ID extractor is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		catalog:  catalog,
		manager:  manager,
		resolver: resolver,
		webhooks: webhooks,
		tenantID: tenantID,
		logger:   logger,
	}
}

// Router mounts the billing routes.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/billing/plans", h.listPlans)
	r.Get("/billing/subscription", h.getSubscription)
	r.Post("/billing/checkout", h.checkout)
	r.Post("/billing/plan", h.changePlan)
	r.Post("/billing/cancel", h.cancel)
	r.Post("/billing/reactivate", h.reactivate)
	r.Post("/webhooks/{provider}", h.webhook)

	return r
}

type planResponse struct {
	ID           string               `json:"id"`
	Name         string               `json:"name"`
	Description  string               `json:"description,omitempty"`
	Price        plan.Money           `json:"price"`
	Interval     plan.BillingInterval `json:"interval"`
	TrialDays    int                  `json:"trial_days,omitempty"`
	Capabilities []plan.Capability    `json:"capabilities"`
}

func (h *Handler) listPlans(w http.ResponseWriter, r *http.Request) {
	region := r.URL.Query().Get("region")

	plans := h.catalog.Offerable(region)
	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		price, err := h.catalog.PriceFor(p.ID, region)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		caps := make([]plan.Capability, 0, len(p.Capabilities))
		for c, enabled := range p.Capabilities {
			if enabled {
				caps = append(caps, c)
			}
		}
		out = append(out, planResponse{
			ID:           p.ID,
			Name:         p.Name,
			Description:  p.Description,
			Price:        price,
			Interval:     p.Interval,
			TrialDays:    p.TrialDays,
			Capabilities: caps,
		})
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"plans":           out,
		"payment_methods": h.manager.PaymentMethods(),
	})
}

type subscriptionResponse struct {
	PlanID            string                `json:"plan_id"`
	Status            billing.Status        `json:"status"`
	TrialEnd          *time.Time            `json:"trial_end,omitempty"`
	CurrentPeriodEnd  *time.Time            `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool                  `json:"cancel_at_period_end"`
	NextRetryAt       *time.Time            `json:"next_retry_at,omitempty"`
	Entitlements      *entitlement.Snapshot `json:"entitlements,omitempty"`
}

func (h *Handler) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	sub, err := h.manager.GetSubscription(r.Context(), tenantID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := subscriptionResponse{
		PlanID:            sub.PlanID,
		Status:            sub.Status,
		TrialEnd:          sub.TrialEnd,
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		NextRetryAt:       sub.NextRetryAt,
		Entitlements:      h.resolver.Snapshot(r.Context(), tenantID),
	}
	if !sub.CurrentPeriodEnd.IsZero() {
		end := sub.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	h.writeJSON(w, http.StatusOK, resp)
}

type checkoutRequest struct {
	PlanID   string `json:"plan_id"`
	Region   string `json:"region"`
	Provider string `json:"provider,omitempty"`
	Payment  *struct {
		Card *struct {
			Number   string `json:"number"`
			ExpMonth int64  `json:"exp_month"`
			ExpYear  int64  `json:"exp_year"`
			CVC      string `json:"cvc"`
		} `json:"card,omitempty"`
		WalletAuthCode string `json:"wallet_auth_code,omitempty"`
		BillingEmail   string `json:"billing_email,omitempty"`
	} `json:"payment,omitempty"`
	TermsVersion string `json:"terms_version"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	if req.PlanID == "" {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "plan_id is required"))
		return
	}

	start := billing.StartRequest{
		TenantID: tenantID,
		PlanID:   req.PlanID,
		Region:   req.Region,
		Provider: req.Provider,
		Consent: billing.Consent{
			At:           time.Now().UTC(),
			SourceIP:     r.RemoteAddr,
			TermsVersion: req.TermsVersion,
		},
	}
	if req.Payment != nil {
		payment := gateway.RawPaymentData{
			WalletAuthCode: req.Payment.WalletAuthCode,
			BillingEmail:   req.Payment.BillingEmail,
		}
		if req.Payment.Card != nil {
			payment.Card = &gateway.CardData{
				Number:   req.Payment.Card.Number,
				ExpMonth: req.Payment.Card.ExpMonth,
				ExpYear:  req.Payment.Card.ExpYear,
				CVC:      req.Payment.Card.CVC,
			}
		}
		start.Payment = &payment
	}

	result, err := h.manager.Start(r.Context(), start)
	if errors.Is(err, billing.ErrNoGatewayConfigured) {
		// No provider configured is a normal install state. The client gets
		// the (empty) method list instead of an error and no subscription
		// is created.
		h.writeJSON(w, http.StatusOK, map[string]any{"payment_methods": h.manager.PaymentMethods()})
		return
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := subscriptionResponse{
		PlanID:            result.Subscription.PlanID,
		Status:            result.Subscription.Status,
		TrialEnd:          result.Subscription.TrialEnd,
		CancelAtPeriodEnd: result.Subscription.CancelAtPeriodEnd,
	}
	if !result.Subscription.CurrentPeriodEnd.IsZero() {
		end := result.Subscription.CurrentPeriodEnd
		resp.CurrentPeriodEnd = &end
	}
	h.writeJSON(w, http.StatusCreated, resp)
}

type changePlanRequest struct {
	PlanID string `json:"plan_id"`
}

func (h *Handler) changePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req changePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
		return
	}
	if err := h.manager.ChangePlan(r.Context(), tenantID, req.PlanID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type cancelRequest struct {
	Immediate bool `json:"immediate"`
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "malformed JSON body"))
			return
		}
	}
	if err := h.manager.Cancel(r.Context(), tenantID, req.Immediate); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) reactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, err := h.tenantID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.manager.Reactivate(r.Context(), tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) webhook(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_request", "unreadable body"))
		return
	}

	// Both providers put the signature in a header; the gateway knows which.
	signature := r.Header.Get("Stripe-Signature")
	if signature == "" {
		signature = r.Header.Get("Paddle-Signature")
	}

	if err := h.webhooks.Process(r.Context(), provider, payload, signature); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
