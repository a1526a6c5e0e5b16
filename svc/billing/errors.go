package billing

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/restokit/restokit/pkg/billing"
	"github.com/restokit/restokit/pkg/gateway"
	"github.com/restokit/restokit/pkg/plan"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func errorBody(code, message string) errorResponse {
	return errorResponse{Error: code, Message: message}
}

// writeError maps domain errors onto HTTP statuses. Payment declines are the
// caller's problem (402), provider outages are not (503), and concurrent
// lifecycle conflicts surface as 409 so clients can refetch and retry.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var decline *gateway.DeclineError
	var conflict *billing.StateConflictError

	switch {
	case errors.As(err, &decline):
		h.writeJSON(w, http.StatusPaymentRequired, errorBody("payment_declined", decline.Reason))

	case errors.As(err, &conflict):
		h.writeJSON(w, http.StatusConflict, errorBody("state_conflict", conflict.Error()))

	case errors.Is(err, billing.ErrSubscriptionAlreadyExists):
		h.writeJSON(w, http.StatusConflict, errorBody("subscription_exists", "tenant already has a subscription"))

	case errors.Is(err, billing.ErrSubscriptionNotFound):
		h.writeJSON(w, http.StatusNotFound, errorBody("subscription_not_found", "no subscription for tenant"))

	case errors.Is(err, plan.ErrPlanNotFound), errors.Is(err, billing.ErrPlanNotOfferable):
		h.writeJSON(w, http.StatusNotFound, errorBody("plan_not_found", "unknown or unavailable plan"))

	case errors.Is(err, plan.ErrNoPriceForTier):
		h.writeJSON(w, http.StatusUnprocessableEntity, errorBody("no_price", "plan has no price for this region"))

	case errors.Is(err, gateway.ErrInvalidToken),
		errors.Is(err, gateway.ErrUnsupportedPaymentData),
		errors.Is(err, billing.ErrPaymentTokenMissing):
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_payment_data", err.Error()))

	case errors.Is(err, gateway.ErrInvalidSignature):
		h.writeJSON(w, http.StatusBadRequest, errorBody("invalid_signature", "webhook signature verification failed"))

	case errors.Is(err, gateway.ErrProviderNotConfigured), errors.Is(err, billing.ErrNoGatewayConfigured):
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody("provider_unavailable", "payment provider not configured"))

	case errors.Is(err, gateway.ErrGatewayUnavailable):
		h.writeJSON(w, http.StatusServiceUnavailable, errorBody("provider_unavailable", "payment provider temporarily unavailable"))

	case errors.Is(err, errUnauthenticated):
		h.writeJSON(w, http.StatusUnauthorized, errorBody("unauthenticated", "tenant identity required"))

	default:
		h.logger.ErrorContext(r.Context(), "unhandled billing error",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, errorBody("internal_error", "internal server error"))
	}
}
