package billing

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/restokit/restokit/pkg/entitlement"
	"github.com/restokit/restokit/pkg/plan"
)

var errUnauthenticated = errors.New("tenant identity required")

// HeaderTenantID extracts the tenant ID from the X-Tenant-ID header. Intended
// for deployments where an auth proxy in front of the service resolves the
// tenant; applications with in-process auth supply their own extractor.
func HeaderTenantID(r *http.Request) (uuid.UUID, error) {
	raw := r.Header.Get("X-Tenant-ID")
	if raw == "" {
		return uuid.Nil, errUnauthenticated
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errUnauthenticated
	}
	return id, nil
}

// RequireCapability gates a route on the tenant's plan. Denials return 403
// with a machine-readable code so frontends can render an upgrade prompt.
// Resolution failures deny.
func RequireCapability(resolver *entitlement.Resolver, tenantID TenantIDExtractor, cap plan.Capability) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("billing: entitlement resolver is required")
	}
	if tenantID == nil {
		panic("billing: tenant ID extractor is required")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, err := tenantID(r)
			if err != nil {
				writeStatic(w, http.StatusUnauthorized, errorBody("unauthenticated", "tenant identity required"))
				return
			}
			if !resolver.HasCapability(r.Context(), id, cap) {
				writeStatic(w, http.StatusForbidden, errorBody("capability_required", string(cap)))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeStatic(w http.ResponseWriter, status int, body errorResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}
