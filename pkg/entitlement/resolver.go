package entitlement

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/restokit/restokit/pkg/billing"
	"github.com/restokit/restokit/pkg/plan"
)

// Resolver answers "can this tenant do X right now" on the request hot path.
// It derives answers from two reads only, the tenant's subscription and the
// in-memory plan catalog, and never talks to a payment provider.
//
// Every failure mode resolves to denial: unknown tenant, missing plan, store
// error, non-entitled status. A billing outage therefore degrades to blocked
// features, never to free access.
type Resolver struct {
	subs    billing.SubscriptionStore
	catalog *plan.Catalog
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithLogger sets the structured logger used for denied-by-error diagnostics.
func WithLogger(log *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if log != nil {
			r.logger = log
		}
	}
}

// NewResolver creates an entitlement resolver.
// Panics if required dependencies are nil to fail fast during initialization.
func NewResolver(subs billing.SubscriptionStore, catalog *plan.Catalog, opts ...ResolverOption) *Resolver {
	if subs == nil {
		panic("entitlement: subscription store is required")
	}
	if catalog == nil {
		panic("entitlement: plan catalog is required")
	}

	r := &Resolver{
		subs:    subs,
		catalog: catalog,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HasCapability reports whether the tenant's plan grants the capability.
// Trialing, active and past_due subscriptions are entitled; canceled and
// expired ones, and any resolution error, deny.
func (r *Resolver) HasCapability(ctx context.Context, tenantID uuid.UUID, cap plan.Capability) bool {
	p, ok := r.entitledPlan(ctx, tenantID)
	if !ok {
		return false
	}
	return p.HasCapability(cap)
}

// LimitFor returns the tenant's numeric limit, plan.Unlimited for unmetered
// limits, and 0 whenever resolution fails or the subscription is not
// entitled.
func (r *Resolver) LimitFor(ctx context.Context, tenantID uuid.UUID, limit plan.Limit) int64 {
	p, ok := r.entitledPlan(ctx, tenantID)
	if !ok {
		return 0
	}
	return p.LimitFor(limit)
}

// WithinLimit reports whether usage fits under the tenant's limit. Unlimited
// always fits; a failed resolution never does.
func (r *Resolver) WithinLimit(ctx context.Context, tenantID uuid.UUID, limit plan.Limit, usage int64) bool {
	p, ok := r.entitledPlan(ctx, tenantID)
	if !ok {
		return false
	}
	l := p.LimitFor(limit)
	if l == plan.Unlimited {
		return true
	}
	return usage < l
}

// Snapshot returns the tenant's full entitlement view for UI rendering.
// A nil snapshot means the tenant is not entitled to anything.
func (r *Resolver) Snapshot(ctx context.Context, tenantID uuid.UUID) *Snapshot {
	sub, err := r.subs.Get(ctx, tenantID)
	if err != nil {
		return nil
	}
	if !sub.Entitled() {
		return nil
	}
	p, err := r.catalog.Get(sub.PlanID)
	if err != nil {
		r.logger.WarnContext(ctx, "subscription references unknown plan",
			slog.String("tenant_id", tenantID.String()),
			slog.String("plan_id", sub.PlanID))
		return nil
	}
	return &Snapshot{
		PlanID:       p.ID,
		PlanName:     p.Name,
		Status:       sub.Status,
		Capabilities: p.Capabilities,
		Limits:       p.Limits,
	}
}

// Snapshot is a point-in-time view of what a tenant's plan grants.
type Snapshot struct {
	PlanID       string                   `json:"plan_id"`
	PlanName     string                   `json:"plan_name"`
	Status       billing.Status           `json:"status"`
	Capabilities map[plan.Capability]bool `json:"capabilities"`
	Limits       map[plan.Limit]int64     `json:"limits"`
}

func (r *Resolver) entitledPlan(ctx context.Context, tenantID uuid.UUID) (plan.Plan, bool) {
	sub, err := r.subs.Get(ctx, tenantID)
	if err != nil {
		return plan.Plan{}, false
	}
	if !sub.Entitled() {
		return plan.Plan{}, false
	}
	p, err := r.catalog.Get(sub.PlanID)
	if err != nil {
		// A dangling plan reference is a configuration defect worth a log
		// line, but it still denies.
		r.logger.WarnContext(ctx, "subscription references unknown plan",
			slog.String("tenant_id", tenantID.String()),
			slog.String("plan_id", sub.PlanID))
		return plan.Plan{}, false
	}
	return p, true
}
