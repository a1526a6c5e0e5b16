package plan

import "time"

// Capability represents a plan-gated product feature that can be enabled or disabled.
type Capability string

const (
	CapabilityQRMenu          Capability = "qr_menu"
	CapabilityOnlineOrdering  Capability = "online_ordering"
	CapabilityKitchenDisplay  Capability = "kitchen_display"
	CapabilityReservations    Capability = "reservations"
	CapabilityCustomBranding  Capability = "custom_branding"
	CapabilityAnalytics       Capability = "analytics"
	CapabilityMultiLocation   Capability = "multi_location"
	CapabilityAPI             Capability = "api"
	CapabilityPrioritySupport Capability = "priority_support"
)

// Limit represents a countable tenant resource constrained by the plan.
type Limit string

const (
	LimitMenus          Limit = "menus"
	LimitMenuItems      Limit = "menu_items"
	LimitTables         Limit = "tables"
	LimitStaffAccounts  Limit = "staff_accounts"
	LimitLocations      Limit = "locations"
	LimitOrdersPerMonth Limit = "orders_per_month"
)

const (
	// Unlimited indicates no limit for a resource (-1 chosen for SQL compatibility).
	Unlimited int64 = -1
)

// Money represents a monetary amount in the smallest currency unit.
// For example, $10.99 USD would be Amount: 1099, Currency: "USD".
type Money struct {
	Amount   int64  `yaml:"amount"`
	Currency string `yaml:"currency"` // ISO 4217 currency code
}

// IsZero reports whether the amount is zero regardless of currency.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// BillingInterval represents the billing frequency for a plan.
type BillingInterval string

const (
	IntervalNone    BillingInterval = "none" // free plans with no billing
	IntervalMonthly BillingInterval = "monthly"
	IntervalAnnual  BillingInterval = "annual"
)

// CycleFrom returns the end of one billing cycle starting at the given time.
// Free plans have no cycle and return the start time unchanged.
func (i BillingInterval) CycleFrom(start time.Time) time.Time {
	switch i {
	case IntervalMonthly:
		return start.AddDate(0, 1, 0)
	case IntervalAnnual:
		return start.AddDate(1, 0, 0)
	default:
		return start
	}
}

// Plan describes a pricing plan: its regional price tiers, capability flags,
// and resource limits. Once a live subscription references a plan the catalog
// treats it as immutable; administrative corrections require an explicit
// catalog reload and never retroactively alter bound subscriptions.
type Plan struct {
	ID           string               `yaml:"id"`
	Name         string               `yaml:"name"`
	Description  string               `yaml:"description"`
	Prices       map[Tier]Money       `yaml:"prices"` // one price per region tier
	Capabilities map[Capability]bool  `yaml:"capabilities"`
	Limits       map[Limit]int64      `yaml:"limits"` // -1 represents unlimited
	TrialDays    int                  `yaml:"trial_days"`
	Interval     BillingInterval      `yaml:"interval"`
	Active       bool                 `yaml:"active"` // retired plans stay valid for existing subscribers
}

// HasTrial reports whether the plan offers a trial period.
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

// TrialEndsAt calculates when a trial started at the given time ends.
// Returns startedAt unchanged if the plan offers no trial.
func (p Plan) TrialEndsAt(startedAt time.Time) time.Time {
	if p.TrialDays <= 0 {
		return startedAt
	}
	return startedAt.AddDate(0, 0, p.TrialDays).UTC()
}

// HasCapability reports whether the plan grants the named capability.
func (p Plan) HasCapability(c Capability) bool {
	return p.Capabilities[c]
}

// LimitFor returns the plan's limit for the named resource.
// Resources the plan does not define are limited to zero.
func (p Plan) LimitFor(l Limit) int64 {
	v, ok := p.Limits[l]
	if !ok {
		return 0
	}
	return v
}

// clone returns a deep copy so catalog snapshots cannot be mutated by callers.
func (p Plan) clone() Plan {
	cp := p
	if p.Prices != nil {
		cp.Prices = make(map[Tier]Money, len(p.Prices))
		for k, v := range p.Prices {
			cp.Prices[k] = v
		}
	}
	if p.Capabilities != nil {
		cp.Capabilities = make(map[Capability]bool, len(p.Capabilities))
		for k, v := range p.Capabilities {
			cp.Capabilities[k] = v
		}
	}
	if p.Limits != nil {
		cp.Limits = make(map[Limit]int64, len(p.Limits))
		for k, v := range p.Limits {
			cp.Limits[k] = v
		}
	}
	return cp
}
