package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Source defines how plans are loaded into the catalog.
type Source interface {
	Load(ctx context.Context) (map[string]Plan, error)
}

// Catalog is a read-mostly lookup table over pricing plans. Lookups return
// deep-copied snapshots as of the call; edits become visible only through an
// explicit Reload, never retroactively through held snapshots.
type Catalog struct {
	mu    sync.RWMutex
	src   Source
	plans map[string]Plan
}

// NewCatalog loads plans from the source and validates them.
// Panics if src is nil to fail fast during initialization.
func NewCatalog(ctx context.Context, src Source) (*Catalog, error) {
	if src == nil {
		panic("plan: Source is required")
	}

	plans, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadPlans, err)
	}

	if err := validatePlans(plans); err != nil {
		return nil, err
	}

	return &Catalog{src: src, plans: plans}, nil
}

// Get returns a snapshot of the plan with the given ID.
// Retired plans remain resolvable so existing subscribers keep their terms.
func (c *Catalog) Get(planID string) (Plan, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.plans[planID]
	if !ok {
		return Plan{}, ErrPlanNotFound
	}
	return p.clone(), nil
}

// Offerable returns active plans priced for the given region, ordered by
// ascending price. Retired plans are excluded from new signups.
func (c *Catalog) Offerable(region string) []Plan {
	tier := ResolveTier(region)

	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if !p.Active {
			continue
		}
		result = append(result, p.clone())
	}

	sort.Slice(result, func(i, j int) bool {
		pi, _ := priceForTier(result[i], tier)
		pj, _ := priceForTier(result[j], tier)
		if pi.Amount != pj.Amount {
			return pi.Amount < pj.Amount
		}
		return result[i].ID < result[j].ID
	})

	return result
}

// PriceFor resolves the price of a plan for a region. Unmapped regions fall
// back to the lowest tier so checkout never has no price to show.
func (c *Catalog) PriceFor(planID, region string) (Money, error) {
	c.mu.RLock()
	p, ok := c.plans[planID]
	c.mu.RUnlock()
	if !ok {
		return Money{}, ErrPlanNotFound
	}
	return priceForTier(p, ResolveTier(region))
}

// Reload re-reads plans from the source. This is the explicit re-sync hook:
// subscriptions bound to a plan pick up corrections only after a reload and
// a fresh Get on their side.
func (c *Catalog) Reload(ctx context.Context) error {
	plans, err := c.src.Load(ctx)
	if err != nil {
		return errors.Join(ErrFailedToLoadPlans, err)
	}
	if err := validatePlans(plans); err != nil {
		return err
	}

	c.mu.Lock()
	c.plans = plans
	c.mu.Unlock()
	return nil
}

// priceForTier walks down from the requested tier to the lowest so a plan
// priced only for some tiers still resolves. Free plans resolve to zero.
func priceForTier(p Plan, tier Tier) (Money, error) {
	if p.Interval == IntervalNone {
		return Money{Amount: 0, Currency: "USD"}, nil
	}
	for t := tier; t >= LowestTier; t-- {
		if m, ok := p.Prices[t]; ok {
			return m, nil
		}
	}
	return Money{}, ErrNoPriceForTier
}

// validatePlans ensures plan configurations are internally consistent.
// Catches common configuration errors early to prevent runtime issues.
func validatePlans(plans map[string]Plan) error {
	for planID, p := range plans {
		if p.ID != planID {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan ID mismatch: map key %s != plan.ID %s", planID, p.ID))
		}
		if p.TrialDays < 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("plan %s has negative trial days: %d", planID, p.TrialDays))
		}
		if p.Interval != IntervalNone && len(p.Prices) == 0 {
			return errors.Join(ErrInvalidPlanConfiguration,
				fmt.Errorf("paid plan %s has no tier prices", planID))
		}
		for tier, m := range p.Prices {
			if tier < Tier1 || tier > Tier4 {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has unknown price tier %d", planID, tier))
			}
			if m.Amount < 0 {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has negative price for tier %d", planID, tier))
			}
			if m.Currency == "" {
				return errors.Join(ErrInvalidPlanConfiguration,
					fmt.Errorf("plan %s has no currency for tier %d", planID, tier))
			}
		}
	}
	return nil
}
