// Package plan defines the pricing plan catalog: plans, their regional price
// tiers, capability flags, and resource limits.
//
// The catalog is pure data plus lookup. It never mutates subscriptions and
// nothing else mutates it; plan edits reach running code only through an
// explicit Catalog.Reload. Every lookup returns a deep-copied snapshot, so a
// caller holding a Plan is isolated from later catalog changes.
//
// Region resolution maps a country code to one of four price tiers. Codes
// missing from the map fall back to the lowest tier instead of failing, which
// guarantees checkout always has a price to show.
//
// Plans are loaded through the Source interface. NewInMemSource serves tests
// and hardcoded setups; NewFileSource reads a YAML catalog file:
//
//	src := plan.NewFileSource("configs/plans.yaml")
//	catalog, err := plan.NewCatalog(ctx, src)
//	if err != nil {
//		// handle error
//	}
//	price, err := catalog.PriceFor("starter", "DE")
package plan
