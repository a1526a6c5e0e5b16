package plan

import "errors"

var (
	ErrPlanNotFound             = errors.New("pricing plan not found")
	ErrNoPriceForTier           = errors.New("pricing plan has no price for tier")
	ErrInvalidPlanConfiguration = errors.New("invalid pricing plan configuration")
	ErrFailedToLoadPlans        = errors.New("failed to load pricing plans")
)
