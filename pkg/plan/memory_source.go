package plan

import (
	"context"
	"sync"
)

type inMemSource struct {
	mu    sync.RWMutex
	plans map[string]Plan
}

// NewInMemSource returns an in-memory Source with a deep copy of the given plans.
// Panics if no plans are provided so the catalog always has at least one plan.
func NewInMemSource(plans ...Plan) Source {
	if len(plans) < 1 {
		panic("plan: at least one plan is required")
	}

	cp := make(map[string]Plan, len(plans))
	for _, p := range plans {
		cp[p.ID] = p.clone()
	}

	return &inMemSource{plans: cp}
}

// Load returns a copy of all plans held in memory.
func (s *inMemSource) Load(ctx context.Context) (map[string]Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := make(map[string]Plan, len(s.plans))
	for id, p := range s.plans {
		cp[id] = p.clone()
	}
	return cp, nil
}
