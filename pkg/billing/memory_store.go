package billing

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemorySubscriptionStore is an in-memory SubscriptionStore for tests and
// single-node development setups.
type MemorySubscriptionStore struct {
	mu   sync.RWMutex
	subs map[uuid.UUID]*Subscription
}

func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[uuid.UUID]*Subscription)}
}

func (s *MemorySubscriptionStore) Get(_ context.Context, tenantID uuid.UUID) (*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sub, ok := s.subs[tenantID]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	return sub.clone(), nil
}

func (s *MemorySubscriptionStore) GetByProviderRef(_ context.Context, ref string) (*Subscription, error) {
	if ref == "" {
		return nil, ErrSubscriptionNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.ProviderSubRef == ref {
			return sub.clone(), nil
		}
	}
	return nil, ErrSubscriptionNotFound
}

func (s *MemorySubscriptionStore) Save(_ context.Context, sub *Subscription) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.subs[sub.TenantID] = sub.clone()
	return nil
}

func (s *MemorySubscriptionStore) ListDue(_ context.Context, now time.Time) ([]*Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var due []*Subscription
	for _, sub := range s.subs {
		if sub.DueAt(now) {
			due = append(due, sub.clone())
		}
	}

	sort.Slice(due, func(i, j int) bool {
		return due[i].TenantID.String() < due[j].TenantID.String()
	})
	return due, nil
}

// MemoryAttemptStore is an in-memory AttemptStore.
type MemoryAttemptStore struct {
	mu       sync.RWMutex
	attempts map[string]*Attempt // keyed by idempotency key
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{attempts: make(map[string]*Attempt)}
}

func (s *MemoryAttemptStore) GetByKey(_ context.Context, key string) (*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[key]
	if !ok {
		return nil, ErrAttemptNotFound
	}
	return a.clone(), nil
}

func (s *MemoryAttemptStore) Create(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.IdempotencyKey]; exists {
		return ErrDuplicateAttempt
	}
	s.attempts[attempt.IdempotencyKey] = attempt.clone()
	return nil
}

func (s *MemoryAttemptStore) Update(_ context.Context, attempt *Attempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[attempt.IdempotencyKey]; !exists {
		return ErrAttemptNotFound
	}
	s.attempts[attempt.IdempotencyKey] = attempt.clone()
	return nil
}

func (s *MemoryAttemptStore) ListByTenant(_ context.Context, tenantID uuid.UUID) ([]*Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Attempt
	for _, a := range s.attempts {
		if a.TenantID == tenantID {
			result = append(result, a.clone())
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// MemoryTrialGrantStore is an in-memory TrialGrantStore.
type MemoryTrialGrantStore struct {
	mu   sync.RWMutex
	used map[uuid.UUID]time.Time
}

func NewMemoryTrialGrantStore() *MemoryTrialGrantStore {
	return &MemoryTrialGrantStore{used: make(map[uuid.UUID]time.Time)}
}

func (s *MemoryTrialGrantStore) TrialUsed(_ context.Context, tenantID uuid.UUID) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, used := s.used[tenantID]
	return used, nil
}

func (s *MemoryTrialGrantStore) MarkTrialUsed(_ context.Context, tenantID uuid.UUID, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.used[tenantID]; !exists {
		s.used[tenantID] = at
	}
	return nil
}
