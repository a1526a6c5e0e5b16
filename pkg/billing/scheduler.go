package billing

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Leaser guards a scheduler pass so that only one node charges at a time.
// A no-op leaser is used for single-node deployments.
type Leaser interface {
	// Acquire takes the billing lease for the given duration. Returns false
	// without error when another holder has it.
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)

	// Release gives the lease up early.
	Release(ctx context.Context) error
}

// Scheduler periodically scans for subscriptions with a passed billing
// boundary and drives each through the lifecycle manager. All state it needs
// lives in the stores; restarting after a crash just resumes from whatever
// ListDue returns.
type Scheduler struct {
	manager  *Manager
	subs     SubscriptionStore
	leaser   Leaser
	ticker   *time.Ticker
	interval time.Duration
	workers  int
	logger   *slog.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithTickInterval sets how often the scheduler scans for due subscriptions.
func WithTickInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers sets how many subscriptions are processed concurrently per tick.
func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLeaser sets the cross-node lease used to keep ticks single-flight.
func WithLeaser(l Leaser) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.leaser = l
		}
	}
}

// WithSchedulerLogger sets the structured logger.
func WithSchedulerLogger(log *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if log != nil {
			s.logger = log
		}
	}
}

// NewScheduler creates a billing scheduler.
// Panics if manager or store is nil to fail fast during initialization.
func NewScheduler(manager *Manager, subs SubscriptionStore, opts ...SchedulerOption) *Scheduler {
	if manager == nil {
		panic("billing: manager is required")
	}
	if subs == nil {
		panic("billing: subscription store is required")
	}

	s := &Scheduler{
		manager:  manager,
		subs:     subs,
		leaser:   noopLeaser{},
		interval: time.Minute,
		workers:  4,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the scheduler's periodic scan. Blocks until ctx is canceled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ticker = time.NewTicker(s.interval)
	defer s.ticker.Stop()

	// Scan immediately on start so boundaries missed during downtime are
	// picked up without waiting a full interval.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("billing scheduler shutting down")
			return ctx.Err()
		case <-s.ticker.C:
			s.tick(ctx)
		}
	}
}

// tick performs one due-subscription scan under the lease.
func (s *Scheduler) tick(ctx context.Context) {
	held, err := s.leaser.Acquire(ctx, 2*s.interval)
	if err != nil {
		s.logger.Error("failed to acquire billing lease",
			slog.String("error", err.Error()))
		return
	}
	if !held {
		return
	}
	defer func() {
		if err := s.leaser.Release(ctx); err != nil {
			s.logger.Warn("failed to release billing lease",
				slog.String("error", err.Error()))
		}
	}()

	now := time.Now().UTC()
	due, err := s.subs.ListDue(ctx, now)
	if err != nil {
		s.logger.Error("failed to list due subscriptions",
			slog.String("error", err.Error()))
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Info("processing due subscriptions",
		slog.Int("count", len(due)))

	jobs := make(chan uuid.UUID)
	var wg sync.WaitGroup
	for range s.workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for tenantID := range jobs {
				if err := s.manager.ProcessDue(ctx, tenantID); err != nil {
					s.logger.Error("failed to process due subscription",
						slog.String("tenant_id", tenantID.String()),
						slog.String("error", err.Error()))
				}
			}
		}()
	}

	for _, sub := range due {
		select {
		case <-ctx.Done():
			close(jobs)
			wg.Wait()
			return
		case jobs <- sub.TenantID:
		}
	}
	close(jobs)
	wg.Wait()
}

type noopLeaser struct{}

func (noopLeaser) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }
func (noopLeaser) Release(context.Context) error                        { return nil }
