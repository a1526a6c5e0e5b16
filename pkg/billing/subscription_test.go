package billing_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/restokit/restokit/pkg/billing"
)

func TestSubscription_Entitled(t *testing.T) {
	t.Parallel()

	entitled := map[billing.Status]bool{
		billing.StatusTrialing: true,
		billing.StatusActive:   true,
		billing.StatusPastDue:  true,
		billing.StatusCanceled: false,
		billing.StatusExpired:  false,
	}
	for status, want := range entitled {
		sub := &billing.Subscription{TenantID: uuid.New(), Status: status}
		assert.Equal(t, want, sub.Entitled(), "status %s", status)
	}
}

func TestSubscription_DueAt(t *testing.T) {
	t.Parallel()

	now := time.Date(2025, 3, 15, 12, 0, 0, 0, time.UTC)
	earlier := now.Add(-time.Hour)
	later := now.Add(time.Hour)

	t.Run("trialing is due once trial end passes", func(t *testing.T) {
		t.Parallel()
		sub := &billing.Subscription{Status: billing.StatusTrialing, TrialEnd: &earlier}
		assert.True(t, sub.DueAt(now))

		sub.TrialEnd = &later
		assert.False(t, sub.DueAt(now))

		sub.TrialEnd = nil
		assert.False(t, sub.DueAt(now))
	})

	t.Run("active is due once the period ends", func(t *testing.T) {
		t.Parallel()
		sub := &billing.Subscription{Status: billing.StatusActive, CurrentPeriodEnd: earlier}
		assert.True(t, sub.DueAt(now))

		sub.CurrentPeriodEnd = later
		assert.False(t, sub.DueAt(now))
	})

	t.Run("active free subscription is never due", func(t *testing.T) {
		t.Parallel()
		sub := &billing.Subscription{Status: billing.StatusActive}
		assert.False(t, sub.DueAt(now))
	})

	t.Run("past_due is due at the scheduled retry", func(t *testing.T) {
		t.Parallel()
		sub := &billing.Subscription{Status: billing.StatusPastDue, NextRetryAt: &earlier}
		assert.True(t, sub.DueAt(now))

		sub.NextRetryAt = &later
		assert.False(t, sub.DueAt(now))

		sub.NextRetryAt = nil
		assert.False(t, sub.DueAt(now))
	})

	t.Run("terminal statuses are never due", func(t *testing.T) {
		t.Parallel()
		for _, status := range []billing.Status{billing.StatusCanceled, billing.StatusExpired} {
			sub := &billing.Subscription{Status: status, CurrentPeriodEnd: earlier, NextRetryAt: &earlier}
			assert.False(t, sub.DueAt(now), "status %s", status)
		}
	})
}
