// Package billing implements the subscription lifecycle: trial starts,
// trial-to-paid conversion, renewals, payment failure grace handling,
// cancellation and reactivation.
//
// The Manager is the only component that transitions subscription state.
// Both trigger sources, the tick-driven Scheduler and the WebhookProcessor,
// funnel charge results through Manager.ApplyOutcome, where per-tenant locks
// and attempt idempotency keys make duplicate and racing triggers collapse
// into a single applied outcome.
//
// Charges follow a three-phase shape so gateway latency never blocks other
// operations on the same subscription:
//
//	beginAttempt   short, locked: claim the idempotency key
//	Charge         long, unlocked: the network call
//	ApplyOutcome   short, locked: settle the attempt, advance the state
//
// A crash between phases leaves a pending attempt behind; the next scheduler
// pass resumes it with the same idempotency key and the provider deduplicates
// the charge.
package billing
