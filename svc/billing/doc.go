// Package billing exposes the subscription and billing HTTP surface: plan
// listing, checkout, subscription management, provider webhooks, and the
// capability middleware that gates feature routes on the tenant's plan.
package billing
