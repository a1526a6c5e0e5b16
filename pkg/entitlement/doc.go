// Package entitlement resolves plan capabilities and limits for tenants on
// the request hot path. Resolution is read-only and fails closed: any error
// denies rather than grants.
package entitlement
