// Package redis provides Redis client construction with startup retry, used
// for the cross-node billing scheduler lease.
package redis
