// Package httpserver wraps net/http with configuration loading and graceful
// shutdown tied to context cancellation.
package httpserver
