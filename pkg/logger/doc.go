// Package logger builds slog loggers from application configuration, with
// JSON output for production and text output for development.
package logger
