// Package config loads typed configuration structs from environment
// variables, with optional .env support for local development.
package config
