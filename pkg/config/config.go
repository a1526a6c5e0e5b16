package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrNilPointer   = errors.New("config target must be a non-nil pointer")
	ErrParsingError = errors.New("failed to parse environment variables")
)

var loadDotenv sync.Once

// Load parses environment variables into cfg based on `env` struct tags. The
// first call loads a .env file if one exists; a missing .env is not an error.
func Load[T any](cfg *T) error {
	if cfg == nil {
		return ErrNilPointer
	}
	loadDotenv.Do(func() {
		_ = godotenv.Load()
	})
	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParsingError, err)
	}
	return nil
}

// MustLoad is Load that panics on failure. Configuration errors should stop
// startup, not surface later as runtime misbehavior.
func MustLoad[T any](cfg *T) {
	if err := Load(cfg); err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}
}
