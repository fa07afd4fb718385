// Package config loads typed configuration structs from environment
// variables, optionally seeded from .env files.
//
// Every package that needs configuration declares its own struct with
// `env` and `envDefault` tags and loads it here:
//
//	var cfg billing.Config
//	if err := config.Load(&cfg); err != nil {
//		return err
//	}
//
// A parsed struct is cached by type, so repeated loads are cheap and return
// the same values for the lifetime of the process.
package config

import (
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrParsingConfig = errors.New("failed to parse environment variables into config")
	ErrNilPointer    = errors.New("nil pointer provided to config loader")
	ErrLoadingEnv    = errors.New("failed to load env file")
)

var (
	dotenvOnce sync.Once
	cache      sync.Map // reflect.Type -> any
)

// Load parses environment variables into v. The default .env file is read once
// per process if present; missing files are not an error.
func Load[T any](v *T) error {
	if v == nil {
		return ErrNilPointer
	}

	dotenvOnce.Do(func() { _ = godotenv.Load() })

	key := reflect.TypeFor[T]()
	if cached, ok := cache.Load(key); ok {
		*v = cached.(T)
		return nil
	}

	var parsed T
	if err := env.Parse(&parsed); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}

	actual, _ := cache.LoadOrStore(key, parsed)
	*v = actual.(T)
	return nil
}

// MustLoad works like Load but panics on failure. Use it for configuration the
// process cannot start without.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}

// LoadEnv reads the given env files into the process environment. Later files
// override earlier ones. Already cached configs are dropped so the next Load
// sees the new values.
func LoadEnv(paths ...string) error {
	if len(paths) == 0 {
		return nil
	}
	if err := godotenv.Overload(paths...); err != nil {
		return errors.Join(ErrLoadingEnv, err)
	}
	Reset()
	return nil
}

// Reset clears the per-type cache. Intended for tests.
func Reset() {
	cache.Range(func(k, _ any) bool {
		cache.Delete(k)
		return true
	})
}
