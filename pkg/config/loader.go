package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	// ErrNilPointer is returned when Load receives a nil target.
	ErrNilPointer = errors.New("config target cannot be nil")

	// ErrParsingConfig wraps env parsing failures.
	ErrParsingConfig = errors.New("failed to parse config from environment")
)

var defaultEnvLoaded sync.Once

// Load populates the configuration struct from environment variables based
// on its `env` field tags. The default .env file is loaded once per process;
// a missing file is not an error.
//
// Example:
//
//	type WorkerConfig struct {
//		PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"2s"`
//		Concurrency  int           `env:"QUEUE_CONCURRENCY" envDefault:"2"`
//	}
//
//	var cfg WorkerConfig
//	if err := config.Load(&cfg); err != nil { ... }
func Load[T any](v *T) error {
	defaultEnvLoaded.Do(func() {
		_ = godotenv.Load()
	})
	if v == nil {
		return ErrNilPointer
	}

	if err := env.Parse(v); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return nil
}

// MustLoad works like Load but panics on failure. Used for configuration
// required at startup, where misconfiguration should prevent boot.
func MustLoad[T any](v *T) {
	if err := Load(v); err != nil {
		panic(fmt.Sprintf("failed to load required configuration: %v", err))
	}
}
