package longpoll

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrConfig indicates invalid long-poll configuration.
var ErrConfig = errors.New("longpoll: invalid config")

// Config bounds how long a request may be parked and how many may be parked per user.
type Config struct {
	// Timeout is used when the client does not ask for one, and is the upper bound otherwise.
	Timeout time.Duration

	// MinTimeout is the lower clamp for client-requested timeouts.
	MinTimeout time.Duration

	// MaxWaitersPerUser caps parked requests per user (0 means unbounded).
	MaxWaitersPerUser int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		Timeout:           90 * time.Second,
		MinTimeout:        time.Second,
		MaxWaitersPerUser: 16,
	}
}

// LoadConfigFromEnv reads:
//   - COURIER_LONGPOLL_TIMEOUT
//   - COURIER_LONGPOLL_MIN_TIMEOUT
//   - COURIER_LONGPOLL_MAX_WAITERS
//
// Returns ErrConfig if a value is present but invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := os.Getenv("COURIER_LONGPOLL_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.Timeout = d
	}

	if v := os.Getenv("COURIER_LONGPOLL_MIN_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.MinTimeout = d
	}

	if v := os.Getenv("COURIER_LONGPOLL_MAX_WAITERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, ErrConfig
		}
		cfg.MaxWaitersPerUser = n
	}

	if cfg.MinTimeout > cfg.Timeout {
		return Config{}, ErrConfig
	}
	return cfg, nil
}

// Clamp resolves a client-requested timeout; zero or negative means the default.
func (c Config) Clamp(requested time.Duration) time.Duration {
	if requested <= 0 || requested > c.Timeout {
		return c.Timeout
	}
	if requested < c.MinTimeout {
		return c.MinTimeout
	}
	return requested
}
