package api

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls API limits and defaults.
type Config struct {
	MaxBodyBytes int64

	// Default window for GET /api/v1/messages when num_before/num_after are absent.
	DefaultBefore int
	DefaultAfter  int

	// Back-off suggested to clients that exceed the long-poll waiter cap.
	WaiterRetryAfter time.Duration
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxBodyBytes:     1 << 20, // 1 MiB
		DefaultBefore:    50,
		DefaultAfter:     50,
		WaiterRetryAfter: 5 * time.Second,
	}
}

// LoadConfigFromEnv loads API config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	cfg := Config{
		MaxBodyBytes:     envInt64("COURIER_API_MAX_BODY_BYTES", def.MaxBodyBytes),
		DefaultBefore:    envInt("COURIER_API_DEFAULT_NUM_BEFORE", def.DefaultBefore),
		DefaultAfter:     envInt("COURIER_API_DEFAULT_NUM_AFTER", def.DefaultAfter),
		WaiterRetryAfter: envDuration("COURIER_API_WAITER_RETRY_AFTER", def.WaiterRetryAfter),
	}
	return cfg.normalized()
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = def.MaxBodyBytes
	}
	if c.DefaultBefore < 0 {
		c.DefaultBefore = def.DefaultBefore
	}
	if c.DefaultAfter < 0 {
		c.DefaultAfter = def.DefaultAfter
	}
	if c.WaiterRetryAfter <= 0 {
		c.WaiterRetryAfter = def.WaiterRetryAfter
	}
	return c
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
