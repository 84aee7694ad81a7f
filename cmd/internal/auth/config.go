package auth

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config controls credential checks.
type Config struct {
	TrustProxy bool
	FailMax    int
	FailWindow time.Duration
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		TrustProxy: false,
		FailMax:    20,
		FailWindow: 5 * time.Minute,
	}
}

// LoadConfigFromEnv loads auth config from environment variables with safe defaults.
func LoadConfigFromEnv() Config {
	def := DefaultConfig()
	return Config{
		TrustProxy: envBool("COURIER_TRUST_PROXY", def.TrustProxy),
		FailMax:    envInt("COURIER_AUTH_FAIL_MAX", def.FailMax),
		FailWindow: envDuration("COURIER_AUTH_FAIL_WINDOW", def.FailWindow),
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
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
