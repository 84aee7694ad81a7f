package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Env readers return def when the variable is unset, blank, unparsable or outside the
// reader's range.

func envValue[T any](key string, def T, parse func(string) (T, bool)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if out, ok := parse(v); ok {
		return out
	}
	return def
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	return envValue(key, def, func(v string) (string, bool) { return v, true })
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	return envValue(key, def, func(v string) (bool, bool) {
		b, err := strconv.ParseBool(v)
		return b, err == nil
	})
}

// EnvInt reads a positive int.
func EnvInt(key string, def int) int {
	return envValue(key, def, func(v string) (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil && n > 0
	})
}

// EnvCount reads a non-negative int; 0 is kept, for bounds where it means "unbounded".
func EnvCount(key string, def int) int {
	return envValue(key, def, func(v string) (int, bool) {
		n, err := strconv.Atoi(v)
		return n, err == nil && n >= 0
	})
}

// EnvInt32 reads a non-negative int32.
func EnvInt32(key string, def int32) int32 {
	return envValue(key, def, func(v string) (int32, bool) {
		n, err := strconv.ParseInt(v, 10, 32)
		return int32(n), err == nil && n >= 0
	})
}

// EnvDuration reads a positive duration.
func EnvDuration(key string, def time.Duration) time.Duration {
	return envValue(key, def, func(v string) (time.Duration, bool) {
		d, err := time.ParseDuration(v)
		return d, err == nil && d > 0
	})
}

// EnvDurationOrZero reads a non-negative duration; "0" disables an age bound.
func EnvDurationOrZero(key string, def time.Duration) time.Duration {
	return envValue(key, def, func(v string) (time.Duration, bool) {
		d, err := time.ParseDuration(v)
		return d, err == nil && d >= 0
	})
}

// EnvList reads a comma-separated list, dropping blank items.
func EnvList(key string, def ...string) []string {
	return envValue(key, def, func(v string) ([]string, bool) {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out, len(out) > 0
	})
}
