package app

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvReaders(t *testing.T) {
	const key = "COURIER_TEST_ENV_VALUE"

	cases := []struct {
		name string
		val  string
		got  func() any
		want any
	}{
		{name: "string trims", val: "  hi ", got: func() any { return EnvString(key, "def") }, want: "hi"},
		{name: "string blank", val: "   ", got: func() any { return EnvString(key, "def") }, want: "def"},
		{name: "bool", val: "false", got: func() any { return EnvBool(key, true) }, want: false},
		{name: "bool junk", val: "nah", got: func() any { return EnvBool(key, true) }, want: true},
		{name: "int", val: "12", got: func() any { return EnvInt(key, 5) }, want: 12},
		{name: "int zero", val: "0", got: func() any { return EnvInt(key, 5) }, want: 5},
		{name: "count zero", val: "0", got: func() any { return EnvCount(key, 1000) }, want: 0},
		{name: "count negative", val: "-1", got: func() any { return EnvCount(key, 1000) }, want: 1000},
		{name: "int32", val: "7", got: func() any { return EnvInt32(key, 3) }, want: int32(7)},
		{name: "int32 overflow", val: "4294967296", got: func() any { return EnvInt32(key, 3) }, want: int32(3)},
		{name: "duration", val: "90s", got: func() any { return EnvDuration(key, time.Second) }, want: 90 * time.Second},
		{name: "duration zero", val: "0", got: func() any { return EnvDuration(key, time.Second) }, want: time.Second},
		{name: "duration or zero", val: "0", got: func() any { return EnvDurationOrZero(key, time.Hour) }, want: time.Duration(0)},
		{name: "duration or zero negative", val: "-5m", got: func() any { return EnvDurationOrZero(key, time.Hour) }, want: time.Hour},
		{name: "list", val: " a, ,b ,", got: func() any { return EnvList(key) }, want: []string{"a", "b"}},
		{name: "list empty items", val: " , ", got: func() any { return EnvList(key, "x") }, want: []string{"x"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(key, tc.val)
			if got := tc.got(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("got=%#v want=%#v", got, tc.want)
			}
		})
	}
}

func TestLoadConfig_RetentionBoundsCanBeDisabled(t *testing.T) {
	t.Setenv("COURIER_EVENTS_MAX_PER_USER", "0")
	t.Setenv("COURIER_EVENTS_RETENTION", "0")
	t.Setenv("COURIER_CORS_ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := LoadConfig()
	if cfg.RetentionMaxPerUser != 0 || cfg.RetentionMaxAge != 0 {
		t.Fatalf("retention=%d/%s want unbounded", cfg.RetentionMaxPerUser, cfg.RetentionMaxAge)
	}
	if want := []string{"https://a.example", "https://b.example"}; !reflect.DeepEqual(cfg.CORSAllowedOrigins, want) {
		t.Fatalf("cors=%v want=%v", cfg.CORSAllowedOrigins, want)
	}
}
