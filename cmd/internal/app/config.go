package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Event log backends.
const (
	EventsBackendMemory = "memory"
	EventsBackendPebble = "pebble"
)

// Broker kinds.
const (
	BrokerLocal = "local"
	BrokerRedis = "redis"
	BrokerAMQP  = "amqp"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string
	LogLevel  string
	LogFormat string

	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// CORS is disabled when CORSAllowedOrigins is empty.
	CORSAllowedOrigins   []string
	CORSAllowCredentials bool
	CORSMaxAgeSeconds    int

	DatabaseURL   string
	DBSchema      string
	DBApplySchema bool
	DBMaxConns    int32
	DBMinConns    int32

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool

	// If true, COURIER_APIKEY_HMAC_KEY MUST be set (>= 32 bytes).
	RequireAPIKeyHMAC bool

	EventsBackend string
	EventsDir     string
	EventsSync    bool

	Broker       string
	RedisURL     string
	RedisChannel string
	AMQPURL      string
	AMQPExchange string

	RetentionMaxPerUser int
	RetentionMaxAge     time.Duration
	RetentionCron       string

	// SeedFile is a YAML file of realms, users and streams applied at startup.
	SeedFile string

	OTLPEndpoint string
	OTLPInsecure bool
	ServiceName  string
}

// LoadConfig loads Config from environment variables with defaults.
// A .env file in the working directory is read first; real environment variables win.
func LoadConfig() Config {
	_ = godotenv.Load()

	return Config{
		HTTPAddr:  EnvString("COURIER_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel:  EnvString("COURIER_LOG_LEVEL", "info"),
		LogFormat: EnvString("COURIER_LOG_FORMAT", "json"),

		ReadHeaderTimeout: EnvDuration("COURIER_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		ReadTimeout:       EnvDuration("COURIER_HTTP_READ_TIMEOUT", 15*time.Second),
		// Long-polls are parked for up to COURIER_LONGPOLL_TIMEOUT, so writes must outlast them.
		WriteTimeout: EnvDuration("COURIER_HTTP_WRITE_TIMEOUT", 120*time.Second),
		IdleTimeout:  EnvDuration("COURIER_HTTP_IDLE_TIMEOUT", 60*time.Second),

		MaxHeaderBytes: EnvInt("COURIER_HTTP_MAX_HEADER_BYTES", 1<<20),

		CORSAllowedOrigins:   EnvList("COURIER_CORS_ALLOWED_ORIGINS"),
		CORSAllowCredentials: EnvBool("COURIER_CORS_ALLOW_CREDENTIALS", false),
		CORSMaxAgeSeconds:    EnvInt("COURIER_CORS_MAX_AGE_SECONDS", 600),

		DatabaseURL:   EnvString("COURIER_DATABASE_URL", ""),
		DBSchema:      EnvString("COURIER_DB_SCHEMA", "courier"),
		DBApplySchema: EnvBool("COURIER_DB_APPLY_SCHEMA", true),
		DBMaxConns:    EnvInt32("COURIER_DB_MAX_CONNS", 10),
		DBMinConns:    EnvInt32("COURIER_DB_MIN_CONNS", 0),

		ReadinessRequireDB: EnvBool("COURIER_READINESS_REQUIRE_DB", false),

		RequireAPIKeyHMAC: EnvBool("COURIER_REQUIRE_APIKEY_HMAC", false),

		EventsBackend: strings.ToLower(EnvString("COURIER_EVENTS_BACKEND", EventsBackendMemory)),
		EventsDir:     EnvString("COURIER_EVENTS_DIR", "./data/events"),
		EventsSync:    EnvBool("COURIER_EVENTS_SYNC", true),

		Broker:       strings.ToLower(EnvString("COURIER_BROKER", BrokerLocal)),
		RedisURL:     EnvString("COURIER_REDIS_URL", ""),
		RedisChannel: EnvString("COURIER_REDIS_CHANNEL", "courier:events"),
		AMQPURL:      EnvString("COURIER_AMQP_URL", ""),
		AMQPExchange: EnvString("COURIER_AMQP_EXCHANGE", "courier.events"),

		RetentionMaxPerUser: EnvCount("COURIER_EVENTS_MAX_PER_USER", 1000),
		RetentionMaxAge:     EnvDurationOrZero("COURIER_EVENTS_RETENTION", 7*24*time.Hour),
		RetentionCron:       EnvString("COURIER_EVENTS_RETENTION_CRON", "*/10 * * * *"),

		SeedFile: EnvString("COURIER_SEED_FILE", ""),

		OTLPEndpoint: EnvString("COURIER_OTLP_ENDPOINT", ""),
		OTLPInsecure: EnvBool("COURIER_OTLP_INSECURE", true),
		ServiceName:  EnvString("COURIER_SERVICE_NAME", "courier"),
	}
}

// Validate rejects combinations the runtime cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.EventsBackend {
	case EventsBackendMemory:
	case EventsBackendPebble:
		if strings.TrimSpace(c.EventsDir) == "" {
			errs = append(errs, errors.New("COURIER_EVENTS_DIR is required for the pebble backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COURIER_EVENTS_BACKEND %q", c.EventsBackend))
	}

	switch c.Broker {
	case BrokerLocal:
	case BrokerRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("COURIER_REDIS_URL is required for the redis broker"))
		}
	case BrokerAMQP:
		if c.AMQPURL == "" {
			errs = append(errs, errors.New("COURIER_AMQP_URL is required for the amqp broker"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown COURIER_BROKER %q", c.Broker))
	}

	if c.ReadinessRequireDB && c.DatabaseURL == "" {
		errs = append(errs, errors.New("COURIER_READINESS_REQUIRE_DB=true but COURIER_DATABASE_URL is empty"))
	}
	return errors.Join(errs...)
}
