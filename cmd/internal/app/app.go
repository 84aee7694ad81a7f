// Package app wires the courier server runtime: config, logging, persistence, the event bus,
// HTTP routes and the WebSocket gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"courier/cmd/internal/api"
	"courier/cmd/internal/auth"
	"courier/cmd/internal/chat"
	"courier/cmd/internal/events"
	"courier/cmd/internal/fanout"
	"courier/cmd/internal/longpoll"
	"courier/cmd/internal/narrow"
	"courier/cmd/internal/realtime"
	"courier/cmd/internal/render"
)

// App is the courier server runtime: it owns the store, the event bus and HTTP server wiring.
type App struct {
	cfg Config
	log Logger

	store     chat.Store
	dbPool    *pgxpool.Pool
	dbEnabled bool

	bus       *events.Bus
	retention *events.Retention

	handler http.Handler

	shutdownTracing func(context.Context) error
}

// New constructs a fully wired App instance from config and logger.
// Nothing is served and no broker subscription exists until Run.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keys, err := NewKeyHasher(cfg)
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	if a.shutdownTracing, err = setupTracing(ctx, cfg, log); err != nil {
		return nil, err
	}

	if a.store, a.dbPool, err = newStore(ctx, cfg, log); err != nil {
		return nil, err
	}
	a.dbEnabled = a.dbPool != nil

	if cfg.SeedFile != "" {
		seed, err := LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return nil, err
		}
		if err := ApplySeed(ctx, a.store, keys, seed, log); err != nil {
			return nil, err
		}
	}

	evLog, err := newEventLog(cfg, log)
	if err != nil {
		return nil, err
	}
	broker, err := newBroker(ctx, cfg, log)
	if err != nil {
		_ = evLog.Close()
		return nil, err
	}

	pollCfg, err := longpoll.LoadConfigFromEnv()
	if err != nil {
		_ = evLog.Close()
		_ = broker.Close()
		return nil, err
	}
	a.bus = events.NewBus(evLog, broker,
		events.WithLogger(log),
		events.WithMaxWaiters(pollCfg.MaxWaitersPerUser),
	)

	a.retention, err = events.NewRetention(evLog, events.RetentionConfig{
		MaxPerUser: cfg.RetentionMaxPerUser,
		MaxAge:     cfg.RetentionMaxAge,
		Cron:       cfg.RetentionCron,
	}, log)
	if err != nil {
		return nil, err
	}

	engine := fanout.NewEngine(a.store, render.NewTextRenderer(a.store), a.bus, fanout.WithLogger(log))
	polls := longpoll.NewDispatcher(a.bus, pollCfg, log)
	narrower := narrow.NewNarrower(a.store, narrow.NewBuilder(a.store, engine.Resolver()))
	authn := auth.NewAuthenticator(a.store, keys, auth.LoadConfigFromEnv(), auth.WithLogger(log))

	apiHandler, err := api.NewHandler(a.store, engine, polls, authn, api.LoadConfigFromEnv(),
		api.WithLogger(log),
		api.WithNarrower(narrower),
	)
	if err != nil {
		return nil, err
	}
	ws := realtime.NewWSGateway(log, a.bus, authn, realtime.LoadConfigFromEnv())

	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, ws, apiHandler)
	a.handler = WithRequestLogging(WithCORS(WithSecurityHeaders(mux), cfg, log), log)

	ok = true
	return a, nil
}

// Handler returns the root HTTP handler with middleware applied.
func (a *App) Handler() http.Handler { return a.handler }

// Run starts the bus, the retention job and the HTTP server, and blocks until context
// cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	defer a.close(context.Background())

	if err := a.bus.Start(ctx); err != nil {
		return err
	}

	retCtx, stopRetention := context.WithCancel(ctx)
	defer stopRetention()
	go a.retention.Run(retCtx)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 120*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"api", base+"/api/v1",
		"ws", wsBaseURL(base)+"/ws/events",
		"db_enabled", a.dbEnabled,
		"events_backend", a.cfg.EventsBackend,
		"broker", a.cfg.Broker,
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	a.log.Info("server.stopped")
	return nil
}

// close releases everything New acquired. It is safe on a partially built App.
func (a *App) close(ctx context.Context) {
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.log.Error("events.close.fail", "err", err)
		}
		a.bus = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("store.close.fail", "err", err)
		}
		a.store = nil
	}
	if a.dbPool != nil {
		a.dbPool.Close()
		a.dbPool = nil
	}
	if a.shutdownTracing != nil {
		if err := a.shutdownTracing(ctx); err != nil {
			a.log.Error("tracing.shutdown.fail", "err", err)
		}
		a.shutdownTracing = nil
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
// The caller owns the returned pool; PostgresStore.Close does not close it.
func newStore(ctx context.Context, cfg Config, log Logger) (chat.Store, *pgxpool.Pool, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return chat.NewInMemoryStore(), nil, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	if cfg.DBApplySchema {
		if err := chat.ApplySchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}

	st, err := chat.NewPostgresStore(pool, chat.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", st.Schema())
	return st, pool, nil
}

func newEventLog(cfg Config, log Logger) (events.Log, error) {
	switch cfg.EventsBackend {
	case EventsBackendPebble:
		l, err := events.OpenPebbleLog(cfg.EventsDir, cfg.EventsSync)
		if err != nil {
			return nil, err
		}
		log.Info("events.log.pebble", "dir", cfg.EventsDir, "sync", cfg.EventsSync)
		return l, nil
	default:
		log.Info("events.log.memory")
		return events.NewMemoryLog(), nil
	}
}

func newBroker(ctx context.Context, cfg Config, log Logger) (events.Broker, error) {
	switch cfg.Broker {
	case BrokerRedis:
		b, err := events.NewRedisBroker(ctx, cfg.RedisURL, cfg.RedisChannel, log)
		if err != nil {
			return nil, err
		}
		log.Info("events.broker.redis", "channel", cfg.RedisChannel)
		return b, nil
	case BrokerAMQP:
		b, err := events.NewAMQPBroker(cfg.AMQPURL, cfg.AMQPExchange, log)
		if err != nil {
			return nil, err
		}
		log.Info("events.broker.amqp", "exchange", cfg.AMQPExchange)
		return b, nil
	default:
		log.Info("events.broker.local")
		return events.NewLocalBroker(), nil
	}
}

// runtimeBaseURL turns a listen address into a URL a local client can reach.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}
