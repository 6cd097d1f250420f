package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"smartbff/bff"
	"smartbff/discovery"
	"smartbff/lock"
	"smartbff/protect"
	"smartbff/registration"
	"smartbff/telemetry"
	"smartbff/ticket"
	"smartbff/upstream"
)

const startupMaxTries = 5

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config    Config
	Logger    *slog.Logger
	Keys      *protect.KeyRing
	Registry  *registration.Registry
	Discovery *discovery.Service
	Store     ticket.Store
	Locks     lock.Provider
	Metrics   *telemetry.Metrics
	Prom      *prometheus.Registry
	BFF       *bff.Service

	closers []io.Closer
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	keys, err := protect.NewKeyRing(protect.Config{
		KeyFile:        cfg.KeyFile(),
		RotateInterval: cfg.DataProtection.RotateInterval,
	}, logger)
	if err != nil {
		return nil, err
	}
	return newApp(ctx, cfg, logger, keys)
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, keys *protect.KeyRing) (*App, error) {
	registry, err := registration.NewRegistry(cfg.Registrations)
	if err != nil {
		return nil, err
	}

	prom := prometheus.NewRegistry()
	prom.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.New(prom)

	httpClient := &http.Client{Timeout: cfg.BFF.Discovery.Timeout}
	disco, err := discovery.NewService(httpClient, discovery.Options{
		CacheSize: cfg.BFF.Discovery.CacheSize,
		CacheTTL:  cfg.BFF.Discovery.CacheTTL,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:    cfg,
		Logger:    logger,
		Keys:      keys,
		Registry:  registry,
		Discovery: disco,
		Metrics:   metrics,
		Prom:      prom,
	}

	var redisClient redis.UniversalClient
	if cfg.SessionStore.Backend == BackendRedis || cfg.Lock.Backend == BackendRedis {
		rc := cfg.SessionStore.Redis
		redisClient = redis.NewClient(&redis.Options{
			Addr:         rc.Addr,
			Username:     rc.Username,
			Password:     rc.Password,
			DB:           rc.DB,
			DialTimeout:  ticket.DefaultDialTimeout,
			ReadTimeout:  ticket.DefaultReadTimeout,
			WriteTimeout: ticket.DefaultWriteTimeout,
		})
		if err := retryStartup(ctx, logger, "redis", func() error {
			return redisClient.Ping(ctx).Err()
		}); err != nil {
			_ = redisClient.Close()
			app.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		// A redis session store closes the client itself.
		if !cfg.BFF.ServerSideSessions || cfg.SessionStore.Backend != BackendRedis {
			app.closers = append(app.closers, redisClient)
		}
	}

	if cfg.BFF.ServerSideSessions {
		store, err := openStore(ctx, cfg, logger, metrics, keys, redisClient)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.Store = store
		if c, ok := store.(io.Closer); ok {
			app.closers = append(app.closers, c)
		}
	}

	switch cfg.Lock.Backend {
	case BackendRedis:
		app.Locks = lock.NewRedisProvider(redisClient, "", cfg.Lock.Lease)
	default:
		app.Locks = lock.NewMemoryProvider()
	}

	app.BFF = bff.New(bff.Config{
		BasePath:                    cfg.BFF.BasePath,
		LoginCookieDuration:         cfg.BFF.LoginCookieDuration,
		AccessTokenRefreshThreshold: cfg.BFF.AccessTokenRefreshThreshold,
		CSRFHeaderName:              cfg.BFF.CSRF.HeaderName,
		CSRFHeaderValue:             cfg.BFF.CSRF.HeaderValue,
		AllowLaunchDiscriminator:    cfg.BFF.AllowLaunchDiscriminator,
		CookieDomain:                cfg.Server.CookieDomain,
		SecureCookies:               !cfg.Server.DevMode,
	}, bff.Deps{
		Registry:  registry,
		Discovery: disco,
		Upstream:  upstream.NewClient(httpClient, logger, metrics),
		Keys:      keys,
		Store:     app.Store,
		Locks:     app.Locks,
		Logger:    logger,
		Metrics:   metrics,
	})

	logger.Info("app initialised",
		"registrations", len(registry.All()),
		"server_side_sessions", cfg.BFF.ServerSideSessions,
		"session_store", cfg.SessionStore.Backend,
		"lock", cfg.Lock.Backend,
	)
	return app, nil
}

func openStore(ctx context.Context, cfg Config, logger *slog.Logger, metrics *telemetry.Metrics, keys *protect.KeyRing, rc redis.UniversalClient) (ticket.Store, error) {
	opts := ticket.Options{
		CleanupInterval: cfg.BFF.SessionCleanupInterval,
		Logger:          logger,
		Metrics:         metrics,
	}
	switch cfg.SessionStore.Backend {
	case BackendRedis:
		return ticket.NewRedisStoreWithClient(rc, cfg.SessionStore.Redis.KeyPrefix, keys.Protector(ticket.PurposeCacheStore), opts), nil
	case BackendSQLite, BackendPostgres:
		p := keys.Protector(ticket.PurposeRelationalStore)
		var store *ticket.SQLStore
		err := retryStartup(ctx, logger, cfg.SessionStore.Backend, func() error {
			var err error
			store, err = ticket.OpenSQLStore(ctx, ticket.Dialect(cfg.SessionStore.Backend), cfg.SessionStore.SQL.DSN, p, opts)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		return store, nil
	default:
		return ticket.NewMemoryStore(keys.Protector(ticket.PurposeCacheStore), opts), nil
	}
}

// retryStartup retries op with exponential backoff so the gateway can start
// alongside its backing services.
func retryStartup(ctx context.Context, logger *slog.Logger, backend string, op func() error) error {
	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 5 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(startupMaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn("backend not ready", "backend", backend, "error", err, "retry_in", next)
		}),
	)
	return err
}

// Close releases stores, connections and caches.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.Discovery != nil {
		a.Discovery.Close()
	}
	return errors.Join(errs...)
}
