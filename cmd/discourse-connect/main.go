package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/wikiforge/discourse-connect/pkg/authflow"
	"github.com/wikiforge/discourse-connect/pkg/config"
	"github.com/wikiforge/discourse-connect/pkg/connector"
	"github.com/wikiforge/discourse-connect/pkg/discourse"
	"github.com/wikiforge/discourse-connect/pkg/host"
	"github.com/wikiforge/discourse-connect/pkg/link"
	"github.com/wikiforge/discourse-connect/pkg/middleware"
	"github.com/wikiforge/discourse-connect/pkg/observability"
	"github.com/wikiforge/discourse-connect/pkg/reconcile"
	"github.com/wikiforge/discourse-connect/pkg/webhook"
)

func main() {
	if err := run(); err != nil {
		logrus.WithError(err).Fatal("discourse-connect failed")
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg.Observability)

	// Tracing (optional)
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}

	// Databases
	primary, err := openDatabase(ctx, cfg.Database.PrimaryURL, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect to primary database: %w", err)
	}
	defer primary.Close()

	replica := primary
	if cfg.Database.ReplicaURL != "" {
		replica, err = openDatabase(ctx, cfg.Database.ReplicaURL, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to connect to replica database: %w", err)
		}
		defer replica.Close()
	}

	// Schema: bring the link tables to the required version before serving.
	migrator := link.NewMigrator(primary, link.PostgresDialect{}, log)
	if err := migrator.Reconcile(ctx, link.RequiredSchemaVersion); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	dir := host.NewSQLDirectory(primary, nil, log)
	if err := dir.EnsureSchema(ctx, "postgres"); err != nil {
		return err
	}

	// Redis (optional)
	var redisClient *redis.Client
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", err)
		}
		if cfg.Redis.Password != "" {
			opts.Password = cfg.Redis.Password
		}
		opts.DB = cfg.Redis.DB
		opts.PoolSize = cfg.Redis.PoolSize
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		defer redisClient.Close()
	}

	// Metrics
	registry := prometheus.NewRegistry()
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics(registry)
	}

	// Core components
	groupMaps, err := cfg.Sso.LoadGroupMaps()
	if err != nil {
		return err
	}

	store := link.NewStore(primary, replica, link.DefaultUserTable())
	records := link.NewRecordCache(store, redisClient, metrics, log)
	locker := link.NewAdvisoryLocker(primary, metrics, log)

	rec := reconcile.NewReconciler(store, dir, reconcile.Config{
		LinkExistingBy: cfg.Sso.LinkExistingBy,
		ExposeName:     cfg.Sso.ExposeName,
		ExposeEmail:    cfg.Sso.ExposeEmail,
		GroupMaps:      groupMaps,
	}, log)

	sessions, err := authflow.NewLRUSessionStore(cfg.Sso.SessionCapacity, cfg.Sso.SessionTTL, nil)
	if err != nil {
		return err
	}

	protocol := discourse.NewProtocol(cfg.Discourse.ProviderURL(), cfg.Discourse.SsoSecret)

	var remote *discourse.APIClient
	if cfg.Discourse.ApiKey != "" {
		remote = discourse.NewAPIClient(cfg.Discourse.BaseURL, cfg.Discourse.LogoutEndpoint,
			cfg.Discourse.ApiKey, cfg.Discourse.ApiUsername, metrics, log)
	}

	flow := authflow.NewFlow(protocol, sessions, locker, rec, store, dir,
		host.NopAuthHost{}, remote, authflow.Config{CreateUsers: cfg.Sso.CreateUsers}, log)

	ingestor, err := webhook.NewIngestor(webhook.Config{
		Enabled:            cfg.Webhook.Enabled,
		Secret:             cfg.Webhook.Secret,
		AllowedSources:     cfg.Webhook.AllowedSources,
		IgnoredEvents:      cfg.Webhook.IgnoredEvents,
		HandleLogoutEvents: cfg.Webhook.HandleLogoutEvents,
		AutoCreateUsers:    cfg.Webhook.AutoCreateUsers,
	}, rec, store, records, locker, dir, nil, nil, log)
	if err != nil {
		return err
	}

	// HTTP routing
	router := mux.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recovery(log))
	router.Use(middleware.Logging(log))
	if metrics != nil {
		router.Use(observability.HTTPMetricsMiddleware(metrics))
	}

	limiter := middleware.NewRateLimiter(redisClient, middleware.DefaultRateLimitConfig(), "dsc:ratelimit", log)
	authRouter := router.PathPrefix("/auth").Subrouter()
	authRouter.Use(mux.MiddlewareFunc(limiter.Handler))

	authflow.NewHandlers(flow, sessions, cfg.Server.CallbackURL(), cfg.Server.SecureCookies,
		cfg.Sso.EnableSeamlessLogin, metrics, log).
		RegisterRoutes(router)
	webhook.NewHandlers(ingestor, metrics, log).RegisterRoutes(router)
	connector.NewHandlers(records, metrics, log).RegisterRoutes(router)

	appServer := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      otelhttp.NewHandler(router, "discourse-connect"),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	healthMux := http.NewServeMux()
	observability.RegisterHealthRoutes(healthMux, observability.NewHealthChecker(primary, replica, redisClient))
	if cfg.Observability.MetricsEnabled {
		observability.RegisterMetricsEndpoint(healthMux, registry)
	}
	healthServer := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: healthMux,
	}

	// Background maintenance
	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 5m", func() {
		purged := sessions.PurgeExpired()
		if purged > 0 {
			log.WithField("purged", purged).Debug("Purged expired handshake sessions")
		}
		if metrics != nil {
			metrics.SessionsActive.Set(float64(sessions.Len()))
			stats := primary.Stats()
			metrics.DBConnectionsActive.Set(float64(stats.InUse))
			metrics.DBConnectionsIdle.Set(float64(stats.Idle))
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule session purge: %w", err)
	}
	scheduler.Start()

	// Serve until signalled.
	var g errgroup.Group
	g.Go(func() error {
		log.WithField("addr", appServer.Addr).Info("Starting discourse-connect server")
		if err := appServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.WithField("addr", healthServer.Addr).Info("Starting health server")
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		sm := observability.NewShutdownManager(log, cfg.Server.ShutdownTimeout, appServer, healthServer)
		sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			<-scheduler.Stop().Done()
			return nil
		})
		sm.RegisterShutdownFunc(func(shutdownCtx context.Context) error {
			return observability.ShutdownOTel(shutdownCtx, providers, log)
		})
		return sm.WaitForShutdown()
	})

	return g.Wait()
}

// openDatabase opens and verifies one PostgreSQL handle.
func openDatabase(ctx context.Context, url string, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.IdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// newLogger builds the process logger from observability config.
func newLogger(cfg config.ObservabilityConfig) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stdout)

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)

	if cfg.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}
