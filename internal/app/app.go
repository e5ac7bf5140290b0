// Package app wires the store, reconciler, Stripe provider and HTTP API into
// the entitlesyncd server.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/mihaimyh/goentitle/internal/config"
	entitlehttp "github.com/mihaimyh/goentitle/middleware/http"
	"github.com/mihaimyh/goentitle/pkg/api"
	"github.com/mihaimyh/goentitle/pkg/billing"
	billingprom "github.com/mihaimyh/goentitle/pkg/billing/metrics/prometheus"
	"github.com/mihaimyh/goentitle/pkg/billing/stripe"
	"github.com/mihaimyh/goentitle/pkg/entitlement"
	entzerolog "github.com/mihaimyh/goentitle/pkg/entitlement/logger/zerolog"
	entprom "github.com/mihaimyh/goentitle/pkg/entitlement/metrics/prometheus"
	"github.com/mihaimyh/goentitle/storage/memory"
	"github.com/mihaimyh/goentitle/storage/postgres"
	redisstore "github.com/mihaimyh/goentitle/storage/redis"
	"github.com/mihaimyh/goentitle/storage/tiered"
)

const metricsNamespace = "entitle"

// Backend is a store that also keeps the event ledger and per-user defaults.
type Backend interface {
	entitlement.Store
	entitlement.EventLedger
	entitlement.DefaultsSeeder
}

// App is the assembled daemon
type App struct {
	server   *http.Server
	logger   zerolog.Logger
	store    Backend
	registry *prometheus.Registry
	closers  []func()

	shutdownTimeout time.Duration
}

// Option customizes New
type Option func(*options)

type options struct {
	store   Backend
	fetcher stripe.CheckoutSessionFetcher
}

// WithStore replaces the configured backend
func WithStore(s Backend) Option {
	return func(o *options) { o.store = s }
}

// WithSessionFetcher replaces the Stripe API for checkout session lookups
func WithSessionFetcher(f stripe.CheckoutSessionFetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// New builds every component from cfg. Resources opened here are released
// by Run on shutdown, or by Close.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	entLogger := entzerolog.NewLogger(&logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	entMetrics := entprom.NewMetrics(registry, metricsNamespace)
	billingMetrics := billingprom.NewMetrics(registry, metricsNamespace)

	a := &App{
		logger:          logger,
		registry:        registry,
		shutdownTimeout: cfg.ShutdownTimeout,
	}
	if a.shutdownTimeout <= 0 {
		a.shutdownTimeout = 15 * time.Second
	}

	store := o.store
	if store == nil {
		var (
			closer func()
			err    error
		)
		store, closer, err = openStore(ctx, cfg, entMetrics, entLogger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, closer)

		if cfg.CacheTTL > 0 {
			cached, err := tiered.New(tiered.Config{Cold: store, TTL: cfg.CacheTTL, MaxUsers: cfg.CacheSize})
			if err != nil {
				a.Close()
				return nil, err
			}
			store = cached
		}
	}
	a.store = store

	tiers := entitlement.NewTierMapping(cfg.PriceTiers)
	rec, err := entitlement.NewReconciler(store, entitlement.Config{
		Tiers:        tiers,
		Ledger:       store,
		Seeder:       store,
		Defaults:     cfg.Defaults,
		WriteTimeout: cfg.Entitlement.WriteTimeout,
		Metrics:      entMetrics,
		Logger:       entLogger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create reconciler: %w", err)
	}

	provider, err := stripe.NewProvider(stripe.Config{
		Config: billing.Config{
			Reconciler: rec,
			Metrics:    billingMetrics,
			Logger:     entLogger,
		},
		StripeAPIKey:        cfg.Stripe.APIKey,
		StripeWebhookSecret: cfg.WebhookSecret,
		Fetcher:             o.fetcher,
		ResolveTimeout:      cfg.ResolveTimeout,
		RateLimitRequests:   cfg.WebhookRateLimit,
		TrustForwardedFor:   cfg.TrustForwardedFor,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create stripe provider: %w", err)
	}

	policy := entitlement.AccessPolicy{
		CanceledUntilPeriodEnd: !cfg.RevokeOnCancel,
		PastDueGrace:           cfg.PastDueGrace,
	}

	handler, err := api.NewHandler(api.Config{
		Provider:     provider,
		Reconciler:   rec,
		Store:        store,
		GetUserID:    api.FromHeader(cfg.UserIDHeader),
		Tiers:        tiers,
		AccessPolicy: &policy,
		Logger:       entLogger,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	gate := entitlement.NewGate(store,
		entitlement.WithAccessPolicy(policy),
		entitlement.WithGateMetrics(entMetrics),
		entitlement.WithGateLogger(entLogger),
	)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(requestLogger(logger))
	router.Use(chimiddleware.Recoverer)

	router.Get("/healthz", a.health)
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	router.With(entitlehttp.Middleware(entitlehttp.Config{Gate: gate})).Get("/v1/me", meHandler(policy))
	router.Mount("/", handler.Routes())

	a.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.HTTPServer.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, metrics entitlement.Metrics, logger entitlement.Logger) (Backend, func(), error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), func() {}, nil

	case config.DriverPostgres:
		pgConfig := postgres.DefaultConfig()
		pgConfig.ConnectionString = cfg.PostgresDSN
		pgConfig.AutoMigrate = !cfg.SkipMigrate
		pgConfig.LedgerTTL = cfg.LedgerTTL
		pgConfig.Metrics = metrics
		pgConfig.Logger = logger
		s, err := postgres.New(ctx, pgConfig)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, s.Close, nil

	case config.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Username: cfg.RedisUser,
			Password: cfg.RedisPass,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		rConfig := redisstore.DefaultConfig()
		rConfig.KeyPrefix = cfg.KeyPrefix
		rConfig.LedgerTTL = cfg.LedgerTTL
		s, err := redisstore.New(client, rConfig)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// Handler returns the root HTTP handler
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Run serves until ctx is canceled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	defer a.Close()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().Str("address", a.server.Addr).Msg("HTTP server starting")
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		timeoutCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
		defer cancel()
		a.logger.Info().Msg("Shutting down HTTP server gracefully")
		return a.server.Shutdown(timeoutCtx)
	}
}

// Close releases the store connections
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if p, ok := a.store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("Store health check failed")
			status, code = "unavailable", http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]string{"status": status})
}

// meHandler reports the entitlement behind the caller's API key, with the
// access reason the gate's policy gives for it
func meHandler(policy entitlement.AccessPolicy) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := entitlehttp.UserFromContext(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
			return
		}
		access, reason := policy.Decide(user, time.Now())
		writeJSON(w, http.StatusOK, api.EntitlementResponse{
			UserID:         user.ID,
			Status:         user.SubscriptionStatus,
			Tier:           user.SubscriptionTier,
			SubscriptionID: user.ProviderSubscriptionID,
			PeriodEnd:      user.SubscriptionPeriodEnd,
			HasAPIKey:      user.HasAPIKey(),
			Access:         access,
			AccessReason:   reason,
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// requestLogger logs one line per request with the chi request id
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				event := logger.Info()
				if status >= http.StatusInternalServerError {
					event = logger.Error()
				}
				event.
					Str("request_id", chimiddleware.GetReqID(r.Context())).
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", status).
					Int("bytes", ww.BytesWritten()).
					Dur("duration", time.Since(start)).
					Msg("HTTP request")
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
