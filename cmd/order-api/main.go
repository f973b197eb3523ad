// Package main provides the order API service entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/api/handlers"
	"github.com/drfirst/go-orders/internal/api/middleware"
	"github.com/drfirst/go-orders/internal/config"
	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/infrastructure/postgres"
	"github.com/drfirst/go-orders/internal/infrastructure/redpanda"
	"github.com/drfirst/go-orders/internal/observability/metrics"
	"github.com/drfirst/go-orders/internal/observability/tracing"
	"github.com/drfirst/go-orders/internal/ordering"
	"github.com/drfirst/go-orders/internal/terminology"
	"github.com/drfirst/go-orders/pkg/circuitbreaker"
)

const serviceName = "order-api"

func main() {
	cfg, err := config.Load(serviceName)
	if err != nil {
		panic(err)
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()

	traceCfg := tracing.DefaultConfig(serviceName)
	traceCfg.Environment = cfg.Environment
	traceCfg.OTLPEndpoint = cfg.OTLPEndpoint
	traceCfg.SampleRate = cfg.TraceSampleRate
	tp, err := tracing.Init(ctx, traceCfg, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("database ping failed", zap.Error(err))
	}
	applied, err := postgres.Migrate(ctx, pool, logger)
	if err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}
	logger.Info("connected to database", zap.Strings("migrations_applied", applied))

	m := metrics.New()
	breakers := circuitbreaker.NewRegistry()
	newBreaker := func(name string, ignore ...error) *circuitbreaker.CircuitBreaker {
		bc := circuitbreaker.DefaultConfig(name)
		bc.IgnoreErrors = ignore
		bc.OnStateChange = func(name string, to circuitbreaker.State) {
			m.CircuitBreakerState.WithLabelValues(name).Set(to.Level())
		}
		cb, err := circuitbreaker.New(bc, logger)
		if err != nil {
			logger.Fatal("circuit breaker creation failed", zap.String("name", name), zap.Error(err))
		}
		breakers.Add(cb)
		return cb
	}
	dbBreaker := newBreaker("orders-db", order.ErrOrderNotFound)

	termCfg := terminology.DefaultConfig()
	termCfg.SourceUUID = cfg.DurationSourceUUID
	termCfg.RefreshInterval = cfg.TerminologyRefresh
	terms := terminology.NewStore(terminology.NewPGSource(pool), termCfg, newBreaker("terminology"), logger)
	terms.OnReload(func(concepts int) { m.TerminologyConcepts.Set(float64(concepts)) })
	if err := terms.Refresh(ctx); err != nil {
		// concepts still resolve through their embedded mappings
		logger.Warn("initial terminology load failed", zap.Error(err))
	}
	terms.Start()
	defer terms.Stop()

	repo := order.NewRepository(pool, redpanda.TopicOrderEvents, logger)
	service := ordering.NewService(repo, ordering.Options{
		Mapper:  terms,
		Metrics: m,
		Breaker: dbBreaker,
		Logger:  logger,
	})
	orderHandler := handlers.NewOrderHandler(service, logger)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS("*"))
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler)
	r.Get("/ready", readyHandler(pool, breakers, terms))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(cfg.APIKeys()))
		r.Mount("/orders", orderHandler.Routes())
		r.Mount("/patients", orderHandler.PatientRoutes())
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metrics.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		_ = metricsServer.Shutdown(ctx)
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("tracer shutdown error", zap.Error(err))
		}
	}()

	logger.Info("starting order API", zap.String("port", cfg.Port), zap.String("metrics_port", cfg.MetricsPort))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	logger.Info("server stopped")
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"order-api","version":"1.0.0"}`))
}

type readiness struct {
	Ready           bool                          `json:"ready"`
	Database        string                        `json:"database"`
	TerminologyAsOf *time.Time                    `json:"terminology_loaded_at,omitempty"`
	Breakers        []circuitbreaker.HealthStatus `json:"circuit_breakers"`
}

func readyHandler(pool *pgxpool.Pool, breakers *circuitbreaker.Registry, terms *terminology.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := readiness{Ready: true, Database: "ok", Breakers: breakers.Health()}
		if err := pool.Ping(r.Context()); err != nil {
			status.Ready = false
			status.Database = err.Error()
		}
		for _, b := range status.Breakers {
			if !b.Healthy {
				status.Ready = false
			}
		}
		if loaded := terms.LoadedAt(); !loaded.IsZero() {
			status.TerminologyAsOf = &loaded
		}

		code := http.StatusOK
		if !status.Ready {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	}
}
