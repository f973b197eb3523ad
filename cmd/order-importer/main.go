// Package main provides the order importer entry point.
// Consumes orders from upstream systems and places them through the ordering service.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-orders/internal/config"
	"github.com/drfirst/go-orders/internal/domain/order"
	"github.com/drfirst/go-orders/internal/importer"
	"github.com/drfirst/go-orders/internal/infrastructure/redpanda"
	"github.com/drfirst/go-orders/internal/observability/metrics"
	"github.com/drfirst/go-orders/internal/observability/tracing"
	"github.com/drfirst/go-orders/internal/ordering"
	"github.com/drfirst/go-orders/internal/terminology"
	"github.com/drfirst/go-orders/pkg/circuitbreaker"
	"github.com/drfirst/go-orders/pkg/idempotency"
	"github.com/drfirst/go-orders/pkg/workerpool"
)

const serviceName = "order-importer"

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
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New()

	breakerCfg := circuitbreaker.DefaultConfig("orders-db")
	breakerCfg.IgnoreErrors = []error{order.ErrOrderNotFound}
	breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
		m.CircuitBreakerState.WithLabelValues(name).Set(to.Level())
	}
	breaker, err := circuitbreaker.New(breakerCfg, logger)
	if err != nil {
		logger.Fatal("circuit breaker creation failed", zap.Error(err))
	}

	termCfg := terminology.DefaultConfig()
	termCfg.SourceUUID = cfg.DurationSourceUUID
	termCfg.RefreshInterval = cfg.TerminologyRefresh
	terms := terminology.NewStore(terminology.NewPGSource(pool), termCfg, nil, logger)
	terms.OnReload(func(concepts int) { m.TerminologyConcepts.Set(float64(concepts)) })
	if err := terms.Refresh(ctx); err != nil {
		logger.Warn("initial terminology load failed", zap.Error(err))
	}
	terms.Start()
	defer terms.Stop()

	service := ordering.NewService(order.NewRepository(pool, redpanda.TopicOrderEvents, logger), ordering.Options{
		Mapper:  terms,
		Metrics: m,
		Breaker: breaker,
		Logger:  logger,
	})

	inboxCfg := idempotency.DefaultInboxConfig()
	inboxCfg.Terminal = importer.IsPermanent
	inbox := idempotency.NewInbox(pool, inboxCfg, logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	producerCfg := redpanda.DefaultProducerConfig(cfg.KafkaBrokers)
	producerCfg.ClientID = serviceName
	producerCfg.Produced = m.KafkaMessagesProduced
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	imp, err := importer.New(importer.Config{
		Service:         service,
		Inbox:           inbox,
		Publisher:       producer,
		DeadLetterTopic: redpanda.TopicDeadLetter,
		Metrics:         m,
		Logger:          logger,
	})
	if err != nil {
		logger.Fatal("importer creation failed", zap.Error(err))
	}

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.ImportWorkers
	poolCfg.Retryable = func(err error) bool {
		return !importer.IsPermanent(err) && !errors.Is(err, idempotency.ErrMessageInProgress)
	}
	workers, err := workerpool.New(poolCfg, func(ctx context.Context, task *workerpool.Task) *workerpool.Result {
		msg := task.Payload.(*redpanda.ConsumedMessage)
		if err := imp.Handle(ctx, msg); err != nil {
			return &workerpool.Result{Error: err}
		}
		return &workerpool.Result{Success: true}
	}, logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workers.Start()

	consumerCfg := redpanda.DefaultConsumerConfig(cfg.KafkaBrokers, serviceName, redpanda.TopicOrderImports)
	consumerCfg.Consumed = m.KafkaMessagesConsumed
	consumerCfg.OnFailure = imp.OnFailure

	consumer, err := redpanda.NewConsumer(consumerCfg, func(ctx context.Context, msg *redpanda.ConsumedMessage) error {
		result, err := workers.SubmitWait(ctx, &workerpool.Task{
			ID:      msg.Topic + "/" + string(msg.Key),
			Payload: msg,
			Context: ctx,
		})
		if err != nil {
			return err
		}
		return result.Error
	}, logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}

	consumer.Start()
	logger.Info("order importer started", zap.Int("workers", poolCfg.Workers))

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

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	consumer.Stop()
	if err := workers.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := producer.Flush(shutdownCtx); err != nil {
		logger.Warn("flush on shutdown failed", zap.Error(err))
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracer shutdown error", zap.Error(err))
	}
	logger.Info("order importer stopped")
}
