package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"imageAnonymizer/core/anonymizer"
	"imageAnonymizer/core/cache"
	"imageAnonymizer/core/database"
	"imageAnonymizer/core/events"
	"imageAnonymizer/core/kafka"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/metrics"
	"imageAnonymizer/core/repository"
	coreservice "imageAnonymizer/core/service"
	"imageAnonymizer/worker/config"
	"imageAnonymizer/worker/pool"
	"imageAnonymizer/worker/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("Worker Service starting",
		zap.String("topic", cfg.KafkaTopic),
		zap.String("group_id", cfg.KafkaGroupID),
		zap.Int("workers", cfg.WorkerCount),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, int32(cfg.WorkerCount*2))
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer store.Close()

	var statusCache coreservice.StatusCache
	redisClient, err := database.ConnectCache(ctx, database.RedisOptions{Addr: cfg.RedisAddr, PoolSize: cfg.WorkerCount * 2})
	if err != nil {
		logger.Warn("Status cache unavailable", zap.Error(err))
	} else {
		defer redisClient.Close()
		statusCache = cache.NewStatusCache(redisClient)
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	workers := pool.NewWorkerPool(cfg.WorkerCount)

	engine := lifecycle.NewEngine(store, cfg.Lifecycle(), logger, m)
	dispatcher := anonymizer.NewDefaultDispatcher(cfg.Anonymizer(), logger)
	publisher := events.NewPublisher(producer, store, cfg.Events(), logger, m)
	svc := coreservice.NewAnonymization(engine, store, dispatcher, publisher, statusCache,
		coreservice.Options{StaleAfter: cfg.StaleAfter}, logger, m)

	// Each relay pass makes a single attempt per event; the next tick retries.
	relayCfg := cfg.Events()
	relayCfg.MaxAttempts = 1
	relay := service.NewRelay(events.NewPublisher(producer, store, relayCfg, logger, m),
		workers, cfg.RelayInterval, cfg.RelayBatchSize, logger)
	processor := service.NewProcessor(svc, workers, logger)

	consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaGroupID, logger, cfg.Consumer())
	if err != nil {
		logger.Fatal("Failed to create Kafka consumer", zap.Error(err))
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metrics.Handler(registry))
	metricsServer := &http.Server{Addr: ":" + cfg.MetricsPort, Handler: metricsMux, ReadHeaderTimeout: 10 * time.Second}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		relay.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := consumer.Consume(ctx, cfg.KafkaTopic, processor.Process); err != nil {
			logger.Error("Consumer stopped", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down Worker Service")

	if err := consumer.Close(); err != nil {
		logger.Error("Failed to close consumer", zap.Error(err))
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	metricsServer.Shutdown(shutdownCtx)

	wg.Wait()
	workers.Wait()
}
