package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"imageAnonymizer/api/config"
	"imageAnonymizer/api/handlers"
	"imageAnonymizer/api/middleware"
	"imageAnonymizer/core/anonymizer"
	"imageAnonymizer/core/cache"
	"imageAnonymizer/core/database"
	"imageAnonymizer/core/events"
	"imageAnonymizer/core/kafka"
	"imageAnonymizer/core/lifecycle"
	"imageAnonymizer/core/metrics"
	"imageAnonymizer/core/repository"
	"imageAnonymizer/core/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg := config.Load()
	logger.Info("API Service starting",
		zap.String("port", cfg.Port),
		zap.String("env", cfg.Env),
		zap.String("store", cfg.StoreDriver),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	store, err := repository.Open(ctx, cfg.StoreDriver, cfg.DatabaseURL, 10)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer store.Close()

	deps := map[string]handlers.Pinger{}
	if store.DB != nil {
		deps["postgres"] = store.DB
	}

	var statusCache service.StatusCache
	redisClient, err := database.ConnectCache(ctx, database.RedisOptions{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("Status cache unavailable, serving reads from the store", zap.Error(err))
	} else {
		defer redisClient.Close()
		statusCache = cache.NewStatusCache(redisClient)
		deps["redis"] = redisClient
	}

	producer, err := kafka.NewProducer(cfg.KafkaBrokers)
	if err != nil {
		logger.Fatal("Failed to create Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	engine := lifecycle.NewEngine(store, cfg.Lifecycle(), logger, m)
	dispatcher := anonymizer.NewDefaultDispatcher(cfg.Anonymizer(), logger)
	publisher := events.NewPublisher(producer, store, cfg.Events(), logger, m)
	svc := service.NewAnonymization(engine, store, dispatcher, publisher, statusCache,
		service.Options{StaleAfter: cfg.StaleAfter}, logger, m)

	mux := http.NewServeMux()
	handlers.NewTaskHandler(svc, logger).Register(mux)
	handlers.NewHealthHandler(deps, logger).Register(mux)
	mux.Handle("GET /metrics", metrics.Handler(registry))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           middleware.Chain(mux, middleware.TraceID, middleware.Logging(logger, m), middleware.Recovery(logger)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("Server started", zap.String("address", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down API Service")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
