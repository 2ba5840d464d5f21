package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stock-ledger/config"
	"stock-ledger/internal/api"
	"stock-ledger/internal/broker"
	"stock-ledger/internal/redisclient"
	"stock-ledger/internal/service"
	"stock-ledger/internal/store"
	"stock-ledger/internal/util"
	"stock-ledger/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting stock ledger",
		zap.String("env", cfg.Server.Env),
		zap.String("port", cfg.Server.Port),
		zap.String("store", cfg.Database.Driver))

	tp, err := util.InitTracer(cfg.Observ.ServiceName, cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Error("Error shutting down tracer", zap.Error(err))
		}
	}()

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal("Failed to open store", zap.Error(err))
	}
	defer st.Close()

	var cache service.AvailabilityCache
	var locker worker.Locker
	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.CacheTTL)
	if err != nil {
		logger.Warn("Redis unavailable, serving availability from the store without job locks", zap.Error(err))
	} else {
		defer redisClient.Close()
		cache, locker = redisClient, redisClient
		logger.Info("Redis connected")
	}

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicLedger)
	defer producer.Close()
	eventPublisher := broker.NewEventPublisher(producer)

	authorizer := service.NewStaticAuthorizer(cfg.Business.Approvers)
	projection := service.NewProjection(st, cache)
	reservations := service.NewReservationService(st, projection, eventPublisher, cfg.Business.ReservationTTL)
	sales := service.NewSaleService(st, reservations, eventPublisher)
	services := api.Services{
		Ledger:       service.NewLedger(st, eventPublisher),
		Adjustments:  service.NewAdjustmentService(st, projection, authorizer, eventPublisher),
		Transfers:    service.NewTransferService(st, projection, authorizer, eventPublisher),
		Projection:   projection,
		Reservations: reservations,
		Sales:        sales,
		Calculator:   service.NewCalculator(st, eventPublisher),
	}

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	if stats, err := projection.Resync(workerCtx); err != nil {
		logger.Warn("Initial cache resync failed", zap.Error(err))
	} else {
		logger.Info("Initial cache resync finished", zap.Int("rows", stats.Rows))
	}

	sweeper := worker.NewExpirySweeper(reservations, locker, cfg.Business.SweepInterval, cfg.Business.SweepBatchSize)
	go func() {
		if err := sweeper.Start(workerCtx); err != nil && err != context.Canceled {
			logger.Error("Expiry sweeper stopped", zap.Error(err))
		}
	}()

	if cache != nil {
		resync := worker.NewCacheResyncWorker(projection, locker, cfg.Business.CacheResyncInterval)
		go func() {
			if err := resync.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Cache resync worker stopped", zap.Error(err))
			}
		}()
	}

	var saleWorker *worker.SaleEventWorker
	if cfg.Kafka.ConsumeSaleEvent {
		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSaleEvents, cfg.Kafka.ConsumerGroup)
		saleWorker = worker.NewSaleEventWorker(consumer, sales)
		go func() {
			if err := saleWorker.Start(workerCtx); err != nil && err != context.Canceled {
				logger.Error("Sale event worker stopped", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	api.NewHandler(services).SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if saleWorker != nil {
		if err := saleWorker.Stop(); err != nil {
			logger.Error("Failed to stop sale event worker", zap.Error(err))
		}
	}

	logger.Info("Server exited")
}

// openStore opens the configured ledger store, applying the schema to
// Postgres when migration is enabled
func openStore(cfg *config.Config) (store.Store, error) {
	if cfg.Database.Driver == config.StoreDriverMemory {
		return store.NewMemoryStore(), nil
	}

	pg, err := store.NewPostgresStore(cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Database.Migrate {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
	}
	return pg, nil
}
