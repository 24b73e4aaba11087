package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"log/slog"

	"github.com/alass1205/financial-platform-sub000/internal/assets"
	"github.com/alass1205/financial-platform-sub000/internal/config"
	"github.com/alass1205/financial-platform-sub000/internal/engine"
	"github.com/alass1205/financial-platform-sub000/internal/handlers"
	"github.com/alass1205/financial-platform-sub000/internal/service"
	"github.com/alass1205/financial-platform-sub000/internal/settlement"
	"github.com/alass1205/financial-platform-sub000/internal/storage"
	"github.com/alass1205/financial-platform-sub000/internal/vault"
	"github.com/alass1205/financial-platform-sub000/libs/health"
	"github.com/alass1205/financial-platform-sub000/libs/httpmiddleware"
	"github.com/alass1205/financial-platform-sub000/libs/kafka"
	"github.com/alass1205/financial-platform-sub000/libs/logging"
	"github.com/alass1205/financial-platform-sub000/libs/metrics"
	"github.com/alass1205/financial-platform-sub000/libs/trace"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("tracer init failed", "error", err)
	} else {
		defer func() {
			_ = shutdownTracer(context.Background())
		}()
	}

	if cfg.App.Env == "dev" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(registry)

	serviceMetrics := service.NewMetrics(registry)
	engineMetrics := engine.NewMetrics(registry)
	settlementMetrics := settlement.NewMetrics(registry)
	kafkaMetrics := kafka.NewProducerMetrics(registry)

	ready := health.NewManager(false)

	pool, err := connectDB(cfg)
	if err != nil {
		logger.Error("db connection failed", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, kafkaMetrics)
	if err != nil {
		logger.Error("kafka producer init failed", "error", err)
		os.Exit(1)
	}
	defer producer.Close()
	publisher := kafka.Publisher(producer)
	if strings.TrimSpace(cfg.Kafka.Topics.DLQ) != "" {
		publisher = kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger)
	}

	store := storage.New(pool, logger)

	registryCache := assets.NewRegistry()
	loadCtx, loadCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := registryCache.Load(loadCtx, store); err != nil {
		loadCancel()
		logger.Error("asset registry load failed", "error", err)
		os.Exit(1)
	}
	loadCancel()
	logger.Info("asset registry loaded", "assets", registryCache.Size())

	var gateway vault.Gateway
	if cfg.Vault.Sim {
		logger.Warn("using in-process vault simulator")
		gateway = vault.NewSimGateway()
	} else {
		gateway = vault.NewHTTPGateway(cfg.Vault.BaseURL, cfg.Vault.Timeout, logger)
	}

	coordinator := settlement.NewCoordinator(gateway, store, logger, settlementMetrics)

	matchEngine := engine.New(store, coordinator, publisher, logger, engineMetrics)
	matchEngine.SetTopics(cfg.Kafka.Topics.TradesSettled, cfg.Kafka.Topics.SettlementsFailed)

	exchange := service.NewExchangeService(store, registryCache, matchEngine, publisher, redisClient, logger, serviceMetrics, service.Topics{
		OrdersAccepted:  cfg.Kafka.Topics.OrdersAccepted,
		OrdersCancelled: cfg.Kafka.Topics.OrdersCancelled,
	})

	httpServer := buildHTTPServer(cfg, exchange, ready, registry, logger)

	ready.SetReady(true)

	go func() {
		logger.Info("exchange http starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
		}
	}()

	waitForShutdown(httpServer, ready, logger)
}

func connectDB(cfg *config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DB.DSN())
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

func buildHTTPServer(cfg *config.Config, exchange *service.ExchangeService, ready *health.Manager, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	router := gin.New()
	router.Use(httpmiddleware.RequestID())
	router.Use(httpmiddleware.Logger(logger))
	router.Use(httpmiddleware.Recovery(logger))

	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(ready))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(registry)))

	handler := handlers.New(exchange, logger)
	handler.Register(router, []byte(cfg.Auth.JWTSecret))

	addr := fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port)
	return &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}
}

func waitForShutdown(httpServer *http.Server, ready *health.Manager, logger *slog.Logger) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutdown started")
	ready.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("http shutdown error", "error", err)
	}
	logger.Info("shutdown complete")
}
