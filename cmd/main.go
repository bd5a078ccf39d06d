/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible
 * for initializing all components of the service: configuration, database
 * connection and migrations, the rate oracle and conversion layer, the Mezo
 * network client, message brokers, the repository, the core application
 * service, and the HTTP server. It wires everything together and starts the
 * service.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Rate cache backend.
 * - internal/api, internal/app, internal/config, internal/pricing,
 *   internal/store: Internal packages for the service.
 * - pkg/mezoclient, pkg/rateoracle, pkg/rabbitmq, pkg/logging.
 */

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/tripsplit/settlement-service/internal/api"
	"github.com/tripsplit/settlement-service/internal/app"
	"github.com/tripsplit/settlement-service/internal/config"
	"github.com/tripsplit/settlement-service/internal/pricing"
	"github.com/tripsplit/settlement-service/internal/store"
	"github.com/tripsplit/settlement-service/pkg/logging"
	"github.com/tripsplit/settlement-service/pkg/mezoclient"
	"github.com/tripsplit/settlement-service/pkg/rabbitmq"
	"github.com/tripsplit/settlement-service/pkg/rateoracle"
)

func main() {
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logging.New("info").Error("config load failed", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)
	logger.Info("starting settlement-service", "port", cfg.ServerPort)

	// Database pool with migrations applied at startup.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database url parse failed", "error", err)
		os.Exit(1)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		logger.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	defer dbpool.Close()

	if err := store.Migrate(dbpool); err != nil {
		logger.Error("database migration failed", "error", err)
		os.Exit(1)
	}
	logger.Info("database connected and migrated")

	// Redis backs both the rate cache and payment rate limiting. Either
	// degrades gracefully when it is absent.
	var redisClient *redis.Client
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			logger.Warn("redis url parse failed, running without redis", "error", parseErr)
		} else {
			redisClient = redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			pingErr := redisClient.Ping(pingCtx).Err()
			cancelPing()
			if pingErr != nil {
				logger.Warn("redis ping failed, running without redis", "error", pingErr)
				redisClient.Close()
				redisClient = nil
			} else {
				defer redisClient.Close()
				logger.Info("redis connected")
			}
		}
	}

	var rateCache pricing.RateCache
	if redisClient != nil {
		rateCache = pricing.NewRedisRateCache(redisClient, cfg.RedisRatePrefix)
	} else {
		rateCache = pricing.NewMemoryRateCache()
	}

	oracle := rateoracle.NewClient(cfg.RateOracleURL, cfg.RateOracleAPIKey)
	converter := pricing.NewConverter(oracle, rateCache, pricing.Config{
		CacheTTL:       cfg.RateCacheTTL(),
		SlippageBuffer: cfg.SlippageBuffer(),
		FallbackRates:  cfg.FallbackRates(),
	}, logger)

	mezoClient := mezoclient.NewClient(cfg.MezoAPIBaseURL, cfg.MezoAPIKey, logger)

	// Event producer: a broker outage degrades to log-only publishing.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq producer unavailable, events will be logged only", "error", err)
		producer = &rabbitmq.EventProducerFallback{Logger: logger}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		logger.Info("rabbitmq producer connected")
	}

	repository := store.NewPostgresRepository(dbpool)

	settlementService := app.NewService(repository, mezoClient, converter, producer, app.Config{
		DefaultCollateralRatio:  cfg.CollateralRatioDefault(),
		MinCollateralRatio:      cfg.CollateralRatioMin(),
		MaxActiveLoans:          cfg.MaxActiveLoans,
		DefaultLoanDurationDays: cfg.DefaultLoanDurationDays,
		ConfirmationTimeout:     cfg.ConfirmationTimeout(),
	}, logger)

	// Status consumer resolves payments whose confirmation poll timed out.
	statusConsumer := app.NewTransactionStatusConsumer(repository, producer, logger)
	rabbitConsumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, logger)
	if err != nil {
		logger.Warn("rabbitmq consumer unavailable, pending payments will not auto-resolve", "error", err)
	} else {
		defer rabbitConsumer.Close()
		bindings := map[string]func([]byte) bool{
			"network.tx.confirmed": statusConsumer.HandleMessage,
			"network.tx.failed":    statusConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(rabbitmq.SettlementExchange, cfg.TransferStatusQueue, bindings); err != nil {
			logger.Error("status consumer start failed", "error", err)
			os.Exit(1)
		}
		logger.Info("transaction status consumer started", "queue", cfg.TransferStatusQueue)
	}

	var moneyMovementLimiter func(http.Handler) http.Handler
	if redisClient != nil && cfg.PaymentRateLimitPerMinute > 0 {
		limiter := app.NewRedisRateLimiter(redisClient, cfg.RedisRatePrefix+":limits")
		moneyMovementLimiter = api.RateLimitMiddleware(limiter, "money_movement", cfg.PaymentRateLimitPerMinute, logger)
	}

	handlers := api.NewSettlementHandlers(settlementService, logger)
	router := chi.NewRouter()
	router.Mount("/", api.SettlementRoutes(handlers, cfg.JWKSURL, moneyMovementLimiter))

	server := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	go func() {
		logger.Info("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server stopped unexpectedly", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}
