package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lalithlochan/retain/internal/api"
	"github.com/lalithlochan/retain/internal/circuitbreaker"
	"github.com/lalithlochan/retain/internal/config"
	"github.com/lalithlochan/retain/internal/db"
	"github.com/lalithlochan/retain/internal/ledger"
	"github.com/lalithlochan/retain/internal/mailer"
	"github.com/lalithlochan/retain/internal/metrics"
	"github.com/lalithlochan/retain/internal/observ"
	"github.com/lalithlochan/retain/internal/offers"
	"github.com/lalithlochan/retain/internal/payments"
	"github.com/lalithlochan/retain/internal/redis"
	"github.com/lalithlochan/retain/internal/sns"
	"github.com/lalithlochan/retain/internal/sqs"
	"github.com/lalithlochan/retain/internal/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load .env: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	// Money goes over the wire as JSON numbers.
	decimal.MarshalJSONWithoutQuotes = true

	logger.Info("starting retain gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
	)

	ctx := context.Background()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	repo := db.NewRepository(database, logger)

	// Redis backs idempotency and rate limiting; both switch off without it.
	redisClient, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, idempotency and rate limiting disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		redisClient = nil
	}

	var idempotencyService *redis.IdempotencyService
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		idempotencyService = redis.NewIdempotencyService(redisClient, logger)
		rateLimiter = redis.NewRateLimiter(redisClient, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimit,
			Window: cfg.RateLimitWindow,
		})
		defer redisClient.Close()
	}

	resolver := offers.NewResolver(repo, offers.Config{
		CacheTTL:           cfg.OfferCacheTTL,
		DefaultSavedAmount: cfg.DefaultSavedAmount,
	}, logger)

	ledgerOpts := []ledger.Option{
		ledger.WithPublisher(newPublisher(ctx, cfg, logger)),
	}

	if cfg.BillingEmail != "" {
		m, err := mailer.NewSESMailer(ctx, mailer.Config{
			Region:    cfg.AWSRegion,
			FromEmail: cfg.SESFromEmail,
			ToEmail:   cfg.BillingEmail,
		}, logger)
		if err != nil {
			logger.Warn("ses mailer unavailable, statements will not be emailed", zap.Error(err))
		} else {
			ledgerOpts = append(ledgerOpts, ledger.WithStatementMailer(m))
		}
	}

	var breakers []*circuitbreaker.CircuitBreaker
	if cfg.StripeSecretKey != "" {
		breakerCfg := circuitbreaker.DefaultConfig("stripe")
		breakerCfg.OnStateChange = func(name string, to circuitbreaker.State) {
			metrics.SetBreakerState(name, int(to))
		}
		breaker := circuitbreaker.New(breakerCfg, logger)
		metrics.SetBreakerState(breaker.Name(), int(breaker.GetState()))
		breakers = append(breakers, breaker)

		checker := circuitbreaker.NewProtectedChecker(
			payments.NewStripeChecker(cfg.StripeSecretKey, nil, logger),
			breaker,
			logger,
			circuitbreaker.WithFailureFilter(payments.IsProviderFailure),
		)
		ledgerOpts = append(ledgerOpts, ledger.WithSubscriptionChecker(checker))
	} else {
		logger.Warn("no STRIPE_SECRET_KEY, stale pending saves will be failed without a subscription check")
	}

	saveLedger := ledger.New(repo, resolver, ledger.Config{
		CommissionRate: cfg.CommissionRate,
		GracePeriod:    cfg.GracePeriod,
		SweepBatchSize: cfg.SweepBatchSize,
		RecentLimit:    cfg.StatsRecentLimit,
	}, logger, ledgerOpts...)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	sweeper := worker.NewSweepWorker(saveLedger, worker.SweeperConfig{Interval: cfg.SweepInterval}, logger)
	go sweeper.Start(workerCtx)

	handlerOpts := []api.Option{
		api.WithWebhookSecret(cfg.StripeWebhookSecret),
	}
	if idempotencyService != nil {
		handlerOpts = append(handlerOpts, api.WithIdempotency(idempotencyService))
	}

	// With a queue configured, webhooks are acknowledged fast and applied by the consumer.
	if cfg.SQSQueueURL != "" {
		sqsCfg := sqs.Config{Region: cfg.SQSRegion, QueueURL: cfg.SQSQueueURL}

		producer, err := sqs.NewProducer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs producer unavailable, payment events reconciled inline", zap.Error(err))
		} else {
			handlerOpts = append(handlerOpts, api.WithEventQueue(producer))
		}

		consumer, err := sqs.NewConsumer(ctx, sqsCfg, logger)
		if err != nil {
			logger.Warn("sqs consumer unavailable", zap.Error(err))
		} else {
			go worker.NewEventConsumer(consumer, saveLedger, logger).Start(workerCtx)
		}
	}

	if cfg.StripeWebhookSecret == "" {
		logger.Warn("no STRIPE_WEBHOOK_SECRET, payment events are accepted unsigned")
	}
	if cfg.AdminAPIKey == "" {
		logger.Warn("no ADMIN_API_KEY, admin routes are open")
	}

	handler := api.NewHandler(logger, resolver, saveLedger, handlerOpts...)

	health := api.NewHealthHandler(map[string]api.Pinger{"database": database}, breakers...)
	if redisClient != nil {
		health.Optional("redis", api.PingFunc(redisClient.Ping))
	}

	router := api.NewRouter(handler, api.RouterConfig{
		Logger:         logger,
		RateLimiter:    rateLimiter,
		AdminKey:       cfg.AdminAPIKey,
		AllowedOrigins: cfg.AllowedOrigins,
		Health:         health,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		workerCancel()

		// Give outstanding requests 10 seconds to complete
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			_ = srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}

// newPublisher logs every ledger event and also sends it to SNS when a topic is set.
func newPublisher(ctx context.Context, cfg *config.Config, logger *zap.Logger) ledger.Publisher {
	logPublisher := ledger.NewLogPublisher(logger)
	if cfg.SNSTopicARN == "" {
		return logPublisher
	}

	snsPublisher, err := sns.NewPublisher(ctx, sns.Config{
		Region:   cfg.SNSRegion,
		TopicARN: cfg.SNSTopicARN,
	}, logger)
	if err != nil {
		logger.Warn("sns publisher unavailable, ledger events only logged", zap.Error(err))
		return logPublisher
	}

	return ledger.NewMultiPublisher(logger, logPublisher, snsPublisher)
}
