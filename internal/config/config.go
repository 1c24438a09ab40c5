package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string
	LogFile  string // optional rotated log file, stdout only when empty

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis config
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// AWS Services
	AWSRegion    string
	SQSRegion    string
	SQSQueueURL  string // payment events are reconciled inline when empty
	SNSRegion    string
	SNSTopicARN  string // ledger events are only logged when empty
	SESFromEmail string
	BillingEmail string // recipient of monthly statements

	// Payment provider
	StripeSecretKey     string
	StripeWebhookSecret string

	// Ledger
	CommissionRate     decimal.Decimal
	DefaultSavedAmount decimal.Decimal
	GracePeriod        time.Duration
	SweepInterval      time.Duration
	SweepBatchSize     int
	StatsRecentLimit   int

	OfferCacheTTL time.Duration

	// HTTP surface
	RateLimit       int
	RateLimitWindow time.Duration
	AllowedOrigins  []string
	AdminAPIKey     string
}

// Load reads configuration from environment variables with sensible defaults
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "retain",
		DBName:    "retain",
		DBSSLMode: "disable",

		RedisHost: "localhost",
		RedisPort: 6379,

		AWSRegion:    "us-east-1",
		SESFromEmail: "billing@retain.local",

		CommissionRate:     decimal.RequireFromString("0.20"),
		DefaultSavedAmount: decimal.RequireFromString("50.00"),
		GracePeriod:        30 * 24 * time.Hour,
		SweepInterval:      time.Hour,
		SweepBatchSize:     50,
		StatsRecentLimit:   5,

		OfferCacheTTL: time.Minute,

		RateLimit:       100,
		RateLimitWindow: time.Minute,
		AllowedOrigins:  []string{"*"},
	}

	var err error

	if cfg.Port, err = intEnv("PORT", cfg.Port); err != nil {
		return nil, err
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	if env := os.Getenv("ENV"); env != "" {
		cfg.Env = env
	}

	cfg.LogFile = os.Getenv("LOG_FILE")

	// Database config
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.DBHost = host
	}

	if cfg.DBPort, err = intEnv("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}

	if user := os.Getenv("DB_USER"); user != "" {
		cfg.DBUser = user
	}

	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.DBPassword = password
	}

	if dbname := os.Getenv("DB_NAME"); dbname != "" {
		cfg.DBName = dbname
	}

	if sslmode := os.Getenv("DB_SSLMODE"); sslmode != "" {
		cfg.DBSSLMode = sslmode
	}

	// Redis config
	if host := os.Getenv("REDIS_HOST"); host != "" {
		cfg.RedisHost = host
	}

	if cfg.RedisPort, err = intEnv("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}

	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.RedisPassword = password
	}

	if cfg.RedisDB, err = intEnv("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	// AWS
	if region := os.Getenv("AWS_REGION"); region != "" {
		cfg.AWSRegion = region
	}

	if region := os.Getenv("SQS_REGION"); region != "" {
		cfg.SQSRegion = region
	} else {
		cfg.SQSRegion = cfg.AWSRegion
	}
	cfg.SQSQueueURL = os.Getenv("SQS_QUEUE_URL")

	if region := os.Getenv("SNS_REGION"); region != "" {
		cfg.SNSRegion = region
	} else {
		cfg.SNSRegion = cfg.AWSRegion
	}
	cfg.SNSTopicARN = os.Getenv("SNS_TOPIC_ARN")

	if from := os.Getenv("SES_FROM_EMAIL"); from != "" {
		cfg.SESFromEmail = from
	}
	cfg.BillingEmail = os.Getenv("BILLING_EMAIL")

	// Stripe
	cfg.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	cfg.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")

	// Ledger
	if cfg.CommissionRate, err = decimalEnv("COMMISSION_RATE", cfg.CommissionRate); err != nil {
		return nil, err
	}
	if cfg.CommissionRate.IsNegative() || cfg.CommissionRate.GreaterThan(decimal.NewFromInt(1)) {
		return nil, fmt.Errorf("invalid COMMISSION_RATE: must be between 0 and 1, got %s", cfg.CommissionRate)
	}

	if cfg.DefaultSavedAmount, err = decimalEnv("DEFAULT_SAVED_AMOUNT", cfg.DefaultSavedAmount); err != nil {
		return nil, err
	}
	if cfg.DefaultSavedAmount.IsNegative() {
		return nil, fmt.Errorf("invalid DEFAULT_SAVED_AMOUNT: must not be negative")
	}

	if cfg.GracePeriod, err = durationEnv("SAVE_GRACE_PERIOD", cfg.GracePeriod); err != nil {
		return nil, err
	}
	if cfg.GracePeriod <= 0 {
		return nil, fmt.Errorf("invalid SAVE_GRACE_PERIOD: must be positive, got %s", cfg.GracePeriod)
	}

	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", cfg.SweepInterval); err != nil {
		return nil, err
	}

	if cfg.SweepBatchSize, err = intEnv("SWEEP_BATCH_SIZE", cfg.SweepBatchSize); err != nil {
		return nil, err
	}
	if cfg.SweepBatchSize <= 0 {
		return nil, fmt.Errorf("invalid SWEEP_BATCH_SIZE: must be positive, got %d", cfg.SweepBatchSize)
	}

	if cfg.StatsRecentLimit, err = intEnv("STATS_RECENT_LIMIT", cfg.StatsRecentLimit); err != nil {
		return nil, err
	}

	if cfg.OfferCacheTTL, err = durationEnv("OFFER_CACHE_TTL", cfg.OfferCacheTTL); err != nil {
		return nil, err
	}

	// HTTP surface
	if cfg.RateLimit, err = intEnv("RATE_LIMIT", cfg.RateLimit); err != nil {
		return nil, err
	}

	if cfg.RateLimitWindow, err = durationEnv("RATE_LIMIT_WINDOW", cfg.RateLimitWindow); err != nil {
		return nil, err
	}

	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		cfg.AllowedOrigins = splitList(origins)
	}

	cfg.AdminAPIKey = os.Getenv("ADMIN_API_KEY")

	return cfg, nil
}

func intEnv(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func durationEnv(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func decimalEnv(key string, def decimal.Decimal) (decimal.Decimal, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
