package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

var validate = validator.New()

type Config struct {
	ServerPort int `validate:"gt=0,lte=65535"`

	StoreDriver      string `validate:"oneof=postgres bolt"`
	DBDataSourceName string `validate:"required_if=StoreDriver postgres"`
	MigrationsDir    string `validate:"required_if=StoreDriver postgres"`
	BoltPath         string `validate:"required_if=StoreDriver bolt"`

	RedisEnabled  bool
	RedisAddr     string `validate:"required_if=RedisEnabled true"`
	RedisPassword string
	RedisDB       int `validate:"gte=0"`

	StripeSecretKey     string
	StripeWebhookSecret string
	Currency            string `validate:"len=3,lowercase"`
	DefaultChapterPrice int64  `validate:"gt=0"`

	PreviewLength  int    `validate:"gt=0"`
	AuthUserHeader string `validate:"required"`

	// PurchaseRateLimit of 0 disables rate limiting.
	PurchaseRateLimit  int           `validate:"gte=0"`
	PurchaseRateWindow time.Duration `validate:"gt=0"`
	WebhookEventTTL    time.Duration `validate:"gt=0"`

	// PendingSweepInterval of 0 disables the stale pending sweeper.
	PendingSweepInterval time.Duration `validate:"gte=0"`
	PendingMaxAge        time.Duration `validate:"gt=0"`
}

func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		fmt.Println("Warning: could not load .env file, using process environment")
	}

	config := &Config{}
	var err error

	if config.ServerPort, err = getEnvInt("PORT", 8032); err != nil {
		return nil, err
	}

	config.StoreDriver = getEnvOrDefault("STORE_DRIVER", "postgres")

	dbHost := getEnvOrDefault("PAYWALL_DB_HOST", "localhost")
	dbPort := getEnvOrDefault("PAYWALL_DB_PORT", "5432")
	dbName := getEnvOrDefault("PAYWALL_DB_DATABASE", "paywall")
	dbUser := getEnvOrDefault("PAYWALL_DB_USERNAME", "root")
	dbPassword := getEnvOrDefault("PAYWALL_DB_PASSWORD", "1234")

	config.DBDataSourceName = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUser, dbPassword, dbHost, dbPort, dbName)
	config.MigrationsDir = getEnvOrDefault("MIGRATIONS_DIR", "migrations")
	config.BoltPath = getEnvOrDefault("BOLT_PATH", "paywall.db")

	if config.RedisEnabled, err = getEnvBool("REDIS_ENABLED", true); err != nil {
		return nil, err
	}
	redisHost := getEnvOrDefault("PAYWALL_REDIS_HOST", "localhost")
	redisPort := getEnvOrDefault("PAYWALL_REDIS_PORT", "6379")
	config.RedisAddr = fmt.Sprintf("%s:%s", redisHost, redisPort)
	config.RedisPassword = os.Getenv("PAYWALL_REDIS_PASSWORD")
	if config.RedisDB, err = getEnvInt("REDIS_DB", 0); err != nil {
		return nil, err
	}

	config.StripeSecretKey = os.Getenv("STRIPE_SECRET_KEY")
	config.StripeWebhookSecret = os.Getenv("STRIPE_WEBHOOK_SECRET")
	config.Currency = strings.ToLower(getEnvOrDefault("PAYMENT_CURRENCY", "eur"))

	price, err := getEnvInt("DEFAULT_CHAPTER_PRICE", 299)
	if err != nil {
		return nil, err
	}
	config.DefaultChapterPrice = int64(price)

	if config.PreviewLength, err = getEnvInt("PREVIEW_LENGTH", 500); err != nil {
		return nil, err
	}
	config.AuthUserHeader = getEnvOrDefault("AUTH_USER_HEADER", "X-User-ID")

	if config.PurchaseRateLimit, err = getEnvInt("PURCHASE_RATE_LIMIT", 10); err != nil {
		return nil, err
	}
	if config.PurchaseRateWindow, err = getEnvDuration("PURCHASE_RATE_WINDOW", time.Minute); err != nil {
		return nil, err
	}
	if config.WebhookEventTTL, err = getEnvDuration("WEBHOOK_EVENT_TTL", 72*time.Hour); err != nil {
		return nil, err
	}
	if config.PendingSweepInterval, err = getEnvDuration("PENDING_SWEEP_INTERVAL", 0); err != nil {
		return nil, err
	}
	if config.PendingMaxAge, err = getEnvDuration("PENDING_MAX_AGE", 24*time.Hour); err != nil {
		return nil, err
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, value, err)
	}
	return d, nil
}
